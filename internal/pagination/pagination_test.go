package pagination

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type item struct {
	n    int
	date time.Time
}

func itemDate(i item) time.Time { return i.date }

func items(n int) []item {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := make([]item, n)
	for i := range l {
		// Stored order differs from date order for the last item.
		l[i] = item{n: i, date: base.Add(time.Duration(i) * time.Hour)}
	}
	l[n-1].date = base.Add(-time.Hour)
	return l
}

func numbers(l []item) []int {
	out := []int{}
	for _, i := range l {
		out = append(out, i.n)
	}
	return out
}

func TestGetPaginationParams(t *testing.T) {
	p := GetPaginationParams(url.Values{})
	assert.False(t, p.Paged)
	assert.Equal(t, "", p.Sort)

	p = GetPaginationParams(url.Values{"page": {"3"}, "limit": {"500"}, "sort": {"newest"}})
	assert.True(t, p.Paged)
	assert.Equal(t, int32(3), p.Page)
	assert.Equal(t, MaxLimit, p.Limit)
	assert.Equal(t, int32(200), p.Offset)
	assert.Equal(t, "newest", p.Sort)

	p = GetPaginationParams(url.Values{"page": {"-1"}, "limit": {"x"}, "sort": {"random"}}, WithDefaultSort("oldest"), WithDefaultLimit(5))
	assert.False(t, p.Paged)
	assert.Equal(t, int32(5), p.Limit)
	assert.Equal(t, "oldest", p.Sort)

	assert.True(t, GetHasNext(0, 10, 11))
	assert.False(t, GetHasNext(10, 10, 20))
}

func TestApply(t *testing.T) {
	l := items(5)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, numbers(Apply(l, GetPaginationParams(url.Values{}), itemDate)))
	assert.Equal(t, []int{4, 0, 1, 2, 3}, numbers(Apply(l, GetPaginationParams(url.Values{"sort": {"oldest"}}), itemDate)))
	assert.Equal(t, []int{3, 2, 1, 0, 4}, numbers(Apply(l, GetPaginationParams(url.Values{"sort": {"desc"}}), itemDate)))

	page := GetPaginationParams(url.Values{"page": {"2"}, "limit": {"2"}})
	assert.Equal(t, []int{2, 3}, numbers(Apply(l, page, itemDate)))

	page = GetPaginationParams(url.Values{"page": {"3"}, "limit": {"2"}})
	assert.Equal(t, []int{4}, numbers(Apply(l, page, itemDate)))

	page = GetPaginationParams(url.Values{"page": {"9"}})
	assert.Empty(t, Apply(l, page, itemDate))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, numbers(l), "input is not modified")
	assert.NotNil(t, Apply[item](nil, GetPaginationParams(url.Values{}), itemDate))
}
