// Package pagination reads page, limit and sort from a query string and
// applies them to an in-memory listing. A query without any of them leaves
// the listing untouched, so plain clients get every item in stored order.
package pagination

import (
	"net/url"
	"slices"
	"strconv"
	"time"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int32  // Current page number (1-based)
	Limit  int32  // Number of items per page
	Offset int32  // Calculated offset
	Sort   string // "newest", "oldest", "asc", "desc", or "" for stored order
	Paged  bool   // page or limit was given
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit int32 = 100
	// DefaultPage is the default page number when not specified
	DefaultPage int32 = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit int32 = 10
)

// calculateOffset computes the offset for a given page and limit.
// It ensures page is at least 1 to avoid negative offsets.
func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

func isValidSort(sort string) bool {
	switch sort {
	case "newest", "oldest", "asc", "desc":
		return true
	default:
		return false
	}
}

// PaginationOption configures defaults, following the functional options
// pattern.
type PaginationOption func(*Params)

// WithDefaultLimit sets the limit used when only page is given.
func WithDefaultLimit(limit int32) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// WithDefaultSort sets the sort order used when the query has none. An
// invalid sort is a no-op.
func WithDefaultSort(sort string) PaginationOption {
	if !isValidSort(sort) {
		return func(p *Params) {}
	}
	return func(p *Params) {
		p.Sort = sort
	}
}

// GetPaginationParams extracts pagination parameters from URL query values.
func GetPaginationParams(q url.Values, opts ...PaginationOption) *Params {
	params := &Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}

	for _, opt := range opts {
		opt(params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
			params.Paged = true
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
			params.Paged = true
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)

	if sortStr := q.Get("sort"); sortStr != "" && isValidSort(sortStr) {
		params.Sort = sortStr
	}

	return params
}

// GetHasNext determines if there are more items available after the current page.
func GetHasNext(offset, limit, count int32) bool {
	return (offset + limit) < count
}

// Apply sorts items by date if a sort was requested and then cuts out the
// requested page. The input slice is not modified.
func Apply[T any](items []T, p *Params, date func(T) time.Time) []T {
	out := slices.Clone(items)
	if out == nil {
		out = []T{}
	}

	switch p.Sort {
	case "oldest", "asc":
		slices.SortStableFunc(out, func(a, b T) int { return date(a).Compare(date(b)) })
	case "newest", "desc":
		slices.SortStableFunc(out, func(a, b T) int { return date(b).Compare(date(a)) })
	}

	if !p.Paged {
		return out
	}
	start := int(p.Offset)
	if start >= len(out) {
		return []T{}
	}
	end := min(start+int(p.Limit), len(out))
	return out[start:end]
}
