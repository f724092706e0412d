package mailbox

import "context"

type sourceKey struct{}

// WithSource returns a context carrying the client address to record in the
// activity journal.
func WithSource(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceKey{}, addr)
}

// Source returns the client address in ctx, or "localhost".
func Source(ctx context.Context) string {
	if addr, ok := ctx.Value(sourceKey{}).(string); ok && addr != "" {
		return addr
	}
	return "localhost"
}
