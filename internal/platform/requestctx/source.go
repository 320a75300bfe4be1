// Package requestctx carries request-scoped command context.
package requestctx

import "context"

type sourceContextKey struct{}

// WithSource records which entry point issued the current command, for
// example "seed" or "maintenance".
func WithSource(ctx context.Context, source string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sourceContextKey{}, source)
}

// SourceFromContext returns the command source stored in ctx.
func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(sourceContextKey{}).(string)
	return value
}
