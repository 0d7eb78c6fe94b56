package auth

import "context"

// Anonymous names the client of a session that presented no token.
const Anonymous = "anonymous"

type claimsKey struct{}

// WithClaims attaches the claims of the calling client. Nil claims mark an
// unauthenticated session.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the claims attached by WithClaims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// ClientFromContext returns the client name of the caller for logging.
func ClientFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil && c.Client() != "" {
		return c.Client()
	}
	return Anonymous
}
