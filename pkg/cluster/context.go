package cluster

import "context"

type forwardedKey struct{}

// WithForwardedFrom marks ctx as serving a request another node forwarded.
// A forwarded request is never forwarded again.
func WithForwardedFrom(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, forwardedKey{}, origin)
}

// ForwardedFrom returns the forwarding node's address, if any.
func ForwardedFrom(ctx context.Context) (string, bool) {
	origin, ok := ctx.Value(forwardedKey{}).(string)
	return origin, ok
}
