package auth

import (
	"context"
	"errors"
)

type callerKey struct{}

// ErrNoCaller is returned when the request was not authenticated.
var ErrNoCaller = errors.New("auth: no caller in context")

// WithCaller attaches c to the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// GetCaller retrieves the Caller set by the middleware.
func GetCaller(ctx context.Context) (*Caller, error) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	if !ok || c == nil {
		return nil, ErrNoCaller
	}
	return c, nil
}
