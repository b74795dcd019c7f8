// Package quota decides whether an authenticated caller may make another
// request. It backs the stats stage of the gate in front of /otp and /ticket.
package quota

import "context"

// Checker reports whether key may proceed. An error means the decision
// could not be made; callers must not treat it as an allow.
type Checker interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, key string) (bool, error)

func (f CheckerFunc) Allow(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// AllowAll never denies.
var AllowAll Checker = CheckerFunc(func(context.Context, string) (bool, error) { return true, nil })
