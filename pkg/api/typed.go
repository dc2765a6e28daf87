package api

import (
	"context"
	"fmt"
)

// TypedHandler wraps a strongly-typed function into a HandlerFunc.
// Example:
//
//	api.TypedHandler(func(ctx context.Context, req ResizeRequest) (ResizeResult, error) { ... })
//
// If the job payload is not assignable to I, the attempt fails with a
// descriptive error instead of panicking. A nil payload is accepted when I
// can hold it (pointer, interface, map, slice types).
func TypedHandler[I, O any](fn func(context.Context, I) (O, error)) HandlerFunc {
	return func(ctx context.Context, payload any) (any, error) {
		in, ok := payload.(I)
		if !ok {
			if payload != nil {
				var want I
				return nil, fmt.Errorf("offload: payload type %T does not match handler input %T", payload, want)
			}
			// payload == nil: fall through with the zero value of I.
		}
		return fn(ctx, in)
	}
}

// TypedResult extracts a typed output from a Result.
// It returns the Result's error if the job failed, and a type error if the
// output is not assignable to O.
func TypedResult[O any](res Result) (O, error) {
	var zero O
	if res.Err != nil {
		return zero, res.Err
	}
	out, ok := res.Output.(O)
	if !ok {
		if res.Output == nil {
			return zero, nil
		}
		return zero, fmt.Errorf("offload: result type %T does not match %T", res.Output, zero)
	}
	return out, nil
}
