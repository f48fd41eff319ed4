package client

import (
	"context"
	"fmt"

	"comms-ccf/message"
)

// MethodFunc calls one discovered function.
type MethodFunc func(ctx context.Context, args ...any) (any, error)

// Invoke calls a function by name after checking the argument count against
// the schema.
func (c *Client) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	reply, err := c.invokeByName(ctx, name, args)
	if err != nil {
		return nil, err
	}
	var result any
	if err := c.decode(reply, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Method returns a callable bound to name, or false if the peer has no such
// function.
func (c *Client) Method(name string) (MethodFunc, bool) {
	if _, ok := c.Lookup(name); !ok {
		return nil, false
	}
	return func(ctx context.Context, args ...any) (any, error) {
		return c.Invoke(ctx, name, args...)
	}, true
}

// CallAs calls a function by name and decodes its result into a T.
func CallAs[T any](ctx context.Context, c *Client, name string, args ...any) (T, error) {
	var result T
	reply, err := c.invokeByName(ctx, name, args)
	if err != nil {
		return result, err
	}
	err = c.decode(reply, &result)
	return result, err
}

func (c *Client) invokeByName(ctx context.Context, name string, args []any) (*message.Reply, error) {
	f, ok := c.Lookup(name)
	if !ok {
		if c.State() != Ready {
			return nil, fmt.Errorf("%w: %q (schema not discovered)", ErrUnknownFunction, name)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	if len(args) != len(f.Params) {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, f.Signature(), len(f.Params), len(args))
	}
	if args == nil {
		args = []any{}
	}
	return c.invoke(ctx, &message.Call{Function: f.Index, Name: f.Name, Args: args})
}
