package dispatch

import (
	"context"
	"net/http"
)

// Invoker is a downstream client with an open-ended set of operations.
type Invoker interface {
	Invoke(ctx context.Context, op string, args ...any) (any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, op string, args ...any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	return f(ctx, op, args...)
}

// Wrap returns an Invoker that admits every operation through d before forwarding
// it to next with the original arguments.
func (d *Dispatcher) Wrap(next Invoker) Invoker {
	return &gatedInvoker{next: next, d: d}
}

type gatedInvoker struct {
	next Invoker
	d    *Dispatcher
}

func (g *gatedInvoker) Invoke(ctx context.Context, op string, args ...any) (any, error) {
	if err := g.d.Wait(ctx); err != nil {
		return nil, err
	}

	return g.next.Invoke(ctx, op, args...)
}

// Transport returns a RoundTripper that admits every request through d before
// sending it with base. A nil base uses http.DefaultTransport.
func (d *Dispatcher) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	return &transport{base: base, d: d}
}

type transport struct {
	base http.RoundTripper
	d    *Dispatcher
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.d.Wait(req.Context()); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}

		return nil, err
	}

	return t.base.RoundTrip(req)
}
