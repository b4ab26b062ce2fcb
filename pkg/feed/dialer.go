package feed

import (
	"context"
	"errors"
)

var ErrStreamClosed = errors.New("feed stream closed")

// Dialer opens an upstream depth stream for one underlying symbol.
type Dialer interface {
	Dial(ctx context.Context, symbol string) (Stream, error)
}

// Stream yields raw upstream frames. Close must unblock a pending ReadFrame.
type Stream interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, symbol string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, symbol string) (Stream, error) {
	return f(ctx, symbol)
}
