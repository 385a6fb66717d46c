package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
)

type base64Stage struct {
	encoding *base64.Encoding
}

// Base64 encodes outbound frames and decodes inbound frames with standard
// base64. Both peers must install it.
func Base64() Middleware {
	return &base64Stage{encoding: base64.StdEncoding}
}

func (b *base64Stage) Send(ctx context.Context, state *State, data []byte, next Next) error {
	out := make([]byte, b.encoding.EncodedLen(len(data)))
	b.encoding.Encode(out, data)
	return next(ctx, out)
}

func (b *base64Stage) Receive(ctx context.Context, state *State, data []byte, next Next) error {
	out := make([]byte, b.encoding.DecodedLen(len(data)))
	n, err := b.encoding.Decode(out, data)
	if err != nil {
		return fmt.Errorf("base64 middleware: %w", err)
	}
	return next(ctx, out[:n])
}
