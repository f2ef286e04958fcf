package connectivity

import (
	"context"
	"errors"
	"io"
)

// PayloadReader yields one payload per call.
type PayloadReader interface {
	ReadPayload(ctx context.Context) ([]byte, error)
}

// PayloadReaderFunc adapts a function to PayloadReader.
type PayloadReaderFunc func(ctx context.Context) ([]byte, error)

func (f PayloadReaderFunc) ReadPayload(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// ReadLoop hands every payload from r to onPayload until ctx ends or a read
// fails. It returns nil for a clean end of stream or cancellation and the
// read error otherwise. Empty payloads are skipped.
func ReadLoop(ctx context.Context, r PayloadReader, onPayload func([]byte)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := r.ReadPayload(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			continue
		}
		onPayload(payload)
	}
}
