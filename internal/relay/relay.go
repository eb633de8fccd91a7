// Package relay turns a stream of model fragments into line-sized frames for
// the client while accumulating the complete response.
package relay

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-relay/internal/llm"
)

// Sentinel is the frame that ends every turn.
const Sentinel = "[END]"

var (
	ErrInference = errors.New("inference failed")
	ErrTransport = errors.New("transport failed")
)

// Sink receives frames in order.
type Sink interface {
	WriteText(frame string) error
}

type Relay struct {
	// Delay is inserted between successive flushed frames.
	Delay time.Duration
	log   *zap.Logger
}

func New(delay time.Duration, logger *zap.Logger) *Relay {
	return &Relay{Delay: delay, log: logger}
}

// Pipe drains src into sink. Complete lines are sent as soon as they are
// available; whatever is left after the stream ends goes out as one final
// frame. The returned string is the full response received so far, also
// when an error is returned. src is always closed.
func (r *Relay) Pipe(ctx context.Context, src llm.Stream, sink Sink) (string, error) {
	defer func() {
		if err := src.Close(); err != nil {
			r.log.Debug("closing fragment stream", zap.Error(err))
		}
	}()

	var (
		buf    strings.Builder
		full   strings.Builder
		frames int
	)

	send := func(frame string) error {
		if frames > 0 && r.Delay > 0 {
			t := time.NewTimer(r.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := sink.WriteText(frame); err != nil {
			return errors.Wrapf(ErrTransport, "sending frame: %v", err)
		}
		frames++
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}

		fragment, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.log.Warn("fragment stream failed", zap.Error(err), zap.Int("received_bytes", full.Len()))
			// Deliver what the client has not seen yet before reporting.
			if rest := buf.String(); rest != "" {
				if sendErr := send(rest); sendErr != nil {
					return full.String(), sendErr
				}
			}
			return full.String(), errors.Wrapf(ErrInference, "%v", err)
		}
		if fragment == "" {
			continue
		}

		buf.WriteString(fragment)
		full.WriteString(fragment)

		pending := buf.String()
		if !strings.Contains(pending, "\n") {
			continue
		}
		lines := strings.Split(pending, "\n")
		buf.Reset()
		buf.WriteString(lines[len(lines)-1])
		for _, line := range lines[:len(lines)-1] {
			if err := send(line + "\n"); err != nil {
				return full.String(), err
			}
		}
	}

	if rest := buf.String(); rest != "" {
		if err := send(rest); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

// Finish sends the end-of-turn sentinel.
func (r *Relay) Finish(sink Sink) error {
	if err := sink.WriteText(Sentinel); err != nil {
		return errors.Wrapf(ErrTransport, "sending sentinel: %v", err)
	}
	return nil
}
