package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/snowmerak/gateway.go/lib/message"
)

// Handler processes one message forwarded by the host.
type Handler interface {
	Handle(ctx context.Context, s *Session, msg *message.Message) error
}

// HandlerFunc is a convenience type for converting functions to Handler
type HandlerFunc func(ctx context.Context, s *Session, msg *message.Message) error

// Handle implements Handler interface
func (f HandlerFunc) Handle(ctx context.Context, s *Session, msg *message.Message) error {
	return f(ctx, s, msg)
}

// Session is the backend's end of a bridge stream.
type Session struct {
	r   io.Reader
	out *frameWriter

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewSession creates a session reading frames from r and writing them to w.
// Nil r and w default to os.Stdin and os.Stdout.
func NewSession(r io.Reader, w io.Writer) *Session {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	return &Session{r: r, out: &frameWriter{w: w}, shutdown: make(chan struct{})}
}

// Publish sends msg to the host, which publishes it into its broker.
func (s *Session) Publish(msg *message.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode message for host: %w", err)
	}
	return s.out.write(FrameMessage, data)
}

// ShuttingDown is closed once the host has asked the session to stop.
func (s *Session) ShuttingDown() <-chan struct{} {
	return s.shutdown
}

// Serve reports ready and then hands every forwarded message to h, in order, until the
// host asks for shutdown, the stream ends, or ctx ends. A shutdown request is
// acknowledged after the message in progress completes. Handler errors are reported to
// the host and do not stop the session.
func (s *Session) Serve(ctx context.Context, h Handler) error {
	if err := s.out.write(FrameReady, nil); err != nil {
		return err
	}

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := ReadFrame(s.r)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		case f := <-frames:
			switch f.Type {
			case FrameShutdown:
				s.shutdownOnce.Do(func() { close(s.shutdown) })
				return s.out.write(FrameShutdownAck, nil)
			case FrameMessage:
				if err := s.handle(ctx, h, f.Payload); err != nil {
					if werr := s.out.write(FrameError, []byte(err.Error())); werr != nil {
						return werr
					}
				}
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, h Handler, payload []byte) error {
	msg, err := message.Unmarshal(payload)
	if err != nil {
		return err
	}
	defer msg.Release()
	return h.Handle(ctx, s, msg)
}
