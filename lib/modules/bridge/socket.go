package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Dial connects to a backend listening on a unix socket. It retries until the socket
// accepts a connection or ctx ends, so the backend may still be starting.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to bridge socket %s: %w", path, err)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Accept listens on a unix socket, waits for one host connection, and stops listening.
// A stale socket file left at path is removed first.
func Accept(ctx context.Context, path string) (net.Conn, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale bridge socket: %w", err)
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on bridge socket: %w", err)
	}
	defer l.Close()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept bridge host: %w", err)
	}
	return conn, nil
}
