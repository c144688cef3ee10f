// Command echo is a bridge backend that sends every forwarded message back to the host
// with its content prefixed and its source property replaced.
//
// By default it talks to the host over stdin and stdout. With -socket it listens on a
// unix socket for a host configured with the bridge socket option.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/snowmerak/gateway.go/lib/logging"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/modules/bridge"
)

func main() {
	socket := flag.String("socket", "", "unix socket to serve instead of stdin and stdout")
	flag.Parse()

	// stdout carries frames; logs must go to stderr.
	log := logging.New(os.Stderr, logging.Config{Level: os.Getenv("ECHO_LOG_LEVEL"), Format: "json"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var echoed int
	handler := bridge.HandlerFunc(func(ctx context.Context, s *bridge.Session, msg *message.Message) error {
		props := msg.Properties()
		props["source"] = "echo"

		reply, err := message.New(props, append([]byte("Echo: "), msg.Content()...))
		if err != nil {
			return err
		}
		defer reply.Release()

		echoed++
		return s.Publish(reply)
	})

	session := bridge.NewSession(nil, nil)
	if *socket != "" {
		log.Info("waiting for host", "socket", *socket)
		conn, err := bridge.Accept(ctx, *socket)
		if err != nil {
			log.Error("failed to accept host", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		session = bridge.NewSession(conn, conn)
	}

	err := session.Serve(ctx, handler)
	log.Info("echo backend stopped", "echoed", echoed, "error", err)
	if err != nil {
		os.Exit(1)
	}
}
