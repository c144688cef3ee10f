// Command gateway runs a broker with the modules named in a YAML configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/gateway"
	"github.com/snowmerak/gateway.go/lib/logging"
	"github.com/snowmerak/gateway.go/lib/module"
	"github.com/snowmerak/gateway.go/lib/modules/bridge"
	"github.com/snowmerak/gateway.go/lib/modules/hello"
	"github.com/snowmerak/gateway.go/lib/modules/kafka"
	"github.com/snowmerak/gateway.go/lib/modules/logger"
	"github.com/snowmerak/gateway.go/lib/modules/sensor"
	"github.com/snowmerak/gateway.go/lib/modules/wshub"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway configuration")
	envFile := flag.String("env", ".env", "optional dotenv file applied before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}

	log := logging.Init(os.Stderr, cfg.Log)

	registry, err := module.NewRegistry(hello.APIs, sensor.APIs, logger.APIs, bridge.APIs, kafka.APIs, wshub.APIs)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g, err := gateway.New(cfg, &gateway.Options{Logger: log, Registry: registry, Registerer: reg})
	if err != nil {
		return err
	}
	if err := g.Start(); err != nil {
		_ = g.Close(context.Background())
		return err
	}
	log.Info("gateway started", "modules", len(g.Modules()), "links", len(g.Links()))

	var admin *gateway.Admin
	adminErr := make(chan error, 1)
	if cfg.Admin.Addr != "" {
		admin = gateway.NewAdmin(g, reg, log)
		go func() { adminErr <- admin.Start(cfg.Admin.Addr) }()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		log.Info("signal received", "signal", s.String())
	case err := <-adminErr:
		if err != nil {
			log.Error("admin server failed", "error", err)
		}
	}

	timeout := cfg.Admin.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if admin != nil {
		errs = append(errs, admin.Shutdown(ctx))
	}
	errs = append(errs, g.Close(ctx))
	if err := errors.Join(errs...); err != nil {
		log.Error("gateway shutdown incomplete", "error", err)
		return err
	}
	log.Info("gateway stopped")
	return nil
}
