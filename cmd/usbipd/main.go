// Command usbipd runs the USB/IP daemon with the bundled loopback demo
// peripheral attached under a single bus id.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	usbip "github.com/go-usbip/usbipd"
	"github.com/go-usbip/usbipd/internal/demo"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := usbip.ParseFlags(os.Args[1:], log)
	log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("usbip: fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *usbip.Config, log *slog.Logger) error {
	loop := demo.New(log.With("component", "demo"))

	server := usbip.NewServer(log.With("component", "server"))
	devid := server.Attach(cfg.BusID, loop.Core())
	log.Info("usbip: attached demo peripheral", "busid", cfg.BusID, "devid", devid)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, cfg.ListenAddr) })
	return g.Wait()
}
