package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/ethstream/internal/admin"
	"github.com/danmuck/ethstream/internal/config"
	"github.com/danmuck/ethstream/internal/device"
	"github.com/danmuck/ethstream/internal/observability"
	"github.com/rs/zerolog/log"
)

type options struct {
	configPath string
	frames     int
	batchSize  uint
	capture    bool
	serve      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "cmd/ethstreamctl/config.toml", "host config path")
	flag.IntVar(&opts.frames, "frames", 16, "frames to send on every input and read on every output")
	flag.UintVar(&opts.batchSize, "batch", 0, "network group batch size (0 uses frames_per_sync)")
	flag.BoolVar(&opts.capture, "capture", false, "record output frames under capture_dir")
	flag.BoolVar(&opts.serve, "admin", false, "serve the admin API while streaming and until interrupted")
	flag.Parse()

	observability.InitLogger("ethstreamctl")
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "ethstreamctl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.frames <= 0 {
		return errors.New("frames must be positive")
	}
	if opts.batchSize > 0xffff {
		return fmt.Errorf("batch %d exceeds 65535", opts.batchSize)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	dev, err := device.Open(cfg, device.Options{})
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var adminDone chan error
	if opts.serve {
		srv := admin.New(dev, cfg.Device.AdminAddr, cfg.Device.CaptureDir, cfg.Device.CorsOrigins)
		adminDone = make(chan error, 1)
		go func() { adminDone <- srv.Serve(ctx) }()
	}

	if err := dev.ActivateNetworkGroup(uint16(opts.batchSize)); err != nil {
		return err
	}
	d := driver{dev: dev, frames: opts.frames, capture: opts.capture, captureDir: cfg.Device.CaptureDir}
	runErr := d.run(ctx)
	if err := dev.DeactivateNetworkGroup(); err != nil {
		log.Warn().Err(err).Msg("deactivate network group")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dev.Stats()); err != nil {
		return err
	}

	if adminDone != nil && runErr == nil {
		log.Info().Msg("streaming done, admin API stays up until interrupted")
		<-ctx.Done()
		if err := <-adminDone; err != nil {
			return err
		}
	}
	return runErr
}
