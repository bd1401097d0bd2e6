package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/ethstream/internal/devicesim"
	"github.com/danmuck/ethstream/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "cmd/devicesim/config.toml", "devicesim config path")
	flag.Parse()

	observability.InitLogger("devicesim")
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := loadSimConfig(path)
	if err != nil {
		return err
	}
	sim, err := devicesim.New(cfg)
	if err != nil {
		return err
	}
	defer sim.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = sim.Run(ctx)
	for _, st := range sim.Stats() {
		log.Info().
			Str("route", st.Name).
			Uint64("received", st.Received).
			Uint64("forwarded", st.Forwarded).
			Uint64("dropped", st.Dropped).
			Msg("route stats")
	}
	return err
}
