package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ethstream/internal/devicesim"
)

type routeConfig struct {
	Name         string `toml:"name"`
	Listen       string `toml:"listen"`
	Source       string `toml:"source"`
	Forward      string `toml:"forward"`
	FrameSize    int    `toml:"frame_size"`
	SyncSize     int    `toml:"sync_size"`
	StripPadding bool   `toml:"strip_padding"`
}

type fileConfig struct {
	LossRate float64       `toml:"loss_rate"`
	Seed     uint64        `toml:"seed"`
	Timeout  string        `toml:"timeout"`
	Routes   []routeConfig `toml:"routes"`
}

func loadSimConfig(path string) (devicesim.Config, error) {
	cfg := devicesim.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return devicesim.Config{}, fmt.Errorf("load devicesim config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return devicesim.Config{}, fmt.Errorf("load devicesim config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("loss_rate") {
		cfg.LossRate = raw.LossRate
	}

	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return devicesim.Config{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}

	for _, rc := range raw.Routes {
		cfg.Routes = append(cfg.Routes, devicesim.Route{
			Name:         strings.TrimSpace(rc.Name),
			Listen:       strings.TrimSpace(rc.Listen),
			Source:       strings.TrimSpace(rc.Source),
			Forward:      strings.TrimSpace(rc.Forward),
			FrameSize:    rc.FrameSize,
			SyncSize:     rc.SyncSize,
			StripPadding: rc.StripPadding,
		})
	}
	return cfg, nil
}
