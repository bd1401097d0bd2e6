package main

import (
	"flag"
	"log"

	"github.com/danmuck/ethstream/internal/config"
)

func main() {
	kind := flag.String("kind", "host", "config kind: host|loopback")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/ethstreamctl/config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if _, err := config.Template(*kind); err != nil {
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = "cmd/ethstreamctl/config.toml"
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s: device=%s inputs=%d outputs=%d",
			path, cfg.Device.Name, len(cfg.Inputs), len(cfg.Outputs))
		return
	}

	target := *output
	if target == "" {
		target = "cmd/ethstreamctl/config.toml"
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
