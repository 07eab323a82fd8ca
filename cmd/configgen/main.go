package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/remoteobj/internal/config"
	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/rs/zerolog/log"
)

var defaultPaths = map[string]string{
	"objectd":   "cmd/objectd/config.toml",
	"model":     "cmd/objectd/model.toml",
	"objectctl": "cmd/objectctl/config.toml",
}

func main() {
	kind := flag.String("kind", "objectd", "config kind: "+strings.Join(config.Kinds, "|"))
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	observability.InitLogger("configgen")

	if _, ok := defaultPaths[*kind]; !ok {
		log.Fatal().Str("kind", *kind).Msg("unknown kind")
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPaths[*kind]
		}
		if err := validateFile(*kind, path); err != nil {
			log.Fatal().Err(err).Msg("validation failed")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("config validated")
		return
	}

	target := *output
	if target == "" {
		target = defaultPaths[*kind]
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template")
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("config template written")
}

// validateFile fully checks model files. Daemon and client files are checked
// for syntax and unknown keys; their loaders live with their commands.
func validateFile(kind, path string) error {
	if kind == "model" {
		_, err := config.LoadModelConfig(path)
		return err
	}
	var raw map[string]any
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	tmpl, err := config.Template(kind)
	if err != nil {
		return err
	}
	var known map[string]any
	if _, err := toml.Decode(tmpl, &known); err != nil {
		return err
	}
	for _, key := range meta.Keys() {
		if _, ok := known[key[0]]; !ok {
			return fmt.Errorf("%s: unknown key %q", path, key.String())
		}
	}
	return nil
}
