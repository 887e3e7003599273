// Package config holds the format-agnostic pipeline model produced by
// loaders and the orchestrator settings, which are layered from defaults, an
// optional YAML file, STAGEGRID_* environment variables and CLI flags.
package config
