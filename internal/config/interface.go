package config

import "context"

// Loader is the interface for a format-specific pipeline loader.
type Loader interface {
	// Load reads one or more pipeline files and merges them into a Pipeline.
	Load(ctx context.Context, paths ...string) (*Pipeline, error)
}
