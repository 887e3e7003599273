// Package app wires a pipeline run together: settings, logger, stage
// registry, pipeline loader, orchestrator, checkpoint store and the
// health/metrics server. It knows nothing about command-line parsing, so the
// same App can be driven by the CLI or by tests.
package app
