// Package cli defines the stagegrid command tree (run, validate and the
// hidden worker entrypoint). It turns flags into settings overrides and run
// statuses into process exit codes.
package cli
