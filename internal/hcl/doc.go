// Package hcl provides the concrete HCL implementation of the config.Loader
// interface. It is responsible for file discovery, parsing, and turning
// settings, inputs and stage blocks into the format-agnostic config.Pipeline.
package hcl
