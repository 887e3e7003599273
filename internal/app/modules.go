package app

import (
	"github.com/specialistvlad/stagegridgo/internal/registry"
	"github.com/specialistvlad/stagegridgo/modules/env_vars"
	"github.com/specialistvlad/stagegridgo/modules/http_request"
	"github.com/specialistvlad/stagegridgo/modules/print"
	"github.com/specialistvlad/stagegridgo/modules/s3"
	"github.com/specialistvlad/stagegridgo/modules/shell"
	"github.com/specialistvlad/stagegridgo/modules/socketio_request"
)

// CoreModules is the definitive list of all modules that are compiled into
// the stagegrid binary. Isolated workers register the same list.
func CoreModules() []registry.Module {
	return []registry.Module{
		&env_vars.Module{},
		&print.Module{},
		&shell.Module{},
		&http_request.Module{},
		&s3.Module{},
		&socketio_request.Module{},
	}
}

// NewRegistry returns a registry holding mods, or CoreModules when none are
// given.
func NewRegistry(mods ...registry.Module) *registry.Registry {
	if len(mods) == 0 {
		mods = CoreModules()
	}
	reg := registry.New()
	reg.RegisterModules(mods...)
	return reg
}
