package stage

import (
	"context"

	"github.com/specialistvlad/stagegridgo/internal/stagectx"
)

// Funcs adapts plain functions to the Stage interface. Nil hooks succeed.
type Funcs struct {
	StageName         string
	ValidateFn        func(sc stagectx.Context) (bool, string)
	ExecuteFn         func(ctx context.Context, sc stagectx.Context) (stagectx.Context, error)
	CleanupFn         func(ctx context.Context, sc stagectx.Context) error
	ValidateOutputsFn func(sc stagectx.Context) (bool, string)
}

var _ Stage = (*Funcs)(nil)

func (f *Funcs) Name() string { return f.StageName }

func (f *Funcs) Validate(sc stagectx.Context) (bool, string) {
	if f.ValidateFn == nil {
		return true, ""
	}
	return f.ValidateFn(sc)
}

func (f *Funcs) Execute(ctx context.Context, sc stagectx.Context) (stagectx.Context, error) {
	if f.ExecuteFn == nil {
		return sc, nil
	}
	return f.ExecuteFn(ctx, sc)
}

func (f *Funcs) Cleanup(ctx context.Context, sc stagectx.Context) error {
	if f.CleanupFn == nil {
		return nil
	}
	return f.CleanupFn(ctx, sc)
}

func (f *Funcs) ValidateOutputs(sc stagectx.Context) (bool, string) {
	if f.ValidateOutputsFn == nil {
		return true, ""
	}
	return f.ValidateOutputsFn(sc)
}
