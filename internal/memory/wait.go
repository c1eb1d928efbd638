package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Finder resolves a loaded module by name. It returns an error wrapping
// ErrModuleMissing while the module is not loaded yet.
type Finder func(name string) (Module, error)

// DefaultWaitInterval is the polling interval used when none is given.
const DefaultWaitInterval = 100 * time.Millisecond

// WaitModule polls find until the module shows up, ctx is cancelled or its
// deadline passes. Errors other than ErrModuleMissing end the wait early.
func WaitModule(ctx context.Context, find Finder, name string, interval time.Duration) (Module, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		mod, err := find(name)
		if err == nil {
			return mod, nil
		}
		if !errors.Is(err, ErrModuleMissing) {
			return Module{}, err
		}

		select {
		case <-ctx.Done():
			return Module{}, fmt.Errorf("%w: %s: %w", ErrModuleTimeout, name, ctx.Err())
		case <-ticker.C:
		}
	}
}
