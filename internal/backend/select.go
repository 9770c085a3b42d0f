package backend

import (
	"fmt"

	"github.com/OCAP2/markerpose/pkg/core"
)

// Capabilities describes which detection sources the platform offers.
type Capabilities struct {
	Vendor bool
	Camera bool
	Replay bool
	// Forced picks a specific kind instead of the preference order.
	Forced core.BackendKind
}

// Select chooses the backend to build: vendor, then camera, then replay.
func Select(c Capabilities) (core.BackendKind, error) {
	available := map[core.BackendKind]bool{
		core.BackendVendor: c.Vendor,
		core.BackendCamera: c.Camera,
		core.BackendReplay: c.Replay,
	}
	if c.Forced != "" {
		ok, known := available[c.Forced]
		if !known {
			return "", fmt.Errorf("unknown backend %q: %w", c.Forced, ErrNoBackend)
		}
		if !ok {
			return "", fmt.Errorf("backend %q not available: %w", c.Forced, ErrNoBackend)
		}
		return c.Forced, nil
	}
	for _, kind := range []core.BackendKind{core.BackendVendor, core.BackendCamera, core.BackendReplay} {
		if available[kind] {
			return kind, nil
		}
	}
	return "", ErrNoBackend
}
