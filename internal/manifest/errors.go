package manifest

import "errors"

var (
	// ErrNotReady means the normalized images carry no ready marker.
	ErrNotReady = errors.New("normalized images not ready")
	// ErrNoImages means no normalized image exists to reference.
	ErrNoImages = errors.New("no normalized images")
	// ErrNoItems means no image survived reconciliation, geometry and trim.
	ErrNoItems = errors.New("no valid manifest items")
)
