package validate

import "errors"

// ErrNoCanonical is returned when the canonical annotation set cannot be
// loaded. The report is still written.
var ErrNoCanonical = errors.New("canonical annotations unavailable")
