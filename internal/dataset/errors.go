package dataset

import "errors"

// ErrMalformedAnnotations marks an annotation document that cannot be used:
// invalid JSON, a schema violation or a dangling reference.
var ErrMalformedAnnotations = errors.New("malformed annotations")
