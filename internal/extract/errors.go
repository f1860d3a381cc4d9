package extract

import "errors"

// ErrNoAnnotations means an archive carried no COCO annotation document.
var ErrNoAnnotations = errors.New("no coco annotations in archive")
