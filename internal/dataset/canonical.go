package dataset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dermavision/curator/internal/objstore"
)

// LoadCanonical reads and validates the dataset's canonical annotation set.
func LoadCanonical(ctx context.Context, store objstore.Store, l Layout) (*Document, error) {
	data, _, err := objstore.ReadAll(ctx, store, l.RawAnnotationsKey())
	if err != nil {
		return nil, fmt.Errorf("load canonical annotations: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("load canonical annotations: %w", err)
	}
	return doc, nil
}

// SaveCanonical overwrites the dataset's canonical annotation set.
func SaveCanonical(ctx context.Context, store objstore.Store, l Layout, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal canonical annotations: %w", err)
	}
	_, err = objstore.PutBytes(ctx, store, l.RawAnnotationsKey(), data, objstore.PutOptions{
		ContentType: "application/json",
		Tags:        map[string]string{"stage": "raw"},
	})
	if err != nil {
		return fmt.Errorf("save canonical annotations: %w", err)
	}
	return nil
}
