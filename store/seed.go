package store

import (
	"context"
	"fmt"
	"strings"
)

// SpecialFolderID is the folder id Seed assigns to a special folder of a
// store, e.g. "s1-inbox".
func SpecialFolderID(storeID, special string) string {
	return storeID + "-" + strings.ToLower(special)
}

// Seed creates a store and its special folders. Records that already exist
// are overwritten, so seeding twice is harmless.
func Seed(ctx context.Context, w Writer, storeID, name string, defaultStore bool) ([]ChangeEvent, error) {
	if storeID == "" {
		return nil, fmt.Errorf("%w: empty store id", ErrInvalidRecord)
	}
	events := make([]ChangeEvent, 0, len(SpecialFolders)+1)
	ev, err := w.Put(ctx, Record{Collection: Stores, ID: storeID, Fields: map[string]any{
		FieldName:         name,
		FieldDefaultStore: defaultStore,
	}})
	if err != nil {
		return nil, fmt.Errorf("seeding store %s: %w", storeID, err)
	}
	events = append(events, ev)

	for _, special := range SpecialFolders {
		ev, err := w.Put(ctx, Record{Collection: Folders, ID: SpecialFolderID(storeID, special), Fields: map[string]any{
			FieldStoreID:       storeID,
			FieldName:          folderName(special),
			FieldSpecialFolder: special,
		}})
		if err != nil {
			return events, fmt.Errorf("seeding folder %s of store %s: %w", special, storeID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func folderName(special string) string {
	lower := strings.ToLower(special)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
