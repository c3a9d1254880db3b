package collection

import "errors"

var (
	ErrCorruptCatalog    = errors.New("collection: corrupt catalog entry")
	ErrExists            = errors.New("collection: collection already exists")
	ErrCollectionNotFound = errors.New("collection: collection not found")
	ErrNotFound          = errors.New("collection: document not found")
	ErrDocumentTooLarge  = errors.New("collection: document exceeds maxDocumentBytes")
	ErrMissingID         = errors.New("collection: document has no id and key type requires one")
)
