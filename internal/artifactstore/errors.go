package artifactstore

import "errors"

var (
	// ErrNotExist is returned when an index entry, or the blob it points
	// to, is missing from the store.
	ErrNotExist = errors.New("artifact does not exist")

	// ErrLocked is returned when another process holds the write lock for
	// the same (kind, input key). The failed attempt can be retried by the
	// caller; the store never retries internally.
	ErrLocked = errors.New("artifact store key is locked by another process")

	// ErrIntegrity is returned when a blob's bytes do not hash to the
	// digest recorded in its index entry. It is never repaired
	// automatically; corrupted content is never returned.
	ErrIntegrity = errors.New("artifact store integrity violation")
)
