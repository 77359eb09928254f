package vault

import "errors"

// Vault error types.
var (
	ErrCapacityExceeded   = errors.New("no shard has capacity")
	ErrObjectNotFound     = errors.New("object not found")
	ErrLinkNotFound       = errors.New("link not found")
	ErrLinkRevoked        = errors.New("link revoked")
	ErrCodeSpaceExhausted = errors.New("download code space exhausted")
	ErrInvalidName        = errors.New("invalid owner or filename")
)
