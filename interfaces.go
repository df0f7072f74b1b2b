package ublk

import "github.com/ublkraid/ublkraid/internal/interfaces"

// Backend, DiscardBackend, and Logger are re-exported at package scope so
// callers of this package never need to import internal/interfaces
// directly.
type (
	Backend        = interfaces.Backend
	DiscardBackend = interfaces.DiscardBackend
	Logger         = interfaces.Logger
)

// WriteZeroesBackend is an optional interface for backends that can zero a
// range more cheaply than writing zero bytes through WriteAt.
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for backends with a cache that needs
// an explicit durability barrier distinct from Flush.
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface for backends that expose
// implementation-specific counters.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional interface for backends that support changing
// size after creation.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}
