package app

import (
	"github.com/rbrundritt/offline-data-manager/internal/domain"
)

// mirrorToRegistry copies queue status fields onto the registry row so
// status reads touch a single table. The registry's mimeType is only
// adopted while unresolved; once concrete it stays stable until a
// version bump rewrites it.
func mirrorToRegistry(reg *domain.RegistryEntry, q *domain.QueueEntry) {
	reg.Status = q.Status
	reg.BytesDownloaded = q.BytesDownloaded
	reg.ErrorMessage = q.ErrorMessage
	reg.DeferredReason = q.DeferredReason
	reg.CompletedAt = q.CompletedAt
	reg.ExpiresAt = q.ExpiresAt
	if q.TotalBytes != nil {
		reg.TotalBytes = q.TotalBytes
	}
	if reg.MimeType == nil && q.MimeType != nil {
		reg.MimeType = q.MimeType
	}
	reg.UpdatedAt = domain.NowMillis()
}

// persistState writes the queue row and its registry mirror. The queue
// put carries the authoritative state; the registry follows in the same
// logical step, tolerating a brief inconsistency window between the two
// single-row puts.
func persistState(store domain.Store, q *domain.QueueEntry, reg *domain.RegistryEntry) error {
	if err := store.PutQueue(q); err != nil {
		return err
	}
	mirrorToRegistry(reg, q)
	return store.PutRegistry(reg)
}
