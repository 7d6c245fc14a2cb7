package domain

import (
	"context"
	"io"
)

// Store defines the two-table persistence contract. Implementations must
// make each single-row put atomic with respect to concurrent gets; no
// multi-row transaction is required. Lookups return (nil, nil) for absent
// rows.
type Store interface {
	// GetRegistry finds a registry row by id
	GetRegistry(id string) (*RegistryEntry, error)

	// GetAllRegistry scans the registry table ordered by priority
	// ascending with a stable registration-order tie-break
	GetAllRegistry() ([]*RegistryEntry, error)

	// GetRegistryIDs lists all registered ids
	GetRegistryIDs() ([]string, error)

	// PutRegistry inserts or replaces a registry row
	PutRegistry(entry *RegistryEntry) error

	// DeleteRegistry removes a registry row
	DeleteRegistry(id string) error

	// GetQueue finds a queue row by id
	GetQueue(id string) (*QueueEntry, error)

	// GetAllQueue scans the queue table
	GetAllQueue() ([]*QueueEntry, error)

	// PutQueue inserts or replaces a queue row in a single atomic put
	PutQueue(entry *QueueEntry) error

	// DeleteQueue removes a queue row
	DeleteQueue(id string) error

	// ResetOrphanedInProgress rewinds rows left in-progress by a crashed
	// process back to pending, clearing their resume cursors
	ResetOrphanedInProgress() (int64, error)

	// GetStats returns queue counts by status
	GetStats() (*QueueStats, error)

	// Close releases the underlying database
	Close() error
}

// QueueStats represents queue statistics
type QueueStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Paused     int64 `json:"paused"`
	Complete   int64 `json:"complete"`
	Expired    int64 `json:"expired"`
	Failed     int64 `json:"failed"`
	Deferred   int64 `json:"deferred"`
}

// FileInfo is the metadata derived from a HEAD probe.
type FileInfo struct {
	// TotalBytes is nil when the size is unknown or the response carries a
	// non-identity content encoding, where the transfer size would mislead
	// progress reporting.
	TotalBytes *int64

	// SupportsRanges is true when the server advertises byte ranges.
	SupportsRanges bool

	// MimeType is the bare media type with parameters stripped.
	MimeType *string
}

// FetchResponse is a streaming GET result. The caller owns Body.
type FetchResponse struct {
	Body       io.ReadCloser
	TotalBytes *int64
	MimeType   *string
}

// Fetcher is the network primitive. Implementations must honor context
// cancellation mid-transfer and support Range requests.
type Fetcher interface {
	// Head probes url for size, range support and content type.
	Head(ctx context.Context, url string) (*FileInfo, error)

	// Get fetches the full body as a stream.
	Get(ctx context.Context, url string) (*FetchResponse, error)

	// GetRange fetches the inclusive byte span [start, end]. A server that
	// ignores the Range header and answers 200 is a transport error.
	GetRange(ctx context.Context, url string, start, end int64) (*FetchResponse, error)
}

// StorageEstimate mirrors the probe snapshot in bytes.
type StorageEstimate struct {
	Usage     int64 `json:"usage"`
	Quota     int64 `json:"quota"`
	Available int64 `json:"available"`
}

// StorageProbe reports on available space for payload writes.
type StorageProbe interface {
	// Estimate returns the current usage/quota/available snapshot.
	Estimate() (*StorageEstimate, error)

	// HasEnoughSpace reports whether n bytes fit while holding back 10%
	// of the quota.
	HasEnoughSpace(n int64) (bool, error)

	// RequestPersistence asks the host to protect stored data from
	// eviction and reports whether the grant is in place.
	RequestPersistence() bool

	// IsPersisted reports whether a persistence grant is in place.
	IsPersisted() bool
}

// Connectivity is the online/offline signal source.
type Connectivity interface {
	// IsOnline reports the current connectivity belief: the host signal
	// when monitoring, otherwise the last manual override.
	IsOnline() bool

	// UpdateConnectivityStatus records a manual override for contexts
	// without a host signal.
	UpdateConnectivityStatus(online bool)
}
