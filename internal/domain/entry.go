package domain

import (
	"time"
)

// Status represents the download lifecycle state of a managed file
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusPaused     Status = "paused"
	StatusComplete   Status = "complete"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
)

// Ready reports whether the payload is retrievable in this state.
func (s Status) Ready() bool {
	return s == StatusComplete || s == StatusExpired
}

// Deferral and pause reasons
const (
	ReasonInsufficientStorage = "insufficient-storage"
	ReasonNetworkOffline      = "network-offline"
)

const (
	// DefaultPriority is assigned when a registration omits priority.
	// Lower values download earlier.
	DefaultPriority = 10

	// MaxRetries bounds the per-item retry loop: attempts 1..MaxRetries+1
	// all failing settles the item at failed.
	MaxRetries = 5

	// ChunkSize is the span of each sequential Range GET.
	ChunkSize int64 = 2 << 20

	// ChunkThreshold is the size above which transfers switch to chunked
	// Range requests. Exactly at the threshold the full-body path is used.
	ChunkThreshold int64 = 5 << 20

	// DefaultMimeType is the fallback when no source yields a content type.
	DefaultMimeType = "application/octet-stream"
)

// RegistryEntry is the authoritative definition of a managed file. Queue
// status fields are mirrored here so status reads touch a single table.
type RegistryEntry struct {
	ID           string                 `json:"id" gorm:"primaryKey"`
	DownloadURL  string                 `json:"download_url" gorm:"not null"`
	MimeType     *string                `json:"mime_type,omitempty"`
	Version      uint64                 `json:"version"`
	Protected    bool                   `json:"protected"`
	Priority     int                    `json:"priority" gorm:"default:10;index"`
	TTLSeconds   int64                  `json:"ttl" gorm:"column:ttl"`
	TotalBytes   *int64                 `json:"total_bytes,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" gorm:"serializer:json"`
	RegisteredAt int64                  `json:"registered_at"`
	UpdatedAt    int64                  `json:"updated_at" gorm:"autoUpdateTime:milli"`

	// Mirrored queue state
	Status          Status  `json:"status" gorm:"not null;index"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	DeferredReason  *string `json:"deferred_reason,omitempty"`
	CompletedAt     *int64  `json:"completed_at,omitempty"`
	ExpiresAt       *int64  `json:"expires_at,omitempty"`
}

// QueueEntry holds the transient download state for an item, including the
// payload bytes once a transfer completes. Data holds the last fully
// completed payload: a version-bump refresh keeps it while the row is
// pending again, and a protected delete clears it. Partial transfer bytes
// never land here.
type QueueEntry struct {
	ID              string  `json:"id" gorm:"primaryKey"`
	Status          Status  `json:"status" gorm:"not null;index"`
	Data            []byte  `json:"-" gorm:"type:blob"`
	MimeType        *string `json:"mime_type,omitempty"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      *int64  `json:"total_bytes,omitempty"`
	ByteOffset      int64   `json:"byte_offset"`
	RetryCount      int     `json:"retry_count"`
	LastAttemptAt   *int64  `json:"last_attempt_at,omitempty"`
	CompletedAt     *int64  `json:"completed_at,omitempty"`
	ExpiresAt       *int64  `json:"expires_at,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	DeferredReason  *string `json:"deferred_reason,omitempty"`
}

// FileRegistration is the caller-supplied shape fed to RegisterFile.
// Priority is a pointer so an explicit zero can be told apart from unset.
type FileRegistration struct {
	ID          string                 `json:"id"`
	DownloadURL string                 `json:"download_url"`
	MimeType    *string                `json:"mime_type,omitempty"`
	Version     uint64                 `json:"version"`
	Protected   bool                   `json:"protected"`
	Priority    *int                   `json:"priority,omitempty"`
	TTLSeconds  int64                  `json:"ttl"`
	TotalBytes  *int64                 `json:"total_bytes,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks a registration for the invariants the registry enforces.
func (r *FileRegistration) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if r.DownloadURL == "" {
		return &ValidationError{Field: "download_url", Reason: "must not be empty"}
	}
	if r.TTLSeconds < 0 {
		return &ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	if r.TotalBytes != nil && *r.TotalBytes < 0 {
		return &ValidationError{Field: "total_bytes", Reason: "must not be negative"}
	}
	if r.MimeType != nil && *r.MimeType == "" {
		return &ValidationError{Field: "mime_type", Reason: "must not be empty when set"}
	}
	return nil
}

// EffectivePriority resolves the registration priority with its default.
func (r *FileRegistration) EffectivePriority() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

// NewRegistryEntry builds a registry row from a validated registration.
func NewRegistryEntry(reg *FileRegistration) *RegistryEntry {
	now := NowMillis()
	return &RegistryEntry{
		ID:           reg.ID,
		DownloadURL:  reg.DownloadURL,
		MimeType:     reg.MimeType,
		Version:      reg.Version,
		Protected:    reg.Protected,
		Priority:     reg.EffectivePriority(),
		TTLSeconds:   reg.TTLSeconds,
		TotalBytes:   reg.TotalBytes,
		Metadata:     reg.Metadata,
		RegisteredAt: now,
		UpdatedAt:    now,
		Status:       StatusPending,
	}
}

// NewQueueEntry builds a fresh pending queue row for an item.
func NewQueueEntry(id string) *QueueEntry {
	return &QueueEntry{
		ID:     id,
		Status: StatusPending,
	}
}

// ResetForRefresh clears all attempt state ahead of a version-bump refresh
// while retaining the current payload so retrieval never gaps.
func (q *QueueEntry) ResetForRefresh() {
	q.Status = StatusPending
	q.BytesDownloaded = 0
	q.ByteOffset = 0
	q.RetryCount = 0
	q.LastAttemptAt = nil
	q.CompletedAt = nil
	q.ExpiresAt = nil
	q.ErrorMessage = nil
	q.DeferredReason = nil
}

// ResetForRequeue wipes the row back to an empty pending state, payload
// included. Used by protected deletes.
func (q *QueueEntry) ResetForRequeue() {
	q.ResetForRefresh()
	q.Data = nil
	q.MimeType = nil
	q.TotalBytes = nil
}

// Percent computes a rounded progress percentage, or nil when the total
// size is unknown.
func Percent(downloaded int64, total *int64) *int {
	if total == nil {
		return nil
	}
	if *total <= 0 {
		p := 100
		return &p
	}
	p := int(float64(downloaded)/float64(*total)*100 + 0.5)
	return &p
}

// NowMillis returns the current wall clock as Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// Int64Ptr returns a pointer to n.
func Int64Ptr(n int64) *int64 { return &n }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
