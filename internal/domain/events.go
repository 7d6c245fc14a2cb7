package domain

// Event topics emitted by the registry manager and download engine.
const (
	TopicRegistered   = "registered"
	TopicStatus       = "status"
	TopicProgress     = "progress"
	TopicComplete     = "complete"
	TopicExpired      = "expired"
	TopicError        = "error"
	TopicDeferred     = "deferred"
	TopicDeleted      = "deleted"
	TopicStopped      = "stopped"
	TopicConnectivity = "connectivity"
)

// Registration reasons carried on the registered topic.
const (
	RegisteredReasonNew            = "new"
	RegisteredReasonVersionUpdated = "version-updated"
)

// RegisteredEvent is emitted after a registry insert or version bump.
type RegisteredEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// StatusEvent is emitted when an attempt starts (in-progress) and when a
// cancelled item settles at paused. Other transitions have their own
// topics (complete, error, deferred, expired).
type StatusEvent struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// ProgressEvent is emitted as transfer bytes land. Percent is nil when the
// total size is unknown.
type ProgressEvent struct {
	ID              string `json:"id"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	TotalBytes      *int64 `json:"total_bytes,omitempty"`
	Percent         *int   `json:"percent,omitempty"`
}

// CompleteEvent is the last event of a successful attempt.
type CompleteEvent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

// ExpiredEvent is emitted when a complete row passes its TTL.
type ExpiredEvent struct {
	ID string `json:"id"`
}

// ErrorEvent is emitted on every failed attempt; WillRetry is nil for
// failures outside the retry loop (registration-time storage errors).
type ErrorEvent struct {
	ID         string `json:"id"`
	Error      string `json:"error"`
	RetryCount int    `json:"retry_count"`
	WillRetry  *bool  `json:"will_retry,omitempty"`
}

// DeferredEvent is emitted when quota pressure postpones a transfer.
type DeferredEvent struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// DeletedEvent is emitted by deletes; RegistryRemoved is false for
// protected rows that were reset instead of removed.
type DeletedEvent struct {
	ID              string `json:"id"`
	RegistryRemoved bool   `json:"registry_removed"`
}

// StoppedEvent is emitted once stop has settled all in-flight transfers.
type StoppedEvent struct{}

// ConnectivityEvent is emitted on online/offline edges.
type ConnectivityEvent struct {
	Online bool `json:"online"`
}
