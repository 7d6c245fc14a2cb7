package domain

// FileStatus is the read-only projection of a registry row handed to
// status queries. Percent is nil when the total size is unknown.
type FileStatus struct {
	ID              string                 `json:"id"`
	DownloadURL     string                 `json:"download_url"`
	MimeType        *string                `json:"mime_type,omitempty"`
	Version         uint64                 `json:"version"`
	Protected       bool                   `json:"protected"`
	Priority        int                    `json:"priority"`
	TTLSeconds      int64                  `json:"ttl"`
	Status          Status                 `json:"status"`
	BytesDownloaded int64                  `json:"bytes_downloaded"`
	TotalBytes      *int64                 `json:"total_bytes,omitempty"`
	Percent         *int                   `json:"percent,omitempty"`
	ErrorMessage    *string                `json:"error_message,omitempty"`
	DeferredReason  *string                `json:"deferred_reason,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	RegisteredAt    int64                  `json:"registered_at"`
	UpdatedAt       int64                  `json:"updated_at"`
	CompletedAt     *int64                 `json:"completed_at,omitempty"`
	ExpiresAt       *int64                 `json:"expires_at,omitempty"`
}

// ProjectStatus builds the status view for a registry row.
func ProjectStatus(reg *RegistryEntry) *FileStatus {
	return &FileStatus{
		ID:              reg.ID,
		DownloadURL:     reg.DownloadURL,
		MimeType:        reg.MimeType,
		Version:         reg.Version,
		Protected:       reg.Protected,
		Priority:        reg.Priority,
		TTLSeconds:      reg.TTLSeconds,
		Status:          reg.Status,
		BytesDownloaded: reg.BytesDownloaded,
		TotalBytes:      reg.TotalBytes,
		Percent:         Percent(reg.BytesDownloaded, reg.TotalBytes),
		ErrorMessage:    reg.ErrorMessage,
		DeferredReason:  reg.DeferredReason,
		Metadata:        reg.Metadata,
		RegisteredAt:    reg.RegisteredAt,
		UpdatedAt:       reg.UpdatedAt,
		CompletedAt:     reg.CompletedAt,
		ExpiresAt:       reg.ExpiresAt,
	}
}

// AllStatus bundles every file's status with a storage summary, sorted by
// priority ascending.
type AllStatus struct {
	Files   []*FileStatus    `json:"files"`
	Storage *StorageEstimate `json:"storage,omitempty"`
}

// RegisterResult reports the outcome of a batch registration.
type RegisterResult struct {
	Registered []string `json:"registered"`
	Removed    []string `json:"removed"`
}
