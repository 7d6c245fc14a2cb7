package infrastructure

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
)

// holdBackFraction of the quota is never handed to payload writes.
const holdBackFraction = 0.1

// DiskStorageProbe implements domain.StorageProbe by measuring the
// filesystem holding the data directory.
type DiskStorageProbe struct {
	path       string
	quotaBytes int64 // zero derives the quota from filesystem capacity

	mu        sync.Mutex
	persisted bool
}

// NewDiskStorageProbe creates a probe over the filesystem at path. A
// non-zero quotaBytes caps usable space below the filesystem capacity.
func NewDiskStorageProbe(path string, quotaBytes int64) *DiskStorageProbe {
	return &DiskStorageProbe{path: path, quotaBytes: quotaBytes}
}

// Estimate returns usage, quota and available bytes for the data
// directory's filesystem.
func (p *DiskStorageProbe) Estimate() (*domain.StorageEstimate, error) {
	total, used, available, err := diskUsage(p.path)
	if err != nil {
		return nil, err
	}

	quota := total
	if p.quotaBytes > 0 && p.quotaBytes < total {
		quota = p.quotaBytes
		if available > quota-used {
			available = quota - used
		}
		if available < 0 {
			available = 0
		}
	}

	return &domain.StorageEstimate{
		Usage:     used,
		Quota:     quota,
		Available: available,
	}, nil
}

// HasEnoughSpace reports whether n bytes fit while holding back 10% of
// the quota.
func (p *DiskStorageProbe) HasEnoughSpace(n int64) (bool, error) {
	est, err := p.Estimate()
	if err != nil {
		return false, err
	}
	holdBack := int64(float64(est.Quota) * holdBackFraction)
	return est.Available-holdBack >= n, nil
}

// RequestPersistence records a persistence grant. Server filesystems do
// not evict, so the grant always succeeds.
func (p *DiskStorageProbe) RequestPersistence() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persisted = true
	return true
}

// IsPersisted reports whether a persistence grant is in place.
func (p *DiskStorageProbe) IsPersisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persisted
}

// diskUsage returns total, used and available bytes for the filesystem
// at path.
func diskUsage(path string) (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)
	used = total - available

	return total, used, available, nil
}
