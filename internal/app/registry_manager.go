package app

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
	"github.com/rbrundritt/offline-data-manager/pkg/logger"
)

// EngineHooks is the slice of the download engine the registry manager
// needs: waking the drain loop after mutations and aborting fetches ahead
// of deletes. The engine owns the wake primitive; the manager only calls
// into it.
type EngineHooks interface {
	Notify()
	AbortDownload(id string)
	AbortAllDownloads()
}

// RegistryManager owns item identity: validation, version monotonicity,
// metadata merge, expiry evaluation, status projection, payload retrieval
// and delete semantics.
type RegistryManager struct {
	store       domain.Store
	probe       domain.StorageProbe
	events      *events.Emitter
	logger      *zap.Logger
	multiLogger *logger.MultiLogger
	engine      EngineHooks
	mu          sync.Mutex
}

// NewRegistryManager creates a new registry manager
func NewRegistryManager(
	store domain.Store,
	probe domain.StorageProbe,
	emitter *events.Emitter,
	log *zap.Logger,
	multiLogger *logger.MultiLogger,
) *RegistryManager {
	return &RegistryManager{
		store:       store,
		probe:       probe,
		events:      emitter,
		logger:      log,
		multiLogger: multiLogger,
	}
}

// SetEngine wires the engine hooks after both sides are constructed.
func (rm *RegistryManager) SetEngine(engine EngineHooks) {
	rm.engine = engine
}

func (rm *RegistryManager) notify() {
	if rm.engine != nil {
		rm.engine.Notify()
	}
}

func (rm *RegistryManager) abort(id string) {
	if rm.engine != nil {
		rm.engine.AbortDownload(id)
	}
}

// RegisterFile validates and registers a single file. A new id gets a
// registry row plus a fresh pending queue row; a strictly greater version
// resets the queue for a refresh while retaining the current payload;
// anything else is a no-op. Quota exhaustion while writing metadata is
// reported through the error topic rather than returned.
func (rm *RegistryManager) RegisterFile(reg *domain.FileRegistration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	registered, err := rm.registerFileLocked(reg)
	if err != nil {
		return err
	}
	if registered {
		rm.notify()
	}
	return nil
}

// registerFileLocked performs the registration under rm.mu and reports
// whether the store changed.
func (rm *RegistryManager) registerFileLocked(reg *domain.FileRegistration) (bool, error) {
	existing, err := rm.store.GetRegistry(reg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read registry: %w", err)
	}

	if existing == nil {
		entry := domain.NewRegistryEntry(reg)
		queue := domain.NewQueueEntry(reg.ID)

		if err := rm.store.PutQueue(queue); err != nil {
			return false, rm.registrationWriteError(reg.ID, err)
		}
		if err := rm.store.PutRegistry(entry); err != nil {
			return false, rm.registrationWriteError(reg.ID, err)
		}

		rm.logEvent("file_registered", zap.String("id", reg.ID), zap.Uint64("version", reg.Version))
		rm.events.Emit(domain.TopicRegistered, domain.RegisteredEvent{
			ID:     reg.ID,
			Reason: domain.RegisteredReasonNew,
		})
		return true, nil
	}

	// Strict monotonicity: equal or lower versions are idempotent no-ops.
	if reg.Version <= existing.Version {
		return false, nil
	}

	existing.DownloadURL = reg.DownloadURL
	existing.MimeType = reg.MimeType
	existing.Version = reg.Version
	existing.Protected = reg.Protected
	existing.Priority = reg.EffectivePriority()
	existing.TTLSeconds = reg.TTLSeconds
	existing.TotalBytes = reg.TotalBytes
	if reg.Metadata != nil {
		existing.Metadata = reg.Metadata
	}

	queue, err := rm.store.GetQueue(reg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read queue: %w", err)
	}
	if queue == nil {
		queue = domain.NewQueueEntry(reg.ID)
	}
	// Retain data and mimeType so retrieval does not gap mid-refresh.
	queue.ResetForRefresh()

	if err := rm.store.PutQueue(queue); err != nil {
		return false, rm.registrationWriteError(reg.ID, err)
	}
	mirrorToRegistry(existing, queue)
	if err := rm.store.PutRegistry(existing); err != nil {
		return false, rm.registrationWriteError(reg.ID, err)
	}

	rm.logEvent("file_version_updated", zap.String("id", reg.ID), zap.Uint64("version", reg.Version))
	rm.events.Emit(domain.TopicRegistered, domain.RegisteredEvent{
		ID:     reg.ID,
		Reason: domain.RegisteredReasonVersionUpdated,
	})
	return true, nil
}

// registrationWriteError routes quota exhaustion to the error topic and
// swallows it; other store failures propagate.
func (rm *RegistryManager) registrationWriteError(id string, err error) error {
	if domain.IsQuotaError(err) {
		rm.logError("Quota exhausted while writing registration", zap.String("id", id), zap.Error(err))
		rm.events.Emit(domain.TopicError, domain.ErrorEvent{
			ID:    id,
			Error: err.Error(),
		})
		return nil
	}
	return fmt.Errorf("failed to write registration: %w", err)
}

// RegisterFiles reconciles the registry against a full catalog: rows whose
// id is absent from entries and not protected are removed outright, then
// every incoming entry goes through single registration.
func (rm *RegistryManager) RegisterFiles(regs []*domain.FileRegistration) (*domain.RegisterResult, error) {
	for _, reg := range regs {
		if err := reg.Validate(); err != nil {
			return nil, err
		}
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	keep := make(map[string]bool, len(regs))
	for _, reg := range regs {
		keep[reg.ID] = true
	}

	result := &domain.RegisterResult{
		Registered: make([]string, 0, len(regs)),
		Removed:    []string{},
	}

	ids, err := rm.store.GetRegistryIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to scan registry: %w", err)
	}

	for _, id := range ids {
		if keep[id] {
			continue
		}
		entry, err := rm.store.GetRegistry(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read registry: %w", err)
		}
		if entry == nil || entry.Protected {
			continue
		}
		rm.abort(id)
		if err := rm.removeLocked(id); err != nil {
			return nil, err
		}
		result.Removed = append(result.Removed, id)
	}

	changed := false
	for _, reg := range regs {
		didChange, err := rm.registerFileLocked(reg)
		if err != nil {
			return nil, err
		}
		changed = changed || didChange
		result.Registered = append(result.Registered, reg.ID)
	}

	if changed || len(result.Removed) > 0 {
		rm.notify()
	}
	return result, nil
}

// EvaluateExpiry transitions complete rows past their TTL to expired. The
// payload stays addressable; the engine refreshes expired rows on its next
// cycle. Idempotent: a second call with no clock movement is a no-op.
func (rm *RegistryManager) EvaluateExpiry() ([]string, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	queues, err := rm.store.GetAllQueue()
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}

	now := domain.NowMillis()
	expired := []string{}

	for _, q := range queues {
		if q.Status != domain.StatusComplete || q.ExpiresAt == nil || now < *q.ExpiresAt {
			continue
		}
		q.Status = domain.StatusExpired

		reg, err := rm.store.GetRegistry(q.ID)
		if err != nil {
			return expired, fmt.Errorf("failed to read registry: %w", err)
		}
		if reg == nil {
			continue
		}
		if err := persistState(rm.store, q, reg); err != nil {
			return expired, fmt.Errorf("failed to persist expiry: %w", err)
		}

		rm.logEvent("file_expired", zap.String("id", q.ID))
		rm.events.Emit(domain.TopicExpired, domain.ExpiredEvent{ID: q.ID})
		expired = append(expired, q.ID)
	}

	return expired, nil
}

// GetStatus projects a single registry row. Returns (nil, nil) for an
// unknown id.
func (rm *RegistryManager) GetStatus(id string) (*domain.FileStatus, error) {
	reg, err := rm.store.GetRegistry(id)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, nil
	}
	return domain.ProjectStatus(reg), nil
}

// GetAllStatus projects every registry row sorted by priority ascending
// and attaches a storage summary.
func (rm *RegistryManager) GetAllStatus() (*domain.AllStatus, error) {
	regs, err := rm.store.GetAllRegistry()
	if err != nil {
		return nil, err
	}

	all := &domain.AllStatus{
		Files: make([]*domain.FileStatus, 0, len(regs)),
	}
	for _, reg := range regs {
		all.Files = append(all.Files, domain.ProjectStatus(reg))
	}

	if est, err := rm.probe.Estimate(); err == nil {
		all.Storage = est
	}

	return all, nil
}

// IsReady reports whether the payload for id is addressable.
func (rm *RegistryManager) IsReady(id string) (bool, error) {
	q, err := rm.store.GetQueue(id)
	if err != nil {
		return false, err
	}
	return q != nil && q.Status.Ready() && q.Data != nil, nil
}

// RetrieveFile returns the stored payload and its resolved media type. A
// partially downloaded item is never retrievable; data is only ever the
// last fully completed payload, so a version-bump refresh keeps serving
// the prior bytes until the new download swaps them out.
func (rm *RegistryManager) RetrieveFile(id string) ([]byte, string, error) {
	reg, err := rm.store.GetRegistry(id)
	if err != nil {
		return nil, "", err
	}
	if reg == nil {
		return nil, "", domain.ErrNotRegistered
	}

	q, err := rm.store.GetQueue(id)
	if err != nil {
		return nil, "", err
	}
	if q == nil || q.Data == nil {
		return nil, "", domain.ErrNotReady
	}

	mime := domain.DefaultMimeType
	if q.MimeType != nil {
		mime = *q.MimeType
	} else if reg.MimeType != nil {
		mime = *reg.MimeType
	}
	return q.Data, mime, nil
}

// UpdateRegistryMetadata shallow-merges patch into the row's metadata.
// A nil patch is ignored; queue state is untouched.
func (rm *RegistryManager) UpdateRegistryMetadata(id string, patch map[string]interface{}) error {
	if patch == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	reg, err := rm.store.GetRegistry(id)
	if err != nil {
		return err
	}
	if reg == nil {
		return domain.ErrNotRegistered
	}

	if reg.Metadata == nil {
		reg.Metadata = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		reg.Metadata[k] = v
	}
	reg.UpdatedAt = domain.NowMillis()

	return rm.store.PutRegistry(reg)
}

// GetStats returns queue counts by status.
func (rm *RegistryManager) GetStats() (*domain.QueueStats, error) {
	return rm.store.GetStats()
}

// DeleteFile removes a file. Protected rows survive unless removeProtected
// is set: their payload is cleared and the queue row reset to pending, so
// the next drain cycle re-downloads them.
func (rm *RegistryManager) DeleteFile(id string, removeProtected bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if err := rm.deleteFileLocked(id, removeProtected); err != nil {
		return err
	}
	rm.notify()
	return nil
}

func (rm *RegistryManager) deleteFileLocked(id string, removeProtected bool) error {
	reg, err := rm.store.GetRegistry(id)
	if err != nil {
		return err
	}
	if reg == nil {
		return domain.ErrNotRegistered
	}

	rm.abort(id)

	if removeProtected || !reg.Protected {
		return rm.removeLocked(id)
	}

	q, err := rm.store.GetQueue(id)
	if err != nil {
		return err
	}
	if q == nil {
		q = domain.NewQueueEntry(id)
	}
	q.ResetForRequeue()
	if err := persistState(rm.store, q, reg); err != nil {
		return fmt.Errorf("failed to reset protected row: %w", err)
	}

	rm.logEvent("file_reset", zap.String("id", id))
	rm.events.Emit(domain.TopicDeleted, domain.DeletedEvent{ID: id, RegistryRemoved: false})
	return nil
}

// removeLocked drops both rows for id and emits the deleted event.
func (rm *RegistryManager) removeLocked(id string) error {
	if err := rm.store.DeleteQueue(id); err != nil {
		return fmt.Errorf("failed to delete queue row: %w", err)
	}
	if err := rm.store.DeleteRegistry(id); err != nil {
		return fmt.Errorf("failed to delete registry row: %w", err)
	}

	rm.logEvent("file_deleted", zap.String("id", id))
	rm.events.Emit(domain.TopicDeleted, domain.DeletedEvent{ID: id, RegistryRemoved: true})
	return nil
}

// DeleteAllFiles applies DeleteFile semantics to every registered id.
func (rm *RegistryManager) DeleteAllFiles(removeProtected bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.engine != nil {
		rm.engine.AbortAllDownloads()
	}

	ids, err := rm.store.GetRegistryIDs()
	if err != nil {
		return fmt.Errorf("failed to scan registry: %w", err)
	}

	for _, id := range ids {
		if err := rm.deleteFileLocked(id, removeProtected); err != nil {
			return err
		}
	}

	rm.notify()
	return nil
}

func (rm *RegistryManager) logEvent(event string, fields ...zap.Field) {
	if rm.multiLogger != nil {
		rm.multiLogger.LogEngineEvent(event, fields...)
	}
	if rm.logger != nil {
		rm.logger.Debug(event, fields...)
	}
}

func (rm *RegistryManager) logError(msg string, fields ...zap.Field) {
	if rm.multiLogger != nil {
		rm.multiLogger.LogAppError(msg, fields...)
	}
	if rm.logger != nil {
		rm.logger.Error(msg, fields...)
	}
}
