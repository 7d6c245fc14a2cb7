package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
	"github.com/rbrundritt/offline-data-manager/pkg/logger"
)

// readBufferSize is the read granularity for full-body streaming.
const readBufferSize = 64 * 1024

// DownloadEngine owns the event-driven drain loop and the per-item fetch
// state machine: chunked Range transfers, retry with exponential backoff,
// quota-aware deferral and cooperative cancellation. It also owns the wake
// primitive that registration, retry, connectivity and stop all resolve.
type DownloadEngine struct {
	store       domain.Store
	registry    *RegistryManager
	fetcher     domain.Fetcher
	probe       domain.StorageProbe
	events      *events.Emitter
	config      *domain.EngineConfig
	logger      *zap.Logger
	multiLogger *logger.MultiLogger

	// wake coalesces edge-triggered notifications; a buffered slot keeps
	// signals raised mid-cycle from being lost.
	wake chan struct{}

	mu       sync.Mutex
	running  bool
	online   bool
	active   map[string]context.CancelFunc
	reasons  map[string]string // pause reason handed to the abort path
	partials map[string][]byte // per-item chunk accumulation, survives pauses
	loopWg   sync.WaitGroup
}

// NewDownloadEngine creates the engine and wires its hooks into the
// registry manager.
func NewDownloadEngine(
	store domain.Store,
	registry *RegistryManager,
	fetcher domain.Fetcher,
	probe domain.StorageProbe,
	emitter *events.Emitter,
	config *domain.EngineConfig,
	log *zap.Logger,
	multiLogger *logger.MultiLogger,
) *DownloadEngine {
	e := &DownloadEngine{
		store:       store,
		registry:    registry,
		fetcher:     fetcher,
		probe:       probe,
		events:      emitter,
		config:      config,
		logger:      log,
		multiLogger: multiLogger,
		wake:        make(chan struct{}, 1),
		active:      make(map[string]context.CancelFunc),
		reasons:     make(map[string]string),
		partials:    make(map[string][]byte),
		online:      true,
	}
	registry.SetEngine(e)
	return e
}

// Start spawns the drain loop. Idempotent: a second call while running is
// a no-op.
func (e *DownloadEngine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	// Rows left in-progress by a crash lost their in-memory chunk buffers;
	// rewind them to pending before the first cycle.
	if n, err := e.store.ResetOrphanedInProgress(); err != nil {
		e.logError("Failed to reset orphaned rows", zap.Error(err))
	} else if n > 0 {
		e.logEvent("orphans_reset", zap.Int64("count", n))
	}

	e.logEvent("engine_started", zap.Int("concurrency", e.concurrency()))

	e.loopWg.Add(1)
	go e.run()

	return nil
}

// Stop halts the loop, aborts all in-flight transfers (driving them to
// paused), waits for settlement and emits stopped.
func (e *DownloadEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.cancelAll("")
	e.Notify()
	e.loopWg.Wait()

	e.logEvent("engine_stopped")
	e.events.Emit(domain.TopicStopped, domain.StoppedEvent{})
	return nil
}

// IsRunning returns whether the drain loop is active
func (e *DownloadEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Notify wakes the drain loop. Edge-triggered: concurrent notifications
// coalesce into a single wake.
func (e *DownloadEngine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RetryFailed rewrites every failed row to pending with a cleared retry
// budget, then wakes the loop.
func (e *DownloadEngine) RetryFailed() error {
	queues, err := e.store.GetAllQueue()
	if err != nil {
		return fmt.Errorf("failed to scan queue: %w", err)
	}

	requeued := 0
	for _, q := range queues {
		if q.Status != domain.StatusFailed {
			continue
		}
		q.Status = domain.StatusPending
		q.RetryCount = 0
		q.ErrorMessage = nil

		reg, err := e.store.GetRegistry(q.ID)
		if err != nil {
			return err
		}
		if reg == nil {
			continue
		}
		if err := persistState(e.store, q, reg); err != nil {
			return fmt.Errorf("failed to requeue %s: %w", q.ID, err)
		}
		requeued++
	}

	if requeued > 0 {
		e.logEvent("failed_requeued", zap.Int("count", requeued))
		e.Notify()
	}
	return nil
}

// AbortDownload cancels the in-flight fetch for id, if any. The item's
// pipeline settles at paused with its resume cursor persisted.
func (e *DownloadEngine) AbortDownload(id string) {
	e.mu.Lock()
	cancel, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// AbortAllDownloads cancels every in-flight fetch.
func (e *DownloadEngine) AbortAllDownloads() {
	e.cancelAll("")
}

// SetOnline records a connectivity edge. Going offline aborts all
// in-flight transfers with the network-offline reason; coming online
// wakes the loop.
func (e *DownloadEngine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if !changed {
		return
	}

	e.logEvent("connectivity_changed", zap.Bool("online", online))
	if online {
		e.events.Emit(domain.TopicConnectivity, domain.ConnectivityEvent{Online: true})
		e.Notify()
	} else {
		e.cancelAll(domain.ReasonNetworkOffline)
		e.events.Emit(domain.TopicConnectivity, domain.ConnectivityEvent{Online: false})
	}
}

// IsOnline returns the engine's current connectivity belief.
func (e *DownloadEngine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *DownloadEngine) cancelAll(reason string) {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.active))
	for id, cancel := range e.active {
		if reason != "" {
			e.reasons[id] = reason
		}
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (e *DownloadEngine) concurrency() int {
	if e.config != nil && e.config.Concurrency > 0 {
		return e.config.Concurrency
	}
	return 2
}

func (e *DownloadEngine) backoffBase() time.Duration {
	if e.config != nil && e.config.BackoffBase > 0 {
		return e.config.BackoffBase
	}
	return time.Second
}

// workItem pairs a registry row with its queue row for one dispatch.
type workItem struct {
	reg *domain.RegistryEntry
	q   *domain.QueueEntry
}

// run is the drain loop: one selection per cycle, dispatched through a
// slot-limited semaphore in priority order, then a blocking wait on the
// wake primitive. The waiter (the buffered wake slot) exists before the
// emptiness check, so no wake raised mid-cycle is lost.
func (e *DownloadEngine) run() {
	defer e.loopWg.Done()

	for {
		// A wake raised before this cycle's selection is already covered by
		// it; drop it so a settled row is not redispatched at once. Wakes
		// raised after this point stay buffered for the next cycle.
		select {
		case <-e.wake:
		default:
		}

		if !e.IsRunning() {
			return
		}

		if !e.IsOnline() {
			e.awaitWake()
			continue
		}

		if _, err := e.registry.EvaluateExpiry(); err != nil {
			e.logError("Expiry evaluation failed", zap.Error(err))
		}

		selection, err := e.selectEligible()
		if err != nil {
			e.logError("Failed to select eligible rows", zap.Error(err))
			e.awaitWake()
			continue
		}

		if len(selection) == 0 {
			e.awaitWake()
			continue
		}

		e.logEvent("drain_cycle", zap.Int("eligible", len(selection)))
		e.dispatch(selection)
		e.awaitWake()
	}
}

func (e *DownloadEngine) awaitWake() {
	<-e.wake
}

// selectEligible joins registry and queue rows whose status lets them make
// progress, in registry priority order (stable). Rows with an active
// pipeline are skipped: at most one in-flight fetch per id.
func (e *DownloadEngine) selectEligible() ([]*workItem, error) {
	regs, err := e.store.GetAllRegistry()
	if err != nil {
		return nil, err
	}
	queues, err := e.store.GetAllQueue()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.QueueEntry, len(queues))
	for _, q := range queues {
		byID[q.ID] = q
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	selection := []*workItem{}
	for _, reg := range regs {
		q, ok := byID[reg.ID]
		if !ok {
			continue
		}
		if _, inFlight := e.active[reg.ID]; inFlight {
			continue
		}
		switch q.Status {
		case domain.StatusPending, domain.StatusInProgress, domain.StatusPaused,
			domain.StatusDeferred, domain.StatusExpired:
			selection = append(selection, &workItem{reg: reg, q: q})
		}
	}
	return selection, nil
}

// dispatch feeds the selection through concurrency slots. A slot frees
// when its item settles at complete, failed, paused or deferred; the
// storage pre-check may settle an item at deferred without consuming a
// slot for the transfer.
func (e *DownloadEngine) dispatch(selection []*workItem) {
	sem := make(chan struct{}, e.concurrency())
	var wg sync.WaitGroup

	for _, item := range selection {
		if !e.IsRunning() || !e.IsOnline() {
			break
		}

		sem <- struct{}{}

		if e.deferForStorage(item) {
			<-sem
			continue
		}

		wg.Add(1)
		go func(it *workItem) {
			defer wg.Done()
			defer func() { <-sem }()
			e.processItem(it)
		}(item)
	}

	wg.Wait()
}

// deferForStorage applies the quota pre-check: items with a known size
// that does not fit (holding back 10% of quota) settle at deferred.
// Unknown sizes skip the pre-check.
func (e *DownloadEngine) deferForStorage(item *workItem) bool {
	var need int64
	if item.reg.TotalBytes != nil {
		need = *item.reg.TotalBytes
	} else if item.q.TotalBytes != nil {
		need = *item.q.TotalBytes
	}
	if need <= 0 {
		return false
	}

	ok, err := e.probe.HasEnoughSpace(need)
	if err != nil || ok {
		return false
	}

	e.deferItem(item.q, item.reg)
	return true
}

func (e *DownloadEngine) deferItem(q *domain.QueueEntry, reg *domain.RegistryEntry) {
	q.Status = domain.StatusDeferred
	q.DeferredReason = domain.StringPtr(domain.ReasonInsufficientStorage)
	if err := e.persistIfPresent(q, reg); err != nil {
		if errors.Is(err, errRowDeleted) {
			return
		}
		e.logError("Failed to persist deferral", zap.String("id", q.ID), zap.Error(err))
	}
	e.logEvent("download_deferred", zap.String("id", q.ID))
	e.events.Emit(domain.TopicDeferred, domain.DeferredEvent{
		ID:     q.ID,
		Reason: domain.ReasonInsufficientStorage,
	})
}

// processItem runs the bounded retry loop around single attempts. Aborts
// settle at paused, quota errors at deferred, the sixth failed attempt at
// failed.
func (e *DownloadEngine) processItem(item *workItem) {
	id := item.reg.ID

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if _, exists := e.active[id]; exists {
		e.mu.Unlock()
		cancel()
		return
	}
	e.active[id] = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}()

	attemptID := uuid.New().String()
	q, reg := item.q, item.reg

	// The in-memory chunk buffer must line up with the persisted cursor.
	// A mismatch means the buffer is gone (refresh of a READY row, or a
	// cursor inherited from another process); restart from byte zero and
	// keep any payload until the atomic swap on success.
	if e.partialLen(id) != q.ByteOffset {
		q.ByteOffset = 0
		q.BytesDownloaded = 0
		e.clearPartial(id)
	}

	for {
		err := e.attempt(ctx, reg, q, attemptID)
		if err == nil {
			return
		}

		if errors.Is(err, errRowDeleted) {
			return
		}

		if domain.IsAbort(err) {
			e.pauseItem(q, reg)
			return
		}

		if domain.IsQuotaError(err) {
			e.deferItem(q, reg)
			return
		}

		q.RetryCount++
		msg := err.Error()
		q.ErrorMessage = &msg

		if q.RetryCount > domain.MaxRetries {
			q.Status = domain.StatusFailed
			if perr := e.persistIfPresent(q, reg); perr != nil {
				if errors.Is(perr, errRowDeleted) {
					return
				}
				e.logError("Failed to persist failure", zap.String("id", id), zap.Error(perr))
			}
			e.logError("Download failed after retries",
				zap.String("id", id),
				zap.String("attempt_id", attemptID),
				zap.Int("retry_count", q.RetryCount),
				zap.Error(err))
			e.events.Emit(domain.TopicError, domain.ErrorEvent{
				ID:         id,
				Error:      msg,
				RetryCount: q.RetryCount,
				WillRetry:  domain.BoolPtr(false),
			})
			return
		}

		q.Status = domain.StatusPending
		if perr := e.persistIfPresent(q, reg); perr != nil {
			if errors.Is(perr, errRowDeleted) {
				return
			}
			e.logError("Failed to persist retry state", zap.String("id", id), zap.Error(perr))
		}
		e.logEvent("download_retrying",
			zap.String("id", id),
			zap.String("attempt_id", attemptID),
			zap.Int("retry_count", q.RetryCount),
			zap.Error(err))
		e.events.Emit(domain.TopicError, domain.ErrorEvent{
			ID:         id,
			Error:      msg,
			RetryCount: q.RetryCount,
			WillRetry:  domain.BoolPtr(true),
		})

		backoff := e.backoffBase() * time.Duration(1<<uint(q.RetryCount-1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			e.pauseItem(q, reg)
			return
		}
	}
}

// pauseItem settles a cancelled item at paused, attaching the pause reason
// when the cancellation came from an offline edge.
func (e *DownloadEngine) pauseItem(q *domain.QueueEntry, reg *domain.RegistryEntry) {
	e.mu.Lock()
	reason, ok := e.reasons[q.ID]
	delete(e.reasons, q.ID)
	e.mu.Unlock()

	q.Status = domain.StatusPaused
	if ok {
		q.DeferredReason = &reason
	}
	if err := e.persistIfPresent(q, reg); err != nil {
		if errors.Is(err, errRowDeleted) {
			return
		}
		e.logError("Failed to persist pause", zap.String("id", q.ID), zap.Error(err))
	}
	e.logEvent("download_paused", zap.String("id", q.ID), zap.Int64("byte_offset", q.ByteOffset))
	e.events.Emit(domain.TopicStatus, domain.StatusEvent{ID: q.ID, Status: domain.StatusPaused})
}

// attempt performs one full transfer attempt for an item.
func (e *DownloadEngine) attempt(ctx context.Context, reg *domain.RegistryEntry, q *domain.QueueEntry, attemptID string) error {
	now := domain.NowMillis()
	q.Status = domain.StatusInProgress
	q.LastAttemptAt = &now
	q.ErrorMessage = nil
	q.DeferredReason = nil
	if err := e.persistIfPresent(q, reg); err != nil {
		return err
	}
	e.events.Emit(domain.TopicStatus, domain.StatusEvent{ID: q.ID, Status: domain.StatusInProgress})

	var headMime *string
	supportsRange := false

	if q.ByteOffset == 0 {
		e.clearPartial(q.ID)
		info, err := e.fetcher.Head(ctx, reg.DownloadURL)
		if err != nil {
			if domain.IsAbort(err) {
				return err
			}
			// HEAD failures are tolerated: fall through to a full GET.
			e.logEvent("head_probe_failed", zap.String("id", q.ID), zap.Error(err))
		} else {
			supportsRange = info.SupportsRanges
			q.TotalBytes = info.TotalBytes
			headMime = info.MimeType
		}
	} else {
		// Resuming a prior chunked transfer: assume Range still holds.
		supportsRange = true
	}

	chunked := supportsRange && q.TotalBytes != nil && *q.TotalBytes > domain.ChunkThreshold

	var getMime *string
	var err error
	if chunked {
		getMime, err = e.transferChunked(ctx, reg, q)
	} else {
		getMime, err = e.transferFull(ctx, reg, q)
	}
	if err != nil {
		return err
	}

	data := e.takePartial(q.ID)
	mime := resolveMime(reg.MimeType, headMime, getMime)
	completedAt := domain.NowMillis()
	size := int64(len(data))

	q.Data = data
	q.MimeType = &mime
	q.BytesDownloaded = size
	q.ByteOffset = size
	q.TotalBytes = &size
	q.RetryCount = 0
	q.CompletedAt = &completedAt
	if reg.TTLSeconds > 0 {
		q.ExpiresAt = domain.Int64Ptr(completedAt + reg.TTLSeconds*1000)
	} else {
		q.ExpiresAt = nil
	}
	q.Status = domain.StatusComplete
	q.ErrorMessage = nil
	q.DeferredReason = nil

	// One put carries both the payload and the complete status: the swap
	// is atomic with respect to concurrent retrieves.
	if err := e.persistIfPresent(q, reg); err != nil {
		return err
	}

	e.logEvent("download_completed",
		zap.String("id", q.ID),
		zap.String("attempt_id", attemptID),
		zap.Int64("bytes", size),
		zap.String("mime_type", mime))
	e.events.Emit(domain.TopicComplete, domain.CompleteEvent{ID: q.ID, MimeType: mime})
	return nil
}

// transferChunked issues sequential Range GETs of ChunkSize bytes,
// persisting the resume cursor after every chunk.
func (e *DownloadEngine) transferChunked(ctx context.Context, reg *domain.RegistryEntry, q *domain.QueueEntry) (*string, error) {
	total := *q.TotalBytes
	var getMime *string

	for q.ByteOffset < total {
		start := q.ByteOffset
		end := start + domain.ChunkSize - 1
		if end > total-1 {
			end = total - 1
		}

		resp, err := e.fetcher.GetRange(ctx, reg.DownloadURL, start, end)
		if err != nil {
			return nil, err
		}

		buf, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.TransportError{URL: reg.DownloadURL, Err: err}
		}
		if len(buf) == 0 {
			return nil, &domain.TransportError{URL: reg.DownloadURL, Err: io.ErrUnexpectedEOF}
		}
		if getMime == nil {
			getMime = resp.MimeType
		}

		e.appendPartial(q.ID, buf)
		q.ByteOffset += int64(len(buf))
		q.BytesDownloaded = q.ByteOffset
		if err := e.persistIfPresent(q, reg); err != nil {
			return nil, err
		}

		e.events.Emit(domain.TopicProgress, domain.ProgressEvent{
			ID:              q.ID,
			BytesDownloaded: q.BytesDownloaded,
			TotalBytes:      q.TotalBytes,
			Percent:         domain.Percent(q.BytesDownloaded, q.TotalBytes),
		})
	}

	return getMime, nil
}

// transferFull streams a single GET into the partial buffer. The total is
// taken from the GET response under the identity-encoding rule, so percent
// stays nil for compressed transfers.
func (e *DownloadEngine) transferFull(ctx context.Context, reg *domain.RegistryEntry, q *domain.QueueEntry) (*string, error) {
	// Full-body transfers always restart from byte zero.
	e.clearPartial(q.ID)
	q.ByteOffset = 0
	q.BytesDownloaded = 0

	resp, err := e.fetcher.Get(ctx, reg.DownloadURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	q.TotalBytes = resp.TotalBytes

	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.appendPartial(q.ID, chunk)
			q.BytesDownloaded += int64(n)
			q.ByteOffset = q.BytesDownloaded

			e.events.Emit(domain.TopicProgress, domain.ProgressEvent{
				ID:              q.ID,
				BytesDownloaded: q.BytesDownloaded,
				TotalBytes:      q.TotalBytes,
				Percent:         domain.Percent(q.BytesDownloaded, q.TotalBytes),
			})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.TransportError{URL: reg.DownloadURL, Err: err}
		}
	}

	if q.BytesDownloaded == 0 {
		e.events.Emit(domain.TopicProgress, domain.ProgressEvent{
			ID:              q.ID,
			BytesDownloaded: 0,
			TotalBytes:      q.TotalBytes,
			Percent:         domain.Percent(0, q.TotalBytes),
		})
	}

	return resp.MimeType, nil
}

// errRowDeleted marks a row removed out from under an in-flight pipeline;
// the pipeline unwinds without persisting or emitting anything further.
var errRowDeleted = errors.New("queue row deleted")

// persistIfPresent writes queue and mirror state, failing with
// errRowDeleted when the row vanished mid-flight.
func (e *DownloadEngine) persistIfPresent(q *domain.QueueEntry, reg *domain.RegistryEntry) error {
	current, err := e.store.GetQueue(q.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return errRowDeleted
	}
	return persistState(e.store, q, reg)
}

func (e *DownloadEngine) appendPartial(id string, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partials[id] = append(e.partials[id], chunk...)
}

func (e *DownloadEngine) partialLen(id string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.partials[id]))
}

func (e *DownloadEngine) clearPartial(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.partials, id)
}

func (e *DownloadEngine) takePartial(id string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.partials[id]
	delete(e.partials, id)
	if data == nil {
		data = []byte{}
	}
	return data
}

// resolveMime picks the first concrete media type: caller-specified, then
// HEAD-probed, then GET-returned, then the octet-stream fallback.
func resolveMime(registry, head, get *string) string {
	for _, m := range []*string{registry, head, get} {
		if m != nil && *m != "" {
			return *m
		}
	}
	return domain.DefaultMimeType
}

func (e *DownloadEngine) logEvent(event string, fields ...zap.Field) {
	if e.multiLogger != nil {
		e.multiLogger.LogEngineEvent(event, fields...)
	}
	if e.logger != nil {
		e.logger.Debug(event, fields...)
	}
}

func (e *DownloadEngine) logError(msg string, fields ...zap.Field) {
	if e.multiLogger != nil {
		e.multiLogger.LogAppError(msg, fields...)
	}
	if e.logger != nil {
		e.logger.Error(msg, fields...)
	}
}
