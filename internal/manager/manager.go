package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/multigroup-scraper/internal/clock/system"
	"github.com/JakeFAU/multigroup-scraper/internal/id/uuid"
	"github.com/JakeFAU/multigroup-scraper/internal/progress"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
	"github.com/JakeFAU/multigroup-scraper/internal/storage/local"
	"github.com/JakeFAU/multigroup-scraper/internal/summary"
)

// ErrAlreadyRunning is returned when a run is requested while another is active.
var ErrAlreadyRunning = errors.New("run already in progress")

const sideEffectTimeout = 10 * time.Second

// Manager orchestrates per-group extraction tasks. One run may be active at
// a time; Stats and Status are safe to call concurrently with a run.
type Manager struct {
	groups      []scraper.GroupConfig
	settings    scraper.ScraperSettings
	fallback    scraper.FallbackSettings
	ai          scraper.AIOptions
	maxParallel int
	cooldown    time.Duration

	factory    scraper.ExtractorFactory
	remote     scraper.Fallback
	store      scraper.MessageStore
	mirror     scraper.MessageStore
	pusher     scraper.DatasetPusher
	summarizer scraper.Summarizer
	recorders  []scraper.ResultRecorder
	runs       scraper.RunRecorder
	publisher  scraper.Publisher
	topic      string
	progress   progress.Emitter
	clock      scraper.Clock
	ids        scraper.IDGenerator
	sleep      func(context.Context, time.Duration) error
	logger     *zap.Logger

	mu          sync.Mutex
	stats       scraper.RunStatistics
	running     bool
	runID       string
	cancel      context.CancelFunc
	done        chan struct{}
	finishedAt  time.Time
	lastRuntime float64
	live        map[string]*trackedExtractor
}

// New validates the group list and builds a Manager. The parallelism
// ceiling is capped at the number of groups.
func New(
	groups []scraper.GroupConfig,
	settings scraper.ScraperSettings,
	fallback scraper.FallbackSettings,
	ai scraper.AIOptions,
	opts ...Option,
) (*Manager, error) {
	if len(groups) == 0 {
		return nil, scraper.NewConfigurationError("whatsapp_groups", "must list at least one group")
	}
	seen := make(map[string]struct{}, len(groups))
	for i, g := range groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, scraper.NewConfigurationError(fmt.Sprintf("whatsapp_groups[%d].name", i), "is required")
		}
		if _, dup := seen[name]; dup {
			return nil, scraper.NewConfigurationError(fmt.Sprintf("whatsapp_groups[%d].name", i), "duplicates group %q", name)
		}
		seen[name] = struct{}{}
	}
	if settings.MaxParallelGroups < 1 {
		return nil, scraper.NewConfigurationError("scraper_settings.max_parallel_groups", "must be >= 1, got %d", settings.MaxParallelGroups)
	}

	clock := system.New()
	m := &Manager{
		groups:      append([]scraper.GroupConfig(nil), groups...),
		settings:    settings,
		fallback:    fallback,
		ai:          ai,
		maxParallel: min(settings.MaxParallelGroups, len(groups)),
		cooldown:    settings.BatchCooldown,
		clock:       clock,
		ids:         uuid.New(),
		sleep:       clock.Sleep,
		progress:    progress.Discard{},
		logger:      zap.NewNop(),
		live:        make(map[string]*trackedExtractor),
	}
	m.stats.TotalGroups = len(groups)
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		store, err := local.New(local.Config{})
		if err != nil {
			return nil, &scraper.FatalManagerError{Op: "new", Err: err}
		}
		m.store = store
	}
	if m.ai.Enabled && m.summarizer == nil {
		m.summarizer = summary.Statistics{}
	}
	m.logger = m.logger.Named("manager")
	return m, nil
}

// MaxParallel returns the effective parallelism ceiling.
func (m *Manager) MaxParallel() int {
	return m.maxParallel
}

// Groups returns the configured groups in order.
func (m *Manager) Groups() []scraper.GroupConfig {
	return append([]scraper.GroupConfig(nil), m.groups...)
}

// RunAllGroups starts every group at once and waits for all of them.
// Results are in configuration order.
func (m *Manager) RunAllGroups(ctx context.Context) ([]scraper.GroupResult, error) {
	return m.run(ctx, false)
}

// RunLimitedParallel runs groups in sequential batches of MaxParallel. A
// batch starts only after every task of the previous one has settled.
func (m *Manager) RunLimitedParallel(ctx context.Context) ([]scraper.GroupResult, error) {
	return m.run(ctx, true)
}

func (m *Manager) run(ctx context.Context, batched bool) ([]scraper.GroupResult, error) {
	if m.factory == nil {
		return nil, &scraper.FatalManagerError{Op: "run", Err: errors.New("no extractor factory configured")}
	}
	runCtx, runID, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.end(runID)

	mode := "fan_out"
	if batched {
		mode = "batched"
	}
	logger := m.logger.With(zap.String("run_id", runID), zap.String("mode", mode))
	logger.Info("run started",
		zap.Int("groups", len(m.groups)),
		zap.Int("max_parallel", m.maxParallel),
	)
	startedAt := m.clock.Now()
	m.emit(progress.Event{Stage: progress.StageRunStart, Note: mode})
	m.recordRunStart(ctx, runID, startedAt)

	results := make([]scraper.GroupResult, len(m.groups))
	size := len(m.groups)
	if batched {
		size = m.maxParallel
	}
	for batch, start := 0, 0; start < len(m.groups); batch, start = batch+1, start+size {
		end := min(start+size, len(m.groups))
		if batch > 0 && m.cooldown > 0 {
			logger.Debug("cooling down between batches", zap.Duration("cooldown", m.cooldown))
			if err := m.sleep(runCtx, m.cooldown); err != nil {
				logger.Info("cooldown interrupted", zap.Error(err))
			}
		}
		if runCtx.Err() != nil {
			m.cancelRemaining(ctx, results, start)
			break
		}
		if batched {
			logger.Info("batch started", zap.Int("batch", batch), zap.Int("size", end-start))
			m.emit(progress.Event{Stage: progress.StageBatchStart, Batch: batch})
		}
		m.runBatch(runCtx, results, start, end)
	}

	stats := m.Stats()
	m.emit(progress.Event{Stage: progress.StageRunDone, Dur: m.clock.Now().Sub(startedAt)})
	m.recordRunFinish(ctx, runID, stats)
	logger.Info("run finished",
		zap.Int("completed_cycles", stats.CompletedCycles),
		zap.Int("total_messages", stats.TotalMessages),
		zap.Int("errors", stats.Errors),
	)
	return results, nil
}

// runBatch runs groups[start:end] concurrently and waits for all of them.
func (m *Manager) runBatch(ctx context.Context, results []scraper.GroupResult, start, end int) {
	var g errgroup.Group
	for i := start; i < end; i++ {
		g.Go(func() error {
			results[i] = m.runGroup(ctx, m.groups[i])
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // tasks report through results
}

// cancelRemaining marks groups that never started as cancelled.
func (m *Manager) cancelRemaining(ctx context.Context, results []scraper.GroupResult, from int) {
	now := m.clock.Now()
	for i := from; i < len(m.groups); i++ {
		res := scraper.GroupResult{
			GroupName: m.groups[i].Name,
			Outcome:   scraper.OutcomeCancelled,
			Error:     scraper.CancelledMarker,
			StartTime: now,
			EndTime:   now,
		}
		results[i] = res
		m.finalize(ctx, res)
	}
	m.logger.Info("run stopped before remaining groups started", zap.Int("skipped", len(m.groups)-from))
}

func (m *Manager) begin(ctx context.Context) (context.Context, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, "", &scraper.FatalManagerError{Op: "run", Err: ErrAlreadyRunning}
	}
	runID, err := m.ids.NewID()
	if err != nil {
		return nil, "", &scraper.FatalManagerError{Op: "run", Err: err}
	}
	runCtx, cancel := context.WithCancel(ctx)
	now := m.clock.Now()
	m.running = true
	m.runID = runID
	m.cancel = cancel
	m.done = make(chan struct{})
	m.finishedAt = time.Time{}
	m.lastRuntime = 0
	m.stats = scraper.RunStatistics{TotalGroups: len(m.groups), StartTime: &now}
	return runCtx, runID, nil
}

func (m *Manager) end(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runID != runID {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = nil
	m.running = false
	m.finishedAt = m.clock.Now()
	clear(m.live)
	close(m.done)
}

// StopAll cancels the active run and closes every live extractor. It is
// idempotent and a no-op when nothing is running.
func (m *Manager) StopAll() {
	m.mu.Lock()
	cancel := m.cancel
	live := make([]*trackedExtractor, 0, len(m.live))
	for _, ext := range m.live {
		live = append(live, ext)
	}
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	m.logger.Info("stopping all groups", zap.Int("live_extractors", len(live)))
	cancel()
	for _, ext := range live {
		if err := ext.Close(); err != nil {
			m.logger.Warn("close extractor failed", zap.String("group", ext.group), zap.Error(err))
		}
	}
}

// Shutdown stops the active run and waits until it has unwound or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	running := m.running
	m.mu.Unlock()

	m.StopAll()
	if !running || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for run to stop: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the run counters. RuntimeSeconds is computed
// live while running and never decreases within a run.
func (m *Manager) Stats() scraper.RunStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() scraper.RunStatistics {
	s := m.stats
	if s.StartTime == nil {
		return s
	}
	start := *s.StartTime
	s.StartTime = &start
	endAt := m.finishedAt
	if m.running || endAt.IsZero() {
		endAt = m.clock.Now()
	}
	runtime := max(endAt.Sub(start).Seconds(), 0)
	if runtime < m.lastRuntime {
		runtime = m.lastRuntime
	}
	m.lastRuntime = runtime
	s.RuntimeSeconds = runtime
	return s
}

// Status reports whether a run is active along with the current counters.
func (m *Manager) Status() scraper.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.statsLocked()
	return scraper.Status{
		IsRunning:    m.running,
		ActiveGroups: stats.ActiveGroups,
		TotalGroups:  stats.TotalGroups,
		Stats:        stats,
	}
}

func (m *Manager) adjustActive(delta int) {
	m.mu.Lock()
	m.stats.ActiveGroups += delta
	m.mu.Unlock()
}

// settle releases a task's active slot and folds its result into the run
// counters. Errors are counted when extraction fails, so recovered groups
// still count as failures.
func (m *Manager) settle(res scraper.GroupResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ActiveGroups--
	if res.Success {
		m.stats.CompletedCycles++
		m.stats.TotalMessages += res.MessagesScraped
	}
}

func (m *Manager) addError() {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()
}

// RunID returns the id of the active or most recent run.
func (m *Manager) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runID
}

func (m *Manager) emit(evt progress.Event) {
	evt.RunID = progress.ParseRunID(m.RunID())
	evt.TS = m.clock.Now()
	m.progress.Emit(evt)
}

func (m *Manager) recordRunStart(ctx context.Context, runID string, at time.Time) {
	if m.runs == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := m.runs.StartRun(sctx, runID, at, len(m.groups)); err != nil {
		m.logger.Warn("record run start failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (m *Manager) recordRunFinish(ctx context.Context, runID string, stats scraper.RunStatistics) {
	if m.runs == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := m.runs.FinishRun(sctx, runID, m.clock.Now(), stats); err != nil {
		m.logger.Warn("record run finish failed", zap.String("run_id", runID), zap.Error(err))
	}
}
