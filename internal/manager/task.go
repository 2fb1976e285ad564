package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/progress"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
	"github.com/JakeFAU/multigroup-scraper/internal/summary"
)

const tracerName = "github.com/JakeFAU/multigroup-scraper/internal/manager"

// trackedExtractor closes its extractor at most once, whether StopAll or the
// owning task gets there first.
type trackedExtractor struct {
	scraper.Extractor
	group string
	once  sync.Once
	err   error
}

func (t *trackedExtractor) Close() error {
	t.once.Do(func() {
		t.err = t.Extractor.Close()
	})
	return t.err
}

// runGroup executes one group end to end. It never panics and always
// returns a finalized result.
func (m *Manager) runGroup(ctx context.Context, group scraper.GroupConfig) (res scraper.GroupResult) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "group.extract",
		trace.WithAttributes(attribute.String("group.name", group.Name)),
	)
	logger := m.logger.With(zap.String("group", group.Name))
	res = scraper.GroupResult{GroupName: group.Name, StartTime: m.clock.Now()}
	m.adjustActive(1)
	m.emit(progress.Event{Stage: progress.StageGroupStart, Group: group.Name})

	var ext *trackedExtractor
	defer func() {
		if r := recover(); r != nil {
			logger.Error("group task panicked", zap.Any("panic", r), zap.Stack("stack"))
			m.addError()
			res.Success = false
			res.Outcome = scraper.OutcomeFailed
			res.MessagesScraped = 0
			res.Error = (&scraper.FatalManagerError{Op: "group task", Err: fmt.Errorf("panic: %v", r)}).Error()
		}
		if ext != nil {
			m.untrack(group.Name)
			if err := ext.Close(); err != nil {
				logger.Warn("close extractor failed", zap.Error(err))
			}
		}
		res.EndTime = m.notBefore(res.StartTime)
		m.settle(res)
		m.finalize(ctx, res)
		endSpan(span, res)
	}()

	if ctx.Err() != nil {
		return markCancelled(res)
	}

	extractor, err := m.factory.NewExtractor(group, m.settings)
	if err == nil && extractor == nil {
		err = errors.New("extractor factory returned nil")
	}
	if err == nil {
		ext = &trackedExtractor{Extractor: extractor, group: group.Name}
		m.track(group.Name, ext)
		err = m.extract(ctx, logger, group, ext, &res)
	}

	switch {
	case err == nil:
		res.Success = true
		res.Outcome = scraper.OutcomeSuccess
		logger.Info("group completed", zap.Int("messages", res.MessagesScraped))
	case isCancellation(ctx, err):
		logger.Info("group cancelled")
		res = markCancelled(res)
	default:
		logger.Error("group extraction failed", zap.Error(err))
		m.addError()
		res.Success = false
		res.Outcome = scraper.OutcomeFailed
		res.MessagesScraped = 0
		res.Summary = nil
		res.SavedTo = ""
		res.Error = errorText(err)
		m.tryFallback(ctx, logger, group, err, &res)
	}
	return res
}

func endSpan(span trace.Span, res scraper.GroupResult) {
	span.SetAttributes(
		attribute.String("group.outcome", string(res.Outcome)),
		attribute.Int("group.messages", res.MessagesScraped),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}

// extract runs the extractor and persists its output into res.
func (m *Manager) extract(
	ctx context.Context,
	logger *zap.Logger,
	group scraper.GroupConfig,
	ext scraper.Extractor,
	res *scraper.GroupResult,
) error {
	logger.Info("starting extractor")
	if err := ext.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize extractor: %w", err)
	}
	messages, err := ext.Run(ctx)
	if err != nil {
		return fmt.Errorf("run extractor: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	savedTo, err := m.store.SaveMessages(ctx, group.SaveFile, messages)
	if err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	res.SavedTo = savedTo
	res.MessagesScraped = len(messages)

	if m.ai.Enabled && m.summarizer != nil {
		text := summary.Transcript(messages, m.ai.SummaryMaxMessages)
		sum, err := m.summarizer.Summarize(ctx, text)
		if err != nil {
			return fmt.Errorf("summarize messages: %w", err)
		}
		if sum.Model == "" {
			sum.Model = m.ai.Model
		}
		res.Summary = &sum
	}

	m.sideEffects(ctx, logger, group, messages)
	return nil
}

// sideEffects mirrors and pushes saved messages; failures are only logged.
func (m *Manager) sideEffects(ctx context.Context, logger *zap.Logger, group scraper.GroupConfig, messages []scraper.Message) {
	if m.mirror != nil {
		if uri, err := m.mirror.SaveMessages(ctx, group.SaveFile, messages); err != nil {
			logger.Warn("mirror messages failed", zap.Error(err))
		} else {
			logger.Debug("messages mirrored", zap.String("uri", uri))
		}
	}
	if m.pusher != nil && group.ApifyDatasetID != "" && len(messages) > 0 {
		if err := m.pusher.PushItems(ctx, group.ApifyDatasetID, messages); err != nil {
			logger.Warn("dataset push failed", zap.String("dataset_id", group.ApifyDatasetID), zap.Error(err))
		}
	}
}

// tryFallback attempts remote recovery. A failed or unavailable fallback
// leaves the original failure in place.
func (m *Manager) tryFallback(ctx context.Context, logger *zap.Logger, group scraper.GroupConfig, cause error, res *scraper.GroupResult) {
	if !m.fallback.Active() || m.remote == nil {
		return
	}
	res.Outcome = scraper.OutcomeFallbackFailed

	recovered, err := m.remote.Recover(ctx, group, cause)
	switch {
	case err != nil:
		logger.Warn("remote fallback failed", zap.Error(err))
		m.emit(progress.Event{Stage: progress.StageFallback, Group: group.Name, Outcome: res.Outcome, Note: err.Error()})
		return
	case recovered == nil:
		logger.Info("no remote fallback available")
		m.emit(progress.Event{Stage: progress.StageFallback, Group: group.Name, Outcome: res.Outcome})
		return
	}

	run := recovered.Run
	res.Success = true
	res.Outcome = scraper.OutcomeRecoveredByFallback
	res.FallbackUsed = scraper.FallbackRemote
	res.OriginalError = res.Error
	res.Error = ""
	res.MessagesScraped = len(recovered.Messages)
	res.RemoteRun = &run
	res.RemoteMessages = recovered.Messages
	logger.Info("group recovered by remote fallback",
		zap.Int("messages", res.MessagesScraped),
		zap.String("run_id", run.RunID),
	)
	m.emit(progress.Event{Stage: progress.StageFallback, Group: group.Name, Outcome: res.Outcome, Messages: res.MessagesScraped})

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if savedTo, err := m.store.SaveMessages(sctx, group.SaveFile, recovered.Messages); err != nil {
		logger.Warn("save recovered messages failed", zap.Error(err))
	} else {
		res.SavedTo = savedTo
	}
}

// finalize records, publishes and reports a settled result.
func (m *Manager) finalize(ctx context.Context, res scraper.GroupResult) {
	m.emit(progress.Event{
		Stage:    progress.StageForOutcome(res.Outcome),
		Group:    res.GroupName,
		Outcome:  res.Outcome,
		Messages: res.MessagesScraped,
		Dur:      res.Duration(),
		Note:     res.Error,
	})
	if len(m.recorders) == 0 && m.publisher == nil {
		return
	}
	runID := m.RunID()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	for _, rec := range m.recorders {
		if err := rec.RecordResult(sctx, runID, res); err != nil {
			m.logger.Warn("record result failed", zap.String("group", res.GroupName), zap.Error(err))
		}
	}
	if m.publisher != nil {
		note := scraper.Notification{RunID: runID, Result: res}
		if _, err := m.publisher.Publish(sctx, m.topic, note); err != nil {
			m.logger.Warn("publish result failed", zap.String("group", res.GroupName), zap.Error(err))
		}
	}
}

func (m *Manager) track(name string, ext *trackedExtractor) {
	m.mu.Lock()
	m.live[name] = ext
	m.mu.Unlock()
}

func (m *Manager) untrack(name string) {
	m.mu.Lock()
	delete(m.live, name)
	m.mu.Unlock()
}

// LiveExtractors reports how many extractors are currently open.
func (m *Manager) LiveExtractors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) notBefore(start time.Time) time.Time {
	now := m.clock.Now()
	if now.Before(start) {
		return start
	}
	return now
}

func markCancelled(res scraper.GroupResult) scraper.GroupResult {
	res.Success = false
	res.Outcome = scraper.OutcomeCancelled
	res.MessagesScraped = 0
	res.Summary = nil
	res.SavedTo = ""
	res.Error = scraper.CancelledMarker
	return res
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, scraper.ErrCancelled)
}

func errorText(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}
