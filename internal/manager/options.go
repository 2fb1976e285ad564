package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/progress"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Option customizes a Manager.
type Option func(*Manager)

// WithExtractorFactory sets how per-group extractors are built. Required.
func WithExtractorFactory(f scraper.ExtractorFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithFallback sets the remote fallback used when extraction fails.
func WithFallback(f scraper.Fallback) Option {
	return func(m *Manager) { m.remote = f }
}

// WithMessageStore replaces the local filesystem store.
func WithMessageStore(s scraper.MessageStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithMirrorStore adds a best-effort secondary copy of saved messages.
func WithMirrorStore(s scraper.MessageStore) Option {
	return func(m *Manager) { m.mirror = s }
}

// WithDatasetPusher forwards messages of groups that name a dataset.
func WithDatasetPusher(p scraper.DatasetPusher) Option {
	return func(m *Manager) { m.pusher = p }
}

// WithSummarizer overrides the summarizer used when AI integration is on.
func WithSummarizer(s scraper.Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithResultRecorder persists every finalized group result. It may be
// given more than once; recorders run in order.
func WithResultRecorder(r scraper.ResultRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
}

// WithRunRecorder persists run start and finish rows.
func WithRunRecorder(r scraper.RunRecorder) Option {
	return func(m *Manager) { m.runs = r }
}

// WithPublisher publishes a notification per finalized group to topic.
func WithPublisher(p scraper.Publisher, topic string) Option {
	return func(m *Manager) {
		m.publisher = p
		m.topic = topic
	}
}

// WithProgress sets the progress emitter.
func WithProgress(e progress.Emitter) Option {
	return func(m *Manager) { m.progress = e }
}

// WithClock overrides the time source.
func WithClock(c scraper.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(g scraper.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithSleeper overrides the context-aware sleep used for batch cooldowns.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithCooldown overrides the pause between batches.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) { m.cooldown = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}
