package scraper

import (
	"context"
	"time"
)

// Extractor owns one browser session for one group.
// Close must be safe to call more than once.
type Extractor interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context) ([]Message, error)
	Close() error
}

// ExtractorFactory builds an extractor bound to a group and the shared settings.
type ExtractorFactory interface {
	NewExtractor(group GroupConfig, settings ScraperSettings) (Extractor, error)
}

// ExtractorFactoryFunc adapts a function to ExtractorFactory.
type ExtractorFactoryFunc func(group GroupConfig, settings ScraperSettings) (Extractor, error)

// NewExtractor calls f.
func (f ExtractorFactoryFunc) NewExtractor(group GroupConfig, settings ScraperSettings) (Extractor, error) {
	return f(group, settings)
}

// FallbackResult is the normalized output of a successful remote fallback.
type FallbackResult struct {
	Run      RemoteRun
	Messages []Message
}

// Fallback recovers a failed group through a remote service. A nil result
// with a nil error means no fallback was available.
type Fallback interface {
	Recover(ctx context.Context, group GroupConfig, cause error) (*FallbackResult, error)
}

// MessageStore persists a group's messages and returns a URI.
type MessageStore interface {
	SaveMessages(ctx context.Context, path string, messages []Message) (string, error)
}

// DatasetPusher forwards messages to a remote dataset.
type DatasetPusher interface {
	PushItems(ctx context.Context, datasetID string, items []Message) error
}

// Summarizer condenses extracted messages.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (Summary, error)
}

// ResultRecorder persists finalized group results (run history).
type ResultRecorder interface {
	RecordResult(ctx context.Context, runID string, result GroupResult) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RunRecorder persists run-level lifecycle rows.
type RunRecorder interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time, totalGroups int) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, stats RunStatistics) error
}
