package scraper

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders groups for operators; it does not affect scheduling.
type Priority string

// Supported group priorities.
const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// ParsePriority normalizes a configured priority. Empty input maps to MEDIUM.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(raw))); p {
	case "":
		return PriorityMedium, nil
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// GroupConfig describes one chat group to extract.
type GroupConfig struct {
	Name           string   `json:"name" yaml:"name"`
	SaveFile       string   `json:"save_file" yaml:"save_file"`
	ApifyDatasetID string   `json:"apify_dataset_id,omitempty" yaml:"apify_dataset_id,omitempty"`
	ScrapeInterval int      `json:"scrape_interval" yaml:"scrape_interval"`
	Priority       Priority `json:"priority" yaml:"priority"`
}

// Interval returns the configured scrape interval (seconds) as a duration.
func (g GroupConfig) Interval() time.Duration {
	return time.Duration(g.ScrapeInterval) * time.Second
}

// ScraperSettings are the run-wide browser and scheduling knobs.
type ScraperSettings struct {
	MaxParallelGroups int
	Headless          bool
	Timeout           time.Duration
	ChromeDataDir     string
	AuthStatePath     string
	WebURL            string
	UserAgent         string
	BatchCooldown     time.Duration
}

// FallbackSettings control the remote actor fallback path.
type FallbackSettings struct {
	Enabled        bool
	ActorID        string
	TokenEnv       string
	Timeout        time.Duration
	InputOverrides map[string]any
}

// Active reports whether a fallback attempt should be made.
func (f FallbackSettings) Active() bool {
	return f.Enabled && strings.TrimSpace(f.ActorID) != ""
}

// AIOptions toggles summarization of extracted messages.
type AIOptions struct {
	Enabled            bool
	Model              string
	SummaryMaxMessages int
}

// Message is one chat record as produced by an extractor or a remote dataset.
type Message map[string]any

// Summary is the structured output of a Summarizer.
type Summary struct {
	Model        string         `json:"model,omitempty"`
	Text         string         `json:"text"`
	MessageCount int            `json:"message_count"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Outcome tags how a group's extraction attempt ended.
type Outcome string

// Outcome values recorded on GroupResult.
const (
	OutcomeSuccess             Outcome = "success"
	OutcomeFailed              Outcome = "failed"
	OutcomeFallbackFailed      Outcome = "failed_fallback_attempted"
	OutcomeRecoveredByFallback Outcome = "recovered_by_fallback"
	OutcomeCancelled           Outcome = "cancelled"
)

// FallbackRemote marks results recovered through the remote actor.
const FallbackRemote = "remote"

// CancelledMarker is the error text recorded for cancelled groups.
const CancelledMarker = "cancelled"

// RemoteRun captures metadata about a remote actor run.
type RemoteRun struct {
	ActorID      string `json:"actor_id"`
	RunID        string `json:"run_id,omitempty"`
	Status       string `json:"status,omitempty"`
	DatasetItems int    `json:"dataset_items"`
}

// GroupResult is the outcome record for one group within one run.
type GroupResult struct {
	GroupName       string     `json:"group_name"`
	Outcome         Outcome    `json:"outcome"`
	Success         bool       `json:"success"`
	MessagesScraped int        `json:"messages_scraped"`
	Summary         *Summary   `json:"ai_summary,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	FallbackUsed    string     `json:"fallback_used,omitempty"`
	OriginalError   string     `json:"original_error,omitempty"`
	RemoteRun       *RemoteRun `json:"apify_run,omitempty"`
	SavedTo         string     `json:"saved_to,omitempty"`

	RemoteMessages []Message `json:"-"`
}

// Duration returns the wall time spent on the group.
func (r GroupResult) Duration() time.Duration {
	if r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// RunStatistics aggregates counters for a manager run.
type RunStatistics struct {
	TotalGroups     int        `json:"total_groups"`
	ActiveGroups    int        `json:"active_groups"`
	CompletedCycles int        `json:"completed_cycles"`
	TotalMessages   int        `json:"total_messages"`
	Errors          int        `json:"errors"`
	StartTime       *time.Time `json:"start_time"`
	RuntimeSeconds  float64    `json:"runtime_seconds"`
}

// Status reports the manager's live state.
type Status struct {
	IsRunning    bool          `json:"is_running"`
	ActiveGroups int           `json:"active_groups"`
	TotalGroups  int           `json:"total_groups"`
	Stats        RunStatistics `json:"stats"`
}

// Notification is published once per finalized group result.
type Notification struct {
	RunID  string      `json:"run_id"`
	Result GroupResult `json:"result"`
}
