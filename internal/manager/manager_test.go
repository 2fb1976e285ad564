package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multigroup-scraper/internal/progress"
	"github.com/JakeFAU/multigroup-scraper/internal/publisher/memory"
	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
	storemem "github.com/JakeFAU/multigroup-scraper/internal/storage/memory"
)

var activeFallback = scraper.FallbackSettings{Enabled: true, ActorID: "user/actor", Timeout: time.Minute}

func newTestManager(t *testing.T, groups []scraper.GroupConfig, parallel int, factory *fakeFactory, opts ...Option) *Manager {
	t.Helper()
	m, err := New(groups, scraper.ScraperSettings{MaxParallelGroups: parallel}, scraper.FallbackSettings{}, scraper.AIOptions{},
		append([]Option{
			WithExtractorFactory(factory),
			WithMessageStore(storemem.NewMessageStore()),
		}, opts...)...)
	require.NoError(t, err)
	return m
}

func names(results []scraper.GroupResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.GroupName
	}
	return out
}

func TestNewValidatesGroups(t *testing.T) {
	t.Parallel()

	settings := scraper.ScraperSettings{MaxParallelGroups: 3}
	tests := []struct {
		name     string
		groups   []scraper.GroupConfig
		settings scraper.ScraperSettings
		field    string
	}{
		{name: "empty", groups: nil, settings: settings, field: "whatsapp_groups"},
		{name: "duplicate", groups: groupsNamed("a", "b", "a"), settings: settings, field: "whatsapp_groups[2].name"},
		{name: "blank name", groups: groupsNamed("a", " "), settings: settings, field: "whatsapp_groups[1].name"},
		{name: "ceiling", groups: groupsNamed("a"), settings: scraper.ScraperSettings{}, field: "scraper_settings.max_parallel_groups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.groups, tt.settings, scraper.FallbackSettings{}, scraper.AIOptions{})
			var cfgErr *scraper.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNewCapsParallelism(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, groupsNamed("a", "b"), 5, newFakeFactory(nil))
	assert.Equal(t, 2, m.MaxParallel())
	m = newTestManager(t, groupsNamed("a", "b", "c"), 2, newFakeFactory(nil))
	assert.Equal(t, 2, m.MaxParallel())
}

func TestRunRequiresFactory(t *testing.T) {
	t.Parallel()

	m, err := New(groupsNamed("a"), scraper.ScraperSettings{MaxParallelGroups: 1}, scraper.FallbackSettings{}, scraper.AIOptions{})
	require.NoError(t, err)
	_, err = m.RunAllGroups(context.Background())
	var fatal *scraper.FatalManagerError
	require.ErrorAs(t, err, &fatal)
}

func TestRunAllGroupsPreservesInputOrder(t *testing.T) {
	t.Parallel()

	groups := groupsNamed("g1", "g2", "g3", "g4", "g5")
	behaviors := map[string]behavior{}
	for i, g := range groups {
		// Later groups finish first.
		behaviors[g.Name] = behavior{messages: messages(i + 1), delay: time.Duration(len(groups)-i) * 10 * time.Millisecond}
	}
	factory := newFakeFactory(behaviors)
	m := newTestManager(t, groups, len(groups), factory)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(groups))
	assert.Equal(t, []string{"g1", "g2", "g3", "g4", "g5"}, names(results))

	for i, r := range results {
		assert.True(t, r.Success, r.GroupName)
		assert.Equal(t, scraper.OutcomeSuccess, r.Outcome)
		assert.Equal(t, i+1, r.MessagesScraped)
		assert.Empty(t, r.Error)
		assert.False(t, r.EndTime.Before(r.StartTime))
		assert.Equal(t, int32(1), factory.Extractor(r.GroupName).closes.Load())
	}
	assert.Equal(t, len(groups), factory.tracker.Peak())

	stats := m.Stats()
	assert.Equal(t, 0, stats.ActiveGroups)
	assert.Equal(t, 5, stats.CompletedCycles)
	assert.Equal(t, 15, stats.TotalMessages)
	assert.Zero(t, stats.Errors)
	assert.False(t, m.Status().IsRunning)
	assert.Zero(t, m.LiveExtractors())
}

func TestRunLimitedParallelRespectsCeiling(t *testing.T) {
	t.Parallel()

	groups := groupsNamed("a", "b", "c", "d", "e", "f", "g")
	behaviors := map[string]behavior{}
	for _, g := range groups {
		behaviors[g.Name] = behavior{messages: messages(1), delay: 15 * time.Millisecond}
	}
	factory := newFakeFactory(behaviors)

	var mu sync.Mutex
	var sleeps []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return nil
	}
	m := newTestManager(t, groups, 2, factory, WithSleeper(sleeper), WithCooldown(time.Second))

	results, err := m.RunLimitedParallel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, names(results))
	assert.LessOrEqual(t, factory.tracker.Peak(), 2)
	assert.Equal(t, 7, m.Stats().CompletedCycles)

	mu.Lock()
	defer mu.Unlock()
	// Four batches, three cooldowns.
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeps)
}

func TestFailureWithoutFallback(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {err: errors.New("selector timeout")}})
	fb := &fakeFallback{byGroup: map[string][]scraper.Message{"a": messages(3)}}
	m := newTestManager(t, groupsNamed("a"), 1, factory, WithFallback(fb))

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.False(t, r.Success)
	assert.Equal(t, scraper.OutcomeFailed, r.Outcome)
	assert.Contains(t, r.Error, "selector timeout")
	assert.Empty(t, r.FallbackUsed)
	assert.Zero(t, fb.Calls())
	assert.Equal(t, 1, m.Stats().Errors)
	assert.Equal(t, int32(1), factory.Extractor("a").closes.Load())
}

func TestFailureRecoveredByFallback(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {err: errors.New("boom")}})
	fb := &fakeFallback{byGroup: map[string][]scraper.Message{"a": messages(3)}}
	store := storemem.NewMessageStore()
	m, err := New(groupsNamed("a"), scraper.ScraperSettings{MaxParallelGroups: 1}, activeFallback, scraper.AIOptions{},
		WithExtractorFactory(factory), WithFallback(fb), WithMessageStore(store))
	require.NoError(t, err)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	r := results[0]

	assert.True(t, r.Success)
	assert.Equal(t, scraper.OutcomeRecoveredByFallback, r.Outcome)
	assert.Equal(t, 3, r.MessagesScraped)
	assert.Equal(t, scraper.FallbackRemote, r.FallbackUsed)
	assert.Equal(t, "run extractor: boom", r.OriginalError)
	assert.Empty(t, r.Error)
	require.NotNil(t, r.RemoteRun)
	assert.Equal(t, 3, r.RemoteRun.DatasetItems)
	assert.Equal(t, []string{"run extractor: boom"}, fb.causes)

	saved, ok := store.Messages("out/a.json")
	require.True(t, ok)
	assert.Len(t, saved, 3)
	assert.Equal(t, "memory://out/a.json", r.SavedTo)
}

func TestBrowserContextLossIsFailureNotCancellation(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {err: fmt.Errorf("select chat: %w", context.Canceled)}})
	fb := &fakeFallback{byGroup: map[string][]scraper.Message{"a": messages(2)}}
	m, err := New(groupsNamed("a"), scraper.ScraperSettings{MaxParallelGroups: 1}, activeFallback, scraper.AIOptions{},
		WithExtractorFactory(factory), WithFallback(fb), WithMessageStore(storemem.NewMessageStore()))
	require.NoError(t, err)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	r := results[0]

	assert.Equal(t, scraper.OutcomeRecoveredByFallback, r.Outcome)
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.MessagesScraped)
	assert.Equal(t, "run extractor: select chat: context canceled", r.OriginalError)
	assert.Equal(t, 1, fb.Calls())
	assert.Equal(t, 1, m.Stats().Errors)
}

func TestOperatorCancellationMarkerSkipsFallback(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {err: fmt.Errorf("%w: navigate", scraper.ErrCancelled)}})
	fb := &fakeFallback{byGroup: map[string][]scraper.Message{"a": messages(2)}}
	m, err := New(groupsNamed("a"), scraper.ScraperSettings{MaxParallelGroups: 1}, activeFallback, scraper.AIOptions{},
		WithExtractorFactory(factory), WithFallback(fb), WithMessageStore(storemem.NewMessageStore()))
	require.NoError(t, err)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scraper.OutcomeCancelled, results[0].Outcome)
	assert.Equal(t, scraper.CancelledMarker, results[0].Error)
	assert.Zero(t, fb.Calls())
	assert.Zero(t, m.Stats().Errors)
}

func TestFallbackErrorKeepsOriginalFailure(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {err: errors.New("boom")}})
	fb := &fakeFallback{err: errors.New("apify down")}
	m, err := New(groupsNamed("a"), scraper.ScraperSettings{MaxParallelGroups: 1}, activeFallback, scraper.AIOptions{},
		WithExtractorFactory(factory), WithFallback(fb), WithMessageStore(storemem.NewMessageStore()))
	require.NoError(t, err)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	r := results[0]
	assert.False(t, r.Success)
	assert.Equal(t, scraper.OutcomeFallbackFailed, r.Outcome)
	assert.Equal(t, "run extractor: boom", r.Error)
	assert.Empty(t, r.OriginalError)
	assert.Equal(t, 1, fb.Calls())
}

func TestThreeGroupScenarioCountsEverFailed(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{
		"A": {messages: messages(5)},
		"B": {err: errors.New("b failed")},
		"C": {err: errors.New("c failed")},
	})
	// Only C has a remote dataset to recover from.
	fb := &fakeFallback{byGroup: map[string][]scraper.Message{"C": messages(2)}}
	m, err := New(groupsNamed("A", "B", "C"), scraper.ScraperSettings{MaxParallelGroups: 3}, activeFallback, scraper.AIOptions{},
		WithExtractorFactory(factory), WithFallback(fb), WithMessageStore(storemem.NewMessageStore()))
	require.NoError(t, err)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []scraper.Outcome{
		scraper.OutcomeSuccess,
		scraper.OutcomeFallbackFailed,
		scraper.OutcomeRecoveredByFallback,
	}, []scraper.Outcome{results[0].Outcome, results[1].Outcome, results[2].Outcome})

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalGroups)
	assert.Equal(t, 2, stats.CompletedCycles)
	assert.Equal(t, 7, stats.TotalMessages)
	assert.Equal(t, 2, stats.Errors)
	assert.Equal(t, 0, stats.ActiveGroups)
}

func TestStatsCountGroupsAsTheyComplete(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"fast": {messages: messages(3)}, "slow": {block: true}})
	m := newTestManager(t, groupsNamed("fast", "slow"), 2, factory)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.RunAllGroups(context.Background())
	}()

	require.Eventually(t, func() bool {
		st := m.Stats()
		return st.CompletedCycles == 1 && st.TotalMessages == 3
	}, time.Second, 5*time.Millisecond)
	st := m.Status()
	assert.True(t, st.IsRunning)
	assert.Equal(t, 1, st.ActiveGroups)

	m.StopAll()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not unwind after StopAll")
	}
	final := m.Stats()
	assert.Equal(t, 1, final.CompletedCycles)
	assert.Equal(t, 3, final.TotalMessages)
	assert.Zero(t, final.ActiveGroups)
}

func TestStopAllClosesEachExtractorOnce(t *testing.T) {
	t.Parallel()

	groups := groupsNamed("a", "b", "c")
	factory := newFakeFactory(map[string]behavior{"a": {block: true}, "b": {block: true}, "c": {block: true}})
	fb := &fakeFallback{byGroup: map[string][]scraper.Message{"a": messages(1)}}
	m, err := New(groups, scraper.ScraperSettings{MaxParallelGroups: 3}, activeFallback, scraper.AIOptions{},
		WithExtractorFactory(factory), WithFallback(fb), WithMessageStore(storemem.NewMessageStore()))
	require.NoError(t, err)

	type outcome struct {
		results []scraper.GroupResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := m.RunAllGroups(context.Background())
		done <- outcome{results, err}
	}()

	require.Eventually(t, func() bool { return m.LiveExtractors() == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.Status().IsRunning)
	assert.Equal(t, 3, m.Status().ActiveGroups)

	m.StopAll()
	m.StopAll()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not unwind after StopAll")
	}
	require.NoError(t, got.err)
	for _, r := range got.results {
		assert.Equal(t, scraper.OutcomeCancelled, r.Outcome, r.GroupName)
		assert.Equal(t, scraper.CancelledMarker, r.Error)
		assert.False(t, r.Success)
		assert.Equal(t, int32(1), factory.Extractor(r.GroupName).closes.Load(), r.GroupName)
	}
	assert.Zero(t, fb.Calls(), "fallback must not run for cancellations")
	assert.Zero(t, m.Stats().Errors)
	assert.Zero(t, m.Stats().ActiveGroups)
	m.StopAll()
}

func TestStopBetweenBatchesCancelsRemaining(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {block: true}})
	m := newTestManager(t, groupsNamed("a", "b", "c"), 1, factory)

	done := make(chan []scraper.GroupResult, 1)
	go func() {
		results, err := m.RunLimitedParallel(context.Background())
		assert.NoError(t, err)
		done <- results
	}()

	require.Eventually(t, func() bool { return m.LiveExtractors() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))

	results := <-done
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, scraper.OutcomeCancelled, r.Outcome, r.GroupName)
	}
	assert.Equal(t, []string{"a"}, factory.Created())
}

func TestParentContextCancellation(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {block: true}})
	m := newTestManager(t, groupsNamed("a"), 1, factory)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return m.LiveExtractors() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
	}()
	results, err := m.RunAllGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, scraper.OutcomeCancelled, results[0].Outcome)
	assert.Equal(t, int32(1), factory.Extractor("a").closes.Load())
}

func TestStatsRuntimeMonotonic(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {messages: messages(1), delay: 60 * time.Millisecond}})
	m := newTestManager(t, groupsNamed("a"), 1, factory)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.RunAllGroups(context.Background())
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return m.Status().IsRunning }, time.Second, time.Millisecond)
	last := -1.0
	for range 10 {
		rt := m.Stats().RuntimeSeconds
		assert.GreaterOrEqual(t, rt, last)
		last = rt
		time.Sleep(3 * time.Millisecond)
	}
	<-done

	final := m.Stats()
	assert.GreaterOrEqual(t, final.RuntimeSeconds, last)
	assert.Zero(t, final.ActiveGroups)
	require.NotNil(t, final.StartTime)
	assert.Equal(t, final.RuntimeSeconds, m.Stats().RuntimeSeconds, "runtime is frozen after the run")
}

func TestConcurrentRunRejected(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {block: true}})
	m := newTestManager(t, groupsNamed("a"), 1, factory)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.RunAllGroups(context.Background())
	}()
	require.Eventually(t, func() bool { return m.LiveExtractors() == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.RunLimitedParallel(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	var fatal *scraper.FatalManagerError
	require.ErrorAs(t, err, &fatal)

	m.StopAll()
	<-done
}

func TestPanickingTaskIsIsolated(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{
		"a": {panics: true},
		"b": {messages: messages(2)},
	})
	m := newTestManager(t, groupsNamed("a", "b"), 2, factory)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "panic")
	assert.True(t, results[1].Success)
	assert.Equal(t, int32(1), factory.Extractor("a").closes.Load())
	assert.Equal(t, 1, m.Stats().Errors)
	assert.Zero(t, m.Stats().ActiveGroups)
}

func TestSaveFailureIsExtractionFailure(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(map[string]behavior{"a": {messages: messages(2)}})
	m := newTestManager(t, groupsNamed("a"), 1, factory, WithMessageStore(failingStore{}))

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "disk full")
	assert.Zero(t, results[0].MessagesScraped)
}

func TestSuccessSideEffects(t *testing.T) {
	t.Parallel()

	groups := groupsNamed("a", "b")
	groups[0].ApifyDatasetID = "ds-a"
	factory := newFakeFactory(map[string]behavior{"a": {messages: messages(2)}, "b": {messages: messages(1)}})
	store := storemem.NewMessageStore()
	mirror := storemem.NewMessageStore()
	recorder := storemem.NewResultStore()
	pub := memory.New()
	pusher := &fakePusher{}
	hubSink := &countingSink{}
	hub := progress.NewHub(progress.Config{MaxBatchWait: time.Millisecond}, hubSink)

	m, err := New(groups, scraper.ScraperSettings{MaxParallelGroups: 2}, scraper.FallbackSettings{},
		scraper.AIOptions{Enabled: true, Model: "stats", SummaryMaxMessages: 10},
		WithExtractorFactory(factory),
		WithMessageStore(store),
		WithMirrorStore(mirror),
		WithDatasetPusher(pusher),
		WithResultRecorder(recorder),
		WithPublisher(pub, "group-results"),
		WithProgress(hub),
	)
	require.NoError(t, err)

	results, err := m.RunAllGroups(context.Background())
	require.NoError(t, err)
	require.NoError(t, hub.Close(context.Background()))

	for _, r := range results {
		require.True(t, r.Success)
		require.NotNil(t, r.Summary)
		assert.Equal(t, "statistics", r.Summary.Model)
		assert.Equal(t, r.MessagesScraped, r.Summary.MessageCount)
	}
	_, ok := mirror.Messages("out/b.json")
	assert.True(t, ok)
	assert.Equal(t, map[string]int{"ds-a": 2}, pusher.pushes)

	runID := m.RunID()
	assert.Len(t, recorder.Results(runID), 2)
	notes, err := pub.Notifications()
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, runID, notes[0].RunID)
	assert.Equal(t, "group-results", pub.Messages()[0].Topic)

	// run start, 2x group start, 2x group done, run done
	assert.Equal(t, 6, hubSink.Total())
}

type countingSink struct {
	mu    sync.Mutex
	total int
}

func (s *countingSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += len(batch)
	return nil
}

func (s *countingSink) Close(context.Context) error { return nil }

func (s *countingSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
