package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// openTracker records how many extractors are initialized and not yet closed.
type openTracker struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (t *openTracker) open() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current++
	if t.current > t.peak {
		t.peak = t.current
	}
}

func (t *openTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current--
}

func (t *openTracker) Peak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// behavior scripts one group's fake extractor.
type behavior struct {
	messages []scraper.Message
	err      error
	delay    time.Duration
	block    bool
	panics   bool
}

type fakeExtractor struct {
	behavior
	tracker *openTracker
	opened  atomic.Bool
	closes  atomic.Int32
}

func (f *fakeExtractor) Initialize(context.Context) error {
	if f.opened.CompareAndSwap(false, true) && f.tracker != nil {
		f.tracker.open()
	}
	return nil
}

func (f *fakeExtractor) Run(ctx context.Context) ([]scraper.Message, error) {
	if f.panics {
		panic("extractor exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("navigate: %w", ctx.Err())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.messages, nil
}

func (f *fakeExtractor) Close() error {
	f.closes.Add(1)
	if f.opened.CompareAndSwap(true, false) && f.tracker != nil {
		f.tracker.close()
	}
	return nil
}

type fakeFactory struct {
	mu         sync.Mutex
	behaviors  map[string]behavior
	tracker    *openTracker
	extractors map[string]*fakeExtractor
	created    []string
}

func newFakeFactory(behaviors map[string]behavior) *fakeFactory {
	return &fakeFactory{
		behaviors:  behaviors,
		tracker:    &openTracker{},
		extractors: make(map[string]*fakeExtractor),
	}
}

func (f *fakeFactory) NewExtractor(group scraper.GroupConfig, _ scraper.ScraperSettings) (scraper.Extractor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ext := &fakeExtractor{behavior: f.behaviors[group.Name], tracker: f.tracker}
	f.extractors[group.Name] = ext
	f.created = append(f.created, group.Name)
	return ext, nil
}

func (f *fakeFactory) Extractor(name string) *fakeExtractor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extractors[name]
}

func (f *fakeFactory) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

type fakeFallback struct {
	mu      sync.Mutex
	calls   int
	byGroup map[string][]scraper.Message
	err     error
	causes  []string
}

func (f *fakeFallback) Recover(_ context.Context, group scraper.GroupConfig, cause error) (*scraper.FallbackResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.causes = append(f.causes, cause.Error())
	if f.err != nil {
		return nil, f.err
	}
	msgs, ok := f.byGroup[group.Name]
	if !ok {
		return nil, nil
	}
	return &scraper.FallbackResult{
		Run:      scraper.RemoteRun{ActorID: "user/actor", RunID: "run-" + group.Name, Status: "SUCCEEDED", DatasetItems: len(msgs)},
		Messages: msgs,
	}, nil
}

func (f *fakeFallback) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePusher struct {
	mu     sync.Mutex
	pushes map[string]int
}

func (p *fakePusher) PushItems(_ context.Context, datasetID string, items []scraper.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushes == nil {
		p.pushes = map[string]int{}
	}
	p.pushes[datasetID] += len(items)
	return nil
}

type failingStore struct{}

func (failingStore) SaveMessages(context.Context, string, []scraper.Message) (string, error) {
	return "", errors.New("disk full")
}

func messages(n int) []scraper.Message {
	out := make([]scraper.Message, n)
	for i := range out {
		out[i] = scraper.Message{"text": fmt.Sprintf("Alice: message %d", i)}
	}
	return out
}

func groupsNamed(names ...string) []scraper.GroupConfig {
	out := make([]scraper.GroupConfig, len(names))
	for i, n := range names {
		out[i] = scraper.GroupConfig{Name: n, SaveFile: "out/" + n + ".json", ScrapeInterval: 60, Priority: scraper.PriorityMedium}
	}
	return out
}
