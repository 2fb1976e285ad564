package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// DefaultWebURL is the WhatsApp Web entry point.
const DefaultWebURL = "https://web.whatsapp.com/"

const defaultTimeout = 30 * time.Second

// Page selectors.
const (
	searchSelector       = `[data-testid="chat-list-search"]`
	conversationSelector = `[data-testid="conversation-panel-wrapper"]`
	qrSelector           = `canvas[aria-label="Scan me!"]`
)

// ErrNotAuthenticated means the page asked for a QR login.
var ErrNotAuthenticated = errors.New("whatsapp web requires QR login")

// collectScript returns message records from the open conversation, trying
// the structured container first and the legacy classes second.
const collectScript = `(() => {
  const selectors = ['[data-testid="msg-container"]', '.message-in, .message-out'];
  for (const sel of selectors) {
    const seen = new Set();
    const out = [];
    for (const node of document.querySelectorAll(sel)) {
      const text = (node.innerText || '').trim();
      if (!text || seen.has(text)) continue;
      seen.add(text);
      const meta = node.querySelector('[data-pre-plain-text]');
      out.push({
        text: text,
        meta: meta ? meta.getAttribute('data-pre-plain-text') : '',
        direction: node.closest('.message-out') ? 'out' : 'in',
      });
    }
    if (out.length) return out;
  }
  return [];
})()`

// Options tune scrolling; zero values pick defaults.
type Options struct {
	ScrollAttempts int
	ScrollDelay    time.Duration
}

// Extractor implements scraper.Extractor for one group.
type Extractor struct {
	group    scraper.GroupConfig
	settings scraper.ScraperSettings
	opts     Options
	logger   *zap.Logger

	mu          sync.Mutex
	browserCtx  context.Context
	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	auth        AuthState
	closed      bool
}

// New builds an extractor. No browser starts until Initialize.
func New(group scraper.GroupConfig, settings scraper.ScraperSettings, opts Options, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ScrollAttempts <= 0 {
		opts.ScrollAttempts = 10
	}
	if opts.ScrollDelay <= 0 {
		opts.ScrollDelay = time.Second
	}
	return &Extractor{
		group:    group,
		settings: settings,
		opts:     opts,
		logger:   logger.With(zap.String("group", group.Name)),
	}
}

// Initialize launches Chrome with the group's profile and loads the saved
// session (read-only).
func (e *Extractor) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("extractor for %s already closed", e.group.Name)
	}
	if e.browserCtx != nil {
		return nil
	}

	auth, err := LoadAuthState(e.settings.AuthStatePath)
	if err != nil {
		return err
	}

	profile := ProfileDir(e.settings.ChromeDataDir, e.group.Name)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(e.settings, profile)...)
	browserCtx, tabCancel := chromedp.NewContext(allocCtx)

	// The first Run launches Chrome and must use the browser context itself;
	// a derived deadline would kill the browser when it expires.
	stop := context.AfterFunc(ctx, tabCancel)
	err = chromedp.Run(browserCtx)
	if err == nil {
		err = e.step(browserCtx, "session setup", e.sessionSetup(auth))
	}
	stop()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		allocCancel()
		return e.wrapCancel(ctx, fmt.Errorf("start browser: %w", err))
	}

	e.browserCtx = browserCtx
	e.tabCancel = tabCancel
	e.allocCancel = allocCancel
	e.auth = auth
	e.logger.Info("browser session started", zap.String("profile", profile))
	return nil
}

// Run opens the group's conversation and collects its visible messages.
func (e *Extractor) Run(ctx context.Context) ([]scraper.Message, error) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	auth := e.auth
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("extractor for %s already closed", e.group.Name)
	}
	if browserCtx == nil {
		return nil, fmt.Errorf("extractor for %s not initialized", e.group.Name)
	}

	runCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := e.open(runCtx, auth); err != nil {
		return nil, e.wrapCancel(ctx, err)
	}
	if err := e.step(runCtx, "select chat", e.selectChat()...); err != nil {
		return nil, e.wrapCancel(ctx, err)
	}
	if err := e.step(runCtx, "scroll history", e.scrollHistory()...); err != nil {
		return nil, e.wrapCancel(ctx, err)
	}

	var records []map[string]any
	if err := e.step(runCtx, "collect messages", chromedp.Evaluate(collectScript, &records)); err != nil {
		return nil, e.wrapCancel(ctx, err)
	}
	messages := make([]scraper.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, scraper.Message(r))
	}
	e.logger.Info("messages extracted", zap.Int("count", len(messages)))
	return messages, nil
}

// Close releases the tab and the Chrome process. It is safe to call more
// than once.
func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.tabCancel != nil {
		e.tabCancel()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	e.browserCtx = nil
	e.logger.Debug("browser session closed")
	return nil
}

func (e *Extractor) open(ctx context.Context, auth AuthState) error {
	webURL := e.webURL()
	if err := e.step(ctx, "navigate", chromedp.Navigate(webURL)); err != nil {
		return err
	}
	if entries := auth.LocalStorageFor(origin(webURL)); len(entries) > 0 {
		if err := e.step(ctx, "restore local storage", seedLocalStorage(entries), chromedp.Reload()); err != nil {
			return err
		}
	}
	if err := e.step(ctx, "wait for chat list", chromedp.WaitVisible(searchSelector, chromedp.ByQuery)); err != nil {
		var needsLogin bool
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		probe := fmt.Sprintf("document.querySelector(%q) !== null", qrSelector)
		if chromedp.Run(probeCtx, chromedp.Evaluate(probe, &needsLogin)) == nil && needsLogin {
			return ErrNotAuthenticated
		}
		return err
	}
	return nil
}

func (e *Extractor) selectChat() []chromedp.Action {
	title := TitleSelector(e.group.Name)
	return []chromedp.Action{
		chromedp.Click(searchSelector, chromedp.ByQuery),
		chromedp.SendKeys(searchSelector, e.group.Name, chromedp.ByQuery),
		chromedp.WaitVisible(title, chromedp.ByQuery),
		chromedp.Click(title, chromedp.ByQuery),
		chromedp.WaitVisible(conversationSelector, chromedp.ByQuery),
	}
}

func (e *Extractor) scrollHistory() []chromedp.Action {
	actions := make([]chromedp.Action, 0, e.opts.ScrollAttempts*2)
	for range e.opts.ScrollAttempts {
		actions = append(actions,
			chromedp.SendKeys(conversationSelector, kb.PageUp, chromedp.ByQuery),
			chromedp.Sleep(e.opts.ScrollDelay),
		)
	}
	return actions
}

func (e *Extractor) sessionSetup(auth AuthState) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.settings.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.settings.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if cookies := auth.CookieParams(); len(cookies) > 0 {
			if err := network.SetCookies(cookies).Do(ctx); err != nil {
				return fmt.Errorf("restore cookies: %w", err)
			}
		}
		return nil
	})
}

// step runs actions under the per-operation timeout.
func (e *Extractor) step(ctx context.Context, name string, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	if err := chromedp.Run(stepCtx, actions...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (e *Extractor) wrapCancel(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %w", scraper.ErrCancelled, err)
	}
	return err
}

func (e *Extractor) timeout() time.Duration {
	if e.settings.Timeout > 0 {
		return e.settings.Timeout
	}
	return defaultTimeout
}

func (e *Extractor) webURL() string {
	if e.settings.WebURL != "" {
		return e.settings.WebURL
	}
	return DefaultWebURL
}

func allocatorOptions(settings scraper.ScraperSettings, profile string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if settings.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if profile != "" {
		opts = append(opts, chromedp.UserDataDir(profile))
	}
	if settings.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(settings.UserAgent))
	}
	return opts
}

func seedLocalStorage(entries []StorageEntry) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode local storage: %w", err)
		}
		script := fmt.Sprintf(`(() => { for (const e of %s) { localStorage.setItem(e.name, e.value); } return true; })()`, data)
		var ok bool
		return chromedp.Evaluate(script, &ok).Do(ctx)
	})
}

var unsafeProfileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ProfileDir returns the per-group Chrome user-data directory under base.
func ProfileDir(base, group string) string {
	if base == "" {
		return ""
	}
	name := strings.Trim(unsafeProfileChars.ReplaceAllString(group, "_"), "_.")
	if name == "" {
		name = "group"
	}
	return filepath.Join(base, name)
}

// TitleSelector matches the chat list entry titled name.
func TitleSelector(name string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	return fmt.Sprintf(`span[title="%s"]`, escaped)
}

func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(rawURL, "/")
	}
	return u.Scheme + "://" + u.Host
}
