package apify

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// ActorCaller runs a remote actor. *Client satisfies it.
type ActorCaller interface {
	CallActor(ctx context.Context, actorID string, input map[string]any, tokenEnv string, timeout time.Duration) (ActorOutput, error)
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Fallback recovers failed groups by running the configured actor.
type Fallback struct {
	caller   ActorCaller
	settings scraper.FallbackSettings
	clock    scraper.Clock
	logger   *zap.Logger
}

// NewFallback wires the remote fallback path. A nil clock uses the wall clock.
func NewFallback(caller ActorCaller, settings scraper.FallbackSettings, clock scraper.Clock, logger *zap.Logger) *Fallback {
	if clock == nil {
		clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{caller: caller, settings: settings, clock: clock, logger: logger}
}

// Payload builds the actor input for a failed group. Overrides win over the
// generated keys.
func (f *Fallback) Payload(group scraper.GroupConfig, cause error) map[string]any {
	payload := map[string]any{
		"group_name":   group.Name,
		"save_file":    group.SaveFile,
		"requested_at": f.clock.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		payload["error_message"] = cause.Error()
	}
	maps.Copy(payload, f.settings.InputOverrides)
	return payload
}

// Recover calls the actor and normalizes its dataset items. It returns nil
// without calling out when the fallback is disabled or has no actor id.
func (f *Fallback) Recover(ctx context.Context, group scraper.GroupConfig, cause error) (*scraper.FallbackResult, error) {
	if f == nil || f.caller == nil || !f.settings.Active() {
		return nil, nil
	}
	logger := f.logger.With(zap.String("group", group.Name), zap.String("actor_id", f.settings.ActorID))
	logger.Info("attempting remote fallback")

	out, err := f.caller.CallActor(ctx, f.settings.ActorID, f.Payload(group, cause), f.settings.TokenEnv, f.settings.Timeout)
	if err != nil {
		return nil, fmt.Errorf("remote fallback for %s: %w", group.Name, err)
	}
	messages := NormalizeItems(out.Items)
	logger.Info("remote fallback returned items",
		zap.String("run_id", out.Run.ID),
		zap.Int("messages", len(messages)),
	)
	return &scraper.FallbackResult{
		Run: scraper.RemoteRun{
			ActorID:      f.settings.ActorID,
			RunID:        out.Run.ID,
			Status:       out.Run.Status,
			DatasetItems: len(out.Items),
		},
		Messages: messages,
	}, nil
}
