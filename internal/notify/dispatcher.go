// Package notify implements the Notification Dispatcher (spec §4.5.2): a
// terminal-event-only subscriber that turns Succeeded/Failed bus events into
// push notifications, falling back to email when push delivery is
// impossible, and invalidates device tokens the provider reports as dead.
package notify

import (
	"context"
	"sync"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
)

// Dispatcher fans out terminal job events to push (primary) and email
// (fallback) channels. Fan-out errors are logged and swallowed — they must
// never fail or delay the job itself (spec §7 propagation policy).
type Dispatcher struct {
	bus    interfaces.EventBus
	tokens interfaces.DeviceTokenRegistry
	push   interfaces.PushProvider
	mailer interfaces.Mailer
	logger *common.Logger

	cancel func()
	wg     sync.WaitGroup
}

func New(bus interfaces.EventBus, tokens interfaces.DeviceTokenRegistry, push interfaces.PushProvider, mailer interfaces.Mailer, logger *common.Logger) *Dispatcher {
	return &Dispatcher{bus: bus, tokens: tokens, push: push, mailer: mailer, logger: logger}
}

// Start subscribes to every owner's events and begins dispatching terminal
// ones in a background goroutine.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	ch, busCancel := d.bus.Subscribe(interfaces.EventFilter{})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer busCancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, open := <-ch:
				if !open {
					return
				}
				if !isTerminal(evt.Type) {
					continue
				}
				d.dispatch(ctx, evt)
			}
		}
	}()
}

// Stop ends the dispatch loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// notificationActionOpenArtifact is the literal `action` value spec §4.5.2
// mandates for a Succeeded push payload.
const notificationActionOpenArtifact = "open_artifact"

func isTerminal(t models.EventType) bool {
	return t == models.EventSucceeded || t == models.EventFailed
}

func (d *Dispatcher) dispatch(ctx context.Context, evt models.JobEvent) {
	payload := buildPayload(evt)
	priority := models.NotificationPriorityNormal
	if evt.Type == models.EventSucceeded {
		priority = models.NotificationPriorityHigh
	}

	active, err := d.tokens.ListActive(ctx, evt.OwnerID)
	if err != nil {
		d.logger.Warn().Str("owner_id", evt.OwnerID).Err(err).Msg("failed to list device tokens, skipping push")
		active = nil
	}

	if len(active) == 0 {
		d.fallbackToEmail(ctx, evt, "no active device tokens")
		return
	}

	tokenStrings := make([]string, len(active))
	for i, t := range active {
		tokenStrings[i] = t.Token
	}

	result, err := d.push.Send(ctx, tokenStrings, payload, priority)
	if err != nil {
		d.logger.Warn().Str("owner_id", evt.OwnerID).Err(err).Msg("push provider call failed entirely")
		d.fallbackToEmail(ctx, evt, "push provider unavailable")
		return
	}

	if len(result.InvalidTokens) > 0 {
		if err := d.tokens.InvalidateMany(ctx, result.InvalidTokens); err != nil {
			d.logger.Warn().Err(err).Msg("failed to invalidate dead device tokens")
		}
	}

	delivered := len(tokenStrings) - len(result.InvalidTokens) - len(result.OtherFailures)
	if delivered <= 0 {
		d.fallbackToEmail(ctx, evt, "all push deliveries failed")
	}
}

// fallbackToEmail is the last-resort channel for a terminal event that push
// could not reach at all (zero active devices, the provider call itself
// failed, or no token was delivered). It fires for both outcomes — Succeeded uses the "story-ready"
// template, Failed uses its failure variant — but never merely because some
// tokens among several were invalid; a partial push is not a total failure.
func (d *Dispatcher) fallbackToEmail(ctx context.Context, evt models.JobEvent, reason string) {
	template := "story-ready"
	if evt.Type == models.EventFailed {
		template = "story-ready-failed"
	}
	data := map[string]string{
		"job_id":      evt.JobID,
		"artifact_id": evt.ArtifactID,
		"title":       evt.Title,
		"error":       evt.ErrorText,
	}
	if err := d.mailer.Send(ctx, evt.OwnerID, template, data); err != nil {
		d.logger.Warn().Str("owner_id", evt.OwnerID).Str("reason", reason).Err(err).
			Msg("email fallback failed, notification fully swallowed")
	}
}

func buildPayload(evt models.JobEvent) models.NotificationPayload {
	switch evt.Type {
	case models.EventSucceeded:
		kind := models.NotificationStoryComplete
		if evt.Kind == models.JobKindVoiceClone {
			kind = models.NotificationVoiceComplete
		}
		return models.NotificationPayload{Type: kind, JobID: evt.JobID, ArtifactID: evt.ArtifactID, Title: evt.Title, Action: notificationActionOpenArtifact}
	case models.EventFailed:
		kind := models.NotificationStoryFailed
		if evt.Kind == models.JobKindVoiceClone {
			kind = models.NotificationVoiceFailed
		}
		return models.NotificationPayload{Type: kind, JobID: evt.JobID, ErrorSummary: evt.ErrorText}
	default:
		return models.NotificationPayload{Type: models.NotificationKind(evt.Type), JobID: evt.JobID}
	}
}
