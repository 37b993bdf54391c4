// Package bridge implements the two relay directions: outbound dispatch
// from internal channels to external platforms, and inbound processing of
// platform webhook payloads.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
	"github.com/dynamisinc/cobra-poc-sub003/internal/session"
)

type sessionResolver interface {
	Get(ctx context.Context, conversationKey string) (session.Session, error)
}

// Outbound is an internally authored message to relay.
type Outbound struct {
	Text          string
	SenderName    string
	AttachmentURL string
}

// Dispatcher delivers internal messages to external platforms through the
// registry's Sender capabilities, with retry on transient failures.
type Dispatcher struct {
	logger   *slog.Logger
	registry *platform.Registry
	sessions sessionResolver

	attributionTag string
	retryMax       int
	backoff        time.Duration
	timeout        time.Duration
}

func NewDispatcher(log *slog.Logger, registry *platform.Registry, sessions sessionResolver, cfg config.BridgeConfig) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	retryMax := cfg.RetryMax
	if retryMax < 1 {
		retryMax = 1
	}
	timeout := time.Duration(cfg.DeliveryTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		logger:         log.With(slog.String("service", "dispatcher")),
		registry:       registry,
		sessions:       sessions,
		attributionTag: cfg.AttributionTag,
		retryMax:       retryMax,
		backoff:        time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		timeout:        timeout,
	}
}

// Attribution renders the sender name shown to external participants.
func (d *Dispatcher) Attribution(senderName string) string {
	if d.attributionTag == "" {
		return senderName
	}
	return fmt.Sprintf("%s via %s", senderName, d.attributionTag)
}

// DispatchToMapping delivers one message to one external conversation.
// Transient failures are retried with exponential backoff; permanent
// failures and unestablished sessions return immediately.
func (d *Dispatcher) DispatchToMapping(ctx context.Context, m mapping.Mapping, msg Outbound) error {
	sender, ok := d.registry.GetSender(m.Platform)
	if !ok {
		return platform.PermanentDelivery(m.Platform, fmt.Errorf("platform cannot send: %s", m.Platform))
	}

	target := platform.Target{ExternalID: m.ExternalID, SessionRef: d.resolveSessionRef(ctx, m)}
	out := platform.OutboundMessage{
		Text:          msg.Text,
		SenderName:    d.Attribution(msg.SenderName),
		AttachmentURL: msg.AttachmentURL,
	}

	var err error
	for attempt := 0; attempt < d.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay(attempt)):
			}
		}
		actx, cancel := context.WithTimeout(ctx, d.timeout)
		err = sender.PostMessage(actx, target, out)
		cancel()
		if err == nil {
			return nil
		}
		if !platform.IsTransient(err) {
			return err
		}
		d.logger.Warn("transient delivery failure, retrying",
			"platform", m.Platform, "mapping_id", m.ID, "attempt", attempt+1, "error", err)
	}
	return err
}

// resolveSessionRef reads the conversation session store, which holds the
// freshest routing blob for the identity; the mapping's own copy is the
// fallback for conversations established before any store write.
func (d *Dispatcher) resolveSessionRef(ctx context.Context, m mapping.Mapping) []byte {
	if d.sessions == nil {
		return m.SessionRef
	}
	sess, err := d.sessions.Get(ctx, session.Key(m.Platform, m.ExternalID))
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			d.logger.Warn("resolve conversation session",
				"platform", m.Platform, "mapping_id", m.ID, "error", err)
		}
		return m.SessionRef
	}
	return sess.Blob
}

// retryDelay doubles per attempt: backoff, 2x, 4x, ...
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	return d.backoff << (attempt - 1)
}

// FanOut delivers a message to every mapping except the one it originated
// from. Failures are logged per mapping and never abort the remainder.
// Returns how many deliveries succeeded.
func (d *Dispatcher) FanOut(ctx context.Context, mappings []mapping.Mapping, originMappingID string, msg Outbound) int {
	sent := 0
	for _, m := range mappings {
		if m.ID == originMappingID {
			continue
		}
		if err := d.DispatchToMapping(ctx, m, msg); err != nil {
			d.logDeliveryFailure(m, err)
			continue
		}
		sent++
	}
	return sent
}

// BroadcastAnnouncement delivers an announcement to every active mapping
// for the event, best effort. Returns (delivered, attempted).
func (d *Dispatcher) BroadcastAnnouncement(ctx context.Context, mappings []mapping.Mapping, msg Outbound) (int, int) {
	sent := 0
	for _, m := range mappings {
		if err := d.DispatchToMapping(ctx, m, msg); err != nil {
			d.logDeliveryFailure(m, err)
			continue
		}
		sent++
	}
	return sent, len(mappings)
}

func (d *Dispatcher) logDeliveryFailure(m mapping.Mapping, err error) {
	if errors.Is(err, platform.ErrSessionNotEstablished) {
		d.logger.Info("skipping delivery, session not established",
			"platform", m.Platform, "mapping_id", m.ID)
		return
	}
	d.logger.Error("delivery failed",
		"platform", m.Platform, "mapping_id", m.ID, "error", err)
}
