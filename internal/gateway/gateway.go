// Package gateway turns client events into moderated chat traffic. It owns the
// per-sender pipeline: identity, restriction lookup, validation, escalation,
// persistence and broadcast.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"chatgate/internal/models"
	"chatgate/internal/moderation"
	"chatgate/internal/notifications"
	"chatgate/internal/observability"
	"chatgate/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

const (
	displayNameLimit = 64

	// displayNameRunes matches the display_name column size.
	displayNameRunes = 128

	defaultExport = 500
)

// Config holds the gateway's policy knobs.
type Config struct {
	LinkMute    time.Duration
	ExportLimit int
	Admins      map[string]struct{}
	// Now is injected by tests. Defaults to time.Now.
	Now func() time.Time
}

// Gateway dispatches inbound websocket events.
type Gateway struct {
	cfg       Config
	validator *moderation.Validator
	tracker   *moderation.Tracker
	store     repository.MessageStore
	hub       *notifications.Hub
	notifier  *notifications.Notifier

	locks *keyedMutex
	bids  *bidCounter
	log   *observability.WSLogger
}

// New wires a Gateway. notifier may be nil for single-instance deployments.
func New(cfg Config, validator *moderation.Validator, tracker *moderation.Tracker, store repository.MessageStore, hub *notifications.Hub, notifier *notifications.Notifier) *Gateway {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExportLimit <= 0 {
		cfg.ExportLimit = defaultExport
	}
	if cfg.Admins == nil {
		cfg.Admins = map[string]struct{}{}
	}
	if notifier == nil {
		notifier = notifications.NewNotifier(nil)
	}
	return &Gateway{
		cfg:       cfg,
		validator: validator,
		tracker:   tracker,
		store:     store,
		hub:       hub,
		notifier:  notifier,
		locks:     newKeyedMutex(),
		bids:      newBidCounter(),
		log:       observability.NewWSLogger(hub.Name()),
	}
}

// Attach routes a client's inbound frames through the gateway.
func (g *Gateway) Attach(client *notifications.Client) {
	client.IncomingHandler = g.HandleEvent
}

// LoadHistory seeds the hub's replay ring from the store.
func (g *Gateway) LoadHistory(ctx context.Context, size int) error {
	recent, err := g.store.ListRecent(ctx, size, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	slices.Reverse(recent)
	g.hub.SeedHistory(recent)
	return nil
}

// HandleEvent decodes and dispatches one inbound frame. Every failure becomes
// exactly one error frame to the sending client.
func (g *Gateway) HandleEvent(client *notifications.Client, raw []byte) {
	ctx := client.Context()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		observability.WebSocketEventsTotal.WithLabelValues("malformed").Inc()
		g.replyError(ctx, client, "malformed", models.NewMalformedError(msgMalformed))
		return
	}

	eventType := frame.Type
	if !knownEvent(eventType) {
		eventType = "unknown"
	}
	observability.WebSocketEventsTotal.WithLabelValues(eventType).Inc()

	span, ctx := observability.NewSpan(ctx, "ws."+eventType, attribute.String("event.type", eventType))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s handler: %v", eventType, r)
			span.SetError(err)
			g.replyError(ctx, client, eventType, models.NewInternalError(err))
		}
	}()

	var err error
	switch frame.Type {
	case EventSendMessage:
		err = g.handleSendMessage(ctx, client, frame.Data)
	case EventPlaceBid:
		err = g.handlePlaceBid(ctx, client, frame.Data)
	case EventAdminDeleteMessage:
		err = g.handleDeleteMessage(ctx, client, frame.Data)
	case EventAdminMuteUser:
		err = g.handleMuteUser(ctx, client, frame.Data)
	case EventAdminExportHistory:
		err = g.handleExportHistory(ctx, client, frame.Data)
	default:
		err = models.NewMalformedError(msgUnsupported)
	}

	if err != nil {
		span.SetError(err)
		g.replyError(ctx, client, eventType, err)
	}
}

func knownEvent(t string) bool {
	switch t {
	case EventSendMessage, EventPlaceBid, EventAdminDeleteMessage, EventAdminMuteUser, EventAdminExportHistory:
		return true
	}
	return false
}

// admission is what the locked part of send-message decided.
type admission struct {
	msg     *models.ChatMessage
	warning string

	// block is an escalation block still to be mirrored to the store.
	block *models.MuteRecord
}

func (g *Gateway) handleSendMessage(ctx context.Context, client *notifications.Client, data json.RawMessage) error {
	var in sendMessageData
	if err := decode(data, &in); err != nil {
		return err
	}
	sender, err := g.identify(client, in.SenderAddress)
	if err != nil {
		return err
	}

	adm, err := g.admit(ctx, client, sender, in)
	if adm.block != nil {
		g.persistBlock(ctx, adm.block)
	}
	if err != nil {
		return err
	}

	// Persistence is best-effort: the message has already gone out.
	if err := g.store.Append(ctx, adm.msg); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "message broadcast without persistence",
			slog.String("message_id", adm.msg.ID),
			slog.String("error", err.Error()),
		)
	}
	observability.MessagesAccepted.Inc()
	g.publish(ctx, notifications.TypeNewMessage, adm.msg)

	if adm.warning != "" {
		client.TrySendFrame(EventWarning, Notice{Message: adm.warning})
	}
	return nil
}

// admit runs the part of send-message that must be serialised per sender:
// the durable restriction read, validation, tracker updates and the
// broadcast that fixes the message's place in the acceptance order. Store
// writes happen after the lock is released.
func (g *Gateway) admit(ctx context.Context, client *notifications.Client, sender string, in sendMessageData) (admission, error) {
	unlock := g.locks.Lock(sender)
	defer unlock()

	now := g.cfg.Now()

	durable, err := g.store.GetMuteRecord(ctx, sender)
	if err != nil {
		// The in-memory tracker still applies; the durable check is read-through only.
		observability.GlobalLogger.WarnContext(ctx, "mute record lookup failed",
			slog.String("sender", sender),
			slog.String("error", err.Error()),
		)
		durable = nil
	}

	isAdmin := in.IsAdmin && g.boundAdmin(client, sender)
	decision := g.validator.Validate(moderation.Input{
		Text:    in.Text,
		Sender:  sender,
		IsAdmin: isAdmin,
		Now:     now,
		Durable: durable,
	})

	if !decision.Accepted {
		observability.MessagesRejected.WithLabelValues(string(decision.Violation)).Inc()
		block := g.applyRejection(sender, decision.Violation, durable, now)
		return admission{block: block}, models.NewValidationError(decision.Reason)
	}

	var adm admission
	g.tracker.RecordAttempt(sender, now)
	if decision.Violation == moderation.ViolationProfanity {
		r := g.tracker.RecordProfanity(sender, now)
		adm.block = g.recordRestriction(sender, r, "profanity", durable, now)
	}

	adm.msg = &models.ChatMessage{
		ID:            repository.NewMessageID(),
		SenderAddress: sender,
		DisplayName:   displayName(in.DisplayName, sender),
		Text:          decision.Text,
		IsAdmin:       isAdmin,
		BidLevel:      g.bids.Level(sender),
		CreatedAt:     now.UTC(),
	}
	adm.warning = decision.Warning

	if err := g.hub.BroadcastMessage(adm.msg); err != nil {
		return adm, models.NewInternalError(err)
	}
	return adm, nil
}

// applyRejection turns a link or rate rejection into its restriction.
func (g *Gateway) applyRejection(sender string, v moderation.Violation, durable *models.MuteRecord, now time.Time) *models.MuteRecord {
	switch v {
	case moderation.ViolationLink:
		if g.cfg.LinkMute > 0 {
			r := g.tracker.ApplyMute(sender, g.cfg.LinkMute, now)
			return g.recordRestriction(sender, r, "link", durable, now)
		}
	case moderation.ViolationRate:
		r := g.tracker.RecordRateViolation(sender, now)
		return g.recordRestriction(sender, r, "rate", durable, now)
	}
	return nil
}

// recordRestriction counts the action and, for escalation blocks, returns the
// durable record that keeps them across tracker eviction and restarts. A
// longer existing record is left alone.
func (g *Gateway) recordRestriction(sender string, r moderation.Restriction, cause string, durable *models.MuteRecord, now time.Time) *models.MuteRecord {
	observability.ModerationActions.WithLabelValues(r.Kind, cause).Inc()
	if r.Kind != moderation.KindBlock {
		return nil
	}
	if durable.Active(now) && !durable.MutedUntil.Before(r.Until) {
		return nil
	}
	return &models.MuteRecord{
		SenderAddress: sender,
		MutedUntil:    r.Until.UTC(),
		MutedBy:       models.MutedBySystem,
		Reason:        cause,
		Kind:          models.KindBlock,
		UpdatedAt:     now.UTC(),
	}
}

// persistBlock mirrors an escalation block to the store. It re-reads under the
// sender's lock because an admin mute may have landed since admission.
func (g *Gateway) persistBlock(ctx context.Context, rec *models.MuteRecord) {
	unlock := g.locks.Lock(rec.SenderAddress)
	defer unlock()

	existing, err := g.store.GetMuteRecord(ctx, rec.SenderAddress)
	if err == nil && existing.Active(rec.UpdatedAt) && !existing.MutedUntil.Before(rec.MutedUntil) {
		return
	}
	if err := g.store.UpsertMuteRecord(ctx, rec); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "escalation block not persisted",
			slog.String("sender", rec.SenderAddress),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) handlePlaceBid(ctx context.Context, client *notifications.Client, data json.RawMessage) error {
	var in placeBidData
	if err := decode(data, &in); err != nil {
		return err
	}
	sender, err := g.identify(client, in.SenderAddress)
	if err != nil {
		return err
	}

	count, level := g.bids.Increment(sender)
	observability.GlobalLogger.DebugContext(ctx, "bid recorded",
		slog.String("sender", sender),
		slog.Int("count", count),
	)
	client.TrySendFrame(EventBidLevel, BidLevel{SenderAddress: sender, BidCount: count, Level: level})
	return nil
}

// HandlePeerEvent applies an event accepted by another instance to this
// instance's clients and state.
func (g *Gateway) HandlePeerEvent(ev notifications.PeerEvent) {
	ctx := context.Background()
	switch ev.Type {
	case notifications.TypeNewMessage:
		var msg models.ChatMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			g.log.LogError(ctx, "", err, ev.Type)
			return
		}
		if err := g.hub.BroadcastMessage(&msg); err != nil {
			g.log.LogError(ctx, "", err, ev.Type)
		}

	case EventMessageDeleted:
		var body MessageDeleted
		if err := json.Unmarshal(ev.Data, &body); err != nil || body.MessageID == "" {
			g.log.LogError(ctx, "", errors.Join(errors.New("bad message-deleted payload"), err), ev.Type)
			return
		}
		g.hub.RemoveFromHistory(body.MessageID)
		_ = g.hub.Broadcast(EventMessageDeleted, body)

	case EventUserMuted:
		var body UserMuted
		if err := json.Unmarshal(ev.Data, &body); err != nil || body.SenderAddress == "" {
			g.log.LogError(ctx, "", errors.Join(errors.New("bad user-muted payload"), err), ev.Type)
			return
		}
		g.tracker.ApplyMute(body.SenderAddress, time.Duration(body.DurationSeconds)*time.Second, g.cfg.Now())
		_ = g.hub.Broadcast(EventUserMuted, body)

	default:
		observability.GlobalLogger.DebugContext(ctx, "ignoring peer event", slog.String("type", ev.Type))
	}
}

func (g *Gateway) publish(ctx context.Context, eventType string, data any) {
	if err := g.notifier.Publish(ctx, eventType, data); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "peer fan-out failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// identify canonicalises the claimed address and checks it against the
// connection's token-bound wallet, if any.
func (g *Gateway) identify(client *notifications.Client, claimed string) (string, error) {
	addr, err := models.CanonicalAddress(claimed)
	if err != nil {
		return "", models.NewValidationError(err.Error())
	}
	if client.Address != "" && client.Address != addr {
		return "", models.NewUnauthorizedError(msgNotAllowed)
	}
	return addr, nil
}

// boundAdmin reports whether addr is a configured admin proven by the
// connection's token.
func (g *Gateway) boundAdmin(client *notifications.Client, addr string) bool {
	if client.Address == "" || client.Address != addr {
		return false
	}
	_, ok := g.cfg.Admins[addr]
	return ok
}

func (g *Gateway) replyError(ctx context.Context, client *notifications.Client, eventType string, err error) {
	appErr := models.AsAppError(err)
	if appErr.IsFault() {
		g.log.LogError(ctx, client.ID, err, eventType)
	} else {
		g.log.LogRejection(ctx, eventType, appErr.Message)
	}
	client.TrySendFrame(EventError, Notice{Message: appErr.Message})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return models.NewMalformedError(msgMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.NewMalformedError(msgMalformed)
	}
	return nil
}

// displayName strips control characters and falls back to the short address.
func displayName(raw, sender string) string {
	name := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, raw))
	if name == "" {
		return models.ShortAddress(sender)
	}
	return moderation.TruncateColumn(name, displayNameLimit, displayNameRunes)
}
