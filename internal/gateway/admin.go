package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"chatgate/internal/models"
	"chatgate/internal/moderation"
	"chatgate/internal/notifications"
	"chatgate/internal/observability"
	"chatgate/internal/repository"
)

const (
	maxMuteMinutes  = 30 * 24 * 60
	muteReasonLimit = 256
)

// requireAdmin accepts only a token-bound connection whose wallet matches the
// claimed admin address and is in the admin set. Denials never say which
// check failed.
func (g *Gateway) requireAdmin(client *notifications.Client, claimed string) (string, error) {
	if client.Address == "" {
		return "", models.NewAuthRequiredError()
	}
	addr, err := models.CanonicalAddress(claimed)
	if err != nil || !g.boundAdmin(client, addr) {
		return "", models.NewUnauthorizedError(msgNotAllowed)
	}
	return addr, nil
}

// IsAdmin reports whether addr is in the configured admin set.
func (g *Gateway) IsAdmin(addr string) bool {
	_, ok := g.cfg.Admins[addr]
	return ok
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, client *notifications.Client, data json.RawMessage) error {
	var in deleteMessageData
	if err := decode(data, &in); err != nil {
		return err
	}
	admin, err := g.requireAdmin(client, in.AdminAddress)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(in.MessageID)
	if id == "" {
		return models.NewValidationError("messageId is required")
	}

	err = g.store.SoftDelete(ctx, id)
	switch {
	case errors.Is(err, repository.ErrMessageNotFound):
		// A message whose append failed lives only in the replay ring.
		if !g.hub.RemoveFromHistory(id) {
			return models.NewNotFoundError("message", id)
		}
	case err != nil:
		return models.NewStoreError("delete message", err)
	default:
		g.hub.RemoveFromHistory(id)
	}

	body := MessageDeleted{MessageID: id}
	if err := g.hub.Broadcast(EventMessageDeleted, body); err != nil {
		return models.NewInternalError(err)
	}
	g.publish(ctx, EventMessageDeleted, body)
	observability.ModerationActions.WithLabelValues("delete", "admin").Inc()

	client.TrySendFrame(EventAdminAck, AdminAck{Action: EventAdminDeleteMessage, MessageID: id})
	g.log.LogLifecycle(ctx, "message deleted", slog.String("admin", admin), slog.String("message_id", id))
	return nil
}

func (g *Gateway) handleMuteUser(ctx context.Context, client *notifications.Client, data json.RawMessage) error {
	var in muteUserData
	if err := decode(data, &in); err != nil {
		return err
	}
	admin, err := g.requireAdmin(client, in.AdminAddress)
	if err != nil {
		return err
	}
	target, err := models.CanonicalAddress(in.SenderAddress)
	if err != nil {
		return models.NewValidationError(err.Error())
	}
	if math.IsNaN(in.DurationMinutes) || in.DurationMinutes <= 0 || in.DurationMinutes > maxMuteMinutes {
		return models.NewValidationError(fmt.Sprintf("durationMinutes must be greater than 0 and at most %d", maxMuteMinutes))
	}

	d := time.Duration(in.DurationMinutes * float64(time.Minute))
	reason := moderation.TruncateColumn(strings.TrimSpace(in.Reason), muteReasonLimit, muteReasonLimit)
	now := g.cfg.Now()

	rec, err := g.muteUser(ctx, admin, target, reason, d, now)
	if err != nil {
		return models.NewStoreError("mute user", err)
	}
	observability.ModerationActions.WithLabelValues(moderation.KindMute, "admin").Inc()

	body := UserMuted{SenderAddress: target, DurationSeconds: moderation.Status{Remaining: rec.Remaining(now)}.RemainingSeconds()}
	if err := g.hub.Broadcast(EventUserMuted, body); err != nil {
		return models.NewInternalError(err)
	}
	g.publish(ctx, EventUserMuted, body)

	client.TrySendFrame(EventAdminAck, AdminAck{Action: EventAdminMuteUser, SenderAddress: target, Reason: reason})
	g.log.LogLifecycle(ctx, "user muted", slog.String("admin", admin), slog.String("target", target))
	return nil
}

// muteUser writes the admin's mute under the target's lock. An active
// restriction that outlasts the requested mute keeps its end time and kind,
// so an admin mute never shortens an escalation block.
func (g *Gateway) muteUser(ctx context.Context, admin, target, reason string, d time.Duration, now time.Time) (*models.MuteRecord, error) {
	unlock := g.locks.Lock(target)
	defer unlock()

	existing, err := g.store.GetMuteRecord(ctx, target)
	if err != nil {
		return nil, err
	}

	rec := &models.MuteRecord{
		SenderAddress: target,
		MutedUntil:    now.Add(d).UTC(),
		MutedBy:       admin,
		Reason:        reason,
		Kind:          models.KindMute,
		UpdatedAt:     now.UTC(),
	}
	if existing.Active(now) && existing.MutedUntil.After(rec.MutedUntil) {
		rec.MutedUntil = existing.MutedUntil
		rec.Kind = existing.Kind
	}

	if err := g.store.UpsertMuteRecord(ctx, rec); err != nil {
		return nil, err
	}
	g.tracker.ApplyMute(target, rec.Remaining(now), now)
	return rec, nil
}

func (g *Gateway) handleExportHistory(ctx context.Context, client *notifications.Client, data json.RawMessage) error {
	var in exportHistoryData
	if err := decode(data, &in); err != nil {
		return err
	}
	if _, err := g.requireAdmin(client, in.AdminAddress); err != nil {
		return err
	}

	msgs, err := g.ExportHistory(ctx)
	if err != nil {
		return models.NewStoreError("export history", err)
	}
	client.TrySendFrame(EventHistoryExport, HistoryExport{Messages: msgs, Count: len(msgs)})
	return nil
}

// ExportHistory returns up to the export limit of stored messages, oldest first.
func (g *Gateway) ExportHistory(ctx context.Context) ([]*models.ChatMessage, error) {
	msgs, err := g.store.ListRecent(ctx, g.cfg.ExportLimit, 0)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	slices.Reverse(msgs)
	return msgs, nil
}
