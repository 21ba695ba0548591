package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cv-hedge-bot/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alertClient == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alertClient.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alertClient.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, meta, "pause", before, after)
		if before {
			return "new cycles already paused", nil
		}
		return "new cycles paused; an in-flight cycle still runs to completion", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, meta, "resume", before, after)
		if !before {
			return "trading already active", nil
		}
		return "trading resumed", nil
	case "clear_emergency":
		if !a.guard.Halted() {
			return "emergency latch is not set", nil
		}
		if err := a.guard.ClearEmergency(ctx); err != nil {
			return "", err
		}
		a.auditOperatorEvent(ctx, meta, "clear_emergency", a.isPaused(), a.isPaused())
		return "emergency latch cleared; next cycle may trade", nil
	case "recent":
		return a.recentCycles(ctx)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) recentCycles(ctx context.Context) (string, error) {
	entries, err := a.journal.Recent(ctx)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no completed cycles yet", nil
	}
	const show = 5
	if len(entries) > show {
		entries = entries[len(entries)-show:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s %s %s net %.2f USD in %.0fs",
			e.Time.UTC().Format("01-02 15:04"), e.Direction, e.Outcome, e.NetPnlUSD, e.HoldSeconds))
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) operatorStatus() string {
	position := a.controller.LocalPosition()
	return strings.Join([]string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("halted: %t", a.guard.Halted()),
		fmt.Sprintf("direction: %s", a.controller.Direction()),
		fmt.Sprintf("sizing_phase: %d (%.2f USD)", a.sizer.Phase(), a.sizer.PhaseNotional()),
		fmt.Sprintf("primary_position: %.6f %s @ %.4f", position.PrimaryQty, a.cfg.Primary.Symbol, position.PrimaryPrice),
		fmt.Sprintf("hedge_position: %.6f %s @ %.4f", position.HedgeQty, a.cfg.Hedge.Symbol, position.HedgePrice),
	}, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current engine status",
		"/recent - last completed cycles",
		"/pause - stop starting new cycles",
		"/resume - resume starting new cycles",
		"/clear_emergency - clear the emergency halt latch",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.log == nil || a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, action string, pausedBefore, pausedAfter bool) {
	event := operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	_ = a.store.Set(ctx, key, string(payload))
}
