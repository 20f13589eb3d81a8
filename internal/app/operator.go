package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cx-carry-bot/internal/alerts"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.cfg.Telegram.OperatorEnabled {
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
	go a.operatorLoop(ctx, chatID, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
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
			a.handleOperatorUpdate(ctx, upd, chatID)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64) {
	if upd.Message == nil || upd.Message.Chat == nil {
		return
	}
	if upd.Message.Chat.ID != chatID {
		return
	}
	cmd, ok := parseOperatorCommand(upd.Message.Text)
	if !ok {
		return
	}
	resp := a.handleOperatorCommand(cmd)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
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

func (a *App) handleOperatorCommand(cmd string) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause":
		if a.setPaused(true) {
			return "trading paused"
		}
		return "trading already paused"
	case "resume":
		a.setPaused(false)
		return "trading resumed"
	default:
		return operatorHelpText()
	}
}

// operatorStatus renders the loop-published ledger view; the live ledger
// is never read off the monitoring goroutine.
func (a *App) operatorStatus() string {
	view := a.statusView()
	lines := []string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("capital: %.2f %s", view.capital, quoteAsset),
		fmt.Sprintf("accumulated_profit: %.2f", view.accumulatedProfit),
		fmt.Sprintf("accumulated_fees: %.2f", view.accumulatedFees),
		fmt.Sprintf("pending_deposit: %.2f", view.pendingDepositUSD),
	}
	if view.hasPosition {
		pos := view.position
		lines = append(lines,
			fmt.Sprintf("position: %s size %.6f", pos.Symbol, pos.Size),
			fmt.Sprintf("entry: spot %.4f swap %.4f", pos.EntryPriceSpot, pos.EntryPriceSwap),
			fmt.Sprintf("opened: %s", pos.EntryTime.UTC().Format(time.RFC3339)),
		)
		if !view.nextFunding.IsZero() {
			lines = append(lines, fmt.Sprintf("next_funding: %s", view.nextFunding.UTC().Format(time.RFC3339)))
		}
	} else {
		lines = append(lines, "position: none")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - ledger and position state",
		"/pause - stop opening or growing positions",
		"/resume - resume trading",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, []byte(strconv.FormatInt(offset, 10)))
}
