package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"intraday-breakout-bot/internal/alerts"
	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/engine"
	"intraday-breakout-bot/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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
	Side         string    `json:"side,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	Before       string    `json:"before,omitempty"`
	After        string    `json:"after,omitempty"`
}

func (e operatorAuditEvent) withMeta(meta operatorMeta) operatorAuditEvent {
	e.UpdateID = meta.UpdateID
	e.Time = time.Now().UTC()
	e.Command = meta.Raw
	e.UserID = meta.UserID
	e.Username = meta.Username
	e.ChatID = meta.ChatID
	return e
}

func (a *App) startOperator(ctx context.Context, g *errgroup.Group) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
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
	g.Go(func() error {
		a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
		return nil
	})
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
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
	cmd, args, ok := parseOperatorCommand(msg.Text)
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
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address bots as /cmd@botname.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause", "resume":
		paused := cmd == "pause"
		before := a.controls.Paused()
		a.controls.SetPaused(paused)
		a.persistControls(ctx)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			Action:       cmd,
			PausedBefore: before,
			PausedAfter:  paused,
		}.withMeta(meta))
		switch {
		case paused && before:
			return "trading already paused", nil
		case paused:
			return "trading paused", nil
		case !before:
			return "trading already active", nil
		}
		return "trading resumed", nil
	case "enable", "disable":
		return a.handleSideToggle(ctx, cmd == "enable", args, meta)
	case "set":
		return a.handleSetCommand(ctx, args, meta)
	case "exit":
		return a.handleExitCommand(ctx, args, meta)
	case "remove":
		return a.handleRemoveCommand(ctx, args, meta)
	case "usage":
		return a.handleUsageCommand(ctx, args)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleSideToggle(ctx context.Context, enabled bool, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /enable <side> or /disable <side>")
	}
	side, ok := strategy.ParseSide(args[0])
	if !ok {
		return "", fmt.Errorf("unknown side: %s", args[0])
	}
	before := a.controls.State().Enabled[side.Key()]
	a.controls.SetEnabled(side, enabled)
	a.persistControls(ctx)
	action := "disable"
	if enabled {
		action = "enable"
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		Action: action,
		Side:   side.Key(),
		Before: strconv.FormatBool(before),
		After:  strconv.FormatBool(enabled),
	}.withMeta(meta))
	return fmt.Sprintf("%s %sd", side.Key(), action), nil
}

func (a *App) handleSetCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) < 2 {
		return "", errors.New("usage: /set <side> key=value ...")
	}
	side, ok := strategy.ParseSide(args[0])
	if !ok {
		return "", fmt.Errorf("unknown side: %s", args[0])
	}
	overrides, err := parseSettingOverrides(args[1:])
	if err != nil {
		return "", err
	}
	current := a.settings.Side(side)
	before := describeSettings(current)
	if err := applySettingOverrides(&current, overrides); err != nil {
		return "", err
	}
	if err := a.settings.Update(side, func(s *strategy.SideSettings) {
		s.DailyTradeLimit = current.DailyTradeLimit
		s.RiskPerTrade = current.RiskPerTrade
		s.RiskTiers = current.RiskTiers
		s.RiskReward = current.RiskReward
		s.TrailingStop = current.TrailingStop
		s.MaxExtensionPct = current.MaxExtensionPct
	}); err != nil {
		return "", err
	}
	a.persistSettings(ctx)
	after := describeSettings(a.settings.Side(side))
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		Action: "set",
		Side:   side.Key(),
		Before: before,
		After:  after,
	}.withMeta(meta))
	return fmt.Sprintf("%s updated: %s", side.Key(), after), nil
}

func parseSettingOverrides(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid setting: %s", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			return nil, fmt.Errorf("invalid setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

func applySettingOverrides(s *strategy.SideSettings, overrides map[string]string) error {
	for key, val := range overrides {
		switch key {
		case "daily_limit", "daily_trade_limit":
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.DailyTradeLimit = parsed
		case "risk_per_trade":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.RiskPerTrade = parsed
		case "risk_tiers", "risk_per_trade_tiers":
			tiers, err := parseRiskTiers(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.RiskTiers = tiers
		case "risk_reward":
			ratio, err := config.ParseRatio(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.RiskReward = ratio
		case "trailing_stop":
			ratio, err := config.ParseRatio(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.TrailingStop = ratio
		case "max_extension_pct":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.MaxExtensionPct = parsed
		default:
			return fmt.Errorf("unknown setting: %s", key)
		}
	}
	return nil
}

// parseRiskTiers reads "2000,1500,1000"; "off" clears the tiers.
func parseRiskTiers(val string) ([]float64, error) {
	if strings.EqualFold(val, "off") {
		return nil, nil
	}
	parts := strings.Split(val, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func describeSettings(s strategy.SideSettings) string {
	out := fmt.Sprintf("daily_limit=%d risk_per_trade=%.2f risk_reward=%s trailing_stop=%s max_extension_pct=%.2f",
		s.DailyTradeLimit, s.RiskPerTrade, s.RiskReward, s.TrailingStop, s.MaxExtensionPct)
	if len(s.RiskTiers) > 0 {
		tiers := make([]string, len(s.RiskTiers))
		for i, risk := range s.RiskTiers {
			tiers[i] = strconv.FormatFloat(risk, 'f', -1, 64)
		}
		out += " risk_tiers=" + strings.Join(tiers, ",")
	}
	return out
}

func (a *App) handleExitCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	symbol, err := symbolArg("exit", args)
	if err != nil {
		return "", err
	}
	if err := a.engine.RequestExit(ctx, symbol); err != nil {
		return "", fmt.Errorf("%s: %w", symbol, err)
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{Action: "exit", Symbol: symbol}.withMeta(meta))
	return fmt.Sprintf("exit requested for %s", symbol), nil
}

func (a *App) handleRemoveCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	symbol, err := symbolArg("remove", args)
	if err != nil {
		return "", err
	}
	token, ok := a.engine.TokenForSymbol(symbol)
	if !ok {
		return "", fmt.Errorf("%s: %w", symbol, engine.ErrUnknownInstrument)
	}
	if err := a.engine.Remove(ctx, token); err != nil {
		return "", fmt.Errorf("remove %s: %w", symbol, err)
	}
	if a.feed != nil {
		if err := a.feed.Unsubscribe(ctx, token); err != nil && a.log != nil {
			a.log.Warn("feed unsubscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{Action: "remove", Symbol: symbol}.withMeta(meta))
	return fmt.Sprintf("%s removed", symbol), nil
}

func (a *App) handleUsageCommand(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /usage <side> <SYMBOL>")
	}
	side, ok := strategy.ParseSide(args[0])
	if !ok {
		return "", fmt.Errorf("unknown side: %s", args[0])
	}
	symbol := strings.ToUpper(args[1])
	usage, err := a.admission.Usage(ctx, side.Key(), symbol)
	if err != nil {
		return "", err
	}
	limit := a.settings.Side(side).DailyTradeLimit
	return fmt.Sprintf("%s %s: side %d/%d, symbol %d/%d, locked=%t",
		usage.Day, symbol, usage.SideCount, limit, usage.SymbolCount, a.cfg.Admission.MaxTradesPerSymbol, usage.Locked), nil
}

func symbolArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: /%s <SYMBOL>", cmd)
	}
	return strings.ToUpper(strings.TrimSpace(args[0])), nil
}

func (a *App) operatorStatus() string {
	if a.engine == nil {
		return "status unavailable"
	}
	snap := a.engine.Snapshot()
	counts := make(map[strategy.Status]int)
	for _, inst := range snap.Instruments {
		counts[inst.Status]++
	}
	enabled := make([]string, 0, len(strategy.Sides))
	for _, side := range strategy.Sides {
		if snap.Controls.Enabled[side.Key()] {
			enabled = append(enabled, side.Key())
		}
	}
	if len(enabled) == 0 {
		enabled = append(enabled, "none")
	}
	lines := []string{
		fmt.Sprintf("paused: %t", snap.Controls.Paused),
		fmt.Sprintf("session_over: %t", snap.SessionOver),
		fmt.Sprintf("enabled: %s", strings.Join(enabled, ",")),
		fmt.Sprintf("instruments: waiting=%d watching=%d open=%d closed=%d",
			counts[strategy.StatusWaiting], counts[strategy.StatusTriggerWatch], counts[strategy.StatusOpen], counts[strategy.StatusClosed]),
	}
	for _, side := range strategy.Sides {
		armed := snap.Armed[side]
		if len(armed) == 0 {
			continue
		}
		symbols := make([]string, 0, len(armed))
		for _, sig := range armed {
			symbols = append(symbols, fmt.Sprintf("%s@%.2f", sig.Symbol, sig.TriggerPrice))
		}
		lines = append(lines, fmt.Sprintf("armed %s: %s", side.Key(), strings.Join(symbols, " ")))
	}
	for _, trade := range snap.OpenTrades {
		lines = append(lines, fmt.Sprintf("open %s %s %s x%d entry=%.2f stop=%.2f target=%.2f ltp=%.2f pnl=%s",
			trade.Symbol, trade.Side.Key(), trade.Direction, trade.Quantity, trade.EntryPrice,
			trade.StopPrice, trade.TargetPrice, trade.LastPrice, trade.PnL.StringFixed(2)))
	}
	lines = append(lines,
		fmt.Sprintf("unrealized: %s", snap.Unrealized.StringFixed(2)),
		fmt.Sprintf("realized: %s", snap.TotalRealized.StringFixed(2)),
	)
	if snap.Dropped.Ticks > 0 || snap.Dropped.Analysis > 0 {
		lines = append(lines, fmt.Sprintf("dropped: ticks=%d analysis=%d", snap.Dropped.Ticks, snap.Dropped.Analysis))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - engine status, armed triggers and open trades",
		"/pause - stop arming new signals",
		"/resume - resume arming",
		"/enable <side> - enable bull, bear, mom_bull or mom_bear",
		"/disable <side> - disable a side",
		"/set <side> key=value ... - update side settings (keys: daily_limit, risk_per_trade, risk_reward, trailing_stop, max_extension_pct)",
		"/exit <SYMBOL> - flatten an open trade",
		"/remove <SYMBOL> - stop trading an instrument",
		"/usage <side> <SYMBOL> - today's admission counters",
	}, "\n")
}

func (a *App) persistControls(ctx context.Context) {
	if a.engine == nil {
		return
	}
	if err := a.engine.PersistControls(ctx); err != nil && a.log != nil {
		a.log.Warn("persist controls failed", zap.Error(err))
	}
}

func (a *App) persistSettings(ctx context.Context) {
	if a.engine == nil {
		return
	}
	if err := a.engine.PersistSettings(ctx); err != nil && a.log != nil {
		a.log.Warn("persist settings failed", zap.Error(err))
	}
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
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
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil && a.log != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	if err := a.store.Set(ctx, key, string(payload)); err != nil && a.log != nil {
		a.log.Warn("operator audit write failed", zap.Error(err))
	}
}
