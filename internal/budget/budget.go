// Package budget tracks model spend against daily and monthly limits.
//
// Spend is counted in integer cents. Every mutation re-evaluates the warning
// and emergency thresholds and the custom advisory rules. Daily figures roll
// over at local midnight and monthly figures at the start of the calendar
// month; closed periods are kept as history.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBudgetExceeded is returned when a call would push spend past a limit.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrAutoStopped is returned while the guard is stopped at the emergency threshold.
	ErrAutoStopped = errors.New("budget auto-stop engaged")
	// ErrNegativeSpend is returned when a negative amount is recorded.
	ErrNegativeSpend = errors.New("spend must not be negative")
)

// Periods.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

const (
	maxDailyHistory   = 90
	maxMonthlyHistory = 24
	maxFirings        = 200
)

// Config is the operator-controlled budget configuration.
type Config struct {
	DailyLimitCents    int64   `json:"dailyLimit"`
	MonthlyLimitCents  int64   `json:"monthlyLimit"`
	WarningThreshold   float64 `json:"warningThreshold"`
	EmergencyThreshold float64 `json:"emergencyThreshold"`
	AutoStop           bool    `json:"autoStopEnabled"`
	Rules              []Rule  `json:"customRules"`
}

// Validate checks limits, thresholds and rule syntax.
func (c Config) Validate() error {
	var errs []error
	if c.DailyLimitCents < 0 {
		errs = append(errs, errors.New("dailyLimit must not be negative"))
	}
	if c.MonthlyLimitCents < 0 {
		errs = append(errs, errors.New("monthlyLimit must not be negative"))
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > c.EmergencyThreshold || c.EmergencyThreshold > 100 {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < warning (%g) <= emergency (%g) <= 100",
			c.WarningThreshold, c.EmergencyThreshold))
	}
	if _, err := compileRules(c.Rules); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PeriodTotal is the final spend of a closed period.
type PeriodTotal struct {
	Period     string    `json:"period"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	SpendCents int64     `json:"spendCents"`
	Requests   int64     `json:"requests"`
}

// RuleFiring records a custom rule whose condition became true.
type RuleFiring struct {
	RuleIndex  int       `json:"ruleIndex"`
	Condition  string    `json:"condition"`
	Action     string    `json:"action"`
	FiredAt    time.Time `json:"firedAt"`
	SpendCents int64     `json:"spendCents"`
}

// State is a point-in-time view of the guard.
type State struct {
	DailySpendCents    int64     `json:"dailySpend"`
	MonthlySpendCents  int64     `json:"monthlySpend"`
	DailyLimitCents    int64     `json:"dailyLimit"`
	MonthlyLimitCents  int64     `json:"monthlyLimit"`
	DailyPercent       float64   `json:"dailyPercent"`
	MonthlyPercent     float64   `json:"monthlyPercent"`
	WarningThreshold   float64   `json:"warningThreshold"`
	EmergencyThreshold float64   `json:"emergencyThreshold"`
	AutoStopEnabled    bool      `json:"autoStopEnabled"`
	Stopped            bool      `json:"stopped"`
	Resumed            bool      `json:"resumed"`
	RequestCount       int64     `json:"requestCount"`
	DayStart           time.Time `json:"dayStart"`
	MonthStart         time.Time `json:"monthStart"`
	CustomRules        []Rule    `json:"customRules"`
}

// Advisories lists the actions currently suggested by custom rules and the
// recent firing history.
type Advisories struct {
	Active  []string     `json:"active"`
	Firings []RuleFiring `json:"firings"`
}

// AlertSink receives threshold alerts.
type AlertSink interface {
	RaiseAlert(condition, severity, message, source string) string
	ResolveCondition(condition string) bool
}

// Guard is safe for concurrent use.
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	rules []compiledRule

	daily      int64
	monthly    int64
	requests   int64
	dayStart   time.Time
	monthStart time.Time
	stopped    bool
	resumed    bool

	dailyHistory   []PeriodTotal // oldest first
	monthlyHistory []PeriodTotal
	firings        []RuleFiring
	firedToday     map[int]bool
	active         []string

	alerts AlertSink
	store  Store
	loc    *time.Location
	now    func() time.Time // injectable clock for testing
	logger *slog.Logger
}

// New creates a Guard. Periods are computed in loc.
func New(cfg Config, loc *time.Location) (*Guard, error) {
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	g := &Guard{
		cfg:        cfg,
		rules:      rules,
		firedToday: make(map[int]bool),
		loc:        loc,
		now:        time.Now,
		logger:     slog.Default().With("component", "budget"),
	}
	g.resetPeriods(g.now())
	return g, nil
}

// SetAlertSink routes threshold alerts to sink.
func (g *Guard) SetAlertSink(sink AlertSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alerts = sink
}

// SetStore attaches persistence for config and closed periods.
func (g *Guard) SetStore(s Store) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store = s
}

func (g *Guard) resetPeriods(now time.Time) {
	local := now.In(g.loc)
	g.dayStart = startOfDay(local)
	g.monthStart = startOfMonth(local)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// rolloverLocked closes any periods that ended before now and returns them.
// Must be called with g.mu held.
func (g *Guard) rolloverLocked(now time.Time) []PeriodTotal {
	local := now.In(g.loc)
	var closed []PeriodTotal

	if day := startOfDay(local); day.After(g.dayStart) {
		pt := PeriodTotal{
			Period:     PeriodDaily,
			Start:      g.dayStart,
			End:        g.dayStart.AddDate(0, 0, 1),
			SpendCents: g.daily,
			Requests:   g.requests,
		}
		g.dailyHistory = appendBounded(g.dailyHistory, pt, maxDailyHistory)
		closed = append(closed, pt)

		g.daily = 0
		g.requests = 0
		g.dayStart = day
		g.firedToday = make(map[int]bool)
		g.active = nil
		g.resumed = false
	}

	if month := startOfMonth(local); month.After(g.monthStart) {
		pt := PeriodTotal{
			Period:     PeriodMonthly,
			Start:      g.monthStart,
			End:        g.monthStart.AddDate(0, 1, 0),
			SpendCents: g.monthly,
		}
		g.monthlyHistory = appendBounded(g.monthlyHistory, pt, maxMonthlyHistory)
		closed = append(closed, pt)

		g.monthly = 0
		g.monthStart = month
		g.resumed = false
	}

	if len(closed) > 0 {
		g.stopped = g.shouldStopLocked()
		for _, pt := range closed {
			g.logger.Info("budget period closed",
				"period", pt.Period,
				"start", pt.Start,
				"spend_cents", pt.SpendCents,
			)
		}
	}
	return closed
}

// rolloverAlertsLocked re-evaluates the threshold alerts after a period
// closed, so alerts for a period that reset to zero are resolved promptly.
func (g *Guard) rolloverAlertsLocked(closed []PeriodTotal) []alertAction {
	if len(closed) == 0 {
		return nil
	}
	return []alertAction{
		g.thresholdAction("budget_daily", "daily", g.daily, g.cfg.DailyLimitCents),
		g.thresholdAction("budget_monthly", "monthly", g.monthly, g.cfg.MonthlyLimitCents),
	}
}

func appendBounded(h []PeriodTotal, pt PeriodTotal, max int) []PeriodTotal {
	h = append(h, pt)
	if len(h) > max {
		h = append([]PeriodTotal(nil), h[len(h)-max:]...)
	}
	return h
}

func percent(spend, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(spend) / float64(limit) * 100
}

func (g *Guard) shouldStopLocked() bool {
	if !g.cfg.AutoStop || g.resumed {
		return false
	}
	em := g.cfg.EmergencyThreshold
	return (g.cfg.DailyLimitCents > 0 && percent(g.daily, g.cfg.DailyLimitCents) >= em) ||
		(g.cfg.MonthlyLimitCents > 0 && percent(g.monthly, g.cfg.MonthlyLimitCents) >= em)
}

// State returns the current budget state after applying any due rollover.
func (g *Guard) State() State {
	g.mu.Lock()
	closed := g.rolloverLocked(g.now())
	actions := g.rolloverAlertsLocked(closed)
	sink := g.alerts
	st := g.stateLocked()
	g.mu.Unlock()

	g.dispatch(sink, actions)
	g.persistPeriods(closed)
	return st
}

func (g *Guard) stateLocked() State {
	rules := make([]Rule, len(g.cfg.Rules))
	copy(rules, g.cfg.Rules)
	return State{
		DailySpendCents:    g.daily,
		MonthlySpendCents:  g.monthly,
		DailyLimitCents:    g.cfg.DailyLimitCents,
		MonthlyLimitCents:  g.cfg.MonthlyLimitCents,
		DailyPercent:       percent(g.daily, g.cfg.DailyLimitCents),
		MonthlyPercent:     percent(g.monthly, g.cfg.MonthlyLimitCents),
		WarningThreshold:   g.cfg.WarningThreshold,
		EmergencyThreshold: g.cfg.EmergencyThreshold,
		AutoStopEnabled:    g.cfg.AutoStop,
		Stopped:            g.stopped,
		Resumed:            g.resumed,
		RequestCount:       g.requests,
		DayStart:           g.dayStart,
		MonthStart:         g.monthStart,
		CustomRules:        rules,
	}
}

// Config returns the active configuration.
func (g *Guard) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg := g.cfg
	cfg.Rules = append([]Rule(nil), g.cfg.Rules...)
	return cfg
}

// Preauthorize checks whether a call estimated at estimatedCents may proceed.
// A limit of zero means unlimited.
func (g *Guard) Preauthorize(estimatedCents int64) error {
	g.mu.Lock()
	closed := g.rolloverLocked(g.now())
	actions := g.rolloverAlertsLocked(closed)
	sink := g.alerts
	err := g.preauthorizeLocked(estimatedCents)
	g.mu.Unlock()

	g.dispatch(sink, actions)
	g.persistPeriods(closed)
	return err
}

func (g *Guard) preauthorizeLocked(est int64) error {
	if g.stopped {
		return ErrAutoStopped
	}
	if est < 0 {
		est = 0
	}
	if lim := g.cfg.DailyLimitCents; lim > 0 && g.daily+est > lim {
		return fmt.Errorf("%w: daily spend %d + %d exceeds limit %d cents", ErrBudgetExceeded, g.daily, est, lim)
	}
	if lim := g.cfg.MonthlyLimitCents; lim > 0 && g.monthly+est > lim {
		return fmt.Errorf("%w: monthly spend %d + %d exceeds limit %d cents", ErrBudgetExceeded, g.monthly, est, lim)
	}
	return nil
}

type alertAction struct {
	condition string
	severity  string // empty resolves
	message   string
}

// RecordSpend adds cents to the current periods and re-evaluates thresholds
// and rules. It is called after every billed model call.
func (g *Guard) RecordSpend(cents int64) error {
	if cents < 0 {
		return ErrNegativeSpend
	}

	g.mu.Lock()
	now := g.now()
	closed := g.rolloverLocked(now)
	g.daily += cents
	g.monthly += cents
	g.requests++
	actions := g.evaluateLocked(now)
	sink := g.alerts
	g.mu.Unlock()

	g.dispatch(sink, actions)
	g.persistPeriods(closed)
	return nil
}

// evaluateLocked recomputes stop state, alert conditions and rule
// advisories. Must be called with g.mu held.
func (g *Guard) evaluateLocked(now time.Time) []alertAction {
	wasStopped := g.stopped
	g.stopped = g.shouldStopLocked()
	if g.stopped && !wasStopped {
		g.logger.Warn("budget auto-stop engaged",
			"daily_spend_cents", g.daily,
			"monthly_spend_cents", g.monthly,
		)
	}

	actions := []alertAction{
		g.thresholdAction("budget_daily", "daily", g.daily, g.cfg.DailyLimitCents),
		g.thresholdAction("budget_monthly", "monthly", g.monthly, g.cfg.MonthlyLimitCents),
	}

	metrics := map[string]float64{
		MetricDailySpend:     float64(g.daily),
		MetricMonthlySpend:   float64(g.monthly),
		MetricDailyPercent:   percent(g.daily, g.cfg.DailyLimitCents),
		MetricMonthlyPercent: percent(g.monthly, g.cfg.MonthlyLimitCents),
		MetricRequestCount:   float64(g.requests),
	}
	g.active = g.active[:0]
	for i, r := range g.rules {
		if !r.Enabled || !r.cond.eval(metrics) {
			continue
		}
		g.active = append(g.active, r.Action)
		if g.firedToday[i] {
			continue
		}
		g.firedToday[i] = true
		g.firings = append(g.firings, RuleFiring{
			RuleIndex:  i,
			Condition:  r.Condition,
			Action:     r.Action,
			FiredAt:    now,
			SpendCents: g.daily,
		})
		if len(g.firings) > maxFirings {
			g.firings = append([]RuleFiring(nil), g.firings[len(g.firings)-maxFirings:]...)
		}
		g.logger.Info("budget rule fired", "rule", i, "condition", r.Condition, "action", r.Action)
	}
	return actions
}

func (g *Guard) thresholdAction(condition, label string, spend, limit int64) alertAction {
	pct := percent(spend, limit)
	switch {
	case limit > 0 && pct >= g.cfg.EmergencyThreshold:
		msg := fmt.Sprintf("%s spend at %.1f%% of limit (%d of %d cents)", label, pct, spend, limit)
		if g.stopped {
			msg += "; auto-stop engaged"
		}
		return alertAction{condition: condition, severity: "critical", message: msg}
	case limit > 0 && pct >= g.cfg.WarningThreshold:
		return alertAction{condition: condition, severity: "warning",
			message: fmt.Sprintf("%s spend at %.1f%% of limit (%d of %d cents)", label, pct, spend, limit)}
	default:
		return alertAction{condition: condition}
	}
}

func (g *Guard) dispatch(sink AlertSink, actions []alertAction) {
	if sink == nil {
		return
	}
	for _, a := range actions {
		if a.severity == "" {
			sink.ResolveCondition(a.condition)
			continue
		}
		sink.RaiseAlert(a.condition, a.severity, a.message, "budget")
	}
}

// Resume clears an auto-stop until the next period boundary.
func (g *Guard) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasStopped := g.stopped
	g.resumed = true
	g.stopped = false
	if wasStopped {
		g.logger.Info("budget auto-stop cleared by operator")
	}
	return wasStopped
}

// ReplaceConfig validates and installs cfg, persisting it when a store is
// attached. State is re-evaluated against the new limits.
func (g *Guard) ReplaceConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return err
	}

	g.mu.Lock()
	store := g.store
	g.mu.Unlock()

	if store != nil {
		if err := store.SaveConfig(ctx, cfg); err != nil {
			return fmt.Errorf("saving budget config: %w", err)
		}
	}

	g.mu.Lock()
	g.cfg = cfg
	g.rules = rules
	g.firedToday = make(map[int]bool)
	actions := g.evaluateLocked(g.now())
	sink := g.alerts
	g.mu.Unlock()

	g.dispatch(sink, actions)
	g.logger.Info("budget config replaced",
		"daily_limit_cents", cfg.DailyLimitCents,
		"monthly_limit_cents", cfg.MonthlyLimitCents,
		"rules", len(cfg.Rules),
	)
	return nil
}

// Advisories returns the active rule actions and recent firings.
func (g *Guard) Advisories() Advisories {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Advisories{
		Active:  append([]string(nil), g.active...),
		Firings: append([]RuleFiring(nil), g.firings...),
	}
}

// Advises reports whether action is currently suggested by an enabled rule.
func (g *Guard) Advises(action string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.active {
		if a == action {
			return true
		}
	}
	return false
}

// History returns closed periods, oldest first.
func (g *Guard) History() (daily, monthly []PeriodTotal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PeriodTotal(nil), g.dailyHistory...), append([]PeriodTotal(nil), g.monthlyHistory...)
}

// Reset zeroes spend, history and advisories and restarts the periods.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily, g.monthly, g.requests = 0, 0, 0
	g.stopped, g.resumed = false, false
	g.dailyHistory, g.monthlyHistory = nil, nil
	g.firings, g.active = nil, nil
	g.firedToday = make(map[int]bool)
	g.resetPeriods(g.now())
}

// Load restores persisted config, history and current-period spend.
func (g *Guard) Load(ctx context.Context) error {
	g.mu.Lock()
	store := g.store
	now := g.now()
	g.resetPeriods(now)
	dayStart, monthStart := g.dayStart, g.monthStart
	g.mu.Unlock()

	if store == nil {
		return nil
	}

	cfg, err := store.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading budget config: %w", err)
	}
	daily, err := store.ListPeriods(ctx, PeriodDaily, maxDailyHistory)
	if err != nil {
		return fmt.Errorf("loading daily history: %w", err)
	}
	monthly, err := store.ListPeriods(ctx, PeriodMonthly, maxMonthlyHistory)
	if err != nil {
		return fmt.Errorf("loading monthly history: %w", err)
	}
	daySpend, dayRequests, err := store.SpendSince(ctx, dayStart)
	if err != nil {
		return fmt.Errorf("loading daily spend: %w", err)
	}
	monthSpend, _, err := store.SpendSince(ctx, monthStart)
	if err != nil {
		return fmt.Errorf("loading monthly spend: %w", err)
	}

	var rules []compiledRule
	if cfg != nil {
		if rules, err = compileRules(cfg.Rules); err != nil {
			return fmt.Errorf("stored budget config: %w", err)
		}
	}

	g.mu.Lock()
	if cfg != nil {
		g.cfg = *cfg
		g.rules = rules
	}
	g.dailyHistory = daily
	g.monthlyHistory = monthly
	g.daily = daySpend
	g.requests = dayRequests
	g.monthly = monthSpend
	actions := g.evaluateLocked(now)
	sink := g.alerts
	g.mu.Unlock()

	g.dispatch(sink, actions)
	g.logger.Info("budget state loaded",
		"daily_spend_cents", daySpend,
		"monthly_spend_cents", monthSpend,
		"stored_config", cfg != nil,
	)
	return nil
}

func (g *Guard) persistPeriods(closed []PeriodTotal) {
	if len(closed) == 0 {
		return
	}
	g.mu.Lock()
	store := g.store
	g.mu.Unlock()
	if store == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, pt := range closed {
			if err := store.SavePeriod(ctx, pt); err != nil {
				g.logger.Error("failed to persist budget period", "period", pt.Period, "start", pt.Start, "error", err)
			}
		}
	}()
}
