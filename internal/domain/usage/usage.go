// Package usage defines per-tenant billing counters and the quota rules
// evaluated against them.
package usage

import "time"

// LimitType names a metered quantity.
type LimitType string

const (
	LimitMessages LimitType = "messages"
	LimitTokens   LimitType = "tokens"
)

// DefaultWarnRatio is the fraction of a limit that triggers a warning.
const DefaultWarnRatio = 0.8

// Limits are a tenant's monthly caps. Zero means unlimited.
type Limits struct {
	Messages int64 `json:"messages"`
	Tokens   int64 `json:"tokens"`
}

// Counter holds a tenant's running totals for the current billing window.
// The warned and exceeded flags make each threshold crossing fire once per window.
type Counter struct {
	TenantID         string    `json:"tenant_id"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	MessagesUsed     int64     `json:"messages_used"`
	TokensUsed       int64     `json:"tokens_used"`
	MessagesWarned   bool      `json:"messages_warned"`
	TokensWarned     bool      `json:"tokens_warned"`
	MessagesExceeded bool      `json:"messages_exceeded"`
	TokensExceeded   bool      `json:"tokens_exceeded"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Record is one billed answer.
type Record struct {
	TenantID  string `json:"tenant_id"`
	BotID     string `json:"bot_id"`
	EventID   string `json:"event_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	TokensIn  int64  `json:"tokens_in"`
	TokensOut int64  `json:"tokens_out"`
}

// Tokens is the total billed token count.
func (r *Record) Tokens() int64 { return r.TokensIn + r.TokensOut }

// Crossing is a threshold crossing detected by Evaluate.
type Crossing struct {
	Limit LimitType `json:"limit"`
	Used  int64     `json:"used"`
	Max   int64     `json:"max"`
}

// Evaluation is the outcome of re-checking a counter after an update.
type Evaluation struct {
	// OverLimit is true whenever any total is at or above its limit.
	OverLimit bool
	// Exceeded lists limits reached for the first time in this window.
	Exceeded []Crossing
	// Warned lists warning thresholds crossed for the first time while still under the limit.
	Warned []Crossing
}

// Evaluate compares the counter against the limits. It does not modify c;
// call Counter.Mark to persist the crossing flags.
func Evaluate(c *Counter, l Limits, warnRatio float64) Evaluation {
	if warnRatio <= 0 || warnRatio >= 1 {
		warnRatio = DefaultWarnRatio
	}
	var ev Evaluation
	check := func(lt LimitType, used, limit int64, warned, exceeded bool) {
		if limit <= 0 {
			return
		}
		switch {
		case used >= limit:
			ev.OverLimit = true
			if !exceeded {
				ev.Exceeded = append(ev.Exceeded, Crossing{Limit: lt, Used: used, Max: limit})
			}
		case float64(used) >= warnRatio*float64(limit):
			if !warned {
				ev.Warned = append(ev.Warned, Crossing{Limit: lt, Used: used, Max: limit})
			}
		}
	}
	check(LimitMessages, c.MessagesUsed, l.Messages, c.MessagesWarned, c.MessagesExceeded)
	check(LimitTokens, c.TokensUsed, l.Tokens, c.TokensWarned, c.TokensExceeded)
	return ev
}

// Mark sets the flags for every crossing in ev. Exceeding a limit also marks
// its warning so a later evaluation never warns below an already hit limit.
func (c *Counter) Mark(ev Evaluation) {
	for _, x := range ev.Exceeded {
		switch x.Limit {
		case LimitMessages:
			c.MessagesExceeded, c.MessagesWarned = true, true
		case LimitTokens:
			c.TokensExceeded, c.TokensWarned = true, true
		}
	}
	for _, x := range ev.Warned {
		switch x.Limit {
		case LimitMessages:
			c.MessagesWarned = true
		case LimitTokens:
			c.TokensWarned = true
		}
	}
}

// Blocked reports the first limit the counter has already reached.
func Blocked(c *Counter, l Limits) (LimitType, bool) {
	if l.Messages > 0 && c.MessagesUsed >= l.Messages {
		return LimitMessages, true
	}
	if l.Tokens > 0 && c.TokensUsed >= l.Tokens {
		return LimitTokens, true
	}
	return "", false
}

// WindowStart returns the first instant of the calendar month containing t, in UTC.
func WindowStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextWindow returns the end of the monthly window that begins at start.
func NextWindow(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// Elapsed reports whether the window has ended at now.
func (c *Counter) Elapsed(now time.Time) bool {
	return !now.Before(c.WindowEnd)
}

// Roll zeroes the counter into the window containing now and returns the
// totals of the window that ended.
func (c *Counter) Roll(now time.Time) (messages, tokens int64) {
	messages, tokens = c.MessagesUsed, c.TokensUsed
	c.WindowStart = WindowStart(now)
	c.WindowEnd = NextWindow(c.WindowStart)
	c.MessagesUsed, c.TokensUsed = 0, 0
	c.MessagesWarned, c.TokensWarned = false, false
	c.MessagesExceeded, c.TokensExceeded = false, false
	c.UpdatedAt = now
	return messages, tokens
}

// Update is the result of atomically recording usage: the counter after the
// increment, the evaluation against the tenant's limits and how many bots were
// disabled in the same transaction. Rolled is set when the counter's window had
// already ended and was closed by this update instead of by a scheduled reset.
type Update struct {
	Counter      Counter    `json:"counter"`
	Limits       Limits     `json:"limits"`
	Evaluation   Evaluation `json:"-"`
	BotsDisabled int64      `json:"bots_disabled"`
	Rolled       *Reset     `json:"rolled,omitempty"`
}

// CloseWindow rolls c into the window containing now and describes the window
// that ended. BotsEnabled is left for the caller to fill.
func (c *Counter) CloseWindow(now time.Time) Reset {
	r := Reset{TenantID: c.TenantID, PriorStart: c.WindowStart, PriorEnd: c.WindowEnd}
	r.PriorMessages, r.PriorTokens = c.Roll(now)
	return r
}

// Reset describes one closed billing window.
type Reset struct {
	TenantID      string    `json:"tenant_id"`
	PriorStart    time.Time `json:"prior_start"`
	PriorEnd      time.Time `json:"prior_end"`
	PriorMessages int64     `json:"prior_messages"`
	PriorTokens   int64     `json:"prior_tokens"`
	BotsEnabled   int64     `json:"bots_enabled"`
}
