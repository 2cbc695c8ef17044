package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain"
	"github.com/Strob0t/ReplyForge/internal/domain/alert"
	"github.com/Strob0t/ReplyForge/internal/domain/bot"
	"github.com/Strob0t/ReplyForge/internal/domain/contact"
	"github.com/Strob0t/ReplyForge/internal/domain/conversation"
	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/knowledge"
	"github.com/Strob0t/ReplyForge/internal/domain/tenant"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
	"github.com/Strob0t/ReplyForge/internal/domain/usage"
	"github.com/Strob0t/ReplyForge/internal/port/database"
	"github.com/Strob0t/ReplyForge/internal/port/delivery"
	"github.com/Strob0t/ReplyForge/internal/port/llm"
	"github.com/Strob0t/ReplyForge/internal/port/messagequeue"
)

// Ensure memStore implements database.Store at compile time.
var _ database.Store = (*memStore)(nil)

// memStore is an in-memory database.Store with the same transition rules as
// the Postgres adapter.
type memStore struct {
	mu sync.Mutex

	seq        int
	events     map[string]*inbound.Event // by external id
	tenants    map[string]*tenant.Tenant
	bots       map[string]*bot.Bot // by routing key
	contacts   map[string]*contact.Contact
	messages   []conversation.Message
	toolExecs  map[string]*toolexec.Execution
	chunks     []knowledge.Result
	counters   map[string]*usage.Counter
	usageLogs  map[string]bool // by event id
	alerts     []alert.Alert
	lastSearch struct {
		tenantID  string
		topK      int
		threshold float64
	}

	// Error hooks.
	admitErr      error
	appendErr     error
	recordErr     error
	createExecErr error
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string]*inbound.Event),
		tenants:   make(map[string]*tenant.Tenant),
		bots:      make(map[string]*bot.Bot),
		contacts:  make(map[string]*contact.Contact),
		toolExecs: make(map[string]*toolexec.Execution),
		counters:  make(map[string]*usage.Counter),
		usageLogs: make(map[string]bool),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) addTenant(t tenant.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = &t
}

func (m *memStore) addBot(b bot.Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[b.RoutingKey] = &b
}

func (m *memStore) bot(routingKey string) bot.Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bots[routingKey]
}

func (m *memStore) event(externalID string) inbound.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.events[externalID]
}

func (m *memStore) messagesFor(eventID string) []conversation.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conversation.Message
	for _, msg := range m.messages {
		if msg.EventID == eventID {
			out = append(out, msg)
		}
	}
	return out
}

func (m *memStore) alertsOfType(typ string) []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.Alert
	for _, a := range m.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (m *memStore) counter(tenantID string) usage.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[tenantID]; ok {
		return *c
	}
	return usage.Counter{TenantID: tenantID}
}

func (m *memStore) setCounter(c usage.Counter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[c.TenantID] = &c
}

// --- Inbound events ---

func (m *memStore) AdmitEvent(_ context.Context, ev *inbound.Event) (inbound.Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitErr != nil {
		return inbound.Admission{}, m.admitErr
	}
	if ev.ExpiresAt.IsZero() {
		return inbound.Admission{}, fmt.Errorf("%w: expiry not set", domain.ErrValidation)
	}
	existing, ok := m.events[ev.ExternalID]
	if !ok {
		stored := *ev
		stored.ID = m.nextID("ev")
		stored.Status = inbound.StatusProcessing
		m.events[ev.ExternalID] = &stored
		out := stored
		return inbound.Admission{Decision: inbound.DecisionProceed, Event: &out}, nil
	}
	if existing.Status == inbound.StatusFailed {
		existing.Status = inbound.StatusProcessing
		existing.RetryCount++
		existing.ExpiresAt = ev.ExpiresAt
		out := *existing
		return inbound.Admission{Decision: inbound.DecisionProceed, Event: &out, Retry: true}, nil
	}
	out := *existing
	return inbound.Admission{Decision: inbound.DecisionDuplicate, Event: &out}, nil
}

func (m *memStore) findEvent(id string) *inbound.Event {
	for _, ev := range m.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

func (m *memStore) CompleteEvent(_ context.Context, id string, outcome inbound.Outcome, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.findEvent(id)
	if ev == nil || ev.Status != inbound.StatusProcessing {
		return domain.ErrNotFound
	}
	now := time.Now()
	ev.Status, ev.Outcome, ev.Result, ev.ProcessedAt = inbound.StatusCompleted, outcome, result, &now
	return nil
}

func (m *memStore) FailEvent(_ context.Context, id string, outcome inbound.Outcome, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.findEvent(id)
	if ev == nil || ev.Status != inbound.StatusProcessing {
		return domain.ErrNotFound
	}
	now := time.Now()
	ev.Status, ev.Outcome, ev.LastError, ev.ProcessedAt = inbound.StatusFailed, outcome, reason, &now
	return nil
}

func (m *memStore) GetEventByExternalID(_ context.Context, externalID string) (*inbound.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[externalID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *ev
	return &out, nil
}

func (m *memStore) PurgeExpiredEvents(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, ev := range m.events {
		if ev.Status.IsTerminal() && ev.ExpiresAt.Before(now) {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

// --- Tenants, bots, contacts ---

func (m *memStore) GetTenant(_ context.Context, id string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *memStore) GetBotByRoutingKey(_ context.Context, routingKey string) (*bot.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[routingKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *b
	return &out, nil
}

func (m *memStore) UpsertContact(_ context.Context, botID, senderID, displayName string) (*contact.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := botID + "/" + senderID
	c, ok := m.contacts[key]
	if !ok {
		c = &contact.Contact{ID: m.nextID("contact"), BotID: botID, SenderID: senderID, Mode: contact.ModeAutomated}
		m.contacts[key] = c
	}
	if displayName != "" {
		c.DisplayName = displayName
	}
	out := *c
	return &out, nil
}

func (m *memStore) setContactMode(botID, senderID string, mode contact.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := botID + "/" + senderID
	c, ok := m.contacts[key]
	if !ok {
		c = &contact.Contact{ID: m.nextID("contact"), BotID: botID, SenderID: senderID}
		m.contacts[key] = c
	}
	c.Mode = mode
}

// --- Conversation history ---

func (m *memStore) ListRecentMessages(_ context.Context, contactID string, limit int) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conversation.Message
	for _, msg := range m.messages {
		if msg.ContactID == contactID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) AppendMessages(_ context.Context, msgs []conversation.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, msg := range msgs {
		if msg.Role != conversation.RoleAssistant || msg.EventID == "" {
			continue
		}
		for _, existing := range m.messages {
			if existing.EventID == msg.EventID && existing.Role == conversation.RoleAssistant {
				return domain.ErrConflict
			}
		}
	}
	for _, msg := range msgs {
		msg.ID = m.nextID("msg")
		m.messages = append(m.messages, msg)
	}
	return nil
}

// --- Tool executions ---

func (m *memStore) CreateToolExecution(_ context.Context, e *toolexec.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createExecErr != nil {
		return m.createExecErr
	}
	if !json.Valid(e.Arguments) {
		return fmt.Errorf("create tool execution %s: invalid input syntax for type json", e.ToolName)
	}
	e.ID = m.nextID("exec")
	e.Status = toolexec.StatusPending
	e.CreatedAt = time.Now()
	stored := *e
	m.toolExecs[e.ID] = &stored
	return nil
}

func (m *memStore) FinishToolExecution(_ context.Context, id string, status toolexec.Status, result json.RawMessage, errMsg string, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.toolExecs[id]
	if !ok || e.Status != toolexec.StatusPending {
		return domain.ErrNotFound
	}
	e.Status, e.Result, e.Error, e.DurationMS = status, result, errMsg, durationMS
	return nil
}

func (m *memStore) ListToolExecutions(_ context.Context, eventID string) ([]toolexec.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []toolexec.Execution
	for _, e := range m.toolExecs {
		if e.EventID == eventID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration < out[j].Iteration
		}
		return out[i].CallID < out[j].CallID
	})
	return out, nil
}

// --- Knowledge ---

func (m *memStore) SearchChunks(_ context.Context, tenantID string, _ []float32, topK int, threshold float64) ([]knowledge.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSearch.tenantID, m.lastSearch.topK, m.lastSearch.threshold = tenantID, topK, threshold
	out := make([]knowledge.Result, len(m.chunks))
	copy(out, m.chunks)
	return out, nil
}

// --- Usage ---

func (m *memStore) GetUsage(_ context.Context, tenantID string, now time.Time) (*usage.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[tenantID]
	if !ok || c.WindowEnd.IsZero() || c.Elapsed(now) {
		fresh := usage.Counter{TenantID: tenantID}
		fresh.Roll(now)
		return &fresh, nil
	}
	out := *c
	return &out, nil
}

func (m *memStore) RecordUsage(_ context.Context, rec usage.Record, warnRatio float64, now time.Time) (*usage.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	t, ok := m.tenants[rec.TenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	limits := usage.Limits{Messages: t.MonthlyMessageLimit, Tokens: t.MonthlyTokenLimit}
	c, ok := m.counters[rec.TenantID]
	if !ok {
		c = &usage.Counter{TenantID: rec.TenantID}
		c.Roll(now)
		m.counters[rec.TenantID] = c
	}
	if rec.EventID != "" && m.usageLogs[rec.EventID] {
		return &usage.Update{Counter: *c, Limits: limits}, nil
	}
	m.usageLogs[rec.EventID] = true
	var rolled *usage.Reset
	switch {
	case c.WindowEnd.IsZero():
		c.Roll(now)
	case c.Elapsed(now):
		r := c.CloseWindow(now)
		r.BotsEnabled = m.enableQuotaBots(rec.TenantID)
		rolled = &r
	}
	c.MessagesUsed++
	c.TokensUsed += rec.Tokens()
	ev := usage.Evaluate(c, limits, warnRatio)
	c.Mark(ev)

	upd := &usage.Update{Counter: *c, Limits: limits, Evaluation: ev, Rolled: rolled}
	if ev.OverLimit {
		for _, b := range m.bots {
			if b.TenantID == rec.TenantID && b.Active {
				b.Active = false
				b.DisabledReason = bot.DisabledQuota
				upd.BotsDisabled++
			}
		}
	}
	return upd, nil
}

func (m *memStore) ResetElapsedWindows(_ context.Context, now time.Time) ([]usage.Reset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []usage.Reset
	for id, c := range m.counters {
		if !c.Elapsed(now) {
			continue
		}
		r := c.CloseWindow(now)
		r.BotsEnabled = m.enableQuotaBots(id)
		out = append(out, r)
	}
	return out, nil
}

// enableQuotaBots must be called with m.mu held.
func (m *memStore) enableQuotaBots(tenantID string) int64 {
	var n int64
	for _, b := range m.bots {
		if b.TenantID == tenantID && b.DisabledReason == bot.DisabledQuota {
			b.Active = true
			b.DisabledReason = bot.DisabledNone
			n++
		}
	}
	return n
}

// --- Alerts ---

func (m *memStore) CreateAlert(_ context.Context, a *alert.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.nextID("alert")
	a.CreatedAt = time.Now()
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memStore) ListAlerts(_ context.Context, tenantID string, limit int) ([]alert.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []alert.Alert
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if m.alerts[i].TenantID == tenantID {
			out = append(out, m.alerts[i])
		}
	}
	return out, nil
}

// --- Language model ---

// scriptedProvider returns its responses in order; calls beyond the script
// repeat the last response.
type scriptedProvider struct {
	mu        sync.Mutex
	name      string
	noTools   bool
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: !p.noTools, ParallelTools: !p.noTools}
}

func (p *scriptedProvider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.requests)
	snapshot := req
	snapshot.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, snapshot)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if len(p.responses) == 0 {
		return &llm.Response{}, nil
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	resp := *p.responses[i]
	return &resp, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// --- Delivery ---

type fakeChannel struct {
	mu   sync.Mutex
	kind string
	sent []delivery.Message
	err  error
}

func (c *fakeChannel) Kind() string { return c.kind }

func (c *fakeChannel) Send(_ context.Context, msg delivery.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// --- Embeddings and cache ---

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEmbedder) Model() string { return "test-embed" }

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0.5, -1}
	}
	return out, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// --- Queue and broadcast ---

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, published{subject: subject, data: data})
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = handler
	return func() {}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, p := range q.published {
		out = append(out, p.subject)
	}
	return out
}

type broadcastEvent struct {
	tenantID  string
	eventType string
}

type recordingHub struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (h *recordingHub) BroadcastEvent(_ context.Context, tenantID, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, broadcastEvent{tenantID: tenantID, eventType: eventType})
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}
