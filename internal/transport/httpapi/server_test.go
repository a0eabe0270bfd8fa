package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"botcast/internal/dispatch"
	"botcast/internal/gateway"
	"botcast/internal/model"
	"botcast/internal/storage"
	logx "botcast/pkg/logx"
)

type fakeRegistry struct {
	mu   sync.Mutex
	bots map[string]model.BotIdentity
}

func newFakeRegistry(bots ...model.BotIdentity) *fakeRegistry {
	r := &fakeRegistry{bots: map[string]model.BotIdentity{}}
	for _, b := range bots {
		r.bots[b.ID] = b
	}
	return r
}

func (r *fakeRegistry) Register(_ context.Context, name, token string, adminChatID int64) (model.BotIdentity, error) {
	if token == "" {
		return model.BotIdentity{}, model.Invalid("token", "required")
	}
	if token == "dup" {
		return model.BotIdentity{}, model.ErrConflict
	}
	b := model.BotIdentity{ID: "new", Name: name, Token: "sealed:" + token, Active: true, AdminChatID: adminChatID}
	r.mu.Lock()
	r.bots[b.ID] = b
	r.mu.Unlock()
	return b, nil
}

func (r *fakeRegistry) Get(_ context.Context, id string) (model.BotIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return model.BotIdentity{}, model.NotFound("bot", id)
	}
	return b, nil
}

func (r *fakeRegistry) List(context.Context) ([]model.BotIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.BotIdentity, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	return out, nil
}

func (r *fakeRegistry) SetActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return model.NotFound("bot", id)
	}
	b.Active = active
	r.bots[id] = b
	return nil
}

func (r *fakeRegistry) SyncProfile(ctx context.Context, id string, p gateway.Profile) (model.BotIdentity, error) {
	if p.Name == "" && p.Description == "" && p.ShortDescription == "" {
		return model.BotIdentity{}, model.Invalid("profile", "nothing to update")
	}
	b, err := r.Get(ctx, id)
	if err != nil {
		return model.BotIdentity{}, err
	}
	b.Description = p.Description
	return b, nil
}

func (r *fakeRegistry) RefreshProfile(ctx context.Context, id string) (model.BotIdentity, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return model.BotIdentity{}, err
	}
	b.Description = "live"
	return b, nil
}

func (r *fakeRegistry) RegisterWebhook(ctx context.Context, id string) (string, error) {
	b, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !b.Active {
		return "", fmt.Errorf("bot %s is inactive: %w", id, model.ErrConflict)
	}
	return "https://hooks.example.com/webhook/" + id, nil
}

func (r *fakeRegistry) Stats(ctx context.Context, id string) (model.BotStats, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return model.BotStats{}, err
	}
	return model.BotStats{Total: 3, Engaged: 2, Blocked: 1, Eligible: 1}, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	intents []dispatch.Intent
	started bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, botID string, in dispatch.Intent) (dispatch.Report, error) {
	d.mu.Lock()
	d.intents = append(d.intents, in)
	d.mu.Unlock()
	if botID != "b1" {
		return dispatch.Report{}, model.NotFound("bot", botID)
	}
	return dispatch.Report{DispatchID: "d1", BotID: botID, Action: in.Action.Kind(), Total: 1, Sent: 1}, nil
}

func (d *fakeDispatcher) Start(ctx context.Context, botID string, in dispatch.Intent) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return "async-1", nil
}

func (d *fakeDispatcher) Status(id string) (dispatch.Status, bool) {
	if id != "async-1" {
		return dispatch.Status{}, false
	}
	return dispatch.Status{Report: dispatch.Report{DispatchID: id}, Running: true}, true
}

type fakeReconciler struct {
	mu     sync.Mutex
	events []model.InboundEvent
	err    error
}

func (f *fakeReconciler) Reconcile(_ context.Context, botID string, ev model.InboundEvent) (model.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return model.Recipient{BotID: botID, UserID: ev.FromID}, f.err
}

type fakeDeliveries struct{ last storage.DeliveryFilter }

func (f *fakeDeliveries) List(_ context.Context, flt storage.DeliveryFilter) ([]model.DeliveryRecord, error) {
	f.last = flt
	return []model.DeliveryRecord{{ID: "r1", DispatchID: flt.DispatchID, Status: model.StatusSent}}, nil
}

type harness struct {
	srv  *Server
	reg  *fakeRegistry
	disp *fakeDispatcher
	rec  *fakeReconciler
	del  *fakeDeliveries
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		reg: newFakeRegistry(
			model.BotIdentity{ID: "b1", Name: "one", Token: "secret-token", Active: true},
			model.BotIdentity{ID: "off", Name: "off", Active: false},
		),
		disp: &fakeDispatcher{},
		rec:  &fakeReconciler{},
		del:  &fakeDeliveries{},
	}
	h.srv = New(cfg, Deps{
		Bots:       h.reg,
		Dispatcher: h.disp,
		Reconciler: h.rec,
		Deliveries: h.del,
		Log:        logx.Nop(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

const startUpdate = `{"update_id":1,"message":{"message_id":5,"date":1700000000,"chat":{"id":42,"type":"private"},"from":{"id":42,"first_name":"Ann"},"text":"/start"}}`

func TestWebhook(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		header     map[string]string
		want       int
		wantEvents int
	}{
		{name: "reconciled", path: "/webhook/b1", body: startUpdate, want: http.StatusOK, wantEvents: 1},
		{name: "unknown bot", path: "/webhook/nope", body: startUpdate, want: http.StatusNotFound},
		{name: "inactive bot acknowledged", path: "/webhook/off", body: startUpdate, want: http.StatusOK},
		{name: "no user acknowledged", path: "/webhook/b1", body: `{"update_id":2,"channel_post":{"message_id":1,"date":1700000000,"chat":{"id":-1,"type":"channel"},"text":"x"}}`, want: http.StatusOK},
		{name: "malformed", path: "/webhook/b1", body: `{"update_id":`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{})
			rec := h.do(t, http.MethodPost, tt.path, tt.body, tt.header)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if got := len(h.rec.events); got != tt.wantEvents {
				t.Fatalf("reconciled %d events, want %d", got, tt.wantEvents)
			}
		})
	}
}

func TestWebhookSecret(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WebhookSecret: "s3cret"})

	if rec := h.do(t, http.MethodPost, "/webhook/b1", startUpdate, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: status = %d", rec.Code)
	}
	rec := h.do(t, http.MethodPost, "/webhook/b1", startUpdate, map[string]string{secretHeader: "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid secret: status = %d", rec.Code)
	}
}

func TestWebhookReconcileErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.rec.err = model.Invalid("from.id", "required")
	if rec := h.do(t, http.MethodPost, "/webhook/b1", startUpdate, nil); rec.Code != http.StatusOK {
		t.Fatalf("invalid event: status = %d, want 200", rec.Code)
	}

	h = newHarness(t, Config{})
	h.rec.err = context.DeadlineExceeded
	rec := h.do(t, http.MethodPost, "/webhook/b1", startUpdate, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("storage failure: status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "deadline") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestAPIAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{APIToken: "op-token"})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "ok", header: map[string]string{"Authorization": "Bearer op-token"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		if rec := h.do(t, http.MethodGet, "/api/v1/bots", "", tt.header); rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if rec := h.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth: %d", rec.Code)
	}
}

func TestBotRoutes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/api/v1/bots", `{"name":"fresh","token":"123:abc","admin_chat_id":9}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d (%s)", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "123:abc") || strings.Contains(rec.Body.String(), "token") {
		t.Fatalf("credential exposed: %s", rec.Body.String())
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"register empty token", http.MethodPost, "/api/v1/bots", `{"name":"x"}`, http.StatusBadRequest},
		{"register duplicate", http.MethodPost, "/api/v1/bots", `{"token":"dup"}`, http.StatusConflict},
		{"register garbage", http.MethodPost, "/api/v1/bots", `{"token":`, http.StatusBadRequest},
		{"get", http.MethodGet, "/api/v1/bots/b1", "", http.StatusOK},
		{"get unknown", http.MethodGet, "/api/v1/bots/zzz", "", http.StatusNotFound},
		{"deactivate", http.MethodPost, "/api/v1/bots/new/active", `{"active":false}`, http.StatusOK},
		{"active missing", http.MethodPost, "/api/v1/bots/b1/active", `{}`, http.StatusBadRequest},
		{"profile", http.MethodPost, "/api/v1/bots/b1/profile", `{"description":"hello"}`, http.StatusOK},
		{"profile empty", http.MethodPost, "/api/v1/bots/b1/profile", `{}`, http.StatusBadRequest},
		{"refresh profile", http.MethodGet, "/api/v1/bots/b1/profile", "", http.StatusOK},
		{"refresh profile unknown", http.MethodGet, "/api/v1/bots/zzz/profile", "", http.StatusNotFound},
		{"webhook", http.MethodPost, "/api/v1/bots/b1/webhook", "", http.StatusOK},
		{"webhook inactive", http.MethodPost, "/api/v1/bots/off/webhook", "", http.StatusConflict},
		{"webhook unknown", http.MethodPost, "/api/v1/bots/zzz/webhook", "", http.StatusNotFound},
		{"stats", http.MethodGet, "/api/v1/bots/b1/stats", "", http.StatusOK},
		{"stats unknown", http.MethodGet, "/api/v1/bots/zzz/stats", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := h.do(t, tt.method, tt.path, tt.body, nil)
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d (%s)", tt.name, rec.Code, tt.want, rec.Body.String())
		}
	}
	if b, _ := h.reg.Get(context.Background(), "new"); b.Active {
		t.Fatalf("bot still active after deactivate")
	}
}

func TestDispatchRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/api/v1/bots/b1/dispatch", `{"action":"text","all":true,"text":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch: status = %d (%s)", rec.Code, rec.Body.String())
	}
	var rep dispatch.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.DispatchID != "d1" || rep.Sent != 1 || rep.Action != dispatch.KindText {
		t.Fatalf("report = %+v", rep)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/bots/b1/dispatch", `{"action":"poll","user_id":5,"question":"q","options":["only"]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("one-option poll: status = %d, want 400", rec.Code)
	}
	var body errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Field != "options" {
		t.Fatalf("error body = %+v", body)
	}

	if rec := h.do(t, http.MethodPost, "/api/v1/bots/b1/dispatch", `{"action":"shout","all":true}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/bots/zzz/dispatch", `{"action":"text","all":true,"text":"hi"}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown bot: status = %d", rec.Code)
	}
}

func TestAsyncDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/api/v1/bots/b1/dispatch?async=1", `{"action":"text","all":true,"text":"hi"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async: status = %d (%s)", rec.Code, rec.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["dispatch_id"] != "async-1" || !h.disp.started {
		t.Fatalf("async response = %v", out)
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/dispatches/async-1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/dispatches/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status: %d", rec.Code)
	}
}

func TestDeliveriesRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodGet, "/api/v1/deliveries?dispatch_id=d1&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.del.last.DispatchID != "d1" || h.del.last.Limit != 10 {
		t.Fatalf("filter = %+v", h.del.last)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/deliveries?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d", rec.Code)
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()
	srv := New(Config{}, Deps{Bots: panicRegistry{}, Log: logx.Nop()})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bots", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

type panicRegistry struct{ Registry }

func (panicRegistry) List(context.Context) ([]model.BotIdentity, error) { panic("boom") }

func TestRegisterWebhookRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	rec := h.do(t, http.MethodPost, "/api/v1/bots/b1/webhook", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["url"] != "https://hooks.example.com/webhook/b1" {
		t.Fatalf("body = %v", got)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/bots/b1/profile", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"description":"live"`) {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body.String())
	}
}
