package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/reconcile"
	"github.com/eddiefleurent/straddle_hedger/internal/storage"
	"github.com/eddiefleurent/straddle_hedger/internal/straddle"
)

type call struct {
	op    string
	kind  models.OptionKind
	level int
}

type fakeBot struct {
	calls   []call
	err     error
	summary *straddle.ExitSummary
	snap    *models.ChainSnapshot
}

func (b *fakeBot) Snapshot() straddle.Status {
	return straddle.Status{Active: true, Straddles: 1, SessionPnL: 1250}
}

func (b *fakeBot) ForceHedgeEntry(_ context.Context, kind models.OptionKind, level int, snap *models.ChainSnapshot) error {
	b.calls = append(b.calls, call{"enter", kind, level})
	b.snap = snap
	return b.err
}

func (b *fakeBot) ForceHedgeExit(_ context.Context, kind models.OptionKind) error {
	b.calls = append(b.calls, call{"exit", kind, 0})
	return b.err
}

func (b *fakeBot) SkipLevel(_ context.Context, kind models.OptionKind, level int) error {
	b.calls = append(b.calls, call{"skip", kind, level})
	return b.err
}

func (b *fakeBot) ExitStraddle(_ context.Context, reason straddle.ExitReason) (*straddle.ExitSummary, error) {
	b.calls = append(b.calls, call{op: "straddle_exit"})
	if b.err != nil {
		return nil, b.err
	}
	return b.summary, nil
}

type fakeReconciler struct {
	exit   *straddle.ExitSummary
	halted bool
	passes int
}

func (r *fakeReconciler) Reconcile(context.Context) (*reconcile.Delta, error) {
	r.passes++
	if r.exit != nil {
		r.halted = true
		return &reconcile.Delta{Expected: 2, Exit: r.exit}, nil
	}
	return &reconcile.Delta{Matched: true, Expected: 2, Actual: 2}, nil
}

func (r *fakeReconciler) Halted() bool       { return r.halted }
func (r *fakeReconciler) HaltReason() string { return "all positions closed externally" }

func (r *fakeReconciler) Acknowledge(context.Context) bool {
	was := r.halted
	r.halted = false
	return was
}

type harness struct {
	bot    *fakeBot
	rec    *fakeReconciler
	store  *storage.MockStorage
	lock   *lock.Coordinator
	srv    *Server
	exits  []*straddle.ExitSummary
	logins int
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		bot:   &fakeBot{},
		rec:   &fakeReconciler{},
		store: storage.NewMockStorage(),
		lock:  lock.New(nil),
	}
	h.srv = NewServer(Config{AuthToken: token}, Dependencies{
		Bot:        h.bot,
		Reconciler: h.rec,
		Storage:    h.store,
		Lock:       h.lock,
		Chain: func(context.Context) (*models.ChainSnapshot, error) {
			return models.NewChainSnapshot(26000, time.Now()), nil
		},
		Login: func(context.Context) error {
			h.logins++
			return nil
		},
		OnExit: func(_ context.Context, s *straddle.ExitSummary) {
			h.exits = append(h.exits, s)
		},
	}, logger)
	return h
}

func (h *harness) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v))
}

func TestAuth(t *testing.T) {
	h := newHarness(t, "s3cret")

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "").Code, "health is open")
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/status", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/status", "wrong").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/status", "s3cret").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, "")
	h.rec.halted = true

	rec := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	decode(t, rec, &resp)
	assert.True(t, resp.Bot.Active)
	assert.Equal(t, 1250.0, resp.Bot.SessionPnL)
	assert.True(t, resp.Halted)
	assert.Equal(t, "all positions closed externally", resp.HaltReason)
	require.NotNil(t, resp.Session)
	assert.Equal(t, time.Now().Format(storage.DateFormat), resp.Session.Date)
}

func TestForceHedgeEntry(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/hedge/ce/enter?level=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, h.bot.calls, 1)
	assert.Equal(t, call{"enter", models.Call, 2}, h.bot.calls[0])
	assert.NotNil(t, h.bot.snap, "chain is loaded for the selection")
}

func TestForceHedgeEntry_BadParams(t *testing.T) {
	h := newHarness(t, "")

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/hedge/xx/enter?level=1", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/hedge/PE/enter", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/hedge/PE/skip?level=0", "").Code)
	assert.Empty(t, h.bot.calls)
}

func TestForceHedgeExitAndSkip(t *testing.T) {
	h := newHarness(t, "")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/hedge/PE/exit", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/hedge/pe/skip?level=1", "").Code)
	assert.Equal(t, []call{{"exit", models.Put, 0}, {"skip", models.Put, 1}}, h.bot.calls)
}

func TestActionErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"no straddle", straddle.ErrNotActive, http.StatusConflict},
		{"no hedge", models.ErrNoHedge, http.StatusConflict},
		{"wrapped transition", errors.Join(errors.New("CE L1"), models.ErrInvalidTransition), http.StatusConflict},
		{"busy", lock.ErrBusy, http.StatusServiceUnavailable},
		{"relogin", lock.ErrReauthInProgress, http.StatusServiceUnavailable},
		{"venue failure", errors.New("venue down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")
			h.bot.err = tt.err

			rec := h.do(t, http.MethodPost, "/api/hedge/CE/exit", "")
			assert.Equal(t, tt.status, rec.Code)
			var body errorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestExitStraddle(t *testing.T) {
	h := newHarness(t, "")
	h.bot.summary = &straddle.ExitSummary{ID: "abc", Reason: straddle.ExitManual, Total: -420}

	rec := h.do(t, http.MethodPost, "/api/exit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s straddle.ExitSummary
	decode(t, rec, &s)
	assert.Equal(t, straddle.ExitManual, s.Reason)
	require.Len(t, h.exits, 1, "exit is handed over for persistence")
	assert.Equal(t, "abc", h.exits[0].ID)

	h.bot.err = straddle.ErrNotActive
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/exit", "").Code)
	assert.Len(t, h.exits, 1)
}

func TestReconcileAndAcknowledge(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.store.SetHalt(true, "all positions closed externally"))
	h.rec.halted = true

	rec := h.do(t, http.MethodPost, "/api/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.rec.passes)

	rec = h.do(t, http.MethodPost, "/api/acknowledge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ack map[string]bool
	decode(t, rec, &ack)
	assert.True(t, ack["cleared"])
	assert.False(t, h.store.Session(time.Now().Format(storage.DateFormat)).Halted, "halt clear is persisted")

	rec = h.do(t, http.MethodPost, "/api/acknowledge", "")
	decode(t, rec, &ack)
	assert.False(t, ack["cleared"])
}

func TestReconcile_ExternalExit(t *testing.T) {
	h := newHarness(t, "")
	h.rec.exit = &straddle.ExitSummary{ID: "ext", Reason: straddle.ExitExternal, Strike: 26000}

	rec := h.do(t, http.MethodPost, "/api/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.exits, 1, "external exit is handed over for persistence")
	assert.Equal(t, "ext", h.exits[0].ID)

	sess := h.store.Session(time.Now().Format(storage.DateFormat))
	assert.True(t, sess.Halted)
	assert.Equal(t, "all positions closed externally", sess.HaltReason)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, "")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/login", "").Code)
	assert.Equal(t, 1, h.logins)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = h.lock.Run(context.Background(), "update_tick", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/api/login", "").Code, "login never waits behind a trade")
	assert.Equal(t, 1, h.logins)
}

func TestHistoryLimit(t *testing.T) {
	h := newHarness(t, "")
	base := time.Date(2025, 11, 19, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.RecordExit(storage.ExitRecord{ID: string(rune('a' + i)), ExitedAt: base.Add(time.Duration(i) * time.Hour), Total: 100}))
	}

	var all, last []storage.ExitRecord
	decode(t, h.do(t, http.MethodGet, "/api/history", ""), &all)
	decode(t, h.do(t, http.MethodGet, "/api/history?limit=1", ""), &last)
	assert.Len(t, all, 3)
	require.Len(t, last, 1)
	assert.Equal(t, "c", last[0].ID)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "")
	rec := h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
