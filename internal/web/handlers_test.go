package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/trackhead/internal/audit"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/logic/turret"
)

// ---------- ValidateManual ----------

func TestValidateManual_Valid(t *testing.T) {
	cases := []struct {
		name string
		m    ManualRequest
	}{
		{"zero", ManualRequest{0, 0}},
		{"max_boundary", ManualRequest{1, -1}},
		{"fractional", ManualRequest{0.25, -0.75}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateManual(tc.m); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateManual_Rejected(t *testing.T) {
	cases := []struct {
		name string
		m    ManualRequest
	}{
		{"yaw_NaN", ManualRequest{math.NaN(), 0}},
		{"pitch_+Inf", ManualRequest{0, math.Inf(1)}},
		{"yaw_over", ManualRequest{1.01, 0}},
		{"pitch_under", ManualRequest{0, -2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateManual(tc.m); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- Handler helpers ----------

type fakeTurret struct {
	mu        sync.Mutex
	mode      authority.Mode
	overrides int
	manual    []ManualRequest
	seq       uint64
}

func (f *fakeTurret) Status() turret.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return turret.Status{
		Session:       "test-session",
		TransportKind: transport.KindSimulated,
		Authority: authority.State{
			RequestedMode:  f.mode,
			EffectiveMode:  f.mode,
			OverrideActive: f.overrides > 0,
		},
	}
}

func (f *fakeTurret) SetMode(m authority.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
	return nil
}

func (f *fakeTurret) ManualOverride() motion.ControlOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides++
	f.seq++
	return motion.Neutral(f.seq, time.Time{}, motion.ReasonManualOverride)
}

func (f *fakeTurret) ManualInput(yaw, pitch float64) motion.ControlOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, ManualRequest{yaw, pitch})
	f.seq++
	return motion.ControlOutput{YawRate: yaw, PitchRate: pitch, Sequence: f.seq, Reason: motion.ReasonManual}
}

type fakeEvents struct {
	rows []audit.Row
	err  error
	got  int
}

func (f *fakeEvents) Recent(limit int) ([]audit.Row, error) {
	f.got = limit
	return f.rows, f.err
}

func newTestHandlers(events EventLister) (*Handlers, *fakeTurret) {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	ft := &fakeTurret{mode: authority.ModeManual}
	h := NewHandlers(
		NewStatusBroadcaster(),
		ft,
		events,
		Limits{MaxYawRate: 0.8, MaxPitchRate: 0.6, MaxSlewRate: 0.2, WatchdogTimeoutMs: 500, Transport: "simulated"},
		staticFS,
	)
	return h, ft
}

// ---------- HandleMode ----------

func TestHandleMode_Valid(t *testing.T) {
	h, ft := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodPost, "/mode", strings.NewReader(`{"mode":"auto_track"}`))
	w := httptest.NewRecorder()

	h.HandleMode(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ft.mode != authority.ModeAutoTrack {
		t.Errorf("mode = %v, want auto_track", ft.mode)
	}
	var st authority.State
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RequestedMode != authority.ModeAutoTrack {
		t.Errorf("response requested_mode = %v, want auto_track", st.RequestedMode)
	}
}

func TestHandleMode_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown_mode", `{"mode":"berserk"}`},
		{"not_json", `mode=manual`},
		{"empty", ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, ft := newTestHandlers(nil)
			req := httptest.NewRequest(http.MethodPost, "/mode", strings.NewReader(tc.body))
			w := httptest.NewRecorder()

			h.HandleMode(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if ft.mode != authority.ModeManual {
				t.Errorf("mode changed to %v", ft.mode)
			}
		})
	}
}

func TestHandleMode_GetMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/mode", nil)
	w := httptest.NewRecorder()

	h.HandleMode(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ---------- HandleManual / HandleOverride ----------

func TestHandleManual_Valid(t *testing.T) {
	h, ft := newTestHandlers(nil)
	body, _ := json.Marshal(ManualRequest{YawRate: 0.5, PitchRate: -0.25})
	req := httptest.NewRequest(http.MethodPost, "/manual", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.HandleManual(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(ft.manual) != 1 || ft.manual[0] != (ManualRequest{0.5, -0.25}) {
		t.Errorf("manual input = %+v", ft.manual)
	}
	var out motion.ControlOutput
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.YawRate != 0.5 || out.Reason != motion.ReasonManual {
		t.Errorf("output = %+v", out)
	}
}

func TestHandleManual_OutOfRange(t *testing.T) {
	h, ft := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodPost, "/manual", strings.NewReader(`{"yaw_rate":3,"pitch_rate":0}`))
	w := httptest.NewRecorder()

	h.HandleManual(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(ft.manual) != 0 {
		t.Error("out-of-range input must not reach the controller")
	}
}

func TestHandleManual_OversizedBody(t *testing.T) {
	h, _ := newTestHandlers(nil)
	big := `{"yaw_rate":0,"pad":"` + strings.Repeat("x", 2<<20) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/manual", strings.NewReader(big))
	w := httptest.NewRecorder()

	h.HandleManual(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleOverride(t *testing.T) {
	h, ft := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodPost, "/override", nil)
	w := httptest.NewRecorder()

	h.HandleOverride(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ft.overrides != 1 {
		t.Errorf("overrides = %d, want 1", ft.overrides)
	}
	var out motion.ControlOutput
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IsNeutral() || out.Reason != motion.ReasonManualOverride {
		t.Errorf("output = %+v, want neutral manual_override", out)
	}
}

// ---------- HandleStatus / HandleConfig ----------

func TestHandleStatus(t *testing.T) {
	h, _ := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	h.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raw["session"] != "test-session" {
		t.Errorf("session = %v", raw["session"])
	}
	auth, ok := raw["authority"].(map[string]any)
	if !ok {
		t.Fatalf("authority missing: %v", raw)
	}
	if auth["requested_mode"] != "manual" {
		t.Errorf("requested_mode = %v, want \"manual\"", auth["requested_mode"])
	}
}

func TestHandleConfig(t *testing.T) {
	h, _ := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var l Limits
	if err := json.NewDecoder(w.Body).Decode(&l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.MaxYawRate != 0.8 {
		t.Errorf("MaxYawRate = %v, want 0.8", l.MaxYawRate)
	}
	if l.WatchdogTimeoutMs != 500 {
		t.Errorf("WatchdogTimeoutMs = %v, want 500", l.WatchdogTimeoutMs)
	}
}

func TestLimitsFrom(t *testing.T) {
	l := LimitsFrom(authority.Config{
		MaxYawRate:      1,
		MaxPitchRate:    0.5,
		MaxSlewRate:     0.1,
		CommandTTL:      200 * time.Millisecond,
		WatchdogTimeout: 500 * time.Millisecond,
		OverrideLatch:   1500 * time.Millisecond,
		OverrideOutput:  authority.OverrideLastManual,
	}, "serial")
	want := Limits{1, 0.5, 0.1, 500, 200, 1.5, "last_manual", "serial"}
	if l != want {
		t.Errorf("LimitsFrom = %+v, want %+v", l, want)
	}
}

// ---------- HandleEvents ----------

func TestHandleEvents(t *testing.T) {
	ev := &fakeEvents{rows: []audit.Row{{ID: 2, Kind: authority.EventOverrideEngaged, Mode: "manual"}}}
	h, _ := newTestHandlers(ev)
	req := httptest.NewRequest(http.MethodGet, "/events?limit=5", nil)
	w := httptest.NewRecorder()

	h.HandleEvents(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ev.got != 5 {
		t.Errorf("limit = %d, want 5", ev.got)
	}
	var rows []audit.Row
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Kind != authority.EventOverrideEngaged {
		t.Errorf("rows = %+v", rows)
	}
}

func TestHandleEvents_Errors(t *testing.T) {
	cases := []struct {
		name   string
		events EventLister
		url    string
		want   int
	}{
		{"not_configured", nil, "/events", http.StatusServiceUnavailable},
		{"bad_limit", &fakeEvents{}, "/events?limit=abc", http.StatusBadRequest},
		{"limit_too_large", &fakeEvents{}, "/events?limit=5000", http.StatusBadRequest},
		{"query_failure", &fakeEvents{err: errors.New("disk I/O error")}, "/events", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandlers(tc.events)
			w := httptest.NewRecorder()
			h.HandleEvents(w, httptest.NewRequest(http.MethodGet, tc.url, nil))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleEvents_EmptyIsArray(t *testing.T) {
	h, _ := newTestHandlers(&fakeEvents{})
	w := httptest.NewRecorder()
	h.HandleEvents(w, httptest.NewRequest(http.MethodGet, "/events", nil))
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

// ---------- ServeIndex / routing ----------

func TestServeIndex(t *testing.T) {
	h, _ := newTestHandlers(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServerMux_Routes(t *testing.T) {
	s := NewServer(":0", NewStatusBroadcaster(), &fakeTurret{mode: authority.ModeManual}, nil, Limits{})
	mux := s.Mux()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodPost, "/override", http.StatusOK},
		{http.MethodGet, "/override", http.StatusMethodNotAllowed},
		{http.MethodGet, "/events", http.StatusServiceUnavailable},
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}
