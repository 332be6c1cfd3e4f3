package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/trackhead/internal/audit"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/logic/turret"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Turret is the part of the controller the handlers drive.
type Turret interface {
	Status() turret.Status
	SetMode(m authority.Mode) error
	ManualOverride() motion.ControlOutput
	ManualInput(yaw, pitch float64) motion.ControlOutput
}

// EventLister returns recent audit rows.
type EventLister interface {
	Recent(limit int) ([]audit.Row, error)
}

// Limits are the read-only supervisor limits shown by the UI.
type Limits struct {
	MaxYawRate           float64 `json:"max_yaw_rate"`
	MaxPitchRate         float64 `json:"max_pitch_rate"`
	MaxSlewRate          float64 `json:"max_slew_rate"`
	WatchdogTimeoutMs    int64   `json:"watchdog_timeout_ms"`
	CommandTTLMs         int64   `json:"command_ttl_ms"`
	OverrideLatchSeconds float64 `json:"override_latch_seconds"`
	OverrideOutput       string  `json:"override_output"`
	Transport            string  `json:"transport"`
}

// LimitsFrom copies the supervisor configuration for display.
func LimitsFrom(cfg authority.Config, transport string) Limits {
	return Limits{
		MaxYawRate:           cfg.MaxYawRate,
		MaxPitchRate:         cfg.MaxPitchRate,
		MaxSlewRate:          cfg.MaxSlewRate,
		WatchdogTimeoutMs:    cfg.WatchdogTimeout.Milliseconds(),
		CommandTTLMs:         cfg.CommandTTL.Milliseconds(),
		OverrideLatchSeconds: cfg.OverrideLatch.Seconds(),
		OverrideOutput:       cfg.OverrideOutput.String(),
		Transport:            transport,
	}
}

// ModeRequest is the body of POST /mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// ManualRequest is the body of POST /manual.
type ManualRequest struct {
	YawRate   float64 `json:"yaw_rate"`
	PitchRate float64 `json:"pitch_rate"`
}

// ValidateManual checks that both rates are finite and within [-1, 1].
func ValidateManual(m ManualRequest) error {
	for name, v := range map[string]float64{"yaw_rate": m.YawRate, "pitch_rate": m.PitchRate} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be a finite number", name)
		}
		if v < -1 || v > 1 {
			return fmt.Errorf("%s must be between -1 and 1", name)
		}
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Turret      Turret
	Events      EventLister // nil when the audit log is off
	Limits      Limits
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If events is nil, GET /events returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, t Turret, events EventLister, limits Limits, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Turret:      t,
		Events:      events,
		Limits:      limits,
		staticFS:    staticFS,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

// HandleConfig returns the supervisor limits as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Limits)
}

// HandleStatus returns the controller status snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Turret.Status())
}

// HandleMode handles POST /mode.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := authority.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Turret.SetMode(mode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Broadcaster.Broadcast("info", "Mode requested: "+mode.String())
	writeJSON(w, http.StatusOK, h.Turret.Status().Authority)
}

// HandleOverride handles POST /override: engage or re-arm the latch.
func (h *Handlers) HandleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.Turret.ManualOverride())
}

// HandleManual handles POST /manual with operator stick input.
func (h *Handlers) HandleManual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ManualRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ValidateManual(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.Turret.ManualInput(req.YawRate, req.PitchRate))
}

// HandleEvents handles GET /events?limit=N.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		http.Error(w, "audit log not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := h.Events.Recent(limit)
	if err != nil {
		http.Error(w, "query events failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []audit.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
