package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/Webrewthebestbeer1/skybox/internal/logic/limits"
	"github.com/Webrewthebestbeer1/skybox/internal/logic/motion"
	"github.com/Webrewthebestbeer1/skybox/internal/store"
)

// Motor is the slice of the motion controller the handlers drive.
type Motor interface {
	Status() motion.Status
	Step(rel int32) (motion.StepResult, error)
	Stop() (int32, error)
	Home() (int32, error)
	SetHome() error
	SetLimit(side limits.Side) (limits.Pair, error)
	ClearLimits() (limits.Pair, error)
	SetSpeed(vmax, amax uint32) (uint32, uint32, error)
	Speed() (vmax, amax uint32)
}

// EventSource reads the persisted event log.
type EventSource interface {
	RecentEvents(limit int) ([]store.Event, error)
}

// HWInfo describes the hardware setup for the info endpoint.
type HWInfo struct {
	Driver    string `json:"driver"`
	SPIBus    int    `json:"spi_bus"`
	SPIDevice int    `json:"spi_device"`
	Simulated bool   `json:"simulated"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Motor       Motor
	Events      EventSource
	Info        HWInfo
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, motor Motor, events EventSource, info HWInfo, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Motor:       motor,
		Events:      events,
		Info:        info,
		staticFS:    staticFS,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeMotorError maps controller errors onto HTTP statuses: a parked
// or uninitialized controller is 503 (the motor is gone, not the
// request), everything else is 500.
func writeMotorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, motion.ErrFaulted) || errors.Is(err, motion.ErrNotReady) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// pushState broadcasts the post-command snapshot to SSE listeners.
func (h *Handlers) pushState() {
	h.Broadcaster.BroadcastState(h.Motor.Status())
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

// HandleStatus handles GET /api/status. Always succeeds: a dead bus
// degrades the payload, it does not 500 the endpoint.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Motor.Status())
}

// HandleHWInfo handles GET /api/hw-info.
func (h *Handlers) HandleHWInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Info)
}

// HandleStep handles POST /api/step with body {"steps": N}.
func (h *Handlers) HandleStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Steps *int32 `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Steps == nil {
		http.Error(w, "body must be {\"steps\": <int>}", http.StatusBadRequest)
		return
	}

	res, err := h.Motor.Step(*req.Steps)
	if err != nil {
		writeMotorError(w, err)
		return
	}
	if res.Limited {
		h.Broadcaster.Broadcast("warn", fmt.Sprintf("Move clamped to soft limit, target %d", res.NewTarget))
	}
	h.pushState()
	writeJSON(w, http.StatusOK, res)
}

// HandleStop handles POST /api/stop: decelerate now, report where the
// motor actually is.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Motor.Stop()
	if err != nil {
		writeMotorError(w, err)
		return
	}
	h.Broadcaster.BroadcastMsg(fmt.Sprintf("Stopped at %d", pos))
	h.pushState()
	writeJSON(w, http.StatusOK, map[string]int32{"position": pos})
}

// HandleHome handles POST /api/home.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	target, err := h.Motor.Home()
	if err != nil {
		writeMotorError(w, err)
		return
	}
	h.pushState()
	writeJSON(w, http.StatusOK, map[string]int32{"target": target})
}

// HandleSetHome handles POST /api/set-home.
func (h *Handlers) HandleSetHome(w http.ResponseWriter, r *http.Request) {
	if err := h.Motor.SetHome(); err != nil {
		writeMotorError(w, err)
		return
	}
	h.Broadcaster.BroadcastMsg("Current position defined as home")
	h.pushState()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSetLimit handles POST /api/set-limit-left and -right: teach the
// given side from the motor's current position.
func (h *Handlers) HandleSetLimit(side limits.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair, err := h.Motor.SetLimit(side)
		if err != nil {
			writeMotorError(w, err)
			return
		}
		h.Broadcaster.BroadcastMsg(fmt.Sprintf("Limits now [%d, %d]", pair.Left, pair.Right))
		h.pushState()
		writeJSON(w, http.StatusOK, pair)
	}
}

// HandleClearLimits handles POST /api/clear-limits.
func (h *Handlers) HandleClearLimits(w http.ResponseWriter, r *http.Request) {
	pair, err := h.Motor.ClearLimits()
	if err != nil {
		writeMotorError(w, err)
		return
	}
	h.Broadcaster.BroadcastMsg(fmt.Sprintf("Limits reset to [%d, %d]", pair.Left, pair.Right))
	h.pushState()
	writeJSON(w, http.StatusOK, pair)
}

// HandleSpeed handles GET and POST /api/speed.
func (h *Handlers) HandleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		vmax, amax := h.Motor.Speed()
		writeJSON(w, http.StatusOK, map[string]uint32{"vmax": vmax, "amax": amax})
		return
	}

	var req struct {
		VMax uint32 `json:"vmax"`
		AMax uint32 `json:"amax"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "body must be {\"vmax\": <uint>, \"amax\": <uint>}", http.StatusBadRequest)
		return
	}
	if req.VMax == 0 || req.AMax == 0 {
		http.Error(w, "vmax and amax must be positive", http.StatusBadRequest)
		return
	}

	vmax, amax, err := h.Motor.SetSpeed(req.VMax, req.AMax)
	if err != nil {
		writeMotorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"vmax": vmax, "amax": amax})
}

// HandleEvents handles GET /api/events: the persisted log of faults,
// recoveries, and persistence problems, newest first.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Events.RecentEvents(50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
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
