package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/Webrewthebestbeer1/skybox/internal/logic/limits"
	"github.com/Webrewthebestbeer1/skybox/internal/logic/motion"
	"github.com/Webrewthebestbeer1/skybox/internal/store"
)

// fakeMotor records calls and returns canned values.
type fakeMotor struct {
	status  motion.Status
	stepRes motion.StepResult
	err     error

	stepped    []int32
	stopped    int
	homed      int
	setHome    int
	limitSides []limits.Side
	cleared    int
	vmax, amax uint32
}

func (m *fakeMotor) Status() motion.Status { return m.status }

func (m *fakeMotor) Step(rel int32) (motion.StepResult, error) {
	m.stepped = append(m.stepped, rel)
	return m.stepRes, m.err
}

func (m *fakeMotor) Stop() (int32, error) {
	m.stopped++
	return 1234, m.err
}

func (m *fakeMotor) Home() (int32, error) {
	m.homed++
	return 0, m.err
}

func (m *fakeMotor) SetHome() error {
	m.setHome++
	return m.err
}

func (m *fakeMotor) SetLimit(side limits.Side) (limits.Pair, error) {
	m.limitSides = append(m.limitSides, side)
	return limits.Pair{Left: -100, Right: 100}, m.err
}

func (m *fakeMotor) ClearLimits() (limits.Pair, error) {
	m.cleared++
	return limits.Pair{Left: -51200, Right: 51200}, m.err
}

func (m *fakeMotor) SetSpeed(vmax, amax uint32) (uint32, uint32, error) {
	if m.err != nil {
		return m.vmax, m.amax, m.err
	}
	m.vmax, m.amax = vmax, amax
	return vmax, amax, nil
}

func (m *fakeMotor) Speed() (uint32, uint32) { return m.vmax, m.amax }

type fakeEvents struct {
	events []store.Event
	err    error
}

func (f *fakeEvents) RecentEvents(limit int) ([]store.Event, error) {
	return f.events, f.err
}

func newTestHandlers(motor Motor, events EventSource) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	if events == nil {
		events = &fakeEvents{}
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		motor,
		events,
		HWInfo{Driver: "tmc5130", Simulated: true},
		staticFS,
	)
}

// ---------- Status ----------

func TestHandleStatus_OK(t *testing.T) {
	motor := &fakeMotor{status: motion.Status{State: "ready", Position: 42, Target: 42}}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got motion.Status
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Position != 42 || got.State != "ready" {
		t.Errorf("status = %+v", got)
	}
}

func TestHandleStatus_FaultedStillOK(t *testing.T) {
	// A dead motor degrades the payload, it does not break the endpoint.
	motor := &fakeMotor{status: motion.Status{State: "faulted", Faulted: true, Position: 900}}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when faulted", w.Code)
	}
	var got motion.Status
	json.NewDecoder(w.Body).Decode(&got)
	if !got.Faulted || got.Position != 900 {
		t.Errorf("status = %+v, want faulted with last known position", got)
	}
}

// ---------- Step ----------

func stepBody(steps int32) *bytes.Reader {
	data, _ := json.Marshal(map[string]int32{"steps": steps})
	return bytes.NewReader(data)
}

func TestHandleStep_Valid(t *testing.T) {
	motor := &fakeMotor{stepRes: motion.StepResult{Requested: 5120, Accepted: 5120, NewTarget: 5120}}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleStep(w, httptest.NewRequest(http.MethodPost, "/api/step", stepBody(5120)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(motor.stepped) != 1 || motor.stepped[0] != 5120 {
		t.Errorf("stepped = %v, want [5120]", motor.stepped)
	}
	var res motion.StepResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.NewTarget != 5120 {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleStep_NegativeSteps(t *testing.T) {
	motor := &fakeMotor{stepRes: motion.StepResult{Requested: -256, Accepted: -256, NewTarget: -256}}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleStep(w, httptest.NewRequest(http.MethodPost, "/api/step", stepBody(-256)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(motor.stepped) != 1 || motor.stepped[0] != -256 {
		t.Errorf("stepped = %v, want [-256]", motor.stepped)
	}
}

func TestHandleStep_BadBody(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"missing steps", "{}"},
		{"wrong type", `{"steps": "many"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			motor := &fakeMotor{}
			h := newTestHandlers(motor, nil)
			w := httptest.NewRecorder()
			h.HandleStep(w, httptest.NewRequest(http.MethodPost, "/api/step", strings.NewReader(tc.body)))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if len(motor.stepped) != 0 {
				t.Errorf("bad request still reached the motor: %v", motor.stepped)
			}
		})
	}
}

func TestHandleStep_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"faulted", motion.ErrFaulted, http.StatusServiceUnavailable},
		{"not ready", motion.ErrNotReady, http.StatusServiceUnavailable},
		{"wrapped faulted", errors.New("op: " + motion.ErrFaulted.Error()), http.StatusInternalServerError},
		{"bus error", errors.New("bus error, motor reinitialized"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(&fakeMotor{err: tc.err}, nil)
			w := httptest.NewRecorder()
			h.HandleStep(w, httptest.NewRequest(http.MethodPost, "/api/step", stepBody(10)))

			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleStep_LimitedBroadcastsWarning(t *testing.T) {
	motor := &fakeMotor{stepRes: motion.StepResult{Requested: 60000, Accepted: 51200, NewTarget: 51200, Limited: true}}
	h := newTestHandlers(motor, nil)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w := httptest.NewRecorder()
	h.HandleStep(w, httptest.NewRequest(http.MethodPost, "/api/step", stepBody(60000)))

	select {
	case msg := <-ch:
		var evt StatusEvent
		json.Unmarshal([]byte(msg), &evt)
		if evt.Level != "warn" {
			t.Errorf("level = %q, want warn", evt.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast for clamped move")
	}
}

// ---------- Stop / Home ----------

func TestHandleStop(t *testing.T) {
	motor := &fakeMotor{}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/api/stop", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if motor.stopped != 1 {
		t.Errorf("stopped = %d, want 1", motor.stopped)
	}
	var res map[string]int32
	json.NewDecoder(w.Body).Decode(&res)
	if res["position"] != 1234 {
		t.Errorf("position = %d, want 1234", res["position"])
	}
}

func TestHandleStop_Faulted(t *testing.T) {
	h := newTestHandlers(&fakeMotor{err: motion.ErrFaulted}, nil)
	w := httptest.NewRecorder()
	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/api/stop", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandleHomeAndSetHome(t *testing.T) {
	motor := &fakeMotor{}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleHome(w, httptest.NewRequest(http.MethodPost, "/api/home", nil))
	if w.Code != http.StatusOK || motor.homed != 1 {
		t.Errorf("home: status=%d homed=%d", w.Code, motor.homed)
	}

	w = httptest.NewRecorder()
	h.HandleSetHome(w, httptest.NewRequest(http.MethodPost, "/api/set-home", nil))
	if w.Code != http.StatusOK || motor.setHome != 1 {
		t.Errorf("set-home: status=%d calls=%d", w.Code, motor.setHome)
	}
}

// ---------- Limits ----------

func TestHandleSetLimit_PassesSide(t *testing.T) {
	motor := &fakeMotor{}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleSetLimit(limits.Left)(w, httptest.NewRequest(http.MethodPost, "/api/set-limit-left", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.HandleSetLimit(limits.Right)(w, httptest.NewRequest(http.MethodPost, "/api/set-limit-right", nil))

	if len(motor.limitSides) != 2 || motor.limitSides[0] != limits.Left || motor.limitSides[1] != limits.Right {
		t.Errorf("sides = %v, want [Left Right]", motor.limitSides)
	}
}

func TestHandleClearLimits(t *testing.T) {
	motor := &fakeMotor{}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleClearLimits(w, httptest.NewRequest(http.MethodPost, "/api/clear-limits", nil))

	if w.Code != http.StatusOK || motor.cleared != 1 {
		t.Fatalf("status=%d cleared=%d", w.Code, motor.cleared)
	}
	var pair limits.Pair
	json.NewDecoder(w.Body).Decode(&pair)
	if pair.Left != -51200 || pair.Right != 51200 {
		t.Errorf("pair = %+v", pair)
	}
}

// ---------- Speed ----------

func TestHandleSpeed_GetAndPost(t *testing.T) {
	motor := &fakeMotor{vmax: 15000, amax: 150}
	h := newTestHandlers(motor, nil)

	w := httptest.NewRecorder()
	h.HandleSpeed(w, httptest.NewRequest(http.MethodGet, "/api/speed", nil))
	var got map[string]uint32
	json.NewDecoder(w.Body).Decode(&got)
	if got["vmax"] != 15000 || got["amax"] != 150 {
		t.Errorf("GET speed = %v", got)
	}

	body, _ := json.Marshal(map[string]uint32{"vmax": 30000, "amax": 300})
	w = httptest.NewRecorder()
	h.HandleSpeed(w, httptest.NewRequest(http.MethodPost, "/api/speed", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if motor.vmax != 30000 || motor.amax != 300 {
		t.Errorf("motor speed = %d/%d, want 30000/300", motor.vmax, motor.amax)
	}
}

func TestHandleSpeed_RejectsZero(t *testing.T) {
	h := newTestHandlers(&fakeMotor{}, nil)
	body, _ := json.Marshal(map[string]uint32{"vmax": 0, "amax": 300})

	w := httptest.NewRecorder()
	h.HandleSpeed(w, httptest.NewRequest(http.MethodPost, "/api/speed", bytes.NewReader(body)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ---------- Events ----------

func TestHandleEvents(t *testing.T) {
	events := &fakeEvents{events: []store.Event{
		{ID: 2, Kind: "recovered", Detail: "motor reinitialized at position 100"},
		{ID: 1, Kind: "bus-error", Detail: "spi exchange: simulated"},
	}}
	h := newTestHandlers(&fakeMotor{}, events)

	w := httptest.NewRecorder()
	h.HandleEvents(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []store.Event
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Kind != "recovered" {
		t.Errorf("events = %+v", got)
	}
}

func TestHandleEvents_EmptyIsArray(t *testing.T) {
	h := newTestHandlers(&fakeMotor{}, &fakeEvents{})

	w := httptest.NewRecorder()
	h.HandleEvents(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

// ---------- Index and routing ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeMotor{}, nil)

	w := httptest.NewRecorder()
	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Errorf("body = %q, want html", w.Body.String())
	}
}

func TestMux_MethodRouting(t *testing.T) {
	motor := &fakeMotor{status: motion.Status{State: "ready"}}
	srv := NewServer(":0", NewStatusBroadcaster(), motor, &fakeEvents{}, HWInfo{})
	mux := srv.Mux()

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodGet, "/api/hw-info", "", http.StatusOK},
		{http.MethodGet, "/api/step", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/step", `{"steps": 100}`, http.StatusOK},
		{http.MethodGet, "/api/stop", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}
