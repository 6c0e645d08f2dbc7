package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/db"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// After advances the clock by d and fires at once.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type fakeRunner struct {
	events  []ScriptEvent
	starts  []Item
	startOK bool
	errs    map[ScriptEvent]error
	tracked map[ScriptEvent]bool
	last    ScriptContext
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		startOK: true,
		errs:    map[ScriptEvent]error{},
		tracked: map[ScriptEvent]bool{},
	}
}

func (r *fakeRunner) RunScriptForEvent(_ context.Context, evt ScriptEvent, sc ScriptContext) (ScriptResult, error) {
	r.events = append(r.events, evt)
	r.last = sc
	if err := r.errs[evt]; err != nil {
		return ScriptResult{}, err
	}
	return ScriptResult{Started: r.tracked[evt]}, nil
}

func (r *fakeRunner) StartPrint(_ context.Context, item Item) bool {
	r.starts = append(r.starts, item)
	return r.startOK
}

func (r *fakeRunner) count(evt ScriptEvent) int {
	n := 0
	for _, e := range r.events {
		if e == evt {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *fakeNotifier) Notify(_ context.Context, m Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
}

func (n *fakeNotifier) countType(t MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.msgs {
		if m.Type == t {
			c++
		}
	}
	return c
}

// fakeThermometer returns temps in order, repeating the last one.
type fakeThermometer struct {
	temps []float64
	errAt map[int]bool
	reads int
}

func (f *fakeThermometer) BedTemperature(context.Context) (float64, error) {
	i := f.reads
	f.reads++
	if f.errAt[i] {
		return 0, errors.New("sensor offline")
	}
	if i >= len(f.temps) {
		i = len(f.temps) - 1
	}
	return f.temps[i], nil
}

type genFault struct{ symbol string }

func (e *genFault) Error() string { return fmt.Sprintf("unknown symbol %q", e.symbol) }
func (e *genFault) ScriptFault()  {}

type harness struct {
	t         *testing.T
	ctx       context.Context
	store     *db.Store
	runner    *fakeRunner
	clock     *fakeClock
	notes     *fakeNotifier
	sup       *Supervisor
	driver    *Driver
	materials []string
}

func newHarness(t *testing.T, cfg DriverConfig) *harness {
	t.Helper()

	store, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		runner: newFakeRunner(),
		clock:  newFakeClock(),
		notes:  &fakeNotifier{},
	}
	store.SetClock(h.clock.Now)
	h.sup = NewSupervisor(store, db.DefaultQueue, Profile{Name: "Generic", Model: "Generic"})
	h.driver = NewDriver(DriverDeps{
		Store:      store,
		Runner:     h.runner,
		Supervisor: h.sup,
		Notifier:   h.notes,
		Clock:      h.clock,
		Log:        quietLogger(),
	}, cfg)
	return h
}

func (h *harness) withThermometer(th Thermometer) {
	h.driver.therm = th
}

// addJob appends a job whose sets are named <name><n>.gcode.
func (h *harness) addJob(name string, counts ...int) *db.Job {
	h.t.Helper()
	j, err := h.store.NewEmptyJob(h.ctx, db.DefaultQueue, name, false)
	if err != nil {
		h.t.Fatalf("NewEmptyJob: %v", err)
	}
	for i, c := range counts {
		set := &db.Set{Path: fmt.Sprintf("%s%d.gcode", name, i+1), Count: c}
		if err := h.store.AppendSet(h.ctx, j.ID, set); err != nil {
			h.t.Fatalf("AppendSet: %v", err)
		}
	}
	j, err = h.store.GetJob(h.ctx, j.ID)
	if err != nil {
		h.t.Fatalf("GetJob: %v", err)
	}
	return j
}

func (h *harness) act(a Action, dev DeviceState, path string) bool {
	h.t.Helper()
	changed, err := h.driver.Action(h.ctx, a, dev, path, h.materials)
	if err != nil {
		h.t.Fatalf("%s: unexpected error: %v", a, err)
	}
	return changed
}

func (h *harness) wantState(want State) {
	h.t.Helper()
	if got := h.driver.State(); got != want {
		h.t.Fatalf("state = %s, want %s (status %q)", got, want, h.driver.Status())
	}
}

func (h *harness) lastStartPath() string {
	h.t.Helper()
	if len(h.runner.starts) == 0 {
		h.t.Fatal("no print started")
	}
	return h.runner.starts[len(h.runner.starts)-1].ItemPath()
}

func (h *harness) setCompleted(id int64) int {
	h.t.Helper()
	s, err := h.store.GetSet(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetSet: %v", err)
	}
	return s.Completed
}

func (h *harness) history() []*db.HistoryEntry {
	h.t.Helper()
	entries, err := h.store.GetHistory(h.ctx, 100)
	if err != nil {
		h.t.Fatalf("GetHistory: %v", err)
	}
	return entries
}

// startPrinting activates and confirms the first print on the device.
func (h *harness) startPrinting() {
	h.t.Helper()
	h.act(ActionActivate, DeviceIdle, "")
	h.wantState(StateStarting)
	h.act(ActionTick, DeviceBusy, h.lastStartPath())
	h.wantState(StatePrinting)
}
