package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/db"
)

type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	MaxElapsed time.Duration
}

type DriverConfig struct {
	Retry RetryPolicy

	// Cooldown is nil when bed cooldown is disabled.
	Cooldown *Cooldown

	MaterialGating     bool
	DeactivateOnFinish bool

	// StartTimeout bounds how long STARTING waits for the device to
	// report the print.
	StartTimeout time.Duration

	// ClearGrace is how long a tracked clearing or finish script may
	// leave the device idle before it is considered done.
	ClearGrace time.Duration

	// IdleGrace is how long PRINTING tolerates an idle device before the
	// print is taken to have ended without a completion event. It must
	// exceed the device poll interval.
	IdleGrace time.Duration
}

type DriverDeps struct {
	Store       Store
	Runner      ScriptRunner
	Supervisor  *Supervisor
	Notifier    Notifier
	Thermometer Thermometer
	Clock       Clock
	Metrics     Recorder
	Log         log.FieldLogger
}

// Driver is the print queue state machine. It is not safe for concurrent
// use; the Controller serializes calls to Action. State and Status may be
// read from any goroutine.
type Driver struct {
	store    Store
	runner   ScriptRunner
	sup      *Supervisor
	notifier Notifier
	therm    Thermometer
	clock    Clock
	metrics  Recorder
	log      log.FieldLogger
	cfg      DriverConfig

	state  atomic.Int32
	status atomic.Value

	assignment   *Assignment
	last         *Assignment
	item         Item
	runStarted   time.Time
	printStarted time.Time
	entered      time.Time
	printed      int
	retries      int
	sawBusy      bool
	idleSince    time.Time
	unconfirmed  bool
	blocked      ScriptEvent
	pending      ScriptEvent
}

func NewDriver(deps DriverDeps, cfg DriverConfig) *Driver {
	d := &Driver{
		store:    deps.Store,
		runner:   deps.Runner,
		sup:      deps.Supervisor,
		notifier: deps.Notifier,
		therm:    deps.Thermometer,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		log:      deps.Log,
		cfg:      cfg,
	}
	if d.notifier == nil {
		d.notifier = nopNotifier{}
	}
	if d.clock == nil {
		d.clock = SystemClock
	}
	if d.metrics == nil {
		d.metrics = nopRecorder{}
	}
	if d.log == nil {
		d.log = log.StandardLogger()
	}
	if d.cfg.StartTimeout <= 0 {
		d.cfg.StartTimeout = 30 * time.Second
	}
	if d.cfg.ClearGrace <= 0 {
		d.cfg.ClearGrace = 10 * time.Second
	}
	if d.cfg.IdleGrace <= 0 {
		d.cfg.IdleGrace = 10 * time.Second
	}
	d.sup.SetMaterialGating(cfg.MaterialGating)
	d.setState(StateInactive, "Inactive (click Start Managing)")
	return d
}

func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) Status() string {
	s, _ := d.status.Load().(string)
	return s
}

// CurrentPath is the path of the print the driver believes is on the
// device, or "" when no queue print is in progress.
func (d *Driver) CurrentPath() string {
	if d.item == nil || !d.State().printBound() {
		return ""
	}
	return d.item.ItemPath()
}

// ActiveSetID is the id of the set being printed, or 0.
func (d *Driver) ActiveSetID() int64 {
	if d.assignment == nil {
		return 0
	}
	return d.assignment.Set.ID
}

func (d *Driver) Retries() int { return d.retries }

// Blocked reports the script event the driver is stuck on, if any.
func (d *Driver) Blocked() ScriptEvent { return d.blocked }

// SetRetryOnPause changes the retry policy. The retry count of the
// current print is kept.
func (d *Driver) SetRetryOnPause(enabled bool, maxRetries int, maxElapsed time.Duration) {
	d.cfg.Retry = RetryPolicy{Enabled: enabled, MaxRetries: maxRetries, MaxElapsed: maxElapsed}
}

func (d *Driver) RetryPolicy() RetryPolicy { return d.cfg.Retry }

func (d *Driver) SetCooldown(c *Cooldown) { d.cfg.Cooldown = c }

func (d *Driver) SetMaterialGating(enabled bool) {
	d.cfg.MaterialGating = enabled
	d.sup.SetMaterialGating(enabled)
}

func (d *Driver) setState(s State, status string) {
	d.state.Store(int32(s))
	d.status.Store(status)
	d.entered = d.clock.Now()
	d.metrics.SetState(s)
}

func (d *Driver) setStatus(status string) {
	d.status.Store(status)
}

// Action feeds one input to the state machine and reports whether the
// state or status changed. Errors are store failures; every other fault
// becomes a status change and a message.
func (d *Driver) Action(ctx context.Context, a Action, dev DeviceState, path string, materials []string) (bool, error) {
	before, beforeStatus := d.State(), d.Status()
	d.sup.SetMaterials(materials)

	var err error
	switch {
	case a == ActionDeactivate:
		err = d.deactivate(ctx, dev)
	case a == ActionActivate:
		err = d.activate(ctx, dev)
	case before == StateInactive:
	case d.blocked != "":
		d.log.WithFields(log.Fields{"action": a, "blocked": d.blocked}).Debug("ignoring action while blocked")
	default:
		err = d.handle(ctx, a, dev, path)
	}

	changed := d.State() != before || d.Status() != beforeStatus
	d.metrics.IncAction(a, changed)
	if changed {
		d.log.WithFields(log.Fields{
			"action": a,
			"device": dev,
			"from":   before,
			"to":     d.State(),
		}).Info(d.Status())
	}
	return changed, err
}

func (d *Driver) handle(ctx context.Context, a Action, dev DeviceState, path string) error {
	switch d.State() {
	case StateActiveIdle, StateAwaitingMaterial:
		if a == ActionTick {
			return d.selectNext(ctx, dev)
		}
	case StateStarting:
		return d.handleStarting(ctx, a, dev, path)
	case StatePrinting, StatePaused:
		return d.handlePrinting(ctx, a, dev)
	case StateAwaitingRecovery:
		switch a {
		case ActionFailure:
			return d.onFailure(ctx, dev, "")
		case ActionSuccess:
			return d.onSuccess(ctx, dev)
		case ActionTick:
			if dev == DeviceBusy {
				d.setState(StatePrinting, "Printing "+d.item.ItemPath())
			}
		}
	case StateClearing, StateFinishing, StateCooldown:
		return d.handleScriptPrint(ctx, a, dev)
	}
	return nil
}

func (d *Driver) handleStarting(ctx context.Context, a Action, dev DeviceState, path string) error {
	switch a {
	case ActionSuccess, ActionFailure:
		// After an idle timeout the device's own done event may still be
		// in flight; it belongs to the previous print, not this one.
		if d.unconfirmed {
			d.log.WithField("action", a).Debug("ignoring completion before print was seen on device")
			return nil
		}
		if a == ActionSuccess {
			return d.onSuccess(ctx, dev)
		}
		return d.onFailure(ctx, dev, "")
	case ActionTick:
		if d.pathMatches(path) {
			switch dev {
			case DeviceBusy:
				d.unconfirmed = false
				d.setState(StatePrinting, "Printing "+d.item.ItemPath())
				return nil
			case DevicePaused:
				d.unconfirmed = false
				d.setState(StatePaused, "Paused "+d.item.ItemPath())
				return nil
			}
		}
		if d.clock.Now().Sub(d.entered) >= d.cfg.StartTimeout {
			d.notify(ctx, MessageError, "", "Print did not start: "+d.item.ItemPath())
			d.assignment = nil
			d.setState(StateActiveIdle, "Print did not start; retrying")
		}
	}
	return nil
}

func (d *Driver) handlePrinting(ctx context.Context, a Action, dev DeviceState) error {
	switch a {
	case ActionSuccess:
		return d.onSuccess(ctx, dev)
	case ActionFailure:
		return d.onFailure(ctx, dev, "")
	case ActionSpaghetti:
		return d.onSpaghetti(ctx, dev)
	case ActionTick:
		switch dev {
		case DeviceBusy:
			d.idleSince = time.Time{}
			if d.State() == StatePaused {
				d.setState(StatePrinting, "Printing "+d.item.ItemPath())
			}
		case DevicePaused:
			d.idleSince = time.Time{}
			if d.State() == StatePrinting {
				d.setState(StatePaused, "Paused "+d.item.ItemPath())
			}
		case DeviceIdle:
			// An idle device may be racing its own completion event.
			now := d.clock.Now()
			if d.idleSince.IsZero() {
				d.idleSince = now
			}
			if now.Sub(d.idleSince) < d.cfg.IdleGrace {
				return nil
			}
			d.unconfirmed = true
			return d.onFailure(ctx, dev, "print ended unexpectedly")
		}
	}
	return nil
}

func (d *Driver) handleScriptPrint(ctx context.Context, a Action, dev DeviceState) error {
	if d.pending != "" {
		if a == ActionTick && dev == DeviceIdle {
			evt := d.pending
			d.pending = ""
			return d.runPhase(ctx, dev, evt)
		}
		return nil
	}
	if d.State() == StateCooldown {
		// an interrupted wait restarts on the next idle tick
		if a == ActionTick && dev == DeviceIdle {
			return d.runPhase(ctx, dev, EventCooldown)
		}
		return nil
	}
	switch a {
	case ActionSuccess:
		return d.scriptPrintDone(ctx, DeviceIdle)
	case ActionFailure:
		ev := EventClearing
		if d.State() == StateFinishing {
			ev = EventFinish
		}
		return d.block(ctx, ev, fmt.Errorf("%s script print failed", ev))
	case ActionTick:
		if dev != DeviceIdle {
			d.sawBusy = true
			return nil
		}
		if d.sawBusy || d.clock.Now().Sub(d.entered) >= d.cfg.ClearGrace {
			return d.scriptPrintDone(ctx, dev)
		}
	}
	return nil
}

func (d *Driver) scriptPrintDone(ctx context.Context, dev DeviceState) error {
	if d.State() == StateFinishing {
		return d.finishDone(ctx)
	}
	return d.selectNext(ctx, dev)
}

func (d *Driver) pathMatches(path string) bool {
	if path == "" {
		return true
	}
	want := strings.TrimPrefix(d.item.ItemPath(), "/")
	return strings.TrimPrefix(path, "/") == want
}

func (d *Driver) activate(ctx context.Context, dev DeviceState) error {
	if d.State() != StateInactive {
		if d.blocked != "" {
			ev := d.blocked
			d.blocked = ""
			d.log.WithField("event", ev).Info("operator retrying blocked script")
			return d.runPhase(ctx, dev, ev)
		}
		return nil
	}

	run, err := d.store.BeginRun(ctx, d.sup.Queue())
	if err != nil {
		return err
	}
	d.sup.SetRun(run)
	d.runStarted = d.clock.Now()
	d.printed = 0
	d.retries = 0
	d.assignment = nil
	d.last = nil
	d.item = nil
	d.setState(StateActiveIdle, "Starting queue")
	d.notify(ctx, MessageInfo, EventStatus, "Continuous print queue started")
	return d.selectNext(ctx, dev)
}

func (d *Driver) deactivate(ctx context.Context, dev DeviceState) error {
	state := d.State()
	if state == StateInactive {
		return nil
	}

	var firstErr error
	if dev != DeviceIdle && (state.printBound() || state == StateClearing || state == StateFinishing) {
		if _, err := d.runner.RunScriptForEvent(ctx, EventCancel, d.scriptContext(EventCancel)); err != nil {
			d.log.WithError(err).Error("cancel script failed during deactivation")
			d.notify(ctx, MessageError, "", "Failed to cancel print: "+err.Error())
		}
	}
	if state.printBound() && d.assignment != nil {
		if err := d.record(ctx, db.ResultFailure, "cancelled"); err != nil {
			firstErr = err
		}
	}

	if run := d.sup.Run(); run != nil {
		if err := d.store.EndRun(ctx, run.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.sup.SetRun(nil)
	d.sup.ClearCache()
	d.assignment = nil
	d.item = nil
	d.blocked = ""
	d.pending = ""
	d.retries = 0
	d.printed = 0
	d.sawBusy = false
	d.idleSince = time.Time{}
	d.unconfirmed = false
	d.setState(StateInactive, "Inactive (click Start Managing)")
	d.notify(ctx, MessageInfo, EventStatus, "Continuous print queue stopped")
	return firstErr
}

// selectNext starts the next assignment if the device is free.
func (d *Driver) selectNext(ctx context.Context, dev DeviceState) error {
	d.assignment = nil
	if dev != DeviceIdle {
		d.setState(StateActiveIdle, "Waiting for printer to be idle")
		return nil
	}

	a, err := d.sup.GetAssignment(ctx)
	if err != nil {
		return err
	}
	if a == nil {
		if d.printed > 0 {
			return d.beginFinishing(ctx)
		}
		d.setState(StateActiveIdle, "Idle (awaiting printable queue items)")
		return nil
	}
	if a.NeedsMaterial {
		if d.State() == StateAwaitingMaterial && d.last != nil && d.last.Set.ID == a.Set.ID {
			return nil
		}
		d.last = a
		return d.runPhase(ctx, dev, EventAwaitingMaterial)
	}
	return d.startPrint(ctx, a)
}

func (d *Driver) startPrint(ctx context.Context, a *Assignment) error {
	d.item = d.sup.ItemFor(a)
	d.assignment = a
	d.last = a
	d.retries = 0
	d.sawBusy = false
	d.idleSince = time.Time{}
	d.printStarted = d.clock.Now()
	d.setState(StateStarting, "Starting print: "+a.Set.Path)

	if !d.runner.StartPrint(ctx, d.item) {
		d.assignment = nil
		d.setState(StateActiveIdle, "Failed to start "+a.Set.Path+"; retrying")
		return nil
	}
	d.notifyAssignment(ctx, MessageInfo, EventPrintStarted, "Started print: "+d.item.ItemPath())
	return nil
}

func (d *Driver) onSuccess(ctx context.Context, dev DeviceState) error {
	if d.assignment != nil {
		_, err := d.store.CompleteSet(ctx, d.assignment.Set.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			d.log.WithField("set", d.assignment.Set.ID).Warn("completed set no longer exists; not counted")
		case err != nil:
			return err
		}
		if err := d.record(ctx, db.ResultSuccess, ""); err != nil {
			return err
		}
		d.sup.ClearCache()
		d.printed++
		d.metrics.IncPrint(db.ResultSuccess)
		d.notifyAssignment(ctx, MessageComplete, EventPrintCompleted, "Print completed: "+d.assignment.Set.Path)
	}
	d.assignment = nil
	return d.afterPrint(ctx, dev)
}

func (d *Driver) onFailure(ctx context.Context, dev DeviceState, note string) error {
	if d.assignment != nil {
		if err := d.record(ctx, db.ResultFailure, note); err != nil {
			return err
		}
		d.metrics.IncPrint(db.ResultFailure)
		text := "Print failed: " + d.assignment.Set.Path
		if note != "" {
			text += " (" + note + ")"
		}
		d.notifyAssignment(ctx, MessageError, EventPrintFailed, text)
	}
	d.assignment = nil
	d.idleSince = time.Time{}
	if dev != DeviceIdle {
		return d.runPhase(ctx, dev, EventCancel)
	}
	return d.afterPrint(ctx, dev)
}

func (d *Driver) onSpaghetti(ctx context.Context, dev DeviceState) error {
	d.setState(StateAwaitingRecovery, "Failure detected; evaluating retry")

	p := d.cfg.Retry
	elapsed := d.clock.Now().Sub(d.runStarted)
	if p.Enabled && d.retries < p.MaxRetries && elapsed <= p.MaxElapsed {
		d.retries++
		d.metrics.IncRetry()
		d.notifyAssignment(ctx, MessageInfo, EventStatus,
			fmt.Sprintf("Failure detected; resuming print (retry %d of %d)", d.retries, p.MaxRetries))
		return d.runPhase(ctx, dev, EventResume)
	}

	d.log.WithFields(log.Fields{
		"retries": d.retries,
		"elapsed": elapsed,
		"enabled": p.Enabled,
	}).Warn("retry budget exhausted")
	return d.onFailure(ctx, dev, "failure detected")
}

// afterPrint cools and clears the bed once the device has let go of the
// finished print.
func (d *Driver) afterPrint(ctx context.Context, dev DeviceState) error {
	evt, state := EventClearing, StateClearing
	if d.cfg.Cooldown != nil && d.therm != nil {
		evt, state = EventCooldown, StateCooldown
	}
	if dev != DeviceIdle {
		d.pending = evt
		d.setState(state, "Waiting for printer to stop")
		return nil
	}
	return d.runPhase(ctx, dev, evt)
}

// runPhase runs the lifecycle step that starts with the script for evt.
// A blocked script is retried by calling runPhase with the same event.
func (d *Driver) runPhase(ctx context.Context, dev DeviceState, evt ScriptEvent) error {
	switch evt {
	case EventCancel:
		if _, err := d.runner.RunScriptForEvent(ctx, EventCancel, d.scriptContext(EventCancel)); err != nil {
			return d.block(ctx, EventCancel, err)
		}
		// The cancelled print leaves the device; selection waits for idle.
		return d.afterPrint(ctx, DeviceBusy)

	case EventResume:
		if _, err := d.runner.RunScriptForEvent(ctx, EventResume, d.scriptContext(EventResume)); err != nil {
			return d.block(ctx, EventResume, err)
		}
		d.idleSince = time.Time{}
		d.setState(StatePrinting, fmt.Sprintf("Printing %s (resumed, retry %d)", d.item.ItemPath(), d.retries))
		return nil

	case EventCooldown:
		d.setState(StateCooldown, "Cooling bed")
		if _, err := d.runner.RunScriptForEvent(ctx, EventCooldown, d.scriptContext(EventCooldown)); err != nil {
			return d.block(ctx, EventCooldown, err)
		}
		start := d.clock.Now()
		res, err := d.cfg.Cooldown.Wait(ctx, d.therm)
		d.metrics.ObserveCooldown(d.clock.Now().Sub(start), res)
		if err != nil {
			return err
		}
		if res == CooldownTimedOut {
			d.notify(ctx, MessageInfo, EventStatus, "Bed cooldown timed out; clearing anyway")
		}
		return d.runPhase(ctx, dev, EventClearing)

	case EventClearing:
		d.setState(StateClearing, "Clearing bed")
		res, err := d.runner.RunScriptForEvent(ctx, EventClearing, d.scriptContext(EventClearing))
		if err != nil {
			return d.block(ctx, EventClearing, err)
		}
		d.sawBusy = false
		if !res.Started {
			return d.selectNext(ctx, dev)
		}
		return nil

	case EventFinish:
		return d.beginFinishing(ctx)

	case EventAwaitingMaterial:
		needed := MissingMaterials(d.last.Set.Materials, d.sup.Materials())
		d.setState(StateAwaitingMaterial, "Waiting for material: "+strings.Join(needed, ", "))
		if _, err := d.runner.RunScriptForEvent(ctx, EventAwaitingMaterial, d.scriptContext(EventAwaitingMaterial)); err != nil {
			return d.block(ctx, EventAwaitingMaterial, err)
		}
		d.notify(ctx, MessageInfo, EventStatus, "Load "+strings.Join(needed, ", ")+" to print "+d.last.Set.Path)
		return nil
	}
	return fmt.Errorf("unknown script event %q", evt)
}

func (d *Driver) beginFinishing(ctx context.Context) error {
	d.setState(StateFinishing, "Running finish script")
	res, err := d.runner.RunScriptForEvent(ctx, EventFinish, d.scriptContext(EventFinish))
	if err != nil {
		return d.block(ctx, EventFinish, err)
	}
	d.sawBusy = false
	if !res.Started {
		return d.finishDone(ctx)
	}
	return nil
}

func (d *Driver) finishDone(ctx context.Context) error {
	d.notify(ctx, MessageComplete, EventQueueFinished, "Print queue complete")
	if d.cfg.DeactivateOnFinish {
		return d.deactivate(ctx, DeviceIdle)
	}
	d.printed = 0
	d.setState(StateActiveIdle, "Idle (awaiting printable queue items)")
	return nil
}

// block parks the driver in its current phase until the operator
// activates again or deactivates.
func (d *Driver) block(ctx context.Context, evt ScriptEvent, err error) error {
	d.blocked = evt
	kind := "Device error"
	if IsScriptError(err) {
		kind = "Script error"
	}
	d.log.WithError(err).WithField("event", evt).Error("lifecycle script blocked")
	d.setStatus(fmt.Sprintf("%s running %s script: %v (start to retry)", kind, evt, err))
	d.notify(ctx, MessageError, "", fmt.Sprintf("%s in %s script: %v", kind, evt, err))
	return nil
}

func (d *Driver) record(ctx context.Context, result, note string) error {
	a := d.assignment
	run := d.sup.Run()
	if a == nil || run == nil {
		return nil
	}
	return d.store.AppendHistory(ctx, &db.HistoryEntry{
		RunID:     run.ID,
		QueueName: d.sup.Queue(),
		JobID:     a.Job.ID,
		SetID:     a.Set.ID,
		JobName:   a.Job.Name,
		Path:      a.Set.Path,
		Result:    result,
		Note:      note,
		StartedAt: d.printStarted,
		EndedAt:   d.clock.Now(),
	})
}

func (d *Driver) scriptContext(evt ScriptEvent) ScriptContext {
	sc := ScriptContext{
		Run:       d.sup.Run(),
		Queue:     d.sup.Queue(),
		Materials: d.sup.Materials(),
		Profile:   d.sup.Profile(),
		Time:      d.clock.Now(),
	}
	if d.cfg.Cooldown != nil {
		sc.BedThreshold = d.cfg.Cooldown.Threshold
	}
	if a := d.last; a != nil {
		sc.Job = a.Job
		sc.Set = a.Set
		sc.Path = a.Set.Path
		if evt == EventAwaitingMaterial {
			sc.Needed = MissingMaterials(a.Set.Materials, sc.Materials)
		}
	}
	if d.item != nil && d.State().printBound() {
		sc.Path = d.item.ItemPath()
	}
	return sc
}

func (d *Driver) notify(ctx context.Context, typ MessageType, event, text string) {
	d.notifier.Notify(ctx, Message{Type: typ, Event: event, Text: text})
}

func (d *Driver) notifyAssignment(ctx context.Context, typ MessageType, event, text string) {
	m := Message{Type: typ, Event: event, Text: text}
	if a := d.assignment; a != nil {
		m.Path = a.Set.Path
		m.SetID = a.Set.ID
	}
	d.notifier.Notify(ctx, m)
}
