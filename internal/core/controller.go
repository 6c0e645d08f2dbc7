package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/db"
)

// Event is one queued input for the driver loop.
type Event struct {
	Action Action
	reply  chan eventResult
}

type eventResult struct {
	changed bool
	err     error
}

type ControllerConfig struct {
	TickInterval time.Duration
	EventBuffer  int
}

// Snapshot is the externally visible queue state. Fields may be added but
// never renamed or removed.
type Snapshot struct {
	Active    bool      `json:"active"`
	ActiveSet *int64    `json:"active_set"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	Queue     string    `json:"queue"`
	RunID     *int64    `json:"run_id"`
	Jobs      []*db.Job `json:"jobs"`
}

// Controller owns the driver and supervisor and serializes every action
// against them. A ticker feeds TICK for the life of the controller.
type Controller struct {
	driver    *Driver
	sup       *Supervisor
	store     QueueReader
	device    Device
	materials MaterialSource
	notifier  Notifier
	log       log.FieldLogger
	config    ControllerConfig

	mu      sync.Mutex
	events  chan Event
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool

	activeSet   atomic.Int64
	runID       atomic.Int64
	currentPath atomic.Value
}

func NewController(driver *Driver, device Device, materials MaterialSource, notifier Notifier, logger log.FieldLogger, cfg ControllerConfig) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.EventBuffer < 1 {
		cfg.EventBuffer = 64
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		driver:    driver,
		sup:       driver.sup,
		store:     driver.store,
		device:    device,
		materials: materials,
		notifier:  notifier,
		log:       logger,
		config:    cfg,
		events:    make(chan Event, cfg.EventBuffer),
	}
}

func (c *Controller) Driver() *Driver { return c.driver }

func (c *Controller) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(ctx)
	c.log.WithField("tick", c.config.TickInterval).Info("controller started")
	return nil
}

func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	<-c.done
	c.log.Info("controller stopped")
}

func (c *Controller) loop(ctx context.Context) {
	defer func() {
		c.running.Store(false)
		close(c.done)
	}()

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.handle(ctx, ActionTick)
		case ev := <-c.events:
			changed, err := c.handle(ctx, ev.Action)
			if ev.reply != nil {
				ev.reply <- eventResult{changed: changed, err: err}
			}
		}
	}
}

// Submit queues an action without waiting for it. It returns false when
// the queue is full or the controller is stopped.
func (c *Controller) Submit(a Action) bool {
	if !c.running.Load() {
		return false
	}
	select {
	case c.events <- Event{Action: a}:
		return true
	default:
		c.log.WithField("action", a).Warn("event queue full, dropping action")
		return false
	}
}

// Do runs an action and waits for its result. When the loop is not
// running the action runs on the caller's goroutine.
func (c *Controller) Do(ctx context.Context, a Action) (bool, error) {
	if !c.running.Load() {
		return c.handle(ctx, a)
	}

	reply := make(chan eventResult, 1)
	select {
	case c.events <- Event{Action: a, reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.changed, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Controller) handle(ctx context.Context, a Action) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev, path, err := c.device.Status(ctx)
	if err != nil {
		c.log.WithError(err).Warn("failed to read device status")
		dev, path = DeviceBusy, ""
	}

	var materials []string
	if c.materials != nil {
		materials, err = c.materials.LoadedMaterials(ctx)
		if err != nil {
			c.log.WithError(err).Warn("failed to read loaded materials")
			materials = nil
		}
	}

	changed, err := c.driver.Action(ctx, a, dev, path, materials)
	if err != nil {
		c.log.WithError(err).WithField("action", a).Error("driver action failed")
	}
	c.publish()

	if changed {
		c.notifier.Notify(ctx, Message{Type: MessageReload, Event: EventStatus, Text: c.driver.Status()})
	}
	return changed, err
}

func (c *Controller) publish() {
	c.activeSet.Store(c.driver.ActiveSetID())
	c.currentPath.Store(c.driver.CurrentPath())
	if run := c.sup.Run(); run != nil {
		c.runID.Store(run.ID)
	} else {
		c.runID.Store(0)
	}
}

// Mutate runs a store mutation under the driver lock and invalidates the
// cached assignment afterwards.
func (c *Controller) Mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := fn(ctx)
	c.sup.ClearCache()
	return err
}

// SetRetryOnPause reconfigures retries without touching the open run.
func (c *Controller) SetRetryOnPause(p RetryPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.driver.SetRetryOnPause(p.Enabled, p.MaxRetries, p.MaxElapsed)
}

func (c *Controller) RetryPolicy() RetryPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver.RetryPolicy()
}

// RunID is the id of the open run, or 0. It does not take the lock.
func (c *Controller) RunID() int64 { return c.runID.Load() }

// CurrentPath is the file of the queue print on the device, or "".
func (c *Controller) CurrentPath() string {
	p, _ := c.currentPath.Load().(string)
	return p
}

// Snapshot builds the externally visible state without waiting on the
// driver lock, so it stays responsive during a bed cooldown.
func (c *Controller) Snapshot(ctx context.Context) (*Snapshot, error) {
	jobs, err := c.store.GetJobs(ctx, c.sup.Queue())
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*db.Job{}
	}

	state := c.driver.State()
	s := &Snapshot{
		Active: state != StateInactive,
		Status: c.driver.Status(),
		State:  state.String(),
		Queue:  c.sup.Queue(),
		Jobs:   jobs,
	}
	if id := c.activeSet.Load(); id != 0 {
		s.ActiveSet = &id
	}
	if id := c.runID.Load(); id != 0 {
		s.RunID = &id
	}
	return s, nil
}
