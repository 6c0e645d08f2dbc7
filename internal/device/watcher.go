package device

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/host"
)

type JobSource interface {
	Job(ctx context.Context) (*JobInfo, error)
}

// Watcher polls the device and turns state transitions into host events.
type Watcher struct {
	src      JobSource
	emit     func(host.Event)
	interval time.Duration
	log      log.FieldLogger

	prev    *JobInfo
	offline bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWatcher(src JobSource, interval time.Duration, emit func(host.Event), logger log.FieldLogger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Watcher{
		src:      src,
		emit:     emit,
		interval: interval,
		log:      logger,
		stopCh:   make(chan struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Poll(ctx)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll reads the device once and emits events for any transition since
// the previous poll.
func (w *Watcher) Poll(ctx context.Context) {
	cur, err := w.src.Job(ctx)
	if err != nil {
		if !w.offline {
			w.log.WithError(err).Warn("device unreachable")
		}
		w.offline = true
		return
	}

	wasOffline := w.offline
	w.offline = false
	prev := w.prev
	w.prev = cur

	curState := MapState(cur.State)
	if wasOffline && curState == core.DeviceIdle {
		w.log.Info("device back online")
		w.emit(host.Event{Type: host.PrinterOperational})
	}
	if prev == nil {
		return
	}
	prevState := MapState(prev.State)

	switch {
	case prevState != core.DeviceIdle && curState == core.DeviceIdle && prev.Path != "":
		if prev.Completion >= 100 || cur.Completion >= 100 {
			w.emit(host.Event{Type: host.PrintDone, Path: prev.Path})
		} else {
			w.emit(host.Event{Type: host.PrintFailed, Path: prev.Path})
		}
	case prevState != core.DevicePaused && curState == core.DevicePaused:
		w.emit(host.Event{Type: host.PrintPaused, Path: cur.Path})
	case prevState == core.DevicePaused && curState == core.DeviceBusy:
		w.emit(host.Event{Type: host.PrintResumed, Path: cur.Path})
	}
}
