package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/device"
)

// ScriptDir is where tracked scripts are uploaded on the device.
const ScriptDir = "continuousprint"

type Device interface {
	SelectAndPrint(ctx context.Context, path string, sd bool) error
	Upload(ctx context.Context, path string, data []byte) error
	SendCommands(ctx context.Context, cmds []string) error
	Cancel(ctx context.Context) error
	Resume(ctx context.Context) error
	SetBedTarget(ctx context.Context, target float64) error
}

// Runner executes lifecycle scripts and starts prints on the device.
type Runner struct {
	dev      Device
	gen      *Generator
	notifier core.Notifier
	log      log.FieldLogger

	mu      sync.RWMutex
	scripts map[core.ScriptEvent]string
}

func NewRunner(dev Device, scripts map[string]string, notifier core.Notifier, logger log.FieldLogger) *Runner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Runner{
		dev:      dev,
		gen:      NewGenerator(),
		notifier: notifier,
		log:      logger,
	}
	r.SetScripts(scripts)
	return r
}

// SetScripts replaces the per-event templates. Events missing from the
// map have no script.
func (r *Runner) SetScripts(scripts map[string]string) {
	m := make(map[core.ScriptEvent]string, len(scripts))
	for evt, body := range scripts {
		m[core.ScriptEvent(evt)] = body
	}
	r.mu.Lock()
	r.scripts = m
	r.mu.Unlock()
}

func (r *Runner) Script(evt core.ScriptEvent) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scripts[evt]
}

// Validate checks every template for unknown symbols.
func (r *Runner) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for evt, body := range r.scripts {
		if err := r.gen.Validate(body); err != nil {
			var se *ScriptError
			if errors.As(err, &se) {
				se.Event = evt
			}
			return err
		}
	}
	return nil
}

func tracked(evt core.ScriptEvent) bool {
	return evt == core.EventClearing || evt == core.EventFinish
}

// RunScriptForEvent implements core.ScriptRunner.
func (r *Runner) RunScriptForEvent(ctx context.Context, evt core.ScriptEvent, sc core.ScriptContext) (core.ScriptResult, error) {
	logger := r.log.WithField("event", evt)

	// A script that fails to generate must leave the device untouched.
	lines, err := r.gen.Generate(evt, r.Script(evt), SymbolsFor(evt, sc))
	if err != nil {
		return core.ScriptResult{}, err
	}

	switch evt {
	case core.EventCancel:
		if err := r.dev.Cancel(ctx); err != nil {
			return core.ScriptResult{}, fmt.Errorf("failed to cancel print: %w", err)
		}
	case core.EventResume:
		if err := r.dev.Resume(ctx); err != nil {
			return core.ScriptResult{}, fmt.Errorf("failed to resume print: %w", err)
		}
	}

	var res core.ScriptResult
	switch {
	case len(lines) == 0:
		logger.Debug("no script configured")
	case tracked(evt):
		p := fmt.Sprintf("%s/%s.gcode", ScriptDir, evt)
		if err := r.dev.Upload(ctx, p, []byte(strings.Join(lines, "\n")+"\n")); err != nil {
			return core.ScriptResult{}, fmt.Errorf("failed to upload %s script: %w", evt, err)
		}
		if err := r.dev.SelectAndPrint(ctx, p, false); err != nil {
			return core.ScriptResult{}, fmt.Errorf("failed to print %s script: %w", evt, err)
		}
		res.Started = true
		logger.WithField("path", p).Info("running script as print")
	default:
		if err := r.dev.SendCommands(ctx, lines); err != nil {
			return core.ScriptResult{}, fmt.Errorf("failed to send %s script: %w", evt, err)
		}
		logger.WithField("lines", len(lines)).Info("sent script")
	}

	if evt == core.EventCooldown {
		if err := r.dev.SetBedTarget(ctx, 0); err != nil {
			return core.ScriptResult{}, fmt.Errorf("failed to turn off bed: %w", err)
		}
	}
	return res, nil
}

// StartPrint implements core.ScriptRunner. Failures are reported through
// the notifier and as a false return.
func (r *Runner) StartPrint(ctx context.Context, item core.Item) bool {
	p, sd := item.ItemPath(), item.ItemSD()

	if it, ok := item.(*core.RemoteItem); ok {
		resolved, err := it.Resolve(ctx)
		if err != nil {
			r.fail(ctx, item, "Could not resolve LAN print path for "+it.Path, err)
			return false
		}
		p, sd = resolved, false
	}

	err := r.dev.SelectAndPrint(ctx, p, sd)
	switch {
	case err == nil:
		r.log.WithFields(log.Fields{"path": p, "sd": sd, "job": item.ItemJob()}).Info("print started")
		return true
	case errors.Is(err, device.ErrFileNotFound):
		r.fail(ctx, item, "File not found: "+p, err)
	case errors.Is(err, device.ErrInvalidFileType):
		r.fail(ctx, item, "File not gcode: "+p, err)
	default:
		r.fail(ctx, item, "Failed to start print: "+p, err)
	}
	return false
}

func (r *Runner) fail(ctx context.Context, item core.Item, text string, err error) {
	r.log.WithError(err).WithField("set_id", item.SetID()).Error(text)
	if r.notifier != nil {
		r.notifier.Notify(ctx, core.Message{Type: core.MessageError, Text: text, Path: item.ItemPath(), SetID: item.SetID()})
	}
}
