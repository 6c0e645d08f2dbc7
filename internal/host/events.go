package host

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
)

type EventType string

const (
	PrintDone          EventType = "print_done"
	PrintFailed        EventType = "print_failed"
	PrintCancelled     EventType = "print_cancelled"
	FailureDetected    EventType = "failure_detected"
	SpoolSelected      EventType = "spool_selected"
	SpoolDeselected    EventType = "spool_deselected"
	PrintPaused        EventType = "print_paused"
	PrintResumed       EventType = "print_resumed"
	PrinterOperational EventType = "printer_operational"
	QueueGo            EventType = "queue_go"
)

// Event is something that happened on the print host.
type Event struct {
	Type EventType `json:"type"`
	Path string    `json:"path,omitempty"`

	// User is set on PrintCancelled when a person, not the queue,
	// cancelled the print.
	User bool `json:"user,omitempty"`

	// Command and Initiator describe a FailureDetected event.
	Command   string `json:"command,omitempty"`
	Initiator string `json:"initiator,omitempty"`
}

func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToLower(s)); t {
	case PrintDone, PrintFailed, PrintCancelled, FailureDetected, SpoolSelected,
		SpoolDeselected, PrintPaused, PrintResumed, PrinterOperational, QueueGo:
		return t, nil
	}
	return "", fmt.Errorf("unknown host event: %s", s)
}

func samePath(a, b string) bool {
	return a != "" && strings.TrimPrefix(a, "/") == strings.TrimPrefix(b, "/")
}

// Translate maps a host event to a driver action. currentPath is the
// file the driver believes is printing. ok is false for events the queue
// ignores.
func Translate(ev Event, currentPath string) (core.Action, bool) {
	switch ev.Type {
	case PrintDone:
		return core.ActionSuccess, true
	case PrintFailed:
		return core.ActionFailure, true
	case PrintCancelled:
		if ev.User {
			return core.ActionDeactivate, true
		}
		return core.ActionTick, true
	case FailureDetected:
		if ev.Command == "pause" && ev.Initiator == "system" && samePath(ev.Path, currentPath) {
			return core.ActionSpaghetti, true
		}
	case SpoolSelected, SpoolDeselected, PrinterOperational:
		return core.ActionTick, true
	case PrintPaused, PrintResumed:
		if samePath(ev.Path, currentPath) {
			return core.ActionTick, true
		}
	case QueueGo:
		return core.ActionActivate, true
	}
	return 0, false
}

// MaterialID is the loaded-material identifier built from spool data,
// "<material>_<colorName>_<color>".
func MaterialID(material, colorName, color string) string {
	return fmt.Sprintf("%s_%s_%s", material, colorName, color)
}

type Submitter interface {
	Submit(a core.Action) bool
	CurrentPath() string
}

// Dispatcher feeds host events into the controller.
type Dispatcher struct {
	ctrl Submitter
	log  log.FieldLogger
}

func NewDispatcher(ctrl Submitter, logger log.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{ctrl: ctrl, log: logger}
}

// Handle translates ev and submits the resulting action. It reports
// whether an action was queued.
func (d *Dispatcher) Handle(ev Event) bool {
	a, ok := Translate(ev, d.ctrl.CurrentPath())
	if !ok {
		d.log.WithFields(log.Fields{"event": ev.Type, "path": ev.Path}).Debug("ignoring host event")
		return false
	}
	d.log.WithFields(log.Fields{"event": ev.Type, "action": a}).Debug("host event")
	return d.ctrl.Submit(a)
}
