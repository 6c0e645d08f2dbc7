package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/continuousprint/internal/db"
)

type Action int

const (
	ActionActivate Action = iota
	ActionDeactivate
	ActionTick
	ActionSuccess
	ActionFailure
	ActionSpaghetti
)

func (a Action) String() string {
	switch a {
	case ActionActivate:
		return "ACTIVATE"
	case ActionDeactivate:
		return "DEACTIVATE"
	case ActionTick:
		return "TICK"
	case ActionSuccess:
		return "SUCCESS"
	case ActionFailure:
		return "FAILURE"
	case ActionSpaghetti:
		return "SPAGHETTI"
	default:
		return fmt.Sprintf("UNKNOWN ACTION: %d", int(a))
	}
}

func ParseAction(s string) (Action, error) {
	for a := ActionActivate; a <= ActionSpaghetti; a++ {
		if strings.EqualFold(a.String(), s) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action: %s", s)
}

type DeviceState int

const (
	DeviceIdle DeviceState = iota
	DeviceBusy
	DevicePaused
)

func (d DeviceState) String() string {
	switch d {
	case DeviceIdle:
		return "IDLE"
	case DeviceBusy:
		return "BUSY"
	case DevicePaused:
		return "PAUSED"
	default:
		return fmt.Sprintf("UNKNOWN DEVICE STATE: %d", int(d))
	}
}

type State int32

const (
	StateInactive State = iota
	StateActiveIdle
	StateStarting
	StatePrinting
	StatePaused
	StateAwaitingRecovery
	StateClearing
	StateCooldown
	StateAwaitingMaterial
	StateFinishing
)

var stateNames = map[State]string{
	StateInactive:         "INACTIVE",
	StateActiveIdle:       "ACTIVE_IDLE",
	StateStarting:         "STARTING",
	StatePrinting:         "PRINTING",
	StatePaused:           "PAUSED",
	StateAwaitingRecovery: "AWAITING_RECOVERY",
	StateClearing:         "CLEARING",
	StateCooldown:         "COOLDOWN",
	StateAwaitingMaterial: "AWAITING_MATERIAL",
	StateFinishing:        "FINISHING",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN STATE: %d", int(s))
}

// AllStates lists every driver state in declaration order.
func AllStates() []State {
	out := make([]State, 0, len(stateNames))
	for s := StateInactive; s <= StateFinishing; s++ {
		out = append(out, s)
	}
	return out
}

// printBound reports whether a print from the queue is on the device.
func (s State) printBound() bool {
	switch s {
	case StateStarting, StatePrinting, StatePaused, StateAwaitingRecovery:
		return true
	}
	return false
}

// Profile is the printer profile the queue is printing on.
type Profile struct {
	Name         string
	Model        string
	Width        float64
	Depth        float64
	Height       float64
	FormFactor   string
	SelfClearing bool
}

// Assignment is the set the supervisor picked to print next.
type Assignment struct {
	Queue         *db.Queue
	Job           *db.Job
	Set           *db.Set
	NeedsMaterial bool
}

// Item is a print file handed to the script runner. It is either a
// LocalItem or a *RemoteItem.
type Item interface {
	ItemPath() string
	ItemSD() bool
	ItemJob() string
	SetID() int64
	isItem()
}

type LocalItem struct {
	Set     int64
	Path    string
	SD      bool
	JobName string
}

func (i LocalItem) ItemPath() string { return i.Path }
func (i LocalItem) ItemSD() bool     { return i.SD }
func (i LocalItem) ItemJob() string  { return i.JobName }
func (i LocalItem) SetID() int64     { return i.Set }
func (LocalItem) isItem()            {}

// Resolver materializes a file held by a LAN peer into a local path.
type Resolver interface {
	Resolve(ctx context.Context, addr, path string) (string, error)
}

// RemoteItem is a set from a LAN queue. Its file lives on a peer and
// must be resolved before printing.
type RemoteItem struct {
	LocalItem
	Addr     string
	resolver Resolver
	resolved string
}

func NewRemoteItem(local LocalItem, addr string, r Resolver) *RemoteItem {
	return &RemoteItem{LocalItem: local, Addr: addr, resolver: r}
}

// ItemPath is the resolved local path once Resolve succeeded.
func (i *RemoteItem) ItemPath() string {
	if i.resolved != "" {
		return i.resolved
	}
	return i.Path
}

func (*RemoteItem) isItem() {}

func (i *RemoteItem) Resolve(ctx context.Context) (string, error) {
	if i.resolved != "" {
		return i.resolved, nil
	}
	if i.resolver == nil {
		return "", &ResolveError{Addr: i.Addr, Path: i.Path, Err: errors.New("no resolver configured")}
	}
	p, err := i.resolver.Resolve(ctx, i.Addr, i.Path)
	if err != nil {
		var re *ResolveError
		if errors.As(err, &re) {
			return "", err
		}
		return "", &ResolveError{Addr: i.Addr, Path: i.Path, Err: err}
	}
	i.resolved = p
	return p, nil
}

type ResolveError struct {
	Addr string
	Path string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("could not resolve %s from %s: %v", e.Path, e.Addr, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

type scriptFault interface {
	ScriptFault()
}

// IsScriptError reports whether err came from generating a script rather
// than from running it on the device.
func IsScriptError(err error) bool {
	var f scriptFault
	return errors.As(err, &f)
}

type ScriptEvent string

const (
	EventClearing         ScriptEvent = "clearing"
	EventCooldown         ScriptEvent = "cooldown"
	EventFinish           ScriptEvent = "finish"
	EventCancel           ScriptEvent = "cancel"
	EventResume           ScriptEvent = "resume"
	EventAwaitingMaterial ScriptEvent = "awaiting_material"
)

// ScriptContext is what a lifecycle script may refer to.
type ScriptContext struct {
	Run          *db.Run
	Queue        string
	Job          *db.Job
	Set          *db.Set
	Path         string
	Materials    []string
	Needed       []string
	Profile      Profile
	BedThreshold float64
	Time         time.Time
}

type ScriptResult struct {
	// Started is set when the script was submitted as a tracked print
	// whose completion the driver must wait for.
	Started bool
}

type MessageType string

const (
	MessageInfo     MessageType = "info"
	MessageError    MessageType = "error"
	MessageComplete MessageType = "complete"
	MessageReload   MessageType = "reload"
)

// Webhook event names carried on messages.
const (
	EventPrintStarted   = "print_started"
	EventPrintCompleted = "print_completed"
	EventPrintFailed    = "print_failed"
	EventQueueFinished  = "queue_finished"
	EventStatus         = "status"
)

type Message struct {
	Type  MessageType
	Event string
	Text  string
	Path  string
	SetID int64
}
