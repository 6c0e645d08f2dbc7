package core

import (
	"context"
	"time"

	"github.com/orrn/continuousprint/internal/db"
)

// QueueReader is the read side of the queue store used for selection.
type QueueReader interface {
	GetQueue(ctx context.Context, name string) (*db.Queue, error)
	GetJobs(ctx context.Context, queueName string) ([]*db.Job, error)
}

// Store is the part of the queue store the driver mutates.
type Store interface {
	QueueReader
	BeginRun(ctx context.Context, queueName string) (*db.Run, error)
	EndRun(ctx context.Context, id int64) error
	CompleteSet(ctx context.Context, setID int64) (*db.Set, error)
	AppendHistory(ctx context.Context, h *db.HistoryEntry) error
}

type ScriptRunner interface {
	RunScriptForEvent(ctx context.Context, evt ScriptEvent, sc ScriptContext) (ScriptResult, error)
	StartPrint(ctx context.Context, item Item) bool
}

type Notifier interface {
	Notify(ctx context.Context, m Message)
}

type Thermometer interface {
	BedTemperature(ctx context.Context) (float64, error)
}

// Device reports the printer's coarse state and the file it has loaded.
type Device interface {
	Status(ctx context.Context) (DeviceState, string, error)
}

// MaterialSource reports the materials currently loaded. A nil slice
// means the materials are unknown.
type MaterialSource interface {
	LoadedMaterials(ctx context.Context) ([]string, error)
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Recorder receives driver measurements.
type Recorder interface {
	SetState(s State)
	IncAction(a Action, changed bool)
	IncPrint(result string)
	IncRetry()
	ObserveCooldown(d time.Duration, r CooldownResult)
}

type nopRecorder struct{}

func (nopRecorder) SetState(State)                                {}
func (nopRecorder) IncAction(Action, bool)                        {}
func (nopRecorder) IncPrint(string)                               {}
func (nopRecorder) IncRetry()                                     {}
func (nopRecorder) ObserveCooldown(time.Duration, CooldownResult) {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Message) {}
