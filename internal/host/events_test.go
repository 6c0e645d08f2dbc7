package host

import (
	"testing"

	"github.com/orrn/continuousprint/internal/core"
)

func TestTranslate(t *testing.T) {
	const current = "parts/bracket.gcode"

	tests := []struct {
		name   string
		ev     Event
		want   core.Action
		wantOK bool
	}{
		{"done", Event{Type: PrintDone}, core.ActionSuccess, true},
		{"failed", Event{Type: PrintFailed}, core.ActionFailure, true},
		{"cancelled by user", Event{Type: PrintCancelled, User: true}, core.ActionDeactivate, true},
		{"cancelled by queue", Event{Type: PrintCancelled}, core.ActionTick, true},
		{"spaghetti", Event{Type: FailureDetected, Command: "pause", Initiator: "system", Path: current}, core.ActionSpaghetti, true},
		{"spaghetti leading slash", Event{Type: FailureDetected, Command: "pause", Initiator: "system", Path: "/" + current}, core.ActionSpaghetti, true},
		{"failure on other file", Event{Type: FailureDetected, Command: "pause", Initiator: "system", Path: "other.gcode"}, 0, false},
		{"failure from user", Event{Type: FailureDetected, Command: "pause", Initiator: "user", Path: current}, 0, false},
		{"failure cancel command", Event{Type: FailureDetected, Command: "cancel", Initiator: "system", Path: current}, 0, false},
		{"spool selected", Event{Type: SpoolSelected}, core.ActionTick, true},
		{"spool deselected", Event{Type: SpoolDeselected}, core.ActionTick, true},
		{"paused current", Event{Type: PrintPaused, Path: current}, core.ActionTick, true},
		{"resumed other", Event{Type: PrintResumed, Path: "manual.gcode"}, 0, false},
		{"operational", Event{Type: PrinterOperational}, core.ActionTick, true},
		{"queue go", Event{Type: QueueGo}, core.ActionActivate, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Translate(tt.ev, current)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("Translate(%+v) = %s, %v; want %s, %v", tt.ev, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTranslatePausedWithoutCurrentPrint(t *testing.T) {
	if _, ok := Translate(Event{Type: PrintPaused, Path: ""}, ""); ok {
		t.Error("an empty path never matches")
	}
}

func TestMaterialID(t *testing.T) {
	if got := MaterialID("PLA", "Red", "#ff0000"); got != "PLA_Red_#ff0000" {
		t.Errorf("MaterialID = %q", got)
	}
}

func TestParseEventType(t *testing.T) {
	if got, err := ParseEventType("QUEUE_GO"); err != nil || got != QueueGo {
		t.Errorf("ParseEventType = %q, %v", got, err)
	}
	if _, err := ParseEventType("print_exploded"); err == nil {
		t.Error("expected error")
	}
}

type fakeSubmitter struct {
	path      string
	submitted []core.Action
}

func (f *fakeSubmitter) Submit(a core.Action) bool {
	f.submitted = append(f.submitted, a)
	return true
}

func (f *fakeSubmitter) CurrentPath() string { return f.path }

func TestDispatcherHandle(t *testing.T) {
	sub := &fakeSubmitter{path: "a.gcode"}
	d := NewDispatcher(sub, nil)

	if !d.Handle(Event{Type: PrintDone}) {
		t.Error("PrintDone should be submitted")
	}
	if d.Handle(Event{Type: PrintPaused, Path: "b.gcode"}) {
		t.Error("pause of another file should be ignored")
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != core.ActionSuccess {
		t.Errorf("submitted = %v", sub.submitted)
	}
}
