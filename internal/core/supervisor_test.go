package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/orrn/continuousprint/internal/db"
)

func TestSupervisorScansJobsThenSets(t *testing.T) {
	h := newHarness(t, DriverConfig{})
	a := h.addJob("A", 1, 1)
	h.addJob("B", 1)

	done := 1
	h.store.UpdateSet(h.ctx, a.Sets[0].ID, db.SetUpdate{Completed: &done})

	got, err := h.sup.GetAssignment(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Set.Path != "A2.gcode" {
		t.Fatalf("assignment = %+v, want A2.gcode", got)
	}
	if got.Queue == nil || got.Queue.Name != db.DefaultQueue {
		t.Errorf("assignment queue = %+v", got.Queue)
	}
}

func TestSupervisorSkipsIneligibleJobsAndSets(t *testing.T) {
	h := newHarness(t, DriverConfig{})

	draft, _ := h.store.NewEmptyJob(h.ctx, db.DefaultQueue, "draft", true)
	h.store.AppendSet(h.ctx, draft.ID, &db.Set{Path: "draft.gcode", Count: 1})

	empty := h.addJob("Z", 0)
	_ = empty

	other := h.addJob("P", 1)
	profiles := []string{"Prusa MK3S"}
	h.store.UpdateSet(h.ctx, other.Sets[0].ID, db.SetUpdate{Profiles: &profiles})

	h.addJob("OK", 1)

	got, err := h.sup.GetAssignment(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Set.Path != "OK1.gcode" {
		t.Fatalf("assignment = %+v, want OK1.gcode", got)
	}
}

func TestSupervisorProfileMatchesNameOrModel(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    bool
	}{
		{"by name", Profile{Name: "Prusa MK3S", Model: "MK3S"}, true},
		{"by model", Profile{Name: "Workshop printer", Model: "Prusa MK3S"}, true},
		{"no match", Profile{Name: "Creality Ender 3", Model: "Ender 3"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DriverConfig{})
			j := h.addJob("A", 1)
			profiles := []string{"Prusa MK3S"}
			h.store.UpdateSet(h.ctx, j.Sets[0].ID, db.SetUpdate{Profiles: &profiles})
			h.sup.SetProfile(tt.profile)

			got, err := h.sup.GetAssignment(h.ctx)
			if err != nil {
				t.Fatal(err)
			}
			if (got != nil) != tt.want {
				t.Errorf("assignment = %+v, want found=%v", got, tt.want)
			}
		})
	}
}

func TestSupervisorCacheHoldsUntilCleared(t *testing.T) {
	h := newHarness(t, DriverConfig{})
	j := h.addJob("A", 1)
	h.addJob("B", 1)

	first, _ := h.sup.GetAssignment(h.ctx)
	if first == nil || first.Set.Path != "A1.gcode" {
		t.Fatalf("first = %+v", first)
	}

	done := 1
	h.store.UpdateSet(h.ctx, j.Sets[0].ID, db.SetUpdate{Completed: &done})

	again, _ := h.sup.GetAssignment(h.ctx)
	if again != first {
		t.Fatal("assignment must be stable until the cache is cleared")
	}

	h.sup.ClearCache()
	next, _ := h.sup.GetAssignment(h.ctx)
	if next == nil || next.Set.Path != "B1.gcode" {
		t.Fatalf("after clear = %+v, want B1.gcode", next)
	}
}

func TestSupervisorCachesEmptyResult(t *testing.T) {
	h := newHarness(t, DriverConfig{})

	if a, _ := h.sup.GetAssignment(h.ctx); a != nil {
		t.Fatalf("empty queue assignment = %+v", a)
	}
	h.addJob("A", 1)
	if a, _ := h.sup.GetAssignment(h.ctx); a != nil {
		t.Fatal("cached empty result should hold")
	}
	h.sup.ClearCache()
	if a, _ := h.sup.GetAssignment(h.ctx); a == nil {
		t.Fatal("expected assignment after clear")
	}
}

func TestSupervisorMissingQueue(t *testing.T) {
	h := newHarness(t, DriverConfig{})
	sup := NewSupervisor(h.store, "nope", Profile{Name: "Generic"})
	a, err := sup.GetAssignment(h.ctx)
	if err != nil || a != nil {
		t.Fatalf("GetAssignment = %+v, %v", a, err)
	}
}

func TestSupervisorPrefersCompatibleSetOverBlocked(t *testing.T) {
	h := newHarness(t, DriverConfig{})
	h.sup.SetMaterialGating(true)

	a := h.addJob("A", 1)
	red := []string{"PLA_Red"}
	h.store.UpdateSet(h.ctx, a.Sets[0].ID, db.SetUpdate{Materials: &red})
	h.addJob("B", 1)

	h.sup.SetMaterials([]string{"PETG_Black"})
	got, _ := h.sup.GetAssignment(h.ctx)
	if got == nil || got.NeedsMaterial || got.Set.Path != "B1.gcode" {
		t.Fatalf("assignment = %+v, want compatible B1.gcode", got)
	}

	// only the blocked set remains
	done := 1
	b, _ := h.store.GetJobs(h.ctx, db.DefaultQueue)
	h.store.UpdateSet(h.ctx, b[1].Sets[0].ID, db.SetUpdate{Completed: &done})
	h.sup.ClearCache()

	got, _ = h.sup.GetAssignment(h.ctx)
	if got == nil || !got.NeedsMaterial || got.Set.Path != "A1.gcode" {
		t.Fatalf("assignment = %+v, want blocked A1.gcode", got)
	}
}

func TestSupervisorSetMaterialsInvalidatesOnChange(t *testing.T) {
	h := newHarness(t, DriverConfig{})
	h.sup.SetMaterials([]string{"PLA_Red", "PETG_Black"})
	h.sup.GetAssignment(h.ctx)

	h.sup.SetMaterials([]string{"PETG_Black", "PLA_Red"})
	if !h.sup.valid {
		t.Error("reordered materials must not invalidate the cache")
	}
	h.sup.SetMaterials(nil)
	if h.sup.valid {
		t.Error("unknown materials must invalidate the cache")
	}
}

func TestMissingMaterials(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		loaded   []string
		want     []string
	}{
		{"nothing required", nil, []string{"PLA_Red"}, nil},
		{"wildcard", []string{""}, nil, nil},
		{"exact", []string{"PLA_Red"}, []string{"PLA_Red"}, nil},
		{"prefix", []string{"PLA_Red"}, []string{"PLA_Red_#ff0000"}, nil},
		{"partial word", []string{"PLA_Red"}, []string{"PLA_Redish"}, []string{"PLA_Red"}},
		{"wrong type", []string{"PLA_Red"}, []string{"PETG_Black_#000000"}, []string{"PLA_Red"}},
		{"multi tool", []string{"PLA", "", "PETG"}, []string{"PLA_Red"}, []string{"PETG"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MissingMaterials(tt.required, tt.loaded)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("MissingMaterials(%v, %v) = %v, want %v", tt.required, tt.loaded, got, tt.want)
			}
		})
	}
}

type fakeResolver struct {
	path string
	err  error
}

func (r *fakeResolver) Resolve(context.Context, string, string) (string, error) {
	return r.path, r.err
}

func TestSupervisorItemForLANQueue(t *testing.T) {
	h := newHarness(t, DriverConfig{})
	if err := h.store.UpsertQueue(h.ctx, &db.Queue{Name: "lan", Strategy: "LINEAR", Addr: "10.0.0.2:6789"}); err != nil {
		t.Fatal(err)
	}
	j, err := h.store.NewEmptyJob(h.ctx, "lan", "remote", false)
	if err != nil {
		t.Fatal(err)
	}
	h.store.AppendSet(h.ctx, j.ID, &db.Set{Path: "part.gcode", Count: 1})

	sup := NewSupervisor(h.store, "lan", Profile{Name: "Generic"})
	sup.SetResolver(&fakeResolver{path: "continuousprint/lan/part.gcode"})
	a, err := sup.GetAssignment(h.ctx)
	if err != nil || a == nil {
		t.Fatalf("GetAssignment = %+v, %v", a, err)
	}

	item, ok := sup.ItemFor(a).(*RemoteItem)
	if !ok {
		t.Fatalf("item = %T, want *RemoteItem", sup.ItemFor(a))
	}
	if item.Addr != "10.0.0.2:6789" || item.ItemPath() != "part.gcode" {
		t.Errorf("item = %+v", item)
	}
	p, err := item.Resolve(h.ctx)
	if err != nil || p != "continuousprint/lan/part.gcode" {
		t.Fatalf("Resolve = %q, %v", p, err)
	}
	if item.ItemPath() != p {
		t.Errorf("ItemPath after resolve = %q", item.ItemPath())
	}
}

func TestRemoteItemResolveError(t *testing.T) {
	cause := errors.New("peer unreachable")
	item := NewRemoteItem(LocalItem{Path: "part.gcode"}, "10.0.0.2:6789", &fakeResolver{err: cause})

	_, err := item.Resolve(context.Background())
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *ResolveError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("ResolveError should wrap the cause")
	}
	if IsScriptError(err) {
		t.Error("resolve failures are not script errors")
	}

	noResolver := NewRemoteItem(LocalItem{Path: "part.gcode"}, "10.0.0.2:6789", nil)
	if _, err := noResolver.Resolve(context.Background()); !errors.As(err, &re) {
		t.Errorf("err = %v, want *ResolveError", err)
	}
}
