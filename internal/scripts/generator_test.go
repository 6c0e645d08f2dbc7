package scripts

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
)

func testContext() core.ScriptContext {
	return core.ScriptContext{
		Run:          &db.Run{ID: 7},
		Queue:        "default",
		Job:          &db.Job{Name: "brackets"},
		Set:          &db.Set{ID: 12},
		Path:         "parts/bracket.gcode",
		Materials:    []string{"PLA_Red_#ff0000", "PETG_Black_#000000"},
		Needed:       []string{"PLA_Blue"},
		Profile:      core.Profile{Name: "Prusa MK3S"},
		BedThreshold: 35,
		Time:         time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestGenerateSubstitutesSymbols(t *testing.T) {
	g := NewGenerator()
	tmpl := strings.Join([]string{
		"; comment lines are dropped",
		"M117 {{current.job}} #{{current.set_id}} run {{current.run_id}}",
		"",
		"M117 {{ current.path }} on {{external.profile}}",
		"M190 R{{external.bed_threshold}}",
		"M117 need {{external.materials_needed}} at {{metadata.timestamp}} ({{metadata.event}})",
	}, "\n")

	got, err := g.Generate(core.EventCooldown, tmpl, SymbolsFor(core.EventCooldown, testContext()))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"M117 brackets #12 run 7",
		"M117 parts/bracket.gcode on Prusa MK3S",
		"M190 R35",
		"M117 need PLA_Blue at 2024-03-01T12:30:00Z (cooldown)",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Generate =\n%q\nwant\n%q", got, want)
	}
}

func TestGenerateEmptyContext(t *testing.T) {
	g := NewGenerator()
	got, err := g.Generate(core.EventFinish, "M117 {{current.job}}done", SymbolsFor(core.EventFinish, core.ScriptContext{}))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "M117 done" {
		t.Errorf("Generate = %q", got)
	}
}

func TestGenerateUnknownSymbol(t *testing.T) {
	g := NewGenerator()
	_, err := g.Generate(core.EventClearing, "G28\nM117 {{current.nozzle}}", SymbolsFor(core.EventClearing, testContext()))

	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ScriptError", err)
	}
	if se.Symbol != "current.nozzle" || se.Line != 2 || se.Event != core.EventClearing {
		t.Errorf("ScriptError = %+v", se)
	}
	if !core.IsScriptError(err) {
		t.Error("generation faults must be recognised as script errors")
	}
}

func TestGenerateKeepsValuesOnOneLine(t *testing.T) {
	g := NewGenerator()
	sc := testContext()
	sc.Job.Name = "evil\nM104 S300; hot"

	got, err := g.Generate(core.EventFinish, "M117 {{current.job}}", SymbolsFor(core.EventFinish, sc))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "M117 evil M104 S300, hot" {
		t.Errorf("Generate = %q", got)
	}
}

func TestValidateAndPlaceholders(t *testing.T) {
	g := NewGenerator()
	if err := g.Validate("M117 {{external.materials}}\nG28"); err != nil {
		t.Errorf("Validate = %v", err)
	}
	err := g.Validate("G28\n\nM117 {{metadata.weather}}")
	var se *ScriptError
	if !errors.As(err, &se) || se.Line != 3 {
		t.Errorf("Validate = %v", err)
	}

	got := g.Placeholders("{{current.path}} {{current.job}} {{current.path}}")
	if strings.Join(got, ",") != "current.job,current.path" {
		t.Errorf("Placeholders = %v", got)
	}
}

func TestKnownSymbolsCoverSymbolsFor(t *testing.T) {
	syms := SymbolsFor(core.EventClearing, testContext())
	if len(syms) != len(KnownSymbols) {
		t.Fatalf("SymbolsFor has %d entries, KnownSymbols %d", len(syms), len(KnownSymbols))
	}
	for _, k := range KnownSymbols {
		if _, ok := syms[k]; !ok {
			t.Errorf("SymbolsFor missing %s", k)
		}
	}
}
