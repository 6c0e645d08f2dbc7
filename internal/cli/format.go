package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/orrn/continuousprint/internal/config"
	"github.com/orrn/continuousprint/internal/core"
	"github.com/orrn/continuousprint/internal/db"
)

func stateColor(state string) *color.Color {
	switch state {
	case core.StatePrinting.String(), core.StateStarting.String():
		return color.New(color.FgGreen)
	case core.StatePaused.String(), core.StateAwaitingRecovery.String(), core.StateAwaitingMaterial.String():
		return color.New(color.FgYellow)
	case core.StateClearing.String(), core.StateCooldown.String(), core.StateFinishing.String():
		return color.New(color.FgCyan)
	case core.StateInactive.String():
		return color.New(color.Faint)
	}
	return color.New(color.Reset)
}

func resultColor(result string) *color.Color {
	if result == db.ResultSuccess {
		return color.New(color.FgGreen)
	}
	return color.New(color.FgRed)
}

func printSnapshot(w io.Writer, s *core.Snapshot) {
	active := "inactive"
	if s.Active {
		active = "active"
	}
	fmt.Fprintf(w, "Queue %q (%s)\n", s.Queue, active)
	fmt.Fprintf(w, "  State:  %s\n", stateColor(s.State).Sprint(s.State))
	fmt.Fprintf(w, "  Status: %s\n", s.Status)
	if s.RunID != nil {
		fmt.Fprintf(w, "  Run:    %d\n", *s.RunID)
	}
	fmt.Fprintln(w)

	if len(s.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs queued.")
		return
	}
	for _, j := range s.Jobs {
		name := j.Name
		if name == "" {
			name = "(untitled)"
		}
		line := fmt.Sprintf("%d  %s  %d/%d", j.ID, name, j.Completed, j.Count)
		if j.Draft {
			line += color.New(color.Faint).Sprint("  draft")
		}
		fmt.Fprintln(w, line)
		for _, set := range j.Sets {
			marker := " "
			if s.ActiveSet != nil && *s.ActiveSet == set.ID {
				marker = color.New(color.FgGreen).Sprint("*")
			}
			fmt.Fprintf(w, "  %s %d  %s  %d/%d", marker, set.ID, set.Path, set.Completed, set.Count)
			if len(set.Materials) > 0 {
				fmt.Fprintf(w, "  [%s]", strings.Join(set.Materials, ", "))
			}
			fmt.Fprintln(w)
		}
	}
}

func printHistory(w io.Writer, entries []*db.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}
	for _, e := range entries {
		dur := e.EndedAt.Sub(e.StartedAt).Round(time.Second)
		line := fmt.Sprintf("%s  %s  run %d  %s  %s  (%s)",
			e.EndedAt.Local().Format("2006-01-02 15:04"),
			resultColor(e.Result).Sprintf("%-8s", e.Result),
			e.RunID, e.JobName, e.Path, dur)
		if e.Note != "" {
			line += "  " + e.Note
		}
		if e.Active {
			line += color.New(color.FgCyan).Sprint("  current run")
		}
		fmt.Fprintln(w, line)
	}
}

func printProfiles(w io.Writer, profiles []config.PrinterProfile) {
	for _, p := range profiles {
		clearing := ""
		if p.SelfClearing {
			clearing = "  self-clearing"
		}
		fmt.Fprintf(w, "%-24s %s %s  %gx%gx%g  %s%s\n",
			p.Name, p.Make, p.Model, p.Width, p.Depth, p.Height, p.FormFactor, clearing)
	}
}
