package scripts

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/continuousprint/internal/core"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Symbols maps "group.name" placeholders to their values.
type Symbols map[string]string

// KnownSymbols lists every placeholder a script may use, grouped by prefix.
var KnownSymbols = []string{
	"current.path",
	"current.job",
	"current.set_id",
	"current.run_id",
	"current.queue",
	"external.materials",
	"external.materials_needed",
	"external.profile",
	"external.bed_threshold",
	"metadata.event",
	"metadata.timestamp",
}

var known = func() map[string]bool {
	m := make(map[string]bool, len(KnownSymbols))
	for _, s := range KnownSymbols {
		m[s] = true
	}
	return m
}()

// ScriptError is a fault in a script template, as opposed to a failure
// talking to the device.
type ScriptError struct {
	Event  core.ScriptEvent
	Symbol string
	Line   int
}

func (e *ScriptError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("unknown symbol {{%s}} on line %d", e.Symbol, e.Line)
	}
	return fmt.Sprintf("%s script: unknown symbol {{%s}} on line %d", e.Event, e.Symbol, e.Line)
}

func (*ScriptError) ScriptFault() {}

// SymbolsFor builds the symbol table for one script run.
func SymbolsFor(evt core.ScriptEvent, sc core.ScriptContext) Symbols {
	s := Symbols{
		"current.path":              sc.Path,
		"current.queue":             sc.Queue,
		"current.job":               "",
		"current.set_id":            "",
		"current.run_id":            "",
		"external.materials":        strings.Join(sc.Materials, ","),
		"external.materials_needed": strings.Join(sc.Needed, ","),
		"external.profile":          sc.Profile.Name,
		"external.bed_threshold":    strconv.FormatFloat(sc.BedThreshold, 'f', -1, 64),
		"metadata.event":            string(evt),
		"metadata.timestamp":        sc.Time.UTC().Format(time.RFC3339),
	}
	if sc.Job != nil {
		s["current.job"] = sc.Job.Name
	}
	if sc.Set != nil {
		s["current.set_id"] = strconv.FormatInt(sc.Set.ID, 10)
	}
	if sc.Run != nil {
		s["current.run_id"] = strconv.FormatInt(sc.Run.ID, 10)
	}
	return s
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Validate reports the first unknown placeholder in tmpl.
func (g *Generator) Validate(tmpl string) error {
	for i, line := range strings.Split(tmpl, "\n") {
		for _, m := range placeholderRe.FindAllStringSubmatch(line, -1) {
			if !known[m[1]] {
				return &ScriptError{Symbol: m[1], Line: i + 1}
			}
		}
	}
	return nil
}

// Placeholders returns the distinct symbols referenced by tmpl, sorted.
func (g *Generator) Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}

// Generate expands tmpl for evt and returns the gcode lines to send,
// with blank lines and whole-line comments removed.
func (g *Generator) Generate(evt core.ScriptEvent, tmpl string, syms Symbols) ([]string, error) {
	var out []string
	for i, line := range strings.Split(tmpl, "\n") {
		var fault *ScriptError
		expanded := placeholderRe.ReplaceAllStringFunc(line, func(m string) string {
			name := placeholderRe.FindStringSubmatch(m)[1]
			v, ok := syms[name]
			if !ok || !known[name] {
				if fault == nil {
					fault = &ScriptError{Event: evt, Symbol: name, Line: i + 1}
				}
				return m
			}
			return escapeGcode(v)
		})
		if fault != nil {
			return nil, fault
		}

		expanded = strings.TrimSpace(expanded)
		if expanded == "" || strings.HasPrefix(expanded, ";") {
			continue
		}
		out = append(out, expanded)
	}
	return out, nil
}

// escapeGcode keeps a substituted value on one gcode line.
func escapeGcode(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, ";", ",")
}
