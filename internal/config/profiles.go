package config

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/printer_profiles.yaml
var printerProfilesYAML []byte

//go:embed data/gcode_scripts.yaml
var gcodeScriptsYAML []byte

// PrinterProfile describes a printer model the queue may target.
type PrinterProfile struct {
	Name         string  `yaml:"name" json:"name"`
	Make         string  `yaml:"make" json:"make"`
	Model        string  `yaml:"model" json:"model"`
	Width        float64 `yaml:"width" json:"width"`
	Depth        float64 `yaml:"depth" json:"depth"`
	Height       float64 `yaml:"height" json:"height"`
	FormFactor   string  `yaml:"formFactor" json:"form_factor"`
	SelfClearing bool    `yaml:"selfClearing" json:"self_clearing"`
}

type gcodeScript struct {
	Name  string `yaml:"name"`
	GCode string `yaml:"gcode"`
}

var (
	loadOnce sync.Once
	profiles []PrinterProfile
	scripts  map[string]string
	loadErr  error
)

func loadEmbedded() {
	var p struct {
		PrinterProfile []PrinterProfile `yaml:"PrinterProfile"`
	}
	if err := yaml.Unmarshal(printerProfilesYAML, &p); err != nil {
		loadErr = fmt.Errorf("failed to parse printer profiles: %w", err)
		return
	}
	profiles = p.PrinterProfile

	var s struct {
		GScript []gcodeScript `yaml:"GScript"`
	}
	if err := yaml.Unmarshal(gcodeScriptsYAML, &s); err != nil {
		loadErr = fmt.Errorf("failed to parse gcode scripts: %w", err)
		return
	}
	scripts = make(map[string]string, len(s.GScript))
	for _, gs := range s.GScript {
		scripts[gs.Name] = gs.GCode
	}
}

// Profiles returns the embedded printer profile table.
func Profiles() ([]PrinterProfile, error) {
	loadOnce.Do(loadEmbedded)
	return profiles, loadErr
}

func LookupProfile(name string) (*PrinterProfile, error) {
	all, err := Profiles()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == name {
			p := all[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("unknown printer profile: %s", name)
}

// ScriptLibrary returns the embedded named gcode snippets.
func ScriptLibrary() (map[string]string, error) {
	loadOnce.Do(loadEmbedded)
	return scripts, loadErr
}
