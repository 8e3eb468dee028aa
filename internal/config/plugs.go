package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlugsMode selects how a site's plugin set is interpreted.
type PlugsMode string

const (
	PlugsAll  PlugsMode = "all"
	PlugsNone PlugsMode = "none"
	PlugsList PlugsMode = "list"
)

// Plugs is a site's configured plugin set: the sentinels "all" or "none",
// or an explicit list of plugin names.
type Plugs struct {
	Mode  PlugsMode
	Names []string
}

// AllPlugs enables every registered plugin.
func AllPlugs() Plugs { return Plugs{Mode: PlugsAll} }

// NoPlugs disables every plugin.
func NoPlugs() Plugs { return Plugs{Mode: PlugsNone} }

// PlugList enables exactly the named plugins.
func PlugList(names ...string) Plugs {
	return Plugs{Mode: PlugsList, Names: slices.Clone(names)}
}

// Allows reports whether the named plugin is part of the set.
func (p Plugs) Allows(name string) bool {
	switch p.Mode {
	case PlugsAll:
		return true
	case PlugsList:
		return slices.Contains(p.Names, name)
	default:
		return false
	}
}

func (p Plugs) clone() Plugs {
	return Plugs{Mode: p.Mode, Names: slices.Clone(p.Names)}
}

func (p Plugs) String() string {
	if p.Mode == PlugsList {
		return "[" + strings.Join(p.Names, ", ") + "]"
	}
	if p.Mode == "" {
		return string(PlugsNone)
	}
	return string(p.Mode)
}

// UnmarshalYAML accepts "all", "none", or a sequence of names.
func (p *Plugs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return p.setSentinel(node.Value)
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return fmt.Errorf("plugs: %w", err)
		}
		*p = PlugList(names...)
		return nil
	default:
		return fmt.Errorf("plugs: expected \"all\", \"none\" or a list (line %d)", node.Line)
	}
}

// MarshalYAML writes sentinels as scalars and lists as sequences.
func (p Plugs) MarshalYAML() (any, error) {
	if p.Mode == PlugsList {
		return p.Names, nil
	}
	return p.String(), nil
}

// MarshalJSON mirrors MarshalYAML.
func (p Plugs) MarshalJSON() ([]byte, error) {
	if p.Mode == PlugsList {
		return json.Marshal(p.Names)
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON mirrors UnmarshalYAML.
func (p *Plugs) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		*p = PlugList(names...)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("plugs: expected \"all\", \"none\" or a list")
	}
	return p.setSentinel(s)
}

func (p *Plugs) setSentinel(v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(PlugsAll):
		*p = AllPlugs()
	case string(PlugsNone), "":
		*p = NoPlugs()
	default:
		return fmt.Errorf("plugs: unknown sentinel %q (use \"all\", \"none\" or a list)", v)
	}
	return nil
}
