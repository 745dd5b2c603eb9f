// Package catalog ships ready-made connector definitions for common
// APIs. Definitions are embedded at build time and validated on load.
package catalog

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/apifuse/apifuse/pkg/connector"
)

//go:embed definitions/*.yaml
var definitions embed.FS

// Names lists the bundled connector names in sorted order.
func Names() []string {
	entries, err := definitions.ReadDir("definitions")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), path.Ext(entry.Name())))
	}
	sort.Strings(names)
	return names
}

// Load parses and validates one bundled definition by name.
func Load(name string) (*connector.Definition, error) {
	data, err := definitions.ReadFile("definitions/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("no bundled connector %q", name)
	}
	def, err := connector.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("bundled connector %s: %w", name, err)
	}
	return def, nil
}

// LoadAll parses every bundled definition.
func LoadAll() ([]*connector.Definition, error) {
	var defs []*connector.Definition
	for _, name := range Names() {
		def, err := Load(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
