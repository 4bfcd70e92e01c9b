package dayahead

import (
	"fmt"
	"sort"
)

// Source describes an upstream publisher. URL and License are copied into
// every source reference of a manifest.
type Source struct {
	Name    string `json:"name" yaml:"name"`
	URL     string `json:"url" yaml:"url"`
	License string `json:"license" yaml:"license"`
}

// Registry of known publishers.
var registry = map[string]Source{
	"elprisetjustnu": {
		Name:    "elprisetjustnu",
		URL:     "https://www.elprisetjustnu.se/",
		License: "Elpriset just nu API (data from ENTSO-E Transparency Platform)",
	},
	"entsoe_day_ahead": {
		Name:    "entsoe_day_ahead",
		URL:     "https://transparency.entsoe.eu/",
		License: "ENTSO-E Open Data",
	},
}

// LookupSource returns the registered publisher called name.
func LookupSource(name string) (Source, error) {
	s, ok := registry[name]
	if !ok {
		return Source{}, fmt.Errorf("dayahead: unknown source %q (known: %v)", name, SourceNames())
	}
	return s, nil
}

// SourceNames lists the registered publishers, sorted.
func SourceNames() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
