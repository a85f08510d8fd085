// Package system holds the definition records for a tabletop system
// package and the loader that builds them from a directory of YAML
// files. The object graph is immutable after Load and safe to share
// across concurrently running flows.
package system

import "sort"

// Kind values declared by definition files. Every *.yaml under a system
// directory names its kind; the loader selects the parser from it.
const (
	KindSystem     = "system"
	KindSource     = "source"
	KindModel      = "model"
	KindCompendium = "compendium"
	KindTable      = "table"
	KindFlow       = "flow"
	KindPrompt     = "prompt"
)

// System is the root aggregate built by the loader.
type System struct {
	ID            string    `yaml:"id"`
	Kind          string    `yaml:"kind"`
	Name          string    `yaml:"name"`
	Version       string    `yaml:"version,omitempty"`
	Description   string    `yaml:"description,omitempty"`
	DefaultSource string    `yaml:"default_source,omitempty"`
	Currency      *Currency `yaml:"currency,omitempty"`
	Credits       string    `yaml:"credits,omitempty"`

	Sources     map[string]*Source     `yaml:"-"`
	Models      map[string]*Model      `yaml:"-"`
	Compendiums map[string]*Compendium `yaml:"-"`
	Tables      map[string]*Table      `yaml:"-"`
	Flows       map[string]*Flow       `yaml:"-"`
	Prompts     map[string]*Prompt     `yaml:"-"`

	// compendiumsByModel indexes compendiums by the model they catalog.
	compendiumsByModel map[string][]*Compendium
}

// Currency describes the system's money: a base unit plus denominations.
type Currency struct {
	BaseUnit      string         `yaml:"base_unit"`
	Denominations []Denomination `yaml:"denominations,omitempty"`
}

// Denomination is one coin or bill of a currency.
type Denomination struct {
	Symbol string  `yaml:"symbol"`
	Name   string  `yaml:"name"`
	Value  float64 `yaml:"value"`
	Weight float64 `yaml:"weight,omitempty"`
}

// Source identifies a book or supplement that definitions cite.
type Source struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Publisher   string `yaml:"publisher,omitempty"`
	URL         string `yaml:"url,omitempty"`
}

// Prompt is a named LLM prompt template referenced by llm_generation
// steps through prompt_id.
type Prompt struct {
	ID          string         `yaml:"id"`
	Kind        string         `yaml:"kind"`
	Name        string         `yaml:"name,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Text        string         `yaml:"text"`
	Settings    map[string]any `yaml:"settings,omitempty"`
}

// Metadata returns the template environment available at load time:
// system identity, currency, and credits. Run-time contexts merge this
// map under the execution's namespaces.
func (s *System) Metadata() map[string]any {
	sys := map[string]any{
		"id":      s.ID,
		"name":    s.Name,
		"version": s.Version,
	}
	if s.Description != "" {
		sys["description"] = s.Description
	}
	if s.DefaultSource != "" {
		sys["default_source"] = s.DefaultSource
	}
	meta := map[string]any{"system": sys}
	if s.Currency != nil {
		denoms := make([]any, 0, len(s.Currency.Denominations))
		for _, d := range s.Currency.Denominations {
			dm := map[string]any{
				"symbol": d.Symbol,
				"name":   d.Name,
				"value":  d.Value,
			}
			if d.Weight != 0 {
				dm["weight"] = d.Weight
			}
			denoms = append(denoms, dm)
		}
		meta["currency"] = map[string]any{
			"base_unit":     s.Currency.BaseUnit,
			"denominations": denoms,
		}
	}
	if s.Credits != "" {
		meta["credits"] = s.Credits
	}
	return meta
}

// CompendiumsFor returns the compendiums cataloging entries of the given
// model, in id order.
func (s *System) CompendiumsFor(modelID string) []*Compendium {
	return s.compendiumsByModel[modelID]
}

func (s *System) indexCompendiums() {
	s.compendiumsByModel = make(map[string][]*Compendium)
	for _, c := range s.Compendiums {
		s.compendiumsByModel[c.Model] = append(s.compendiumsByModel[c.Model], c)
	}
	for _, cs := range s.compendiumsByModel {
		sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
	}
}

// FlowIDs returns all flow ids in sorted order.
func (s *System) FlowIDs() []string {
	return sortedKeys(s.Flows)
}

// ModelIDs returns all model ids in sorted order.
func (s *System) ModelIDs() []string {
	return sortedKeys(s.Models)
}

// TableIDs returns all table ids in sorted order.
func (s *System) TableIDs() []string {
	return sortedKeys(s.Tables)
}

// CompendiumIDs returns all compendium ids in sorted order.
func (s *System) CompendiumIDs() []string {
	return sortedKeys(s.Compendiums)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
