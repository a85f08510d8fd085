package system

import "sort"

// Compendium is a named catalog of entries conforming to one model.
type Compendium struct {
	ID          string                    `yaml:"id"`
	Kind        string                    `yaml:"kind"`
	Name        string                    `yaml:"name"`
	Description string                    `yaml:"description,omitempty"`
	Model       string                    `yaml:"model"`
	Source      string                    `yaml:"source,omitempty"`
	Entries     map[string]map[string]any `yaml:"entries"`
}

// Entry returns the entry by id.
func (c *Compendium) Entry(id string) (map[string]any, bool) {
	e, ok := c.Entries[id]
	return e, ok
}

// EntryIDs returns entry ids in sorted order, giving deterministic
// listings and seeded random picks.
func (c *Compendium) EntryIDs() []string {
	ids := make([]string, 0, len(c.Entries))
	for id := range c.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
