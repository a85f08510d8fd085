package system

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DiceExprPattern accepts simple dice expressions: NdM with an optional
// additive modifier, e.g. "1d20", "2d6 + 1", "3d8-2".
var DiceExprPattern = regexp.MustCompile(`^\d+d\d+(\s*[+-]\s*\d+)?$`)

// Table is a keyed lookup. Keys are integers or "lo-hi" ranges; a roll
// expression selects entries randomly when present.
type Table struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Roll        string `yaml:"roll,omitempty"`
	EntryType   string `yaml:"entry_type,omitempty"` // default "str"
	Entries     []TableEntry
}

// TableEntry is one row: an inclusive [Lo, Hi] key span and its value.
type TableEntry struct {
	Key    string // as written: "4" or "1-3"
	Lo, Hi int
	Value  TableValue
}

// TableValue is the union of entry shapes a table accepts.
type TableValue struct {
	// Text holds a plain string entry (used with the table's entry_type).
	Text string
	// ID with Type selects an explicit compendium entry.
	ID string
	// Type alone selects a random entry from that model's compendium.
	Type string
	// Generate invokes the content generator with Type (or the table's
	// entry_type) as the hint.
	Generate bool

	isText bool
}

// IsText reports whether the entry is a plain string.
func (v TableValue) IsText() bool { return v.isText }

// TextValue builds a plain string table value.
func TextValue(s string) TableValue {
	return TableValue{Text: s, isText: true}
}

type tableDoc struct {
	ID          string    `yaml:"id"`
	Kind        string    `yaml:"kind"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Roll        string    `yaml:"roll,omitempty"`
	EntryType   string    `yaml:"entry_type,omitempty"`
	Entries     yaml.Node `yaml:"entries"`
}

func (t *Table) UnmarshalYAML(node *yaml.Node) error {
	var doc tableDoc
	if err := node.Decode(&doc); err != nil {
		return err
	}
	t.ID = doc.ID
	t.Kind = doc.Kind
	t.Name = doc.Name
	t.Description = doc.Description
	t.Roll = doc.Roll
	t.EntryType = doc.EntryType
	if doc.Entries.Kind == 0 {
		return nil
	}
	if doc.Entries.Kind != yaml.MappingNode {
		return fmt.Errorf("table %s: entries must be a mapping", t.ID)
	}
	for i := 0; i+1 < len(doc.Entries.Content); i += 2 {
		keyNode, valNode := doc.Entries.Content[i], doc.Entries.Content[i+1]
		entry, err := parseTableEntry(keyNode.Value, valNode)
		if err != nil {
			return fmt.Errorf("table %s: %w", t.ID, err)
		}
		t.Entries = append(t.Entries, entry)
	}
	sort.SliceStable(t.Entries, func(i, j int) bool { return t.Entries[i].Lo < t.Entries[j].Lo })
	return nil
}

func (t *Table) MarshalYAML() (any, error) {
	entries := make(map[string]any, len(t.Entries))
	for _, e := range t.Entries {
		entries[e.Key] = e.Value.toYAML()
	}
	out := map[string]any{
		"id":      t.ID,
		"kind":    t.Kind,
		"name":    t.Name,
		"entries": entries,
	}
	if t.Description != "" {
		out["description"] = t.Description
	}
	if t.Roll != "" {
		out["roll"] = t.Roll
	}
	if t.EntryType != "" {
		out["entry_type"] = t.EntryType
	}
	return out, nil
}

func parseTableEntry(key string, valNode *yaml.Node) (TableEntry, error) {
	lo, hi, err := parseTableKey(key)
	if err != nil {
		return TableEntry{}, err
	}
	val, err := parseTableValue(valNode)
	if err != nil {
		return TableEntry{}, fmt.Errorf("entry %q: %w", key, err)
	}
	return TableEntry{Key: key, Lo: lo, Hi: hi, Value: val}, nil
}

func parseTableKey(key string) (int, int, error) {
	if n, err := strconv.Atoi(key); err == nil {
		return n, n, nil
	}
	loStr, hiStr, ok := strings.Cut(key, "-")
	if !ok {
		return 0, 0, fmt.Errorf("entry key %q is neither an integer nor a lo-hi range", key)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(loStr))
	if err != nil {
		return 0, 0, fmt.Errorf("entry key %q: bad lower bound", key)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(hiStr))
	if err != nil {
		return 0, 0, fmt.Errorf("entry key %q: bad upper bound", key)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("entry key %q: lower bound exceeds upper", key)
	}
	return lo, hi, nil
}

func parseTableValue(node *yaml.Node) (TableValue, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return TableValue{}, err
		}
		return TextValue(s), nil
	case yaml.MappingNode:
		var raw struct {
			ID       string `yaml:"id"`
			Type     string `yaml:"type"`
			Generate bool   `yaml:"generate"`
		}
		if err := node.Decode(&raw); err != nil {
			return TableValue{}, err
		}
		if raw.ID == "" && raw.Type == "" && !raw.Generate {
			return TableValue{}, fmt.Errorf("mapping entry needs id, type, or generate")
		}
		if raw.ID != "" && raw.Type == "" {
			return TableValue{}, fmt.Errorf("entry id %q needs an explicit type", raw.ID)
		}
		return TableValue{ID: raw.ID, Type: raw.Type, Generate: raw.Generate}, nil
	default:
		return TableValue{}, fmt.Errorf("entry must be a string or mapping")
	}
}

func (v TableValue) toYAML() any {
	if v.isText {
		return v.Text
	}
	out := map[string]any{}
	if v.ID != "" {
		out["id"] = v.ID
	}
	if v.Type != "" {
		out["type"] = v.Type
	}
	if v.Generate {
		out["generate"] = true
	}
	return out
}

// Lookup returns the entry whose span contains n. A miss is not an
// error; random tables simply produce nothing for out-of-die values.
func (t *Table) Lookup(n int) (TableEntry, bool) {
	for _, e := range t.Entries {
		if n >= e.Lo && n <= e.Hi {
			return e, true
		}
	}
	return TableEntry{}, false
}

// EntryTypeOrDefault applies the "str" default.
func (t *Table) EntryTypeOrDefault() string {
	if t.EntryType == "" {
		return TypeStr
	}
	return t.EntryType
}

// checkSpans verifies entry keys are non-overlapping and contiguous.
// Entries are sorted by Lo at parse.
func (t *Table) checkSpans() []string {
	var problems []string
	for i := 1; i < len(t.Entries); i++ {
		prev, cur := t.Entries[i-1], t.Entries[i]
		switch {
		case cur.Lo <= prev.Hi:
			problems = append(problems, fmt.Sprintf("table %s: entries %q and %q overlap", t.ID, prev.Key, cur.Key))
		case cur.Lo != prev.Hi+1:
			problems = append(problems, fmt.Sprintf("table %s: gap between entries %q and %q", t.ID, prev.Key, cur.Key))
		}
	}
	return problems
}
