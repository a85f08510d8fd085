package system_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/grimoire-rpg/grimoire/system"
)

func mustTable(t *testing.T, src string) *system.Table {
	t.Helper()
	var tbl system.Table
	require.NoError(t, yaml.Unmarshal([]byte(src), &tbl))
	return &tbl
}

func TestTableUnmarshal_SortsAndParsesEntries(t *testing.T) {
	tbl := mustTable(t, `
id: loot
kind: table
name: Loot
roll: 1d10
entries:
  "8-9": Rare
  "1-3": Common
  "10":
    type: item
    id: crown
  "4-7":
    generate: true
    type: trinket
`)
	require.Len(t, tbl.Entries, 4)

	keys := make([]string, len(tbl.Entries))
	for i, e := range tbl.Entries {
		keys[i] = e.Key
	}
	assert.Equal(t, []string{"1-3", "4-7", "8-9", "10"}, keys, "entries sort by lower bound")

	first := tbl.Entries[0]
	assert.Equal(t, 1, first.Lo)
	assert.Equal(t, 3, first.Hi)
	assert.True(t, first.Value.IsText())
	assert.Equal(t, "Common", first.Value.Text)

	gen := tbl.Entries[1].Value
	assert.True(t, gen.Generate)
	assert.Equal(t, "trinket", gen.Type)

	last := tbl.Entries[3]
	assert.Equal(t, 10, last.Lo)
	assert.Equal(t, 10, last.Hi)
	assert.Equal(t, "crown", last.Value.ID)
	assert.Equal(t, "item", last.Value.Type)
}

func TestTableUnmarshal_Errors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{
			"bad lower bound",
			"id: t\nkind: table\nname: T\nentries:\n  \"x-3\": A\n",
			"bad lower bound",
		},
		{
			"inverted key",
			"id: t\nkind: table\nname: T\nentries:\n  \"5-2\": A\n",
			"lower bound exceeds upper",
		},
		{
			"non-numeric key",
			"id: t\nkind: table\nname: T\nentries:\n  \"abc\": A\n",
			"neither an integer nor a lo-hi range",
		},
		{
			"id without type",
			"id: t\nkind: table\nname: T\nentries:\n  \"1\":\n    id: crown\n",
			`entry id "crown" needs an explicit type`,
		},
		{
			"empty mapping entry",
			"id: t\nkind: table\nname: T\nentries:\n  \"1\": {}\n",
			"needs id, type, or generate",
		},
		{
			"entries not a mapping",
			"id: t\nkind: table\nname: T\nentries:\n  - A\n",
			"entries must be a mapping",
		},
		{
			"entry value is a sequence",
			"id: t\nkind: table\nname: T\nentries:\n  \"1\": [A, B]\n",
			"entry must be a string or mapping",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var tbl system.Table
			err := yaml.Unmarshal([]byte(tc.src), &tbl)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTableLookup(t *testing.T) {
	tbl := mustTable(t, `
id: loot
kind: table
name: Loot
roll: 1d10
entries:
  "1-3": Common
  "4-7": Uncommon
  "8-9": Rare
  "10": Legendary
`)
	cases := []struct {
		n    int
		want string
		hit  bool
	}{
		{1, "Common", true},
		{3, "Common", true},
		{4, "Uncommon", true},
		{9, "Rare", true},
		{10, "Legendary", true},
		{0, "", false},
		{11, "", false},
	}
	for _, tc := range cases {
		entry, ok := tbl.Lookup(tc.n)
		assert.Equal(t, tc.hit, ok, "lookup %d", tc.n)
		if tc.hit {
			assert.Equal(t, tc.want, entry.Value.Text, "lookup %d", tc.n)
		}
	}
}

func TestTableEntryTypeOrDefault(t *testing.T) {
	assert.Equal(t, system.TypeStr, (&system.Table{}).EntryTypeOrDefault())
	assert.Equal(t, "item", (&system.Table{EntryType: "item"}).EntryTypeOrDefault())
}

func TestTableMarshal_RoundTrips(t *testing.T) {
	tbl := mustTable(t, `
id: drops
kind: table
name: Drops
roll: 1d4
entry_type: item
entries:
  "1": Nothing
  "2-3":
    type: item
  "4":
    generate: true
`)
	out, err := yaml.Marshal(tbl)
	require.NoError(t, err)

	var again system.Table
	require.NoError(t, yaml.Unmarshal(out, &again))
	assert.Equal(t, tbl.Entries, again.Entries)
	assert.Equal(t, tbl.Roll, again.Roll)
	assert.Equal(t, tbl.EntryType, again.EntryType)
}

func TestDiceExprPattern(t *testing.T) {
	valid := []string{"1d20", "2d6+1", "3d8-2", "2d6 + 1", "10d10"}
	for _, s := range valid {
		assert.True(t, system.DiceExprPattern.MatchString(s), "%q should match", s)
	}
	invalid := []string{"d20", "1d", "banana", "1d20+", "1d6*2", "1d6+1d4"}
	for _, s := range invalid {
		assert.False(t, system.DiceExprPattern.MatchString(s), "%q should not match", s)
	}
}
