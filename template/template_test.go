package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoire-rpg/grimoire/template"
)

func TestResolve_PlainTextPassesThrough(t *testing.T) {
	r := template.New(nil)

	got, err := r.Resolve("no markers here", nil, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "no markers here", got)
}

func TestResolve_SingleExpressionReturnsNativeValue(t *testing.T) {
	r := template.New(nil)

	tests := []struct {
		name string
		text string
		env  map[string]any
		want any
	}{
		{
			name: "arithmetic stays an int",
			text: "{{ 1 + 2 }}",
			env:  map[string]any{},
			want: 3,
		},
		{
			name: "whitespace padding still counts as single",
			text: "  {{ hp }}  ",
			env:  map[string]any{"hp": 12},
			want: 12,
		},
		{
			name: "list literal stays a list",
			text: "{{ [selected_item] }}",
			env:  map[string]any{"selected_item": "soldier"},
			want: []any{"soldier"},
		},
		{
			name: "bool comparison stays a bool",
			text: "{{ level > 3 }}",
			env:  map[string]any{"level": 5},
			want: true,
		},
		{
			name: "map access",
			text: "{{ actor.name }}",
			env:  map[string]any{"actor": map[string]any{"name": "Wren"}},
			want: "Wren",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.text, tt.env, template.ModeRuntime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_MixedTemplateRendersString(t *testing.T) {
	r := template.New(nil)
	env := map[string]any{"name": "Wren", "level": 3}

	got, err := r.Resolve("{{ name }} is level {{ level }}", env, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "Wren is level 3", got)
}

func TestResolve_LoadModeRejectsUndefined(t *testing.T) {
	r := template.New(nil)
	env := map[string]any{"system": map[string]any{"name": "Greyhollow"}}

	_, err := r.Resolve("{{ missing }}", env, template.ModeLoad)
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrUndefined)

	got, err := r.Resolve("{{ system.name }} Core", env, template.ModeLoad)
	require.NoError(t, err)
	assert.Equal(t, "Greyhollow Core", got)
}

func TestResolve_RuntimeModeIsLenientForOrdinaryPaths(t *testing.T) {
	r := template.New(nil)

	// A missing ordinary identifier renders empty rather than failing.
	got, err := r.Resolve("{{ missing }}", map[string]any{}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = r.Resolve("before {{ missing }} after", map[string]any{}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "before  after", got)
}

func TestResolve_RuntimeIdentifiersMustBeBound(t *testing.T) {
	r := template.New(nil)

	// result is an execution binding; without it the render must fail
	// loudly instead of silently producing an empty string.
	_, err := r.Resolve("{{ result }}", map[string]any{}, template.ModeRuntime)
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrUndefined)

	_, err = r.Resolve("{{ result.total }}", map[string]any{}, template.ModeRuntime)
	require.Error(t, err)
	assert.ErrorIs(t, err, template.ErrUndefined)

	got, err := r.Resolve("{{ result }}", map[string]any{"result": 17}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, 17, got)
}

func TestResolve_SyntaxErrorFallsBackToOriginalText(t *testing.T) {
	r := template.New(nil)

	got, err := r.Resolve("{{ 1 +* 2 }}", map[string]any{}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "{{ 1 +* 2 }}", got)

	// Unclosed marker is a parse failure, also verbatim.
	got, err = r.Resolve("{{ open", map[string]any{}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "{{ open", got)
}

func TestResolve_Filters(t *testing.T) {
	r := template.New(nil)

	tests := []struct {
		name string
		text string
		env  map[string]any
		want any
	}{
		{
			name: "title_case pipe form",
			text: "{{ item|title_case }}",
			env:  map[string]any{"item": "strength"},
			want: "Strength",
		},
		{
			name: "title_case replaces underscores",
			text: "{{ item|title_case }}",
			env:  map[string]any{"item": "hit_points"},
			want: "Hit Points",
		},
		{
			name: "snake_case",
			text: "{{ snake_case(label) }}",
			env:  map[string]any{"label": "Armor Class"},
			want: "armor_class",
		},
		{
			name: "dice_modifier positive",
			text: "{{ bonus|dice_modifier }}",
			env:  map[string]any{"bonus": 2},
			want: "+2",
		},
		{
			name: "dice_modifier negative",
			text: "{{ bonus|dice_modifier }}",
			env:  map[string]any{"bonus": -1},
			want: "-1",
		},
		{
			name: "dice_modifier zero",
			text: "{{ bonus|dice_modifier }}",
			env:  map[string]any{"bonus": 0},
			want: "+0",
		},
		{
			name: "dice_modifier inside a roll expression",
			text: "1d20{{ bonus|dice_modifier }}",
			env:  map[string]any{"bonus": 3},
			want: "1d20+3",
		},
		{
			name: "length of string",
			text: "{{ length(name) }}",
			env:  map[string]any{"name": "Wren"},
			want: 4,
		},
		{
			name: "length of list",
			text: "{{ length(items) }}",
			env:  map[string]any{"items": []any{"a", "b"}},
			want: 2,
		},
		{
			name: "upper and lower",
			text: "{{ upper(name) }}/{{ lower(name) }}",
			env:  map[string]any{"name": "Wren"},
			want: "WREN/wren",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.text, tt.env, template.ModeRuntime)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_ConditionalBlocks(t *testing.T) {
	r := template.New(nil)
	text := "{% if level > 10 %}veteran{% elif level > 3 %}seasoned{% else %}green{% endif %}"

	tests := []struct {
		level int
		want  string
	}{
		{level: 12, want: "veteran"},
		{level: 5, want: "seasoned"},
		{level: 1, want: "green"},
	}

	for _, tt := range tests {
		got, err := r.Resolve(text, map[string]any{"level": tt.level}, template.ModeRuntime)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestResolve_ConditionalAroundText(t *testing.T) {
	r := template.New(nil)
	text := "The door{% if locked %} is locked{% endif %}."

	got, err := r.Resolve(text, map[string]any{"locked": true}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "The door is locked.", got)

	got, err = r.Resolve(text, map[string]any{"locked": false}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "The door.", got)
}

func TestResolve_StructuredPromotion(t *testing.T) {
	r := template.New(nil)

	// A rendered string that reads as a YAML list comes back structured.
	got, err := r.Resolve("[{{ a }}, {{ b }}]", map[string]any{"a": 1, "b": 2}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, got)

	// Digits glued together read as a number.
	got, err = r.Resolve("{{ a }}{{ b }}", map[string]any{"a": 4, "b": 2}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	// A multi-line mapping is promoted.
	got, err = r.Resolve("str: {{ s }}\ndex: {{ d }}", map[string]any{"s": 3, "d": 1}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"str": 3, "dex": 1}, got)
}

func TestResolve_LabelLinesStayStrings(t *testing.T) {
	r := template.New(nil)

	// "Strength: +2" would parse as a YAML mapping, but a single-line
	// label must survive as display text.
	got, err := r.Resolve("Strength: {{ bonus|dice_modifier }}", map[string]any{"bonus": 2}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "Strength: +2", got)

	got, err = r.Resolve("Total: {{ n }}", map[string]any{"n": 9}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "Total: 9", got)
}

func TestResolveString_NeverPromotes(t *testing.T) {
	r := template.New(nil)

	got, err := r.ResolveString("[{{ a }}, {{ b }}]", map[string]any{"a": 1, "b": 2}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "[1, 2]", got)

	got, err = r.ResolveString("{{ n }}", map[string]any{"n": 7}, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestResolve_GetValueFallbackChain(t *testing.T) {
	r := template.New(nil)
	env := map[string]any{
		"outputs":   map[string]any{"hero": map[string]any{"name": "Wren"}},
		"variables": map[string]any{"hero": map[string]any{"name": "shadowed"}, "gold": 5},
		"inputs":    map[string]any{"gold": 99},
	}

	// outputs win over variables for the same path.
	got, err := r.Resolve(`{{ get_value("hero.name") }}`, env, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "Wren", got)

	// variables win over inputs.
	got, err = r.Resolve(`{{ get_value("gold") }}`, env, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	// Missing everywhere renders empty.
	got, err = r.Resolve(`{{ get_value("nope") }}`, env, template.ModeRuntime)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestNormalizeExpression(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare pipe gets call parens",
			in:   "name|title_case",
			want: "name|title_case()",
		},
		{
			name: "spaced pipe",
			in:   "name | title_case",
			want: "name | title_case()",
		},
		{
			name: "already call form untouched",
			in:   "name | title_case()",
			want: "name | title_case()",
		},
		{
			name: "logical or untouched",
			in:   "a || b",
			want: "a || b",
		},
		{
			name: "pipe inside string untouched",
			in:   `"a|b" + name`,
			want: `"a|b" + name`,
		},
		{
			name: "chained filters",
			in:   "name|snake_case|upper",
			want: "name|snake_case()|upper()",
		},
		{
			name: "no pipes",
			in:   "1 + 2",
			want: "1 + 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, template.NormalizeExpression(tt.in))
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"true", true, true},
		{"false", false, false},
		{"zero int", 0, false},
		{"nonzero int", 3, true},
		{"empty string", "", false},
		{"no string", "no", false},
		{"false string", "FALSE", false},
		{"yes string", "yes", true},
		{"arbitrary string", "dragon", true},
		{"zero float", 0.0, false},
		{"empty list", []any{}, false},
		{"nonempty list", []any{1}, true},
		{"empty map", map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, template.Truthy(tt.in))
		})
	}
}

func TestFreeIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "plain text has none",
			text: "no templates",
			want: nil,
		},
		{
			name: "bare identifiers",
			text: "{{ name }} and {{ level }}",
			want: []string{"level", "name"},
		},
		{
			name: "member path collapses to root",
			text: "{{ inputs.actor.name }}",
			want: []string{"inputs"},
		},
		{
			name: "filter names excluded",
			text: "{{ item|title_case }} {{ length(items) }}",
			want: []string{"item", "items"},
		},
		{
			name: "condition identifiers included",
			text: "{% if hidden %}x{% endif %}",
			want: []string{"hidden"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := template.FreeIdentifiers(tt.text)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDependencies(t *testing.T) {
	got := template.Dependencies("{{ outputs.hero.armor_class }} vs {{ base }}")
	assert.Equal(t, []string{"base", "outputs.hero.armor_class"}, got)
}

func TestIsRuntime(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain text", "hello", false},
		{"system metadata", "{{ system.name }}", false},
		{"inputs binding", "{{ inputs.player_name }}", true},
		{"result binding", "{{ result }}", true},
		{"sequence item", "{{ item|title_case }}", true},
		{"selected item", "{{ selected_item.name }}", true},
		{"get_value reads live data", `{{ get_value("hp") }}`, true},
		{"unparseable classifies runtime", "{{ 1 +* }}", true},
		{"outputs in condition", "{% if outputs.done %}x{% endif %}", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, template.IsRuntime(tt.text))
		})
	}
}

func TestReadsOnly(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain text", "hello", true},
		{"system metadata", "Welcome to {{ system.name }}.", true},
		{"currency root allowed", "{{ currency.base_unit }}", true},
		{"filter call ignored", "{{ system.name|upper }}", true},
		{"foreign identifier", "Describe {{ character_name }}.", false},
		{"mixed roots", "{{ character_name }} of {{ system.name }}", false},
		{"get_value reads live data", `{{ get_value("hp") }}`, false},
		{"condition identifier", "{% if fame %}renowned{% endif %}", false},
		{"unparseable", "{{ 1 +* }}", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, template.ReadsOnly(tt.text, "system", "currency", "credits"))
		})
	}
}

func TestHasTemplate(t *testing.T) {
	assert.False(t, template.HasTemplate("plain"))
	assert.True(t, template.HasTemplate("{{ x }}"))
	assert.True(t, template.HasTemplate("{% if x %}y{% endif %}"))
}
