package runtime_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grimoire-rpg/grimoire/runtime"
)

func TestObservableValue(t *testing.T) {
	ov := runtime.NewObservableValue("hp")
	var fires []string
	ov.Observe(func(name string, old, new any) {
		fires = append(fires, fmt.Sprintf("%s %v->%v", name, old, new))
	})

	assert.True(t, ov.Changed(nil), "first write counts even when nil")
	assert.True(t, ov.Set(nil))
	assert.False(t, ov.Set(nil), "equal write is a no-op")
	assert.True(t, ov.Set(12))
	assert.False(t, ov.Set(12))
	assert.True(t, ov.Set(14))

	assert.Equal(t, 14, ov.Value())
	assert.Equal(t, []string{
		"hp <nil>-><nil>",
		"hp <nil>->12",
		"hp 12->14",
	}, fires)
}

func TestObservableValue_DeepEquality(t *testing.T) {
	ov := runtime.NewObservableValue("tags")
	assert.True(t, ov.Set(map[string]any{"brave": true}))
	assert.False(t, ov.Set(map[string]any{"brave": true}), "structurally equal maps do not fire")
	assert.True(t, ov.Set(map[string]any{"brave": false}))
}

func TestDerivedFieldsRegister(t *testing.T) {
	d := runtime.NewDerivedFields()
	d.Register("outputs.hero.defense", "{{ $.armor + $shield.bonus + variables.stance + might }}", "outputs.hero")

	assert.True(t, d.Registered("outputs.hero.defense"))
	assert.False(t, d.Registered("outputs.hero.armor"))

	assert.Equal(t, []string{
		"outputs.hero.armor",
		"outputs.hero.might",
		"outputs.shield.bonus",
		"variables.stance",
	}, d.Dependencies("outputs.hero.defense"))

	assert.Equal(t, []string{"outputs.hero.defense"}, d.DependentsOf("outputs.hero.armor"))
	assert.Equal(t, []string{"outputs.hero.defense"}, d.DependentsOf("outputs.shield.bonus"))
	assert.Nil(t, d.DependentsOf("outputs.hero.unrelated"))
}

func TestDerivedFieldsRegister_WrapsBareExpressions(t *testing.T) {
	d := runtime.NewDerivedFields()
	d.Register("total", "base + boost", "")

	assert.Equal(t, []string{"base", "boost"}, d.Dependencies("total"))
	assert.Equal(t, []string{"total"}, d.DependentsOf("base"))
}

func TestDerivedFieldsRegister_DollarInStringLiteral(t *testing.T) {
	d := runtime.NewDerivedFields()
	d.Register("outputs.pack.label", `{{ $.kind + " for $5" }}`, "outputs.pack")

	assert.Equal(t, []string{"outputs.pack.kind"}, d.Dependencies("outputs.pack.label"),
		"dollars inside string literals are not sibling references")
}

func TestDerivedFieldsRegister_SharedDependency(t *testing.T) {
	d := runtime.NewDerivedFields()
	d.Register("outputs.hero.melee", "{{ $.strength + 2 }}", "outputs.hero")
	d.Register("outputs.hero.carry", "{{ $.strength * 10 }}", "outputs.hero")

	assert.Equal(t, []string{
		"outputs.hero.carry",
		"outputs.hero.melee",
	}, d.DependentsOf("outputs.hero.strength"))
}
