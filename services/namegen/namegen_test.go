package namegen_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoire-rpg/grimoire/services/namegen"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerate_SeededRunsRepeat(t *testing.T) {
	first := namegen.New(testLogger(), 3)
	second := namegen.New(testLogger(), 3)

	ctx := context.Background()
	for _, hint := range []string{"person", "settlement", "tavern", "item", "person"} {
		a, err := first.Generate(ctx, hint)
		require.NoError(t, err)
		b, err := second.Generate(ctx, hint)
		require.NoError(t, err)
		assert.Equal(t, a, b, "same seed, same name for %s", hint)
	}
}

func TestGenerate_Styles(t *testing.T) {
	svc := namegen.New(testLogger(), 9)
	ctx := context.Background()

	tavern, err := svc.Generate(ctx, "tavern")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tavern, "The "), "tavern name %q", tavern)
	assert.Len(t, strings.Fields(tavern), 3)

	settlement, err := svc.Generate(ctx, "settlement")
	require.NoError(t, err)
	assert.NotEmpty(t, settlement)
	assert.NotContains(t, settlement, " ", "settlement names are compounds")

	person, err := svc.Generate(ctx, "person")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(person), 2)

	item, err := svc.Generate(ctx, "item")
	require.NoError(t, err)
	assert.Len(t, strings.Fields(item), 2)
}

// Synonyms map onto the same style, so two generators with the same
// seed produce identical names for equivalent hints.
func TestGenerate_HintSynonyms(t *testing.T) {
	cases := []struct {
		hint, canonical string
	}{
		{"Town", "settlement"},
		{"village", "settlement"},
		{"  City  ", "settlement"},
		{"inn", "tavern"},
		{"weapon", "item"},
		{"trinket", "item"},
		{"npc", "person"},
		{"character", "person"},
		{"owlbear", "person"},
		{"", "person"},
	}
	ctx := context.Background()
	for _, tc := range cases {
		a, err := namegen.New(testLogger(), 21).Generate(ctx, tc.hint)
		require.NoError(t, err)
		b, err := namegen.New(testLogger(), 21).Generate(ctx, tc.canonical)
		require.NoError(t, err)
		assert.Equal(t, b, a, "hint %q should behave like %q", tc.hint, tc.canonical)
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	svc := namegen.New(testLogger(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Generate(ctx, "person")
	assert.ErrorIs(t, err, context.Canceled)
}
