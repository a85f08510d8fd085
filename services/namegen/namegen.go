// Package namegen produces names for table entries that declare a
// generator instead of a fixed value. Generator ids select a style;
// unknown ids fall back to person names so content keeps flowing.
package namegen

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/grimoire-rpg/grimoire/runtime"
)

// Service composes names from word pools. Safe for concurrent use.
type Service struct {
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

var _ runtime.NameGenerator = &Service{}

// New builds a generator. A zero seed draws from the clock.
func New(logger *slog.Logger, seed int64) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Generate produces one name in the style named by generator.
func (s *Service) Generate(ctx context.Context, generator string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var name string
	switch normalizeHint(generator) {
	case "settlement":
		name = s.pick(settlementPrefixes) + s.pick(settlementSuffixes)
	case "tavern":
		name = "The " + s.pick(tavernAdjectives) + " " + s.pick(tavernNouns)
	case "item":
		name = s.pick(itemAdjectives) + " " + s.pick(itemNouns)
	default:
		name = s.pick(givenNames) + " " + s.pick(familyNames)
	}
	s.logger.Debug("name generated", "generator", generator, "name", name)
	return name, nil
}

func (s *Service) pick(pool []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pool[s.rng.Intn(len(pool))]
}

// normalizeHint maps model ids and loose synonyms onto the known
// styles, so "npc", "person", and "character" all mean person names.
func normalizeHint(generator string) string {
	switch strings.ToLower(strings.TrimSpace(generator)) {
	case "settlement", "town", "village", "city":
		return "settlement"
	case "tavern", "inn":
		return "tavern"
	case "item", "weapon", "armor", "trinket":
		return "item"
	default:
		return "person"
	}
}

var givenNames = []string{
	"Aldric", "Brenna", "Cassian", "Delia", "Edrik", "Fiora",
	"Garrick", "Hesper", "Ilsa", "Joren", "Katla", "Lucan",
	"Mirela", "Nadia", "Osmund", "Petra", "Quill", "Rowan",
	"Sable", "Theron", "Una", "Veles", "Wren", "Yareth",
}

var familyNames = []string{
	"Ashdown", "Blackbriar", "Coldwater", "Duskwalker", "Embermane",
	"Fernsby", "Grimholt", "Hollowell", "Ironwood", "Kestrel",
	"Larkspur", "Mossbank", "Nightriver", "Oakmantle", "Pyreborn",
	"Quickstep", "Ravenhall", "Stormwright", "Thistledown", "Vane",
}

var settlementPrefixes = []string{
	"Stone", "Ash", "Mill", "Raven", "Oak", "Fox", "Winter",
	"Bright", "Thorn", "Salt", "Iron", "Black",
}

var settlementSuffixes = []string{
	"bridge", "ford", "haven", "hollow", "march", "stead",
	"wick", "field", "gate", "fall", "mere", "crag",
}

var tavernAdjectives = []string{
	"Prancing", "Gilded", "Rusty", "Laughing", "Wandering",
	"Drowned", "Crooked", "Sleeping", "Howling", "Thirsty",
}

var tavernNouns = []string{
	"Pony", "Goblet", "Anchor", "Griffin", "Lantern",
	"Rat", "Crown", "Dragon", "Moon", "Boar",
}

var itemAdjectives = []string{
	"Tarnished", "Gleaming", "Ancient", "Cracked", "Runed",
	"Weathered", "Silvered", "Humming", "Blackened", "Pale",
}

var itemNouns = []string{
	"Dagger", "Amulet", "Lockbox", "Chalice", "Compass",
	"Signet", "Lantern", "Idol", "Mirror", "Key",
}
