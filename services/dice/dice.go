// Package dice evaluates simple dice expressions: NdM with an optional
// additive modifier. Rolls are uniform per die; a seeded source makes
// runs reproducible for tests and replays.
package dice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grimoire-rpg/grimoire/internal/config"
	"github.com/grimoire-rpg/grimoire/runtime"
)

// ErrInvalidExpression marks an expression the roller cannot parse.
var ErrInvalidExpression = errors.New("invalid dice expression")

var exprPattern = regexp.MustCompile(`^(\d+)d(\d+)(?:\s*([+-])\s*(\d+))?$`)

// Settings bound the roller. Limits guard against runaway expressions
// coming from untrusted system packages.
type Settings struct {
	MaxDice  int   `json:"max_dice" default:"100" validate:"gte=1"`
	MaxSides int   `json:"max_sides" default:"1000" validate:"gte=1"`
	Seed     int64 `json:"seed"`
}

// Service rolls dice expressions. Safe for concurrent use.
type Service struct {
	logger   *slog.Logger
	settings Settings

	mu  sync.Mutex
	rng *rand.Rand
}

var _ runtime.DiceService = &Service{}

// New builds a roller. A zero seed draws from the clock; anything else
// gives a reproducible sequence.
func New(logger *slog.Logger, raw map[string]any) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var settings Settings
	if err := config.Prepare(&settings, raw); err != nil {
		return nil, fmt.Errorf("dice settings: %w", err)
	}
	seed := settings.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		logger:   logger,
		settings: settings,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Roll parses and evaluates one expression.
func (s *Service) Roll(ctx context.Context, expression string) (*runtime.DiceRoll, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	count, sides, modifier, err := s.parse(expression)
	if err != nil {
		return nil, err
	}
	rolls := make([]int, count)
	total := modifier
	s.mu.Lock()
	for i := range rolls {
		rolls[i] = s.rng.Intn(sides) + 1
		total += rolls[i]
	}
	s.mu.Unlock()

	roll := &runtime.DiceRoll{
		Expression: strings.TrimSpace(expression),
		Total:      total,
		Rolls:      rolls,
		Modifier:   modifier,
		Breakdown:  breakdown(expression, rolls, modifier, total),
	}
	s.logger.Debug("rolled", "expression", roll.Expression, "total", total, "rolls", rolls)
	return roll, nil
}

func (s *Service) parse(expression string) (count, sides, modifier int, err error) {
	m := exprPattern.FindStringSubmatch(strings.TrimSpace(expression))
	if m == nil {
		return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidExpression, expression)
	}
	count, _ = strconv.Atoi(m[1])
	sides, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		modifier, _ = strconv.Atoi(m[4])
		if m[3] == "-" {
			modifier = -modifier
		}
	}
	switch {
	case count < 1 || count > s.settings.MaxDice:
		return 0, 0, 0, fmt.Errorf("%w: %q rolls %d dice, limit is %d", ErrInvalidExpression, expression, count, s.settings.MaxDice)
	case sides < 1 || sides > s.settings.MaxSides:
		return 0, 0, 0, fmt.Errorf("%w: %q uses d%d, limit is d%d", ErrInvalidExpression, expression, sides, s.settings.MaxSides)
	}
	return count, sides, modifier, nil
}

// breakdown renders the roll for display: "2d6+1: [3 5] + 1 = 9".
func breakdown(expression string, rolls []int, modifier, total int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(expression))
	b.WriteString(": [")
	for i, r := range rolls {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", r)
	}
	b.WriteByte(']')
	switch {
	case modifier > 0:
		fmt.Fprintf(&b, " + %d", modifier)
	case modifier < 0:
		fmt.Fprintf(&b, " - %d", -modifier)
	}
	fmt.Fprintf(&b, " = %d", total)
	return b.String()
}
