// Package puzzle generates the arithmetic puzzles a match is played
// against and evaluates the expressions players submit. Generation is
// fully deterministic in the seed so a match can pre-build its whole
// round sequence and clients can verify it.
package puzzle

import (
	"math/rand"
)

// Difficulty tiers.
const (
	Easy   = 1
	Medium = 2
	Hard   = 3
)

// Puzzle is one round's problem: reach Target using the Operands, each
// at most once, with + - * / and parentheses.
type Puzzle struct {
	Target     int
	Operands   []int
	Difficulty int
}

// Provider produces puzzles. Same (difficulty, seed) must always yield
// the same puzzle.
type Provider interface {
	Generate(difficulty int, seed int64) Puzzle
}

// Generator is the default Provider.
type Generator struct{}

type tierSpec struct {
	baseCount int // operands combined into the target
	baseMax   int
	setSize   int // total operands shown to the player
	noiseMax  int
	allowMul  bool
	allowSub  bool
}

func specFor(difficulty int) tierSpec {
	switch difficulty {
	case Medium:
		return tierSpec{baseCount: 3, baseMax: 12, setSize: 6, noiseMax: 19, allowMul: true}
	case Hard:
		return tierSpec{baseCount: 4, baseMax: 15, setSize: 7, noiseMax: 29, allowMul: true, allowSub: true}
	default:
		return tierSpec{baseCount: 2, baseMax: 9, setSize: 5, noiseMax: 9}
	}
}

// Generate builds a puzzle whose target is reachable from a subset of
// the operand set. The target itself never appears as an operand.
func (Generator) Generate(difficulty int, seed int64) Puzzle {
	rng := rand.New(rand.NewSource(seed))
	spec := specFor(difficulty)

	base := make([]int, spec.baseCount)
	for i := range base {
		base[i] = rng.Intn(spec.baseMax) + 1
	}

	// Fold the base numbers into a target, so an exact solution is
	// guaranteed to exist with the operands handed out.
	target := base[0]
	for _, n := range base[1:] {
		switch {
		case spec.allowSub && target > n && rng.Intn(4) == 0:
			target -= n
		case spec.allowMul && rng.Intn(2) == 0:
			target *= n
		default:
			target += n
		}
	}

	operands := make([]int, 0, spec.setSize)
	for _, n := range base {
		if n != target {
			operands = append(operands, n)
		}
	}
	for len(operands) < spec.setSize {
		noise := rng.Intn(spec.noiseMax) + 1
		if noise == target {
			continue
		}
		operands = append(operands, noise)
	}
	rng.Shuffle(len(operands), func(i, j int) {
		operands[i], operands[j] = operands[j], operands[i]
	})

	return Puzzle{Target: target, Operands: operands, Difficulty: difficulty}
}
