// Package subset partitions the projection angles into the ordered subsets
// an iterative method visits.
package subset

import (
	"fmt"
	"math"

	"github.com/valyala/fastrand"

	"tomorecon/internal/models"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/plugin"
)

// Direction is the dominant axis of the rays of a subset. It selects the
// projector kernel variant.
type Direction int

const (
	Vertical Direction = iota
	Horizontal
)

func (d Direction) String() string {
	if d == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// tieTolerance is four ulps relative to |cos|. It absorbs the rounding of
// sin/cos at odd multiples of 45 degrees so that mathematically equal
// magnitudes resolve to Vertical.
const tieTolerance = 4 * 0x1p-52

// DirectionOf returns Vertical when |sin| <= |cos|, Horizontal otherwise.
func DirectionOf(sin, cos float64) Direction {
	c := math.Abs(cos)
	if math.Abs(sin) <= c+c*tieTolerance {
		return Vertical
	}
	return Horizontal
}

// Subset is the angle range [Offset, Offset+N) of the angle table.
type Subset struct {
	Offset    int
	N         int
	Direction Direction
}

func (s Subset) String() string {
	return fmt.Sprintf("[%d,%d) %s", s.Offset, s.Offset+s.N, s.Direction)
}

// Planner orders the angles of a table into subsets. Together the subsets
// must cover every angle exactly once, and the result must be identical for
// identical tables.
type Planner interface {
	Plan(table *geometry.AngleTable) ([]Subset, error)
}

func checkTable(table *geometry.AngleTable) error {
	if table.Len() == 0 || len(table.Cos) != len(table.Sin) {
		return fmt.Errorf("%w: cannot plan subsets for %d angles", models.ErrInputData, table.Len())
	}
	return nil
}

// Sequential yields one subset per angle in table order.
type Sequential struct{}

func init() { plugin.Register("sequential", func() any { return &Sequential{} }) }

func (Sequential) Plan(table *geometry.AngleTable) ([]Subset, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	subsets := make([]Subset, table.Len())
	for i := range subsets {
		subsets[i] = Subset{Offset: i, N: 1, Direction: DirectionOf(table.Sin[i], table.Cos[i])}
	}
	return subsets, nil
}

// Block groups up to Size consecutive angles per subset. A block also ends
// where the ray direction changes, so every subset has a single direction.
type Block struct {
	Size int `json:"size"`
}

func init() { plugin.Register("block", func() any { return &Block{Size: 4} }) }

// Validate requires a positive block size.
func (b *Block) Validate() error {
	if b.Size < 1 {
		return fmt.Errorf("%w: block size must be positive, got %d", models.ErrInputData, b.Size)
	}
	return nil
}

func (b *Block) Plan(table *geometry.AngleTable) ([]Subset, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var subsets []Subset
	for i := 0; i < table.Len(); {
		dir := DirectionOf(table.Sin[i], table.Cos[i])
		n := 1
		for i+n < table.Len() && n < b.Size && DirectionOf(table.Sin[i+n], table.Cos[i+n]) == dir {
			n++
		}
		subsets = append(subsets, Subset{Offset: i, N: n, Direction: dir})
		i += n
	}
	return subsets, nil
}

// Shuffled visits single-angle subsets in a pseudo-random order fixed by Seed.
type Shuffled struct {
	Seed uint32 `json:"seed"`
}

func init() { plugin.Register("shuffled", func() any { return &Shuffled{Seed: 1} }) }

func (s *Shuffled) Plan(table *geometry.AngleTable) ([]Subset, error) {
	subsets, err := Sequential{}.Plan(table)
	if err != nil {
		return nil, err
	}
	seed := s.Seed
	if seed == 0 {
		seed = 0x9e3779b9 // the generator treats state 0 as unseeded
	}
	rng := fastrand.RNG{}
	rng.Seed(seed)
	for i := len(subsets) - 1; i > 0; i-- {
		j := int(rng.Uint32n(uint32(i + 1)))
		subsets[i], subsets[j] = subsets[j], subsets[i]
	}
	return subsets, nil
}

// Verify checks that subsets cover [0, nAngles) exactly once.
func Verify(subsets []Subset, nAngles int) error {
	seen := make([]bool, nAngles)
	for _, s := range subsets {
		if s.N < 1 || s.Offset < 0 || s.Offset+s.N > nAngles {
			return fmt.Errorf("%w: subset %v outside [0,%d)", models.ErrInputData, s, nAngles)
		}
		for i := s.Offset; i < s.Offset+s.N; i++ {
			if seen[i] {
				return fmt.Errorf("%w: angle %d covered twice", models.ErrInputData, i)
			}
			seen[i] = true
		}
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("%w: angle %d not covered", models.ErrInputData, i)
		}
	}
	return nil
}
