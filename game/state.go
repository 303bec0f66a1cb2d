// Package game defines the core value types for the tower-climbing game.
//
// A GameState is a plain comparable value: copying it copies the whole board,
// and == is structural equality. Nothing in this package ever mutates a state
// after construction, so states can be shared freely between goroutines and
// inside search trees.
package game

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

const (
	// Size is the board edge length.
	Size = 5
	// MaxHeight is a domed cell. Nothing can stand on or build on it.
	MaxHeight = 4
	// WinHeight is the level a worker must climb onto to win.
	WinHeight = 3
	// Players is the number of players; each controls Workers workers.
	Players = 2
	Workers = 2
	// DirectionCount is the number of compass steps.
	DirectionCount = 8
)

var ErrInvalidState = errors.New("invalid game state")

// Position is a board coordinate. (0,0) is the top-left cell.
type Position struct {
	Row int8 `json:"row"`
	Col int8 `json:"col"`
}

func (p Position) InBounds() bool {
	return p.Row >= 0 && p.Row < Size && p.Col >= 0 && p.Col < Size
}

// Add returns p shifted one step in direction d. The result may be off-board.
func (p Position) Add(d Direction) Position {
	return Position{Row: p.Row + d.Row, Col: p.Col + d.Col}
}

// Adjacent reports whether q is one king-step away from p.
func (p Position) Adjacent(q Position) bool {
	dr, dc := p.Row-q.Row, p.Col-q.Col
	if p == q {
		return false
	}
	return dr >= -1 && dr <= 1 && dc >= -1 && dc <= 1
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Row, p.Col)
}

// Direction is a unit compass step.
type Direction struct {
	Row int8
	Col int8
}

// Directions lists the 8 compass steps in the fixed order N, NE, E, SE, S, SW,
// W, NW. All enumeration, encoding and tie-breaking follows this order.
var Directions = [DirectionCount]Direction{
	{-1, 0}, {-1, 1}, {0, 1}, {1, 1}, {1, 0}, {1, -1}, {0, -1}, {-1, -1},
}

// DirectionIndex returns the index into Directions of the step from p to q,
// or -1 if q is not adjacent to p.
func DirectionIndex(from, to Position) int {
	d := Direction{Row: to.Row - from.Row, Col: to.Col - from.Col}
	for i, dir := range Directions {
		if dir == d {
			return i
		}
	}
	return -1
}

// Action moves the worker standing on Worker to Dest, then builds one level on
// Build.
type Action struct {
	Worker Position `json:"worker"`
	Dest   Position `json:"dest"`
	Build  Position `json:"build"`
}

func (a Action) String() string {
	return fmt.Sprintf("%v->%v+%v", a.Worker, a.Dest, a.Build)
}

// GameState is the complete immutable game position.
// Turn parity selects the player to move: even turns belong to player 0.
type GameState struct {
	Workers [Players][Workers]Position `json:"workers"`
	Heights [Size][Size]uint8          `json:"heights"`
	Turn    int                        `json:"turn"`
}

// NewGameState validates and builds a state at turn 0.
func NewGameState(workers [Players][Workers]Position, heights [Size][Size]uint8) (GameState, error) {
	s := GameState{Workers: workers, Heights: heights}
	if err := s.Validate(); err != nil {
		return GameState{}, err
	}
	return s, nil
}

// DefaultGameState places player 0 on the top-left/bottom-right corners and
// player 1 on the remaining two, on a flat board.
func DefaultGameState() GameState {
	return GameState{
		Workers: [Players][Workers]Position{
			{{0, 0}, {Size - 1, Size - 1}},
			{{0, Size - 1}, {Size - 1, 0}},
		},
	}
}

// RandomGameState places the four workers on distinct random cells. With
// randomHeights, every cell also gets a starting height drawn from 0..3.
func RandomGameState(rng *rand.Rand, randomHeights bool) GameState {
	var cells [Size * Size]Position
	for i := range cells {
		cells[i] = Position{Row: int8(i / Size), Col: int8(i % Size)}
	}
	rng.Shuffle(len(cells), func(i, j int) { cells[i], cells[j] = cells[j], cells[i] })

	var s GameState
	for p := 0; p < Players; p++ {
		for w := 0; w < Workers; w++ {
			s.Workers[p][w] = cells[p*Workers+w]
		}
	}
	if randomHeights {
		for r := 0; r < Size; r++ {
			for c := 0; c < Size; c++ {
				s.Heights[r][c] = uint8(rng.IntN(MaxHeight))
			}
		}
	}
	return s
}

// Validate checks the board invariants: workers on-board and distinct, heights
// at most MaxHeight, and no worker standing on a dome.
func (s GameState) Validate() error {
	seen := make(map[Position]bool, Players*Workers)
	for p := range s.Workers {
		for _, w := range s.Workers[p] {
			if !w.InBounds() {
				return fmt.Errorf("%w: worker %v off board", ErrInvalidState, w)
			}
			if seen[w] {
				return fmt.Errorf("%w: workers overlap at %v", ErrInvalidState, w)
			}
			seen[w] = true
			if s.Height(w) >= MaxHeight {
				return fmt.Errorf("%w: worker %v on a dome", ErrInvalidState, w)
			}
		}
	}
	for r := range s.Heights {
		for c, h := range s.Heights[r] {
			if h > MaxHeight {
				return fmt.Errorf("%w: height %d at (%d,%d)", ErrInvalidState, h, r, c)
			}
		}
	}
	if s.Turn < 0 {
		return fmt.Errorf("%w: negative turn %d", ErrInvalidState, s.Turn)
	}
	return nil
}

// CurrentPlayer is the index of the player to move.
func (s GameState) CurrentPlayer() int {
	return s.Turn % Players
}

// Opponent is the index of the player waiting.
func (s GameState) Opponent() int {
	return (s.Turn + 1) % Players
}

// Height returns the tower height at p. p must be on-board.
func (s GameState) Height(p Position) int {
	return int(s.Heights[p.Row][p.Col])
}

// WorkerAt returns the owner and worker slot standing on p.
func (s GameState) WorkerAt(p Position) (player, slot int, ok bool) {
	for pl := range s.Workers {
		for w, pos := range s.Workers[pl] {
			if pos == p {
				return pl, w, true
			}
		}
	}
	return 0, 0, false
}

// IsOccupied reports whether p holds a worker or a dome.
func (s GameState) IsOccupied(p Position) bool {
	if s.Height(p) >= MaxHeight {
		return true
	}
	_, _, ok := s.WorkerAt(p)
	return ok
}
