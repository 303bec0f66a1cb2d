package rules

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/santorini/game"
)

func dumpState(s game.GameState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Turn=%d ToMove=%d\n", s.Turn, s.CurrentPlayer())
	for r := 0; r < game.Size; r++ {
		for c := 0; c < game.Size; c++ {
			p := game.Position{Row: int8(r), Col: int8(c)}
			mark := "."
			if pl, w, ok := s.WorkerAt(p); ok {
				mark = string(rune('A'+pl*2+w))
			}
			fmt.Fprintf(&b, "%d%s ", s.Height(p), mark)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// referenceLegal restates the legality rules over raw coordinates, independent
// of the enumerator's direction walk.
func referenceLegal(s game.GameState, a game.Action) bool {
	on := func(p game.Position) bool { return p.Row >= 0 && p.Row < game.Size && p.Col >= 0 && p.Col < game.Size }
	adj := func(p, q game.Position) bool {
		dr, dc := int(p.Row)-int(q.Row), int(p.Col)-int(q.Col)
		return (dr != 0 || dc != 0) && dr*dr <= 1 && dc*dc <= 1
	}
	workerAt := func(p game.Position) bool {
		for pl := range s.Workers {
			for _, w := range s.Workers[pl] {
				if w == p {
					return true
				}
			}
		}
		return false
	}
	mine := false
	for _, w := range s.Workers[s.Turn%2] {
		mine = mine || w == a.Worker
	}
	if !mine || !on(a.Dest) || !on(a.Build) || !adj(a.Worker, a.Dest) || !adj(a.Dest, a.Build) {
		return false
	}
	hd := int(s.Heights[a.Dest.Row][a.Dest.Col])
	hw := int(s.Heights[a.Worker.Row][a.Worker.Col])
	if hd >= game.MaxHeight || workerAt(a.Dest) || hd > hw+1 {
		return false
	}
	if a.Build == a.Worker {
		return true
	}
	return s.Heights[a.Build.Row][a.Build.Col] < game.MaxHeight && !workerAt(a.Build)
}

func allCells() []game.Position {
	out := make([]game.Position, 0, game.Size*game.Size)
	for r := 0; r < game.Size; r++ {
		for c := 0; c < game.Size; c++ {
			out = append(out, game.Position{Row: int8(r), Col: int8(c)})
		}
	}
	return out
}

func TestLegalActionsCornerStart(t *testing.T) {
	s := game.DefaultGameState()
	// A corner worker has 3 destinations: two edge cells with 5 builds each and
	// the diagonal cell with 8.
	require.Equal(t, 36, CountLegalActions(s), dumpState(s))

	for a := range LegalActions(s) {
		require.Contains(t, s.Workers[0], a.Worker)
	}
}

func TestLegalActionsSoundAndComplete(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	cells := allCells()
	for i := 0; i < 200; i++ {
		s := game.RandomGameState(rng, true)
		s.Turn = rng.IntN(2)
		if i%3 == 0 {
			// sprinkle domes on empty cells
			for _, p := range cells {
				if !s.IsOccupied(p) && rng.IntN(6) == 0 {
					s.Heights[p.Row][p.Col] = game.MaxHeight
				}
			}
		}

		got := map[game.Action]bool{}
		for a := range LegalActions(s) {
			require.False(t, got[a], "duplicate %v", a)
			got[a] = true
			require.True(t, referenceLegal(s, a), "unsound %v\n%s", a, dumpState(s))
			_, err := Apply(s, a)
			require.NoError(t, err)
		}

		want := 0
		for _, w := range s.Workers[s.CurrentPlayer()] {
			for _, d := range cells {
				for _, b := range cells {
					a := game.Action{Worker: w, Dest: d, Build: b}
					if referenceLegal(s, a) {
						want++
						require.True(t, got[a], "missing %v\n%s", a, dumpState(s))
					}
				}
			}
		}
		require.Len(t, got, want)
	}
}

func TestLegalActionsRestartable(t *testing.T) {
	s := game.DefaultGameState()
	var first, second []game.Action
	for a := range LegalActions(s) {
		first = append(first, a)
	}
	for a := range LegalActions(s) {
		second = append(second, a)
	}
	require.Equal(t, first, second)
}

func TestCandidatesCoverDirectionGrid(t *testing.T) {
	s := game.DefaultGameState()
	total, legal := 0, 0
	for a, ok := range Candidates(s) {
		total++
		if ok {
			legal++
		}
		assert.Equal(t, referenceLegal(s, a), ok, a.String())
	}
	require.Equal(t, 128, total)
	require.Equal(t, CountLegalActions(s), legal)
}

func TestApplyDoesNotMutate(t *testing.T) {
	s := game.DefaultGameState()
	snapshot := s
	a := game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: 1, Col: 1}, Build: game.Position{Row: 0, Col: 0}}

	next, err := Apply(s, a)
	require.NoError(t, err)
	require.Equal(t, snapshot, s)
	require.NotEqual(t, s, next)

	assert.Equal(t, game.Position{Row: 1, Col: 1}, next.Workers[0][0])
	assert.Equal(t, 1, next.Height(game.Position{Row: 0, Col: 0}))
	assert.Equal(t, 1, next.Turn)
	assert.Equal(t, 1, next.CurrentPlayer())
}

func TestApplyRejectsIllegal(t *testing.T) {
	s := game.DefaultGameState()
	s.Heights[1][1] = 2

	tests := []struct {
		name string
		a    game.Action
	}{
		{"opponent worker", game.Action{Worker: game.Position{Row: 0, Col: 4}, Dest: game.Position{Row: 0, Col: 3}, Build: game.Position{Row: 0, Col: 2}}},
		{"empty origin", game.Action{Worker: game.Position{Row: 2, Col: 2}, Dest: game.Position{Row: 2, Col: 3}, Build: game.Position{Row: 2, Col: 4}}},
		{"too high", game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: 1, Col: 1}, Build: game.Position{Row: 0, Col: 0}}},
		{"off board", game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: -1, Col: 0}, Build: game.Position{Row: 0, Col: 0}}},
		{"not adjacent", game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: 2, Col: 0}, Build: game.Position{Row: 2, Col: 1}}},
		{"build on destination", game.Action{Worker: game.Position{Row: 4, Col: 4}, Dest: game.Position{Row: 4, Col: 3}, Build: game.Position{Row: 4, Col: 3}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(s, tc.a)
			require.ErrorIs(t, err, ErrIllegalAction)
		})
	}
}

func TestBuildOnVacatedOrigin(t *testing.T) {
	s := game.DefaultGameState()
	a := game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: 0, Col: 1}, Build: game.Position{Row: 0, Col: 0}}
	require.True(t, IsLegal(s, a))
}

func TestIsWinningAction(t *testing.T) {
	s := game.DefaultGameState()
	s.Heights[0][0] = 2
	s.Heights[0][1] = 3
	s.Heights[1][0] = 2

	win := game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: 0, Col: 1}, Build: game.Position{Row: 0, Col: 2}}
	require.True(t, IsLegal(s, win))
	require.True(t, IsWinningAction(s, win))

	sideways := game.Action{Worker: game.Position{Row: 0, Col: 0}, Dest: game.Position{Row: 1, Col: 0}, Build: game.Position{Row: 2, Col: 0}}
	require.False(t, IsWinningAction(s, sideways))

	// Standing on 3 and stepping onto another 3 is not a climb.
	s.Heights[0][0] = 3
	require.False(t, IsWinningAction(s, win))
}

func TestHasLegalActionBoxedIn(t *testing.T) {
	workers := [game.Players][game.Workers]game.Position{
		{{Row: 0, Col: 0}, {Row: 4, Col: 4}},
		{{Row: 2, Col: 2}, {Row: 2, Col: 0}},
	}
	var heights [game.Size][game.Size]uint8
	for _, p := range []game.Position{{Row: 0, Col: 1}, {Row: 1, Col: 0}, {Row: 1, Col: 1}, {Row: 3, Col: 3}, {Row: 3, Col: 4}} {
		heights[p.Row][p.Col] = game.MaxHeight
	}
	// Too high to climb rather than domed.
	heights[4][3] = 2

	s, err := game.NewGameState(workers, heights)
	require.NoError(t, err)
	require.False(t, HasLegalAction(s), dumpState(s))
	require.Zero(t, CountLegalActions(s))

	s.Turn = 1
	require.True(t, HasLegalAction(s))
}

func TestReplayMatchesSingleStep(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	initial := game.RandomGameState(rng, false)

	var actions []game.Action
	cur := initial
	for len(actions) < 40 && HasLegalAction(cur) {
		var legal []game.Action
		for a := range LegalActions(cur) {
			legal = append(legal, a)
		}
		a := legal[rng.IntN(len(legal))]
		actions = append(actions, a)
		won := IsWinningAction(cur, a)
		next, err := Apply(cur, a)
		require.NoError(t, err)
		cur = next
		if won {
			break
		}
	}

	states, err := Replay(initial, actions)
	require.NoError(t, err)
	require.Len(t, states, len(actions)+1)
	require.Equal(t, initial, states[0])
	require.Equal(t, cur, states[len(states)-1])

	// Replaying a prefix then the suffix lands on the same value.
	mid := len(actions) / 2
	prefix, err := Replay(initial, actions[:mid])
	require.NoError(t, err)
	rest, err := Replay(prefix[len(prefix)-1], actions[mid:])
	require.NoError(t, err)
	require.Equal(t, cur, rest[len(rest)-1])
}

func TestReplayRejectsIllegal(t *testing.T) {
	s := game.DefaultGameState()
	bad := []game.Action{{Worker: game.Position{Row: 2, Col: 2}, Dest: game.Position{Row: 2, Col: 3}, Build: game.Position{Row: 2, Col: 4}}}
	_, err := Replay(s, bad)
	require.ErrorIs(t, err, ErrIllegalAction)
}

func BenchmarkLegalActions(b *testing.B) {
	rng := rand.New(rand.NewPCG(1, 1))
	states := make([]game.GameState, 256)
	for i := range states {
		states[i] = game.RandomGameState(rng, true)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CountLegalActions(states[i%len(states)])
	}
}
