// Package convert maps game values to the flat tensors consumed by
// evaluators and stored as training data.
package convert

import (
	"sync"

	"github.com/brensch/santorini/game"
)

const (
	Width    = game.Size
	Height   = game.Size
	Channels = 5
	// FloatSize is the length of one encoded state.
	FloatSize = Channels * Width * Height

	// PolicySize is the number of action slots: worker slot x move dir x build dir.
	PolicySize = game.Workers * game.DirectionCount * game.DirectionCount
)

var floatPool = sync.Pool{
	New: func() interface{} {
		b := make([]float32, FloatSize)
		return &b
	},
}

func GetFloatBuffer() *[]float32 {
	return floatPool.Get().(*[]float32)
}

func PutFloatBuffer(b *[]float32) {
	floatPool.Put(b)
}

// StateToFloat32 encodes the state into a pooled float32 slice.
// Output shape: [Channels, Height, Width] (C, H, W), from the perspective of the
// player to move:
// 0 current player's worker 0
// 1 current player's worker 1
// 2 tower heights
// 3 opponent's worker 0
// 4 opponent's worker 1
// Caller must return the slice with PutFloatBuffer.
func StateToFloat32(state game.GameState) *[]float32 {
	dataPtr := GetFloatBuffer()
	EncodeInto(*dataPtr, state)
	return dataPtr
}

// EncodeState returns a freshly allocated encoding of state.
func EncodeState(state game.GameState) []float32 {
	out := make([]float32, FloatSize)
	EncodeInto(out, state)
	return out
}

// EncodeInto writes the encoding of state into data, which must hold FloatSize
// floats.
func EncodeInto(data []float32, state game.GameState) {
	clear(data)
	set := func(c int, p game.Position, val float32) {
		data[c*Height*Width+int(p.Row)*Width+int(p.Col)] = val
	}

	me, opp := state.CurrentPlayer(), state.Opponent()
	for w := 0; w < game.Workers; w++ {
		set(w, state.Workers[me][w], 1)
		set(3+w, state.Workers[opp][w], 1)
	}
	for r := 0; r < game.Size; r++ {
		for c := 0; c < game.Size; c++ {
			p := game.Position{Row: int8(r), Col: int8(c)}
			set(2, p, float32(state.Height(p)))
		}
	}
}

// ActionIndex returns the policy slot for a, or -1 if a is not shaped like a
// move by one of the current player's workers.
func ActionIndex(state game.GameState, a game.Action) int {
	slot := -1
	for w, pos := range state.Workers[state.CurrentPlayer()] {
		if pos == a.Worker {
			slot = w
			break
		}
	}
	if slot < 0 {
		return -1
	}
	md := game.DirectionIndex(a.Worker, a.Dest)
	bd := game.DirectionIndex(a.Dest, a.Build)
	if md < 0 || bd < 0 {
		return -1
	}
	n := len(game.Directions)
	return slot*n*n + md*n + bd
}

// ActionFromIndex inverts ActionIndex for state. The returned action is not
// checked for legality.
func ActionFromIndex(state game.GameState, idx int) (game.Action, bool) {
	if idx < 0 || idx >= PolicySize {
		return game.Action{}, false
	}
	n := len(game.Directions)
	slot, md, bd := idx/(n*n), (idx/n)%n, idx%n
	worker := state.Workers[state.CurrentPlayer()][slot]
	dest := worker.Add(game.Directions[md])
	return game.Action{Worker: worker, Dest: dest, Build: dest.Add(game.Directions[bd])}, true
}

// VisitDistribution turns per-action visit counts into a normalized
// PolicySize-wide target. Actions that do not map to a slot are dropped.
func VisitDistribution(state game.GameState, visits map[game.Action]int) []float32 {
	out := make([]float32, PolicySize)
	total := 0
	for a, n := range visits {
		if idx := ActionIndex(state, a); idx >= 0 && n > 0 {
			out[idx] = float32(n)
			total += n
		}
	}
	if total == 0 {
		return out
	}
	inv := 1 / float32(total)
	for i := range out {
		out[i] *= inv
	}
	return out
}
