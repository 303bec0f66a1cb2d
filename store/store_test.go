package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/santorini/executor/convert"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

// firstActionGame plays the first legal action each ply for up to plies moves.
func firstActionGame(t *testing.T, id string, plies int) *replay.Record {
	t.Helper()
	state := game.DefaultGameState()
	rec := &replay.Record{
		GameID:   id,
		Worker:   3,
		Initial:  state,
		Started:  time.UnixMilli(1_700_000_000_000),
		Duration: 1500 * time.Millisecond,
	}
	for i := 0; i < plies; i++ {
		var action game.Action
		found := false
		for a := range rules.LegalActions(state) {
			action, found = a, true
			break
		}
		require.True(t, found, "ply %d has no legal action", i)

		policy := convert.VisitDistribution(state, map[game.Action]int{action: 1})
		rec.Steps = append(rec.Steps, replay.Step{
			State:  convert.EncodeState(state),
			Policy: policy,
			Player: state.CurrentPlayer(),
			Action: action,
		})
		rec.Actions = append(rec.Actions, action)

		next, err := rules.Apply(state, action)
		require.NoError(t, err)
		state = next
	}
	rec.AssignOutcome(1)
	return rec
}

func TestRowsFromRecord(t *testing.T) {
	rec := firstActionGame(t, "g1", 6)
	rows, err := RowsFromRecord(rec, "selfplay")
	require.NoError(t, err)
	require.Len(t, rows, 6)

	states, err := rules.Replay(rec.Initial, rec.Actions)
	require.NoError(t, err)
	for i, row := range rows {
		assert.Equal(t, "g1", row.GameID)
		assert.Equal(t, int32(i), row.Ply)
		assert.Equal(t, int32(i%2), row.Player)
		assert.Equal(t, int32(3), row.Worker)
		assert.Equal(t, int32(1), row.Winner)
		assert.Equal(t, "selfplay", row.Source)
		assert.Len(t, row.State, convert.FloatSize)
		assert.Len(t, row.Policy, convert.PolicySize)

		want := convert.ActionIndex(states[i], rec.Actions[i])
		require.GreaterOrEqual(t, want, 0)
		assert.Equal(t, int32(want), row.Action)
		assert.Equal(t, float32(1), row.Policy[want])
		if row.Player == 1 {
			assert.Equal(t, float32(1), row.Value)
		} else {
			assert.Equal(t, float32(-1), row.Value)
		}
	}
}

func TestRowsFromRecordRejectsMismatch(t *testing.T) {
	rec := firstActionGame(t, "g1", 3)
	rec.Steps = rec.Steps[:2]
	_, err := RowsFromRecord(rec, "")
	require.Error(t, err)

	rec = firstActionGame(t, "g2", 3)
	rec.Actions[1] = game.Action{Worker: game.Position{Row: 2, Col: 2}}
	_, err = RowsFromRecord(rec, "")
	require.ErrorIs(t, err, rules.ErrIllegalAction)
}

func TestWriteAndReadTrainingBatch(t *testing.T) {
	dir := t.TempDir()
	rows, err := RowsFromRecord(firstActionGame(t, "g1", 8), "selfplay")
	require.NoError(t, err)

	path, err := WriteTrainingBatch(dir, rows)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	tmp, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)

	got, err := ReadTrainingRows(path)
	require.NoError(t, err)
	require.Equal(t, rows, got)
}

func TestArchiveRoundTrip(t *testing.T) {
	rec := firstActionGame(t, "g1", 10)
	row, err := ArchiveFromRecord(rec)
	require.NoError(t, err)
	assert.Len(t, row.Heights, game.Size*game.Size)
	assert.Equal(t, int64(1500), row.DurationMs)

	dir := t.TempDir()
	path, err := WriteArchiveBatch(dir, []ArchiveGameRow{row})
	require.NoError(t, err)
	got, err := ReadArchiveRows(path)
	require.NoError(t, err)
	require.Len(t, got, 1)

	initial, actions, err := ReplayArchive(got[0])
	require.NoError(t, err)
	assert.Equal(t, rec.Initial, initial)
	assert.Equal(t, rec.Actions, actions)
}

func TestReplayArchiveRejectsBadSlot(t *testing.T) {
	row, err := ArchiveFromRecord(firstActionGame(t, "g1", 2))
	require.NoError(t, err)
	row.Actions[1] = 500
	_, _, err = ReplayArchive(row)
	require.Error(t, err)

	row.Heights = row.Heights[:3]
	_, _, err = ReplayArchive(row)
	require.Error(t, err)
}

func TestBatchWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir, "selfplay")
	require.NoError(t, err)

	require.NoError(t, w.WriteRecord(firstActionGame(t, "g1", 4)))
	require.NoError(t, w.WriteRecord(firstActionGame(t, "g2", 5)))
	assert.Equal(t, 2, w.BufferedGames())
	assert.Equal(t, 9, w.BufferedRows())

	path, rows, games, err := w.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 9, rows)
	assert.Equal(t, 2, games)
	assert.Equal(t, w.OutPath(), path)

	got, err := ReadTrainingRows(path)
	require.NoError(t, err)
	assert.Len(t, got, 9)

	require.ErrorIs(t, w.WriteRows(got), ErrWriterClosed)
	path, _, _, err = w.Finalize()
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBatchWriterEmptyFinalize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewBatchWriter(dir, "")
	require.NoError(t, err)
	path, rows, games, err := w.Finalize()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Zero(t, rows)
	assert.Zero(t, games)

	entries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIndexInsertAndQuery(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	a := firstActionGame(t, "a", 4)
	b := firstActionGame(t, "b", 3)
	b.Started = a.Started.Add(time.Second)
	b.AssignOutcome(0)
	require.NoError(t, idx.InsertGames("batch_1.parquet", []*replay.Record{a, b}))
	// re-indexing is a no-op
	require.NoError(t, idx.InsertGames("batch_2.parquet", []*replay.Record{a}))

	ok, err := idx.GameExists("a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = idx.GameExists("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	games, err := idx.Games(10)
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "b", games[0].ID)
	assert.Equal(t, "batch_1.parquet", games[1].Batch)
	assert.Equal(t, 4, games[1].Plies)
	assert.Equal(t, int64(1500), games[1].DurationMs)

	actions, err := idx.GameActions("a")
	require.NoError(t, err)
	states, err := rules.Replay(a.Initial, a.Actions)
	require.NoError(t, err)
	require.Len(t, actions, len(a.Actions))
	for i, act := range a.Actions {
		assert.Equal(t, convert.ActionIndex(states[i], act), actions[i])
	}

	sum, err := idx.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Games)
	assert.Equal(t, [2]int{1, 1}, sum.Wins)
	assert.InDelta(t, 3.5, sum.AvgPlies, 1e-9)
}

func TestIndexEmptySummary(t *testing.T) {
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer idx.Close()

	sum, err := idx.Summary()
	require.NoError(t, err)
	assert.Equal(t, IndexSummary{}, sum)
}
