// Package store persists self-play games as Parquet files.
package store

import (
	"fmt"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"

	"github.com/brensch/santorini/executor/convert"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

const (
	TrainingSchema = "training_row_v1"
	ArchiveSchema  = "archive_game_v1"
)

// TrainingRow is a single supervised training sample.
//
// State is the 5x5x5 encoding from the mover's perspective (see convert).
// Policy is the normalized root visit distribution over the 128 action slots.
// Value is the outcome target in [-1..1] from the mover's perspective.
type TrainingRow struct {
	GameID string    `parquet:"game_id,dict"`
	Ply    int32     `parquet:"ply"`
	Player int32     `parquet:"player"`
	Worker int32     `parquet:"worker"`
	State  []float32 `parquet:"state"`
	Policy []float32 `parquet:"policy"`
	Action int32     `parquet:"action"`
	Value  float32   `parquet:"value"`
	Winner int32     `parquet:"winner"`
	Source string    `parquet:"source,dict"`
}

// ArchiveGameRow stores one whole game compactly: the initial position and the
// action slots played. Every intermediate state can be rebuilt with
// ReplayArchive.
type ArchiveGameRow struct {
	GameID string `parquet:"game_id,dict"`
	// Heights is row-major, Size*Size entries.
	Heights []int32 `parquet:"heights"`
	// Workers holds row, col pairs: player 0 workers then player 1 workers.
	Workers    []int32 `parquet:"workers"`
	Actions    []int32 `parquet:"actions"`
	Winner     int32   `parquet:"winner"`
	StartedMs  int64   `parquet:"started_at_ms"`
	DurationMs int64   `parquet:"duration_ms"`
}

// RowsFromRecord flattens a record into one training row per searched ply.
func RowsFromRecord(rec *replay.Record, source string) ([]TrainingRow, error) {
	if len(rec.Steps) != len(rec.Actions) {
		return nil, fmt.Errorf("record %s: %d steps for %d actions", rec.GameID, len(rec.Steps), len(rec.Actions))
	}
	states, err := rules.Replay(rec.Initial, rec.Actions)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.GameID, err)
	}
	rows := make([]TrainingRow, 0, len(rec.Steps))
	for i, st := range rec.Steps {
		rows = append(rows, TrainingRow{
			GameID: rec.GameID,
			Ply:    int32(i),
			Player: int32(st.Player),
			Worker: int32(rec.Worker),
			State:  st.State,
			Policy: st.Policy,
			Action: int32(convert.ActionIndex(states[i], rec.Actions[i])),
			Value:  st.Value,
			Winner: int32(rec.Winner),
			Source: source,
		})
	}
	return rows, nil
}

// ArchiveFromRecord builds the compact archive row for rec.
func ArchiveFromRecord(rec *replay.Record) (ArchiveGameRow, error) {
	states, err := rules.Replay(rec.Initial, rec.Actions)
	if err != nil {
		return ArchiveGameRow{}, fmt.Errorf("record %s: %w", rec.GameID, err)
	}
	row := ArchiveGameRow{
		GameID:     rec.GameID,
		Heights:    make([]int32, 0, game.Size*game.Size),
		Workers:    make([]int32, 0, game.Players*game.Workers*2),
		Actions:    make([]int32, 0, len(rec.Actions)),
		Winner:     int32(rec.Winner),
		StartedMs:  rec.Started.UnixMilli(),
		DurationMs: rec.Duration.Milliseconds(),
	}
	for r := range rec.Initial.Heights {
		for _, h := range rec.Initial.Heights[r] {
			row.Heights = append(row.Heights, int32(h))
		}
	}
	for p := range rec.Initial.Workers {
		for _, w := range rec.Initial.Workers[p] {
			row.Workers = append(row.Workers, int32(w.Row), int32(w.Col))
		}
	}
	for i, a := range rec.Actions {
		row.Actions = append(row.Actions, int32(convert.ActionIndex(states[i], a)))
	}
	return row, nil
}

// ReplayArchive decodes an archive row back into its initial state and
// actions.
func ReplayArchive(row ArchiveGameRow) (game.GameState, []game.Action, error) {
	if len(row.Heights) != game.Size*game.Size || len(row.Workers) != game.Players*game.Workers*2 {
		return game.GameState{}, nil, fmt.Errorf("archive %s: malformed board", row.GameID)
	}
	var heights [game.Size][game.Size]uint8
	for i, h := range row.Heights {
		heights[i/game.Size][i%game.Size] = uint8(h)
	}
	var workers [game.Players][game.Workers]game.Position
	for i := 0; i < game.Players*game.Workers; i++ {
		workers[i/game.Workers][i%game.Workers] = game.Position{Row: int8(row.Workers[2*i]), Col: int8(row.Workers[2*i+1])}
	}
	initial, err := game.NewGameState(workers, heights)
	if err != nil {
		return game.GameState{}, nil, fmt.Errorf("archive %s: %w", row.GameID, err)
	}

	actions := make([]game.Action, 0, len(row.Actions))
	cur := initial
	for i, idx := range row.Actions {
		a, ok := convert.ActionFromIndex(cur, int(idx))
		if !ok {
			return game.GameState{}, nil, fmt.Errorf("archive %s ply %d: bad action slot %d", row.GameID, i, idx)
		}
		next, err := rules.Apply(cur, a)
		if err != nil {
			return game.GameState{}, nil, fmt.Errorf("archive %s ply %d: %w", row.GameID, i, err)
		}
		actions = append(actions, a)
		cur = next
	}
	return initial, actions, nil
}

func writerOptions(schema string) []parquet.WriterOption {
	return []parquet.WriterOption{
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("state"),
		parquet.KeyValueMetadata("schema", schema),
	}
}

// WriteBatchParquetAtomic writes rows to outDir/tmp and renames the file into
// outDir, so readers never see a partial file.
func WriteBatchParquetAtomic[T any](outDir, prefix, schema string, rows []T) (string, error) {
	dest, err := newPendingFile(outDir, prefix)
	if err != nil {
		return "", err
	}
	if err := parquet.WriteFile(dest.tmpPath, rows, writerOptions(schema)...); err != nil {
		dest.abort()
		return "", fmt.Errorf("write parquet: %w", err)
	}
	if err := dest.commit(); err != nil {
		return "", err
	}
	return dest.outPath, nil
}

// WriteTrainingBatch writes rows as a training batch file in outDir.
func WriteTrainingBatch(outDir string, rows []TrainingRow) (string, error) {
	return WriteBatchParquetAtomic(outDir, "batch", TrainingSchema, rows)
}

// WriteArchiveBatch writes game archive rows as one file in outDir.
func WriteArchiveBatch(outDir string, rows []ArchiveGameRow) (string, error) {
	return WriteBatchParquetAtomic(outDir, "games", ArchiveSchema, rows)
}

func ReadTrainingRows(path string) ([]TrainingRow, error) {
	rows, err := parquet.ReadFile[TrainingRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

func ReadArchiveRows(path string) ([]ArchiveGameRow, error) {
	rows, err := parquet.ReadFile[ArchiveGameRow](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}
