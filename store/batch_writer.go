package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/brensch/santorini/executor/replay"
)

var ErrWriterClosed = errors.New("batch writer is closed")

// pendingFile is a file under dir/tmp that only appears in dir once committed.
type pendingFile struct {
	tmpPath string
	outPath string
}

func newPendingFile(dir, prefix string) (pendingFile, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return pendingFile{}, fmt.Errorf("create tmp dir: %w", err)
	}
	name := fmt.Sprintf("%s_%d.parquet", prefix, time.Now().UnixNano())
	return pendingFile{
		tmpPath: filepath.Join(abs, "tmp", name+".tmp"),
		outPath: filepath.Join(abs, name),
	}, nil
}

func (p pendingFile) commit() error {
	if err := os.Rename(p.tmpPath, p.outPath); err != nil {
		p.abort()
		return fmt.Errorf("rename parquet: %w", err)
	}
	return nil
}

func (p pendingFile) abort() {
	_ = os.Remove(p.tmpPath)
}

// BatchWriter streams the training rows of many games into one Parquet file.
// Nothing is visible in outDir until Finalize.
type BatchWriter struct {
	source string
	dest   pendingFile
	file   *os.File
	writer *parquet.GenericWriter[TrainingRow]

	games int
	rows  int
}

// NewBatchWriter opens a new batch in outDir. source tags every row.
func NewBatchWriter(outDir, source string) (*BatchWriter, error) {
	if outDir == "" {
		return nil, fmt.Errorf("outDir is required")
	}
	dest, err := newPendingFile(outDir, "batch")
	if err != nil {
		return nil, err
	}
	f, err := os.Create(dest.tmpPath)
	if err != nil {
		return nil, fmt.Errorf("open tmp parquet: %w", err)
	}
	w := parquet.NewGenericWriter[TrainingRow](f, writerOptions(TrainingSchema)...)
	return &BatchWriter{source: source, dest: dest, file: f, writer: w}, nil
}

// OutPath is where the batch lands once finalized.
func (b *BatchWriter) OutPath() string    { return b.dest.outPath }
func (b *BatchWriter) BufferedGames() int { return b.games }
func (b *BatchWriter) BufferedRows() int  { return b.rows }

func (b *BatchWriter) WriteRows(rows []TrainingRow) error {
	if b.writer == nil {
		return ErrWriterClosed
	}
	if _, err := b.writer.Write(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	b.rows += len(rows)
	return nil
}

// WriteRecord appends the rows of one finished game.
func (b *BatchWriter) WriteRecord(rec *replay.Record) error {
	rows, err := RowsFromRecord(rec, b.source)
	if err != nil {
		return err
	}
	if err := b.WriteRows(rows); err != nil {
		return err
	}
	b.games++
	return nil
}

// Finalize closes the batch and moves it into outDir. An empty batch is
// discarded and reported with an empty path. Later calls are no-ops.
func (b *BatchWriter) Finalize() (path string, rows, games int, err error) {
	if b.writer == nil {
		return "", 0, 0, nil
	}
	err = errors.Join(b.writer.Close(), b.file.Sync(), b.file.Close())
	b.writer, b.file = nil, nil
	switch {
	case err != nil:
		b.dest.abort()
		return "", 0, 0, fmt.Errorf("close batch: %w", err)
	case b.rows == 0:
		b.dest.abort()
		return "", 0, 0, nil
	}
	if err := b.dest.commit(); err != nil {
		return "", 0, 0, err
	}
	return b.dest.outPath, b.rows, b.games, nil
}
