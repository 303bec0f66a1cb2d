package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brensch/santorini/executor/convert"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/rules"
)

// Index records which games were written to which batch file, so runs can be
// audited and a game found without scanning every parquet file.
type Index struct {
	conn *sql.DB
	mu   sync.Mutex
}

// IndexedGame is one row of the games table.
type IndexedGame struct {
	ID         string
	Worker     int
	Winner     int
	Plies      int
	Batch      string
	StartedMs  int64
	DurationMs int64
}

// IndexSummary aggregates the games table.
type IndexSummary struct {
	Games    int
	Wins     [2]int
	AvgPlies float64
}

// OpenIndex opens (or creates) the SQLite index at path.
func OpenIndex(path string) (*Index, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	// SQLite only supports one writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	idx := &Index{conn: conn}
	if err := idx.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		worker INTEGER NOT NULL,
		winner INTEGER NOT NULL,
		plies INTEGER NOT NULL,
		batch TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);

	-- one row per action, using the flat action index
	CREATE TABLE IF NOT EXISTS actions (
		game_id TEXT,
		ply INTEGER,
		action INTEGER NOT NULL,
		PRIMARY KEY (game_id, ply),
		FOREIGN KEY(game_id) REFERENCES games(id)
	);

	CREATE INDEX IF NOT EXISTS idx_games_batch ON games(batch);
	`

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, err := idx.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (idx *Index) Close() error {
	return idx.conn.Close()
}

// GameExists reports whether a game id is already indexed.
func (idx *Index) GameExists(gameID string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var exists int
	err := idx.conn.QueryRow("SELECT 1 FROM games WHERE id = ?", gameID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertGames indexes recs as written to batch, in a single transaction.
// Games already present are left untouched.
func (idx *Index) InsertGames(batch string, recs []*replay.Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	gameStmt, err := tx.Prepare(`INSERT OR IGNORE INTO games
		(id, worker, winner, plies, batch, started_at_ms, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare game statement: %w", err)
	}
	defer gameStmt.Close()

	actionStmt, err := tx.Prepare("INSERT OR IGNORE INTO actions (game_id, ply, action) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare action statement: %w", err)
	}
	defer actionStmt.Close()

	for _, rec := range recs {
		states, err := rules.Replay(rec.Initial, rec.Actions)
		if err != nil {
			return fmt.Errorf("game %s: %w", rec.GameID, err)
		}
		if _, err := gameStmt.Exec(rec.GameID, rec.Worker, rec.Winner, rec.Plies(), batch,
			rec.Started.UnixMilli(), rec.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("failed to insert game %s: %w", rec.GameID, err)
		}
		for ply, act := range rec.Actions {
			if _, err := actionStmt.Exec(rec.GameID, ply, convert.ActionIndex(states[ply], act)); err != nil {
				return fmt.Errorf("failed to insert action %d of %s: %w", ply, rec.GameID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Games returns up to limit games, newest first.
func (idx *Index) Games(limit int) ([]IndexedGame, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.conn.Query(`SELECT id, worker, winner, plies, batch, started_at_ms, duration_ms
		FROM games ORDER BY started_at_ms DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []IndexedGame
	for rows.Next() {
		var g IndexedGame
		if err := rows.Scan(&g.ID, &g.Worker, &g.Winner, &g.Plies, &g.Batch, &g.StartedMs, &g.DurationMs); err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// GameActions returns a game's flat action indices in play order.
func (idx *Index) GameActions(gameID string) ([]int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.conn.Query("SELECT action FROM actions WHERE game_id = ? ORDER BY ply", gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []int
	for rows.Next() {
		var a int
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (idx *Index) Summary() (IndexSummary, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var s IndexSummary
	var avg sql.NullFloat64
	err := idx.conn.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(winner = 0), 0), COALESCE(SUM(winner = 1), 0), AVG(plies) FROM games`).
		Scan(&s.Games, &s.Wins[0], &s.Wins[1], &avg)
	if err != nil {
		return IndexSummary{}, err
	}
	s.AvgPlies = avg.Float64
	return s, nil
}
