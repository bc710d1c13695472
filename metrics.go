package mtbert

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sink records scalar time series.
type Sink interface {
	Scalar(tag string, value float64, step int) error
	Close() error
}

// SQLiteSink appends scalars to a SQLite database, one row per value,
// tagged with the run id.
type SQLiteSink struct {
	db    *sql.DB
	run   string
	close sync.Once
}

const scalarsSchema = `CREATE TABLE IF NOT EXISTS scalars (
	run TEXT NOT NULL,
	tag TEXT NOT NULL,
	step INTEGER NOT NULL,
	value REAL NOT NULL,
	wall_time INTEGER NOT NULL
)`

// OpenSQLiteSink opens (creating if needed) the database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec(scalarsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create scalars table: %w", err)
	}
	return &SQLiteSink{db: db, run: uuid.NewString()}, nil
}

// Run is the id the sink writes with.
func (s *SQLiteSink) Run() string {
	return s.run
}

func (s *SQLiteSink) Scalar(tag string, value float64, step int) error {
	_, err := s.db.Exec(`INSERT INTO scalars (run, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`,
		s.run, tag, step, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write scalar %s: %w", tag, err)
	}
	return nil
}

// Scalars returns the values of tag written by this run in step order.
func (s *SQLiteSink) Scalars(tag string) ([]Scalar, error) {
	rows, err := s.db.Query(`SELECT step, value FROM scalars WHERE run = ? AND tag = ? ORDER BY step, rowid`, s.run, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Scalar
	for rows.Next() {
		sc := Scalar{Tag: tag}
		if err := rows.Scan(&sc.Step, &sc.Value); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	var err error
	s.close.Do(func() { err = s.db.Close() })
	return err
}

type Scalar struct {
	Tag   string
	Value float64
	Step  int
}

// MemorySink keeps scalars in memory.
type MemorySink struct {
	mu      sync.Mutex
	scalars []Scalar
}

func (s *MemorySink) Scalar(tag string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars = append(s.scalars, Scalar{Tag: tag, Value: value, Step: step})
	return nil
}

func (s *MemorySink) Close() error {
	return nil
}

// Scalars returns the values recorded for tag in write order.
func (s *MemorySink) Scalars(tag string) []Scalar {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Scalar
	for _, sc := range s.scalars {
		if sc.Tag == tag {
			out = append(out, sc)
		}
	}
	return out
}
