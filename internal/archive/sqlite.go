// Package archive persists completed trip records in SQLite.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"crowdbus/internal/domain"
)

const lookupTimeout = 2 * time.Second

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is an append-only trip archive. Writes are idempotent by trip ID.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file and its directory if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, logger: logger.With("component", "archive")}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trips (
			id TEXT PRIMARY KEY,
			bus_id TEXT NOT NULL,
			route_id TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			reason TEXT NOT NULL,
			stats TEXT NOT NULL,
			track TEXT NOT NULL,
			pings TEXT NOT NULL,
			archived_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trips_bus_ended ON trips(bus_id, ended_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Archive stores rec. Storing the same trip twice is a no-op.
func (s *Store) Archive(ctx context.Context, rec domain.TripRecord) error {
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	track, err := json.Marshal(rec.Track)
	if err != nil {
		return fmt.Errorf("encode track: %w", err)
	}
	pings, err := json.Marshal(rec.Pings)
	if err != nil {
		return fmt.Errorf("encode pings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trips (id, bus_id, route_id, started_at, ended_at, reason, stats, track, pings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BusID, rec.RouteID,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.EndedAt.UTC().Format(timeLayout),
		string(rec.Reason), string(stats), string(track), string(pings),
	)
	if err != nil {
		return fmt.Errorf("%w: insert trip %s: %v", domain.ErrStorageUnavailable, rec.ID, err)
	}
	return nil
}

// Trips lists the newest trips of a bus, most recent first.
func (s *Store) Trips(ctx context.Context, busID string, limit int) ([]domain.TripRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bus_id, route_id, started_at, ended_at, reason, stats, track, pings
		FROM trips WHERE bus_id = ? ORDER BY ended_at DESC LIMIT ?`, busID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query trips: %v", domain.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []domain.TripRecord
	for rows.Next() {
		rec, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestTrip returns the most recently ended trip of a bus.
func (s *Store) LatestTrip(busID string) (*domain.TripRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, bus_id, route_id, started_at, ended_at, reason, stats, track, pings
		FROM trips WHERE bus_id = ? ORDER BY ended_at DESC LIMIT 1`, busID)
	rec, err := scanTrip(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("latest trip lookup failed", "bus_id", busID, "error", err)
		}
		return nil, false
	}
	return &rec, true
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(row scanner) (domain.TripRecord, error) {
	var (
		rec                        domain.TripRecord
		routeID                    sql.NullString
		startedAt, endedAt, reason string
		stats, track, pings        string
	)
	if err := row.Scan(&rec.ID, &rec.BusID, &routeID, &startedAt, &endedAt, &reason, &stats, &track, &pings); err != nil {
		return domain.TripRecord{}, err
	}

	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return domain.TripRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if rec.EndedAt, err = time.Parse(timeLayout, endedAt); err != nil {
		return domain.TripRecord{}, fmt.Errorf("parse ended_at: %w", err)
	}
	rec.RouteID = routeID.String
	rec.Reason = domain.CompletionReason(reason)

	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return domain.TripRecord{}, fmt.Errorf("decode stats: %w", err)
	}
	if err := json.Unmarshal([]byte(track), &rec.Track); err != nil {
		return domain.TripRecord{}, fmt.Errorf("decode track: %w", err)
	}
	if err := json.Unmarshal([]byte(pings), &rec.Pings); err != nil {
		return domain.TripRecord{}, fmt.Errorf("decode pings: %w", err)
	}
	return rec, nil
}
