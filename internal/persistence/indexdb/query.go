package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"tilecraft.ai/internal/sim/world"
)

// LatestSnapshot returns the most recent snapshot row at or before maxTick (0 means any).
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context, maxTick uint64) (SnapshotRow, bool, error) {
	q := `SELECT tick,path,digest,width,height,agents,jobs,regions,structures FROM snapshots ORDER BY tick DESC LIMIT 1`
	args := []any{}
	if maxTick > 0 {
		q = `SELECT tick,path,digest,width,height,agents,jobs,regions,structures FROM snapshots WHERE tick <= ? ORDER BY tick DESC LIMIT 1`
		args = append(args, int64(maxTick))
	}
	var r SnapshotRow
	var tick int64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&tick, &r.Path, &r.Digest, &r.Width, &r.Height, &r.Agents, &r.Jobs, &r.Regions, &r.Structures)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRow{}, false, nil
	}
	if err != nil {
		return SnapshotRow{}, false, err
	}
	r.Tick = uint64(tick)
	return r, true, nil
}

// TickDigest returns the recorded state digest of tick.
func (s *SQLiteIndex) TickDigest(ctx context.Context, tick uint64) (string, bool, error) {
	var d string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM ticks WHERE tick = ?`, int64(tick)).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return d, true, nil
}

// JobHistory lists the recorded lifecycle of one job in order.
func (s *SQLiteIndex) JobHistory(ctx context.Context, jobID string) ([]world.JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM job_events WHERE job_id = ? ORDER BY tick, seq`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []world.JobLogEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e world.JobLogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Snapshots lists recorded snapshots, newest first.
func (s *SQLiteIndex) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT tick,path,digest,width,height,agents,jobs,regions,structures FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var tick int64
		if err := rows.Scan(&tick, &r.Path, &r.Digest, &r.Width, &r.Height, &r.Agents, &r.Jobs, &r.Regions, &r.Structures); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}
