package db

import (
	"context"
	"database/sql"
	"fmt"
)

// BeginRun opens a new continuous-printing session on the queue.
func (s *Store) BeginRun(ctx context.Context, queueName string) (*Run, error) {
	r := &Run{QueueName: queueName, StartedAt: s.now()}
	res, err := s.db.ExecContext(ctx, InsertRun, r.QueueName, r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get run id: %w", err)
	}
	r.ID = id
	return r, nil
}

// EndRun closes the run. Closing an already closed run is a no-op.
func (s *Store) EndRun(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, EndRun, s.now(), id); err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	return nil
}

// CloseOpenRuns ends any run left open by an unclean shutdown.
func (s *Store) CloseOpenRuns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, EndOpenRuns, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to close open runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	r := &Run{}
	err := s.db.QueryRowContext(ctx, GetRunByID, id).Scan(&r.ID, &r.QueueName, &r.StartedAt, &r.EndedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

func (s *Store) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	if h.Result != ResultSuccess && h.Result != ResultFailure {
		return fmt.Errorf("%w: unknown history result %q", ErrInvalid, h.Result)
	}
	if h.EndedAt.IsZero() {
		h.EndedAt = s.now()
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = h.EndedAt
	}

	res, err := s.db.ExecContext(ctx, InsertHistory,
		h.RunID, h.QueueName, h.JobID, h.SetID, h.JobName, h.Path,
		h.Result, h.Note, h.StartedAt, h.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get history id: %w", err)
	}
	h.ID = id
	return nil
}

// GetHistory returns up to limit entries, newest first.
func (s *Store) GetHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, ListHistory, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []*HistoryEntry{}
	for rows.Next() {
		h := &HistoryEntry{}
		if err := rows.Scan(&h.ID, &h.RunID, &h.QueueName, &h.JobID, &h.SetID,
			&h.JobName, &h.Path, &h.Result, &h.Note, &h.StartedAt, &h.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *Store) ClearHistory(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, DeleteHistory); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
