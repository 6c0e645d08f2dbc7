package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid marks a mutation rejected because its arguments break a
// queue invariant.
var ErrInvalid = errors.New("invalid argument")

type rowScanner interface {
	Scan(dest ...any) error
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanQueue(r rowScanner) (*Queue, error) {
	q := &Queue{}
	if err := r.Scan(&q.ID, &q.Name, &q.Strategy, &q.Addr, &q.Rank, &q.CreatedAt); err != nil {
		return nil, err
	}
	return q, nil
}

func scanJob(r rowScanner) (*Job, error) {
	j := &Job{}
	if err := r.Scan(&j.ID, &j.QueueID, &j.Name, &j.Rank, &j.Count, &j.Completed, &j.Draft, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Sets = []*Set{}
	return j, nil
}

func scanSet(r rowScanner) (*Set, error) {
	s := &Set{}
	var materials, profiles string
	if err := r.Scan(&s.ID, &s.JobID, &s.Path, &s.SD, &s.Rank, &s.Count, &s.Completed, &materials, &profiles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(materials), &s.Materials); err != nil {
		return nil, fmt.Errorf("failed to decode materials for set %d: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(profiles), &s.Profiles); err != nil {
		return nil, fmt.Errorf("failed to decode profiles for set %d: %w", s.ID, err)
	}
	if s.Materials == nil {
		s.Materials = []string{}
	}
	if s.Profiles == nil {
		s.Profiles = []string{}
	}
	return s, nil
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func getQueue(ctx context.Context, x execQuerier, name string) (*Queue, error) {
	q, err := scanQueue(x.QueryRowContext(ctx, GetQueueByName, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return q, nil
}

func (s *Store) GetQueue(ctx context.Context, name string) (*Queue, error) {
	return getQueue(ctx, s.db, name)
}

func (s *Store) GetQueues(ctx context.Context) ([]*Queue, error) {
	rows, err := s.db.QueryContext(ctx, ListQueues)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var queues []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func upsertQueue(ctx context.Context, x execQuerier, q *Queue) error {
	if q.Strategy == "" {
		q.Strategy = "LINEAR"
	}
	_, err := x.ExecContext(ctx, UpsertQueue,
		q.Name, q.Strategy, q.Addr, q.Rank,
		q.Strategy, q.Addr, q.Rank)
	return err
}

func (s *Store) UpsertQueue(ctx context.Context, q *Queue) error {
	if q.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalid)
	}
	if err := upsertQueue(ctx, s.db, q); err != nil {
		return fmt.Errorf("failed to upsert queue: %w", err)
	}
	return nil
}

// CommitQueues replaces the queue list. Queues are ranked in slice order;
// queues missing from the list are removed along with their jobs, except
// the default queue.
func (s *Store) CommitQueues(ctx context.Context, queues []*Queue) error {
	keep := map[string]bool{DefaultQueue: true}
	for _, q := range queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is required", ErrInvalid)
		}
		keep[q.Name] = true
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, q := range queues {
			q.Rank = i
			if err := upsertQueue(ctx, tx, q); err != nil {
				return fmt.Errorf("failed to upsert queue %s: %w", q.Name, err)
			}
		}

		rows, err := tx.QueryContext(ctx, ListQueues)
		if err != nil {
			return fmt.Errorf("failed to list queues: %w", err)
		}
		var stale []int64
		for rows.Next() {
			q, err := scanQueue(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan queue: %w", err)
			}
			if !keep[q.Name] {
				stale = append(stale, q.ID)
			}
		}
		rows.Close()

		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, DeleteQueue, id); err != nil {
				return fmt.Errorf("failed to delete queue %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) RemoveQueues(ctx context.Context, ids []int64) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, DeleteQueue, id)
			if err != nil {
				return fmt.Errorf("failed to delete queue: %w", err)
			}
			affected, _ := res.RowsAffected()
			n += int(affected)
		}
		return nil
	})
	return n, err
}

// GetJobs returns the queue's jobs in rank order, each with its sets in
// rank order.
// GetJobs returns the queue's jobs with their sets. Jobs and sets are
// read in one transaction so a concurrent edit cannot split them.
func (s *Store) GetJobs(ctx context.Context, queueName string) ([]*Job, error) {
	var jobs []*Job
	err := s.withReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		jobs, err = listJobs(ctx, tx, queueName)
		return err
	})
	return jobs, err
}

func listJobs(ctx context.Context, x execQuerier, queueName string) ([]*Job, error) {
	q, err := getQueue(ctx, x, queueName)
	if err != nil {
		return nil, err
	}

	rows, err := x.QueryContext(ctx, ListJobsByQueue, q.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	var jobs []*Job
	byID := make(map[int64]*Job)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Queue = q.Name
		jobs = append(jobs, j)
		byID[j.ID] = j
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	setRows, err := x.QueryContext(ctx, ListSetsByQueue, q.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sets: %w", err)
	}
	defer setRows.Close()
	for setRows.Next() {
		set, err := scanSet(setRows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan set: %w", err)
		}
		if j, ok := byID[set.JobID]; ok {
			j.Sets = append(j.Sets, set)
		}
	}
	return jobs, setRows.Err()
}

func getJob(ctx context.Context, x execQuerier, id int64) (*Job, error) {
	j, err := scanJob(x.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rows, err := x.QueryContext(ctx, ListSetsByJob, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list sets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan set: %w", err)
		}
		j.Sets = append(j.Sets, set)
	}
	return j, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func getSet(ctx context.Context, x execQuerier, id int64) (*Set, error) {
	set, err := scanSet(x.QueryRowContext(ctx, GetSetByID, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get set: %w", err)
	}
	return set, nil
}

func (s *Store) GetSet(ctx context.Context, id int64) (*Set, error) {
	return getSet(ctx, s.db, id)
}

func newJob(ctx context.Context, x execQuerier, queueID int64, name string, draft bool, createdAt any) (*Job, error) {
	var rank int
	if err := x.QueryRowContext(ctx, MaxJobRank, queueID).Scan(&rank); err != nil {
		return nil, fmt.Errorf("failed to read job rank: %w", err)
	}
	rank++

	res, err := x.ExecContext(ctx, InsertJob, queueID, name, rank, 1, draft, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get job id: %w", err)
	}
	return getJob(ctx, x, id)
}

// NewEmptyJob appends a job with no sets to the end of the queue.
func (s *Store) NewEmptyJob(ctx context.Context, queueName, name string, draft bool) (*Job, error) {
	q, err := s.GetQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	j, err := newJob(ctx, s.db, q.ID, name, draft, s.now())
	if err != nil {
		return nil, err
	}
	j.Queue = q.Name
	return j, nil
}

// AppendSet adds set to the end of the job and fills in its id and rank.
func (s *Store) AppendSet(ctx context.Context, jobID int64, set *Set) error {
	if set.Path == "" {
		return fmt.Errorf("%w: set path is required", ErrInvalid)
	}
	if set.Count < 0 {
		return fmt.Errorf("%w: set count must be non-negative", ErrInvalid)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, jobID); err != nil {
			return err
		}
		var rank int
		if err := tx.QueryRowContext(ctx, MaxSetRank, jobID).Scan(&rank); err != nil {
			return fmt.Errorf("failed to read set rank: %w", err)
		}
		rank++

		res, err := tx.ExecContext(ctx, InsertSet,
			jobID, set.Path, set.SD, rank, set.Count,
			encodeList(set.Materials), encodeList(set.Profiles))
		if err != nil {
			return fmt.Errorf("failed to create set: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get set id: %w", err)
		}
		set.ID = id
		set.JobID = jobID
		set.Rank = rank
		set.Completed = 0
		return nil
	})
}

func (s *Store) UpdateJob(ctx context.Context, id int64, u JobUpdate) (*Job, error) {
	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.Name != nil {
			j.Name = *u.Name
		}
		if u.Count != nil {
			if *u.Count < 1 {
				return fmt.Errorf("%w: job count must be at least 1", ErrInvalid)
			}
			j.Count = *u.Count
		}
		if u.Completed != nil {
			j.Completed = *u.Completed
		}
		if u.Draft != nil {
			j.Draft = *u.Draft
		}
		j.Completed = clamp(j.Completed, 0, j.Count)

		if _, err := tx.ExecContext(ctx, UpdateJob, j.Name, j.Count, j.Completed, j.Draft, j.ID); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		out = j
		return nil
	})
	return out, err
}

func (s *Store) UpdateSet(ctx context.Context, id int64, u SetUpdate) (*Set, error) {
	var out *Set
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		set, err := getSet(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.Path != nil {
			if *u.Path == "" {
				return fmt.Errorf("%w: set path is required", ErrInvalid)
			}
			set.Path = *u.Path
		}
		if u.SD != nil {
			set.SD = *u.SD
		}
		if u.Count != nil {
			if *u.Count < 0 {
				return fmt.Errorf("%w: set count must be non-negative", ErrInvalid)
			}
			set.Count = *u.Count
		}
		if u.Completed != nil {
			set.Completed = *u.Completed
		}
		if u.Materials != nil {
			set.Materials = *u.Materials
		}
		if u.Profiles != nil {
			set.Profiles = *u.Profiles
		}
		set.Completed = clamp(set.Completed, 0, set.Count)

		if _, err := tx.ExecContext(ctx, UpdateSet,
			set.Path, set.SD, set.Count, set.Completed,
			encodeList(set.Materials), encodeList(set.Profiles), set.ID); err != nil {
			return fmt.Errorf("failed to update set: %w", err)
		}
		out = set
		return nil
	})
	return out, err
}

// reorder removes id from ids and reinserts it directly after afterID,
// or at the front when afterID is not in the list.
func reorder(ids []int64, id, afterID int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	pos := 0
	for i, v := range out {
		if v == afterID {
			pos = i + 1
			break
		}
	}
	out = append(out, 0)
	copy(out[pos+1:], out[pos:])
	out[pos] = id
	return out
}

func collectIDs(ctx context.Context, x execQuerier, query string, arg int64) ([]int64, error) {
	rows, err := x.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MoveJob places the job directly after afterID. An afterID of zero or
// less moves it to the front of its queue; an afterID in another queue
// moves the job into that queue.
func (s *Store) MoveJob(ctx context.Context, id, afterID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		queueID := j.QueueID
		if afterID > 0 {
			after, err := getJob(ctx, tx, afterID)
			if err != nil {
				return err
			}
			queueID = after.QueueID
		}

		ids, err := collectIDs(ctx, tx, ListJobIDsByQueue, queueID)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		for rank, jid := range reorder(ids, id, afterID) {
			if _, err := tx.ExecContext(ctx, SetJobRank, queueID, rank, jid); err != nil {
				return fmt.Errorf("failed to rank job %d: %w", jid, err)
			}
		}
		return nil
	})
}

// MoveSet places the set directly after afterID within destJob. A destJob
// of zero or less creates a new job at the end of the set's queue.
func (s *Store) MoveSet(ctx context.Context, id, afterID, destJob int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		set, err := getSet(ctx, tx, id)
		if err != nil {
			return err
		}

		if destJob <= 0 {
			src, err := getJob(ctx, tx, set.JobID)
			if err != nil {
				return err
			}
			j, err := newJob(ctx, tx, src.QueueID, "", false, s.now())
			if err != nil {
				return err
			}
			destJob = j.ID
		} else if _, err := getJob(ctx, tx, destJob); err != nil {
			return err
		}

		if afterID > 0 {
			after, err := getSet(ctx, tx, afterID)
			if err != nil {
				return err
			}
			if after.JobID != destJob {
				return fmt.Errorf("%w: set %d is not in job %d", ErrInvalid, afterID, destJob)
			}
		}

		ids, err := collectIDs(ctx, tx, ListSetIDsByJob, destJob)
		if err != nil {
			return fmt.Errorf("failed to list sets: %w", err)
		}
		for rank, sid := range reorder(ids, id, afterID) {
			if _, err := tx.ExecContext(ctx, SetSetRank, destJob, rank, sid); err != nil {
				return fmt.Errorf("failed to rank set %d: %w", sid, err)
			}
		}
		return nil
	})
}

func (s *Store) RemoveJobsAndSets(ctx context.Context, jobIDs, setIDs []int64) (*RemoveResult, error) {
	result := &RemoveResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range setIDs {
			res, err := tx.ExecContext(ctx, DeleteSet, id)
			if err != nil {
				return fmt.Errorf("failed to delete set: %w", err)
			}
			n, _ := res.RowsAffected()
			result.SetsDeleted += int(n)
		}
		for _, id := range jobIDs {
			res, err := tx.ExecContext(ctx, DeleteJob, id)
			if err != nil {
				return fmt.Errorf("failed to delete job: %w", err)
			}
			n, _ := res.RowsAffected()
			result.JobsDeleted += int(n)
		}
		return nil
	})
	return result, err
}

// Replenish resets completion for the given jobs (including all of their
// sets) and the given individual sets.
func (s *Store) Replenish(ctx context.Context, jobIDs, setIDs []int64) (*ReplenishResult, error) {
	result := &ReplenishResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range jobIDs {
			res, err := tx.ExecContext(ctx, ResetJobCompleted, id)
			if err != nil {
				return fmt.Errorf("failed to reset job: %w", err)
			}
			n, _ := res.RowsAffected()
			result.JobsReset += int(n)

			res, err = tx.ExecContext(ctx, ResetSetsForJob, id)
			if err != nil {
				return fmt.Errorf("failed to reset sets: %w", err)
			}
			n, _ = res.RowsAffected()
			result.SetsReset += int(n)
		}
		for _, id := range setIDs {
			res, err := tx.ExecContext(ctx, ResetSet, id)
			if err != nil {
				return fmt.Errorf("failed to reset set: %w", err)
			}
			n, _ := res.RowsAffected()
			result.SetsReset += int(n)
		}
		return nil
	})
	return result, err
}

// CompleteSet records one successful print of the set. The completed
// count never passes the target. When the last incomplete set of a job
// completes, the job's pass count advances and, if passes remain, every
// set of the job is reset for the next pass.
func (s *Store) CompleteSet(ctx context.Context, setID int64) (*Set, error) {
	var out *Set
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		set, err := getSet(ctx, tx, setID)
		if err != nil {
			return err
		}
		if !set.Incomplete() {
			out = set
			return nil
		}
		if _, err := tx.ExecContext(ctx, IncrementSetCompleted, setID); err != nil {
			return fmt.Errorf("failed to increment set: %w", err)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, CountIncompleteSets, set.JobID).Scan(&remaining); err != nil {
			return fmt.Errorf("failed to count incomplete sets: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, IncrementJobCompleted, set.JobID); err != nil {
				return fmt.Errorf("failed to increment job: %w", err)
			}
			j, err := getJob(ctx, tx, set.JobID)
			if err != nil {
				return err
			}
			if j.PassesRemaining() {
				if _, err := tx.ExecContext(ctx, ResetSetsForJob, set.JobID); err != nil {
					return fmt.Errorf("failed to reset sets for next pass: %w", err)
				}
			}
		}

		out, err = getSet(ctx, tx, setID)
		return err
	})
	return out, err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
