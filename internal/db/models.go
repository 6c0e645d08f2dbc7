package db

import (
	"time"
)

const DefaultQueue = "default"

type Queue struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Strategy  string    `json:"strategy"`
	Addr      string    `json:"addr,omitempty"`
	Rank      int       `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is an ordered collection of sets. Count is the number of passes
// to make through the sets; Completed is the number of passes done.
type Job struct {
	ID        int64     `json:"id"`
	QueueID   int64     `json:"queue_id"`
	Queue     string    `json:"queue"`
	Name      string    `json:"name"`
	Rank      int       `json:"rank"`
	Count     int       `json:"count"`
	Completed int       `json:"completed"`
	Draft     bool      `json:"draft"`
	CreatedAt time.Time `json:"created_at"`
	Sets      []*Set    `json:"sets"`
}

func (j *Job) PassesRemaining() bool {
	return j.Completed < j.Count
}

type Set struct {
	ID        int64    `json:"id"`
	JobID     int64    `json:"job_id"`
	Path      string   `json:"path"`
	SD        bool     `json:"sd"`
	Rank      int      `json:"rank"`
	Count     int      `json:"count"`
	Completed int      `json:"completed"`
	Materials []string `json:"materials"`
	Profiles  []string `json:"profiles"`
}

func (s *Set) Incomplete() bool {
	return s.Completed < s.Count
}

func (s *Set) Remaining() int {
	if s.Completed >= s.Count {
		return 0
	}
	return s.Count - s.Completed
}

type Run struct {
	ID        int64      `json:"id"`
	QueueName string     `json:"queue_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type HistoryEntry struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	QueueName string    `json:"queue_name"`
	JobID     int64     `json:"job_id"`
	SetID     int64     `json:"set_id"`
	JobName   string    `json:"job_name"`
	Path      string    `json:"path"`
	Result    string    `json:"result"`
	Note      string    `json:"note,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Active    bool      `json:"active,omitempty"`
}

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"events_json"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobUpdate carries the fields of a job edit; nil fields are left alone.
type JobUpdate struct {
	Name      *string `json:"name"`
	Count     *int    `json:"count"`
	Completed *int    `json:"completed"`
	Draft     *bool   `json:"draft"`
}

type SetUpdate struct {
	Path      *string   `json:"path"`
	SD        *bool     `json:"sd"`
	Count     *int      `json:"count"`
	Completed *int      `json:"completed"`
	Materials *[]string `json:"materials"`
	Profiles  *[]string `json:"profiles"`
}

type RemoveResult struct {
	JobsDeleted   int `json:"jobs_deleted"`
	SetsDeleted   int `json:"sets_deleted"`
	QueuesDeleted int `json:"queues_deleted"`
}

type ReplenishResult struct {
	JobsReset int `json:"jobs_reset"`
	SetsReset int `json:"sets_reset"`
}
