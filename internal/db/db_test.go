package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/orrn/continuousprint/internal/db"
)

func setupTestStore(t *testing.T) *db.Store {
	t.Helper()

	store, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// seedJob creates a job in the default queue with one set per count.
func seedJob(t *testing.T, store *db.Store, name string, setCounts ...int) *db.Job {
	t.Helper()
	ctx := context.Background()

	j, err := store.NewEmptyJob(ctx, db.DefaultQueue, name, false)
	if err != nil {
		t.Fatalf("NewEmptyJob failed: %v", err)
	}
	for i, c := range setCounts {
		set := &db.Set{Path: name + "_" + string(rune('1'+i)) + ".gcode", Count: c}
		if err := store.AppendSet(ctx, j.ID, set); err != nil {
			t.Fatalf("AppendSet failed: %v", err)
		}
	}
	j, err = store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return j
}

func jobNames(jobs []*db.Job) []string {
	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOpenSeedsDefaultQueue(t *testing.T) {
	store := setupTestStore(t)

	q, err := store.GetQueue(context.Background(), db.DefaultQueue)
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	if q.Strategy != "LINEAR" {
		t.Errorf("strategy = %q, want LINEAR", q.Strategy)
	}

	if _, err := store.GetQueue(context.Background(), "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing queue err = %v, want sql.ErrNoRows", err)
	}
}

func TestGetJobsOrdersJobsAndSets(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seedJob(t, store, "A", 1)
	b := seedJob(t, store, "B", 2, 3)

	jobs, err := store.GetJobs(ctx, db.DefaultQueue)
	if err != nil {
		t.Fatalf("GetJobs failed: %v", err)
	}
	if got := jobNames(jobs); !equalStrings(got, []string{"A", "B"}) {
		t.Fatalf("jobs = %v", got)
	}
	if len(jobs[1].Sets) != 2 || jobs[1].Sets[0].Count != 2 || jobs[1].Sets[1].Count != 3 {
		t.Errorf("sets of B = %+v", jobs[1].Sets)
	}
	if jobs[1].Queue != db.DefaultQueue || jobs[1].ID != b.ID {
		t.Errorf("job B = %+v", jobs[1])
	}
	if jobs[1].Sets[0].Materials == nil {
		t.Error("materials should decode to an empty slice")
	}
}

func TestGetJobsUnderConcurrentRemoval(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 20; i++ {
		ids = append(ids, seedJob(t, store, "J", 1, 1).ID)
	}

	done := make(chan error, 1)
	go func() {
		for _, id := range ids {
			if _, err := store.RemoveJobsAndSets(ctx, []int64{id}, nil); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for {
		jobs, err := store.GetJobs(ctx, db.DefaultQueue)
		if err != nil {
			t.Fatalf("GetJobs failed: %v", err)
		}
		for _, j := range jobs {
			if len(j.Sets) != 2 {
				t.Fatalf("job %d read with %d sets, want 2", j.ID, len(j.Sets))
			}
		}
		if len(jobs) == 0 {
			break
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("RemoveJobsAndSets failed: %v", err)
	}

	if _, err := store.GetJobs(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing queue err = %v, want sql.ErrNoRows", err)
	}
}

func TestMoveJob(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := seedJob(t, store, "A", 1)
	b := seedJob(t, store, "B", 1)
	c := seedJob(t, store, "C", 1)

	tests := []struct {
		name    string
		id      int64
		afterID int64
		want    []string
	}{
		{"to front", c.ID, -1, []string{"C", "A", "B"}},
		{"after A", c.ID, a.ID, []string{"A", "C", "B"}},
		{"to end", a.ID, b.ID, []string{"C", "B", "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.MoveJob(ctx, tt.id, tt.afterID); err != nil {
				t.Fatalf("MoveJob failed: %v", err)
			}
			jobs, err := store.GetJobs(ctx, db.DefaultQueue)
			if err != nil {
				t.Fatal(err)
			}
			if got := jobNames(jobs); !equalStrings(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
			for i, j := range jobs {
				if j.Rank != i {
					t.Errorf("job %s rank = %d, want dense rank %d", j.Name, j.Rank, i)
				}
			}
		})
	}
}

func TestMoveSet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := seedJob(t, store, "A", 1, 1)
	b := seedJob(t, store, "B", 1)

	moved := a.Sets[1]
	if err := store.MoveSet(ctx, moved.ID, b.Sets[0].ID, b.ID); err != nil {
		t.Fatalf("MoveSet failed: %v", err)
	}

	gotA, _ := store.GetJob(ctx, a.ID)
	gotB, _ := store.GetJob(ctx, b.ID)
	if len(gotA.Sets) != 1 || len(gotB.Sets) != 2 {
		t.Fatalf("sets A=%d B=%d", len(gotA.Sets), len(gotB.Sets))
	}
	if gotB.Sets[1].ID != moved.ID {
		t.Errorf("moved set should be last in B")
	}

	if err := store.MoveSet(ctx, moved.ID, a.Sets[0].ID, b.ID); !errors.Is(err, db.ErrInvalid) {
		t.Errorf("after set in another job: err = %v, want ErrInvalid", err)
	}

	// no destination job creates a new one at the end of the queue
	if err := store.MoveSet(ctx, moved.ID, 0, 0); err != nil {
		t.Fatalf("MoveSet to new job failed: %v", err)
	}
	jobs, _ := store.GetJobs(ctx, db.DefaultQueue)
	if len(jobs) != 3 || len(jobs[2].Sets) != 1 || jobs[2].Sets[0].ID != moved.ID {
		t.Errorf("expected set in a new trailing job, got %d jobs", len(jobs))
	}
}

func TestCompleteSetCapsAtCount(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	j := seedJob(t, store, "A", 2)
	id := j.Sets[0].ID

	for i, want := range []int{1, 2, 2} {
		set, err := store.CompleteSet(ctx, id)
		if err != nil {
			t.Fatalf("CompleteSet #%d failed: %v", i, err)
		}
		if set.Completed != want {
			t.Errorf("after #%d completed = %d, want %d", i, set.Completed, want)
		}
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.Completed != 1 || got.PassesRemaining() {
		t.Errorf("job completed passes = %d, want 1 and exhausted", got.Completed)
	}
}

func TestCompleteSetStartsNextPass(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	j := seedJob(t, store, "A", 1, 1)
	two := 2
	if _, err := store.UpdateJob(ctx, j.ID, db.JobUpdate{Count: &two}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.CompleteSet(ctx, j.Sets[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteSet(ctx, j.Sets[1].ID); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.Completed != 1 {
		t.Fatalf("job completed = %d, want 1", got.Completed)
	}
	for _, s := range got.Sets {
		if s.Completed != 0 {
			t.Errorf("set %d not reset for second pass", s.ID)
		}
	}
}

func TestUpdateSetClampsCompleted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	j := seedJob(t, store, "A", 3)
	five := 5
	mats := []string{"PLA_Red_#ff0000"}
	set, err := store.UpdateSet(ctx, j.Sets[0].ID, db.SetUpdate{Completed: &five, Materials: &mats})
	if err != nil {
		t.Fatal(err)
	}
	if set.Completed != 3 {
		t.Errorf("completed = %d, want clamp to 3", set.Completed)
	}

	got, _ := store.GetSet(ctx, set.ID)
	if !equalStrings(got.Materials, mats) {
		t.Errorf("materials = %v", got.Materials)
	}

	zero := 0
	if _, err := store.UpdateJob(ctx, j.ID, db.JobUpdate{Count: &zero}); !errors.Is(err, db.ErrInvalid) {
		t.Errorf("job count 0: err = %v, want ErrInvalid", err)
	}
}

func TestReplenishAndRemove(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := seedJob(t, store, "A", 1)
	b := seedJob(t, store, "B", 1)
	store.CompleteSet(ctx, a.Sets[0].ID)
	store.CompleteSet(ctx, b.Sets[0].ID)

	res, err := store.Replenish(ctx, []int64{a.ID}, []int64{b.Sets[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.JobsReset != 1 || res.SetsReset != 2 {
		t.Errorf("replenish = %+v", res)
	}
	got, _ := store.GetJob(ctx, a.ID)
	if got.Completed != 0 || got.Sets[0].Completed != 0 {
		t.Errorf("job A not replenished: %+v", got)
	}

	rm, err := store.RemoveJobsAndSets(ctx, []int64{a.ID}, []int64{b.Sets[0].ID})
	if err != nil {
		t.Fatal(err)
	}
	if rm.JobsDeleted != 1 || rm.SetsDeleted != 1 {
		t.Errorf("remove = %+v", rm)
	}
	if _, err := store.GetSet(ctx, a.Sets[0].ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("sets of removed job should cascade, err = %v", err)
	}
}

func TestCommitQueuesKeepsDefault(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.CommitQueues(ctx, []*db.Queue{
		{Name: "lan", Strategy: "LINEAR", Addr: "10.0.0.5:6789"},
		{Name: "workshop"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CommitQueues(ctx, []*db.Queue{{Name: "lan"}}); err != nil {
		t.Fatal(err)
	}

	queues, err := store.GetQueues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, q := range queues {
		names[q.Name] = true
	}
	if !names[db.DefaultQueue] || !names["lan"] || names["workshop"] {
		t.Errorf("queues = %v", names)
	}
}

func TestRunsAndHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	run, err := store.BeginRun(ctx, db.DefaultQueue)
	if err != nil {
		t.Fatal(err)
	}
	j := seedJob(t, store, "A", 1)

	entry := &db.HistoryEntry{
		RunID: run.ID, QueueName: db.DefaultQueue, JobID: j.ID, SetID: j.Sets[0].ID,
		JobName: j.Name, Path: j.Sets[0].Path, Result: db.ResultSuccess,
	}
	if err := store.AppendHistory(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendHistory(ctx, &db.HistoryEntry{RunID: run.ID, Result: "meh"}); !errors.Is(err, db.ErrInvalid) {
		t.Errorf("bad result err = %v, want ErrInvalid", err)
	}

	history, err := store.GetHistory(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Result != db.ResultSuccess || !history[0].EndedAt.Equal(now) {
		t.Errorf("history = %+v", history)
	}

	if err := store.EndRun(ctx, run.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndedAt == nil {
		t.Error("run should be closed")
	}

	if err := store.ClearHistory(ctx); err != nil {
		t.Fatal(err)
	}
	history, _ = store.GetHistory(ctx, 10)
	if len(history) != 0 {
		t.Errorf("history not cleared: %d entries", len(history))
	}
}

func TestCloseOpenRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	store.BeginRun(ctx, db.DefaultQueue)
	store.BeginRun(ctx, db.DefaultQueue)

	n, err := store.CloseOpenRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("closed = %d, want 2", n)
	}
}

func TestLoadedMaterials(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	got, err := store.LoadedMaterials(ctx)
	if err != nil || got != nil {
		t.Fatalf("unset materials = %v, %v; want nil, nil", got, err)
	}

	want := []string{"PLA_Red_#ff0000", "PETG_Black_#000000"}
	if err := store.SetLoadedMaterials(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err = store.LoadedMaterials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStrings(got, want) {
		t.Errorf("materials = %v, want %v", got, want)
	}
}

func TestWebhooksForEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateWebhook(ctx, db.NewWebhook("done", "http://x/done", "s", []string{"print_completed"})); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateWebhook(ctx, db.NewWebhook("all", "http://x/all", "", []string{"print_failed", "print_completed"})); err != nil {
		t.Fatal(err)
	}

	hooks, err := store.ListActiveWebhooksForEvent(ctx, "print_completed")
	if err != nil {
		t.Fatal(err)
	}
	if len(hooks) != 2 {
		t.Errorf("print_completed hooks = %d, want 2", len(hooks))
	}
	hooks, _ = store.ListActiveWebhooksForEvent(ctx, "print_failed")
	if len(hooks) != 1 || hooks[0].Name != "all" {
		t.Errorf("print_failed hooks = %+v", hooks)
	}
}
