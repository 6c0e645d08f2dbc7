package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orrn/continuousprint/internal/db"
)

// Supervisor picks the next set to print from one queue and caches the
// choice until ClearCache is called. Callers that mutate the queue must
// clear the cache themselves.
type Supervisor struct {
	store    QueueReader
	queue    string
	resolver Resolver

	profile   Profile
	gating    bool
	materials []string
	run       *db.Run

	cached *Assignment
	valid  bool
}

func NewSupervisor(store QueueReader, queue string, profile Profile) *Supervisor {
	return &Supervisor{store: store, queue: queue, profile: profile}
}

func (s *Supervisor) Queue() string { return s.queue }

// SetResolver sets the resolver attached to items from LAN queues.
func (s *Supervisor) SetResolver(r Resolver) { s.resolver = r }

func (s *Supervisor) ClearCache() {
	s.cached = nil
	s.valid = false
}

func (s *Supervisor) Run() *db.Run { return s.run }

func (s *Supervisor) SetRun(r *db.Run) {
	s.run = r
	s.ClearCache()
}

func (s *Supervisor) Profile() Profile { return s.profile }

func (s *Supervisor) SetProfile(p Profile) {
	if p != s.profile {
		s.profile = p
		s.ClearCache()
	}
}

func (s *Supervisor) SetMaterialGating(enabled bool) {
	if enabled != s.gating {
		s.gating = enabled
		s.ClearCache()
	}
}

func (s *Supervisor) MaterialGating() bool { return s.gating }

// SetMaterials records the loaded materials, invalidating the cache when
// they differ from the last call. nil means the materials are unknown.
func (s *Supervisor) SetMaterials(m []string) {
	if sameMaterials(s.materials, m) {
		return
	}
	if m == nil {
		s.materials = nil
	} else {
		s.materials = append([]string{}, m...)
	}
	s.ClearCache()
}

func (s *Supervisor) Materials() []string { return s.materials }

func sameMaterials(a, b []string) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// GetAssignment returns the next set to print, or nil when the queue is
// exhausted. Sets are scanned in strict job order, then set order.
func (s *Supervisor) GetAssignment(ctx context.Context) (*Assignment, error) {
	if s.valid {
		return s.cached, nil
	}

	a, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = a
	s.valid = true
	return a, nil
}

func (s *Supervisor) compute(ctx context.Context) (*Assignment, error) {
	q, err := s.store.GetQueue(ctx, s.queue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load queue %s: %w", s.queue, err)
	}
	jobs, err := s.store.GetJobs(ctx, s.queue)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs for queue %s: %w", s.queue, err)
	}

	var blocked *Assignment
	for _, j := range jobs {
		if j.Draft || !j.PassesRemaining() {
			continue
		}
		for _, set := range j.Sets {
			if !set.Incomplete() || !s.profileCompatible(set) {
				continue
			}
			if !s.materialCompatible(set) {
				if blocked == nil {
					blocked = &Assignment{Queue: q, Job: j, Set: set, NeedsMaterial: true}
				}
				continue
			}
			return &Assignment{Queue: q, Job: j, Set: set}, nil
		}
	}
	return blocked, nil
}

func (s *Supervisor) profileCompatible(set *db.Set) bool {
	if len(set.Profiles) == 0 {
		return true
	}
	for _, p := range set.Profiles {
		if p == s.profile.Name || (s.profile.Model != "" && p == s.profile.Model) {
			return true
		}
	}
	return false
}

func (s *Supervisor) materialCompatible(set *db.Set) bool {
	if !s.gating || s.materials == nil {
		return true
	}
	return len(MissingMaterials(set.Materials, s.materials)) == 0
}

// MissingMaterials returns the required materials not satisfied by the
// loaded ones. An empty requirement matches anything; a requirement
// matches a loaded id that equals it or extends it with more "_" fields,
// so "PLA_Red" is satisfied by "PLA_Red_#ff0000".
func MissingMaterials(required, loaded []string) []string {
	var missing []string
	for _, r := range required {
		if r == "" {
			continue
		}
		found := false
		for _, m := range loaded {
			if m == r || strings.HasPrefix(m, r+"_") {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, r)
		}
	}
	return missing
}

// ItemFor builds the print item for an assignment. Sets from a queue with
// a peer address become remote items.
func (s *Supervisor) ItemFor(a *Assignment) Item {
	local := LocalItem{
		Set:     a.Set.ID,
		Path:    a.Set.Path,
		SD:      a.Set.SD,
		JobName: a.Job.Name,
	}
	if a.Queue != nil && a.Queue.Addr != "" {
		return NewRemoteItem(local, a.Queue.Addr, s.resolver)
	}
	return local
}
