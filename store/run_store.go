package store

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"keyharvest/domain"
)

// RunStore holds the state of harvesting runs for the life of the process.
type RunStore interface {
	Create(run *domain.Run) error
	Get(id string) (*domain.Run, bool, error)
	Update(id string, fn func(r *domain.Run)) (*domain.Run, bool, error)
	List() ([]*domain.Run, error)
}

var ErrDuplicateRun = errors.New("run already exists")

type InMemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
	// keep bounds how many finished runs are retained; 0 = all.
	keep int
}

func NewInMemoryRunStore(keepFinished int) *InMemoryRunStore {
	if keepFinished < 0 {
		keepFinished = 0
	}
	return &InMemoryRunStore{runs: make(map[string]*domain.Run), keep: keepFinished}
}

func (s *InMemoryRunStore) Create(run *domain.Run) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("run/id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrDuplicateRun
	}
	s.runs[run.ID] = cloneRun(run)
	s.pruneLocked()
	return nil
}

func (s *InMemoryRunStore) Get(id string) (*domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[strings.TrimSpace(id)]
	if !ok || r == nil {
		return nil, false, nil
	}
	return cloneRun(r), true, nil
}

// Update applies fn under the store lock and returns a copy of the result.
func (s *InMemoryRunStore) Update(id string, fn func(r *domain.Run)) (*domain.Run, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return nil, false, nil
	}
	fn(r)
	return cloneRun(r), true, nil
}

// List returns all runs, newest first.
func (s *InMemoryRunStore) List() ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *InMemoryRunStore) pruneLocked() {
	if s.keep == 0 {
		return
	}
	var finished []*domain.Run
	for _, r := range s.runs {
		if r.Status.Terminal() {
			finished = append(finished, r)
		}
	}
	if len(finished) <= s.keep {
		return
	}
	sortNewestFirst(finished)
	for _, r := range finished[s.keep:] {
		delete(s.runs, r.ID)
	}
}

func sortNewestFirst(runs []*domain.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func cloneRun(r *domain.Run) *domain.Run {
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Keys = append([]domain.ExtractedKey(nil), r.Keys...)
	cp.Log = append([]string(nil), r.Log...)
	return &cp
}
