package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sells-group/intake-pipeline/internal/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*model.Submission
	byDedupKey  map[string]string
	deadLetters map[string]*model.DeadLetter
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]*model.Submission),
		byDedupKey:  make(map[string]string),
		deadLetters: make(map[string]*model.DeadLetter),
	}
}

func (s *MemoryStore) PutSubmission(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneSubmission(sub)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.submissions[cp.ID] = cp
	// First writer owns the dedup key; a concurrent duplicate must not
	// displace the original from the index.
	if cp.DedupKey != "" {
		if _, taken := s.byDedupKey[cp.DedupKey]; !taken {
			s.byDedupKey[cp.DedupKey] = cp.ID
		}
	}
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) GetSubmissionByDedupKey(_ context.Context, key string) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDedupKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubmission(s.submissions[id]), nil
}

func (s *MemoryStore) DeleteSubmission(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.submissions, id)
	if sub.DedupKey != "" && s.byDedupKey[sub.DedupKey] == id {
		delete(s.byDedupKey, sub.DedupKey)
	}
	return nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, from, to model.SubmissionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return ErrNotFound
	}
	if sub.State != from {
		return ErrStateConflict
	}
	sub.State = to
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateSubmission(_ context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.submissions[sub.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneSubmission(sub)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.submissions[cp.ID] = cp
	return nil
}

func (s *MemoryStore) CountByState(_ context.Context) (map[model.SubmissionState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.SubmissionState]int)
	for _, sub := range s.submissions {
		counts[sub.State]++
	}
	return counts, nil
}

func (s *MemoryStore) PutDeadLetter(_ context.Context, dl *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	s.deadLetters[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, filter DeadLetterFilter) ([]model.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DeadLetter
	for _, dl := range s.deadLetters {
		if filter.SubmissionID != "" && dl.SubmissionID != filter.SubmissionID {
			continue
		}
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastFailed.After(out[j].LastFailed)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountDeadLetters(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

func (s *MemoryStore) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return ErrNotFound
	}
	delete(s.deadLetters, id)
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneSubmission(sub *model.Submission) *model.Submission {
	cp := *sub
	if sub.Values != nil {
		cp.Values = make(map[string]string, len(sub.Values))
		for k, v := range sub.Values {
			cp.Values[k] = v
		}
	}
	if sub.Context != nil {
		ctx := model.NewProcessingContext()
		for k, v := range sub.Context.Outcomes {
			ctx.Outcomes[k] = v
		}
		for k, v := range sub.Context.Signals {
			ctx.Signals[k] = v
		}
		cp.Context = ctx
	}
	if sub.Enrichment != nil {
		enr := *sub.Enrichment
		if sub.Enrichment.Company != nil {
			company := *sub.Enrichment.Company
			enr.Company = &company
		}
		cp.Enrichment = &enr
	}
	return &cp
}
