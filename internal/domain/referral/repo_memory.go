package referral

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepo is a thread-safe in-memory Repository for development and
// tests. Records are deep-copied on the way in and out so callers never
// share state with the store.
type MemoryRepo struct {
	mu    sync.RWMutex
	items map[string]*Referral
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[string]*Referral)}
}

func (m *MemoryRepo) GetAll(_ context.Context) ([]*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Referral, 0, len(m.items))
	for _, r := range m.items {
		out = append(out, r.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryRepo) Save(_ context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepo) FindByIDAndDOB(ctx context.Context, id, dob string) (*Referral, error) {
	r, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.PatientDOB != dob {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) Search(ctx context.Context, params SearchParams) ([]*Referral, int, error) {
	all, err := m.GetAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	q := strings.ToLower(strings.TrimSpace(params.Query))
	matched := []*Referral{}
	for _, r := range all {
		if params.Status != "" && r.Status != params.Status {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(r.PatientFullName), q) &&
			!strings.Contains(strings.ToLower(r.OrganizationName), q) {
			continue
		}
		matched = append(matched, r)
	}

	total := len(matched)
	offset := params.Offset
	if offset > total {
		offset = total
	}
	end := total
	if params.Limit > 0 && offset+params.Limit < total {
		end = offset + params.Limit
	}
	return matched[offset:end], total, nil
}

func sortNewestFirst(items []*Referral) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
