package calls

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and local development.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{calls: map[string]Call{}} }

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.ID]; exists {
		return ErrInvalidArgument
	}
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Call, error) {
	r.mu.Lock()
	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		if f.matches(c) {
			out = append(out, c)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from Status, u Update) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status != from {
		return Call{}, &StatusConflictError{Current: c.Status}
	}
	c = applyUpdate(c, u)
	r.calls[id] = c
	return c, nil
}

func (r *MemoryRepo) SetFeatures(ctx context.Context, id string, video, screenShare bool) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	c.HasVideo = c.HasVideo || video
	c.HasScreenShare = c.HasScreenShare || screenShare
	r.calls[id] = c
	return c, nil
}

func (r *MemoryRepo) SetVoiceNote(ctx context.Context, id, url string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.VoiceNoteURL != "" {
		return Call{}, ErrVoiceNoteExists
	}
	c.VoiceNoteURL = url
	r.calls[id] = c
	return c, nil
}
