package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// MemoryDirectory is a fixed in-memory creator list for tests and local
// development.
type MemoryDirectory struct {
	mu       sync.RWMutex
	creators []tip.Creator
}

func NewMemoryDirectory(creators ...tip.Creator) *MemoryDirectory {
	return &MemoryDirectory{creators: creators}
}

func (d *MemoryDirectory) Add(c tip.Creator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creators = append(d.creators, c)
}

func (d *MemoryDirectory) VerifiedCreators(ctx context.Context) ([]tip.Creator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []tip.Creator
	for _, c := range d.creators {
		if c.Verified {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (d *MemoryDirectory) CreatorBySlug(ctx context.Context, slug string) (*tip.Creator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.creators {
		if c.Slug == slug {
			creator := c
			return &creator, nil
		}
	}
	return nil, ErrNotFound
}
