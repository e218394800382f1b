// Package directory reads the verified-creator registry. Registration and
// verification happen outside the agent; from here the directory is
// read-only.
package directory

import (
	"context"
	"errors"

	"github.com/kudoslabs/kudos/pkg/tip"
)

// ErrNotFound is returned when no creator matches a lookup.
var ErrNotFound = errors.New("directory: creator not found")

// Directory lists tip candidates.
type Directory interface {
	// VerifiedCreators returns all verified creators ordered by
	// registration recency, newest first.
	VerifiedCreators(ctx context.Context) ([]tip.Creator, error)

	// CreatorBySlug resolves a creator by its url-safe handle.
	CreatorBySlug(ctx context.Context, slug string) (*tip.Creator, error)
}
