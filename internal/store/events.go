package store

import (
	"context"

	"github.com/arbor-social/arbor/internal/models"
)

// Listener observes write-path events on the thread store. Listeners run
// synchronously inside the write operation: a failure surfaces to the caller
// before the write is acknowledged.
//
// OwnPostCreated fires exactly once per post, on the insert path only, and
// only for top-level posts published on their author's own wall. Replaying
// the same federated post never fires it again.
//
// PostHardDeleted fires when a post row is physically removed, never when it
// is tombstoned.
type Listener interface {
	OwnPostCreated(ctx context.Context, post *models.Post) error
	PostHardDeleted(ctx context.Context, postID int64) error
}

// AddListener registers a listener for write-path events.
func (s *ThreadStore) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *ThreadStore) notifyOwnPostCreated(ctx context.Context, post *models.Post) error {
	for _, l := range s.listeners {
		if err := l.OwnPostCreated(ctx, post); err != nil {
			return err
		}
	}
	return nil
}

func (s *ThreadStore) notifyPostHardDeleted(ctx context.Context, postID int64) error {
	for _, l := range s.listeners {
		if err := l.PostHardDeleted(ctx, postID); err != nil {
			return err
		}
	}
	return nil
}
