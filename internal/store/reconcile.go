package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arbor-social/arbor/internal/db"
	"github.com/arbor-social/arbor/pkg/logging"
	"github.com/arbor-social/arbor/pkg/telemetry"
)

// Reconciler recounts denormalized reply counters from the reply-key index
// and repairs any drift. Drift appears when an increment and its paired
// decrement are separated by a crash; a periodic recount bounds how long it
// survives.
type Reconciler struct {
	posts     *db.PostRepository
	batchSize int
	logger    *zap.Logger
}

// NewReconciler creates a reconciler that scans posts in batches of batchSize.
func NewReconciler(repo *db.Repository, batchSize int) *Reconciler {
	return &Reconciler{
		posts:     db.NewPostRepository(repo),
		batchSize: batchSize,
		logger:    logging.GetLogger().With(zap.String("component", "reconciler")),
	}
}

// Run walks the whole post table once and rewrites every counter that does
// not match a fresh count of the post's subtree. Returns the number of
// repaired counters.
func (r *Reconciler) Run(ctx context.Context) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconciler.run")
	defer span.End()

	var (
		afterID  int64
		scanned  int64
		repaired int64
	)
	for {
		batch, err := r.posts.ListAfterID(ctx, afterID, r.batchSize)
		if err != nil {
			return repaired, fmt.Errorf("failed to list posts after %d: %w", afterID, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, post := range batch {
			afterID = post.ID
			scanned++
			if post.Deleted {
				// Tombstones keep a zero counter.
				continue
			}
			expected, err := r.posts.CountLiveByPrefix(ctx, post.ReplyKey.Child(post.ID))
			if err != nil {
				return repaired, fmt.Errorf("failed to recount post %d: %w", post.ID, err)
			}
			if expected == post.ReplyCount {
				continue
			}
			if err := r.posts.SetReplyCount(ctx, post.ID, expected); err != nil {
				return repaired, fmt.Errorf("failed to repair post %d: %w", post.ID, err)
			}
			repaired++
			r.logger.Warn("Repaired reply counter",
				zap.Int64("post_id", post.ID),
				zap.Int64("stored", post.ReplyCount),
				zap.Int64("actual", expected))
		}

		if err := ctx.Err(); err != nil {
			return repaired, err
		}
	}

	r.logger.Info("Reconciliation complete",
		zap.Int64("scanned", scanned),
		zap.Int64("repaired", repaired))
	return repaired, nil
}
