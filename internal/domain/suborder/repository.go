package suborder

import (
	"context"
	"time"
)

type Repository interface {
	FindByID(ctx context.Context, id string) (*SubOrder, error)
	ListByOrder(ctx context.Context, orderID string) ([]*SubOrder, error)

	// Update persists the sub-order unconditionally. Callers rely on the
	// idempotency fast-paths in the orchestrators for correctness.
	Update(ctx context.Context, s *SubOrder) error

	// ClaimAuthorization is the single atomic operation that decides the
	// authorization race: it persists s's payment fields only while the
	// stored authorization reference still equals previousRef (empty string
	// meaning no hold yet). claimed is false when a concurrent call already
	// recorded a different reference; the caller must treat that as a race
	// loss, not an error.
	ClaimAuthorization(ctx context.Context, s *SubOrder, previousRef string) (claimed bool, err error)

	// FindDueForRetry returns failed sub-orders whose next retry timestamp
	// has elapsed, up to limit.
	FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]*SubOrder, error)
}
