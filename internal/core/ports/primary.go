package ports

import (
	"context"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

// --- DRIVING (what the feed engine exposes) ---

type FeedService interface {
	// PushToHome inserts status into the account's home feed. score overrides the
	// natural ranking when non-nil. False means "not applicable", not an error.
	PushToHome(ctx context.Context, accountID int64, status *domain.Status, score *float64) (bool, error)
	UnpushFromHome(ctx context.Context, accountID int64, status *domain.Status) (bool, error)
	PushToList(ctx context.Context, list *domain.List, status *domain.Status) (bool, error)
	UnpushFromList(ctx context.Context, list *domain.List, status *domain.Status) (bool, error)

	// FanOutStatus is called when a status is created.
	FanOutStatus(ctx context.Context, status *domain.Status) (domain.FanOutResult, error)
	// UnfanStatus is called when a status is deleted or unreblogged.
	UnfanStatus(ctx context.Context, status *domain.Status) (domain.FanOutResult, error)
	// ClearFromHome drops target's statuses from the account's home feed.
	ClearFromHome(ctx context.Context, accountID, targetAccountID int64) (int, error)
	// MergeIntoHome backfills a newly followed account's recent statuses.
	MergeIntoHome(ctx context.Context, accountID, targetAccountID int64) (int, error)
	// UnmergeFromHome drops an unfollowed account's statuses.
	UnmergeFromHome(ctx context.Context, accountID, targetAccountID int64) (int, error)

	CleanFeeds(ctx context.Context, feedType domain.FeedType, ownerIDs []int64) error
	RemoveFromFeeds(ctx context.Context, feedType domain.FeedType, ownerIDs, statusIDs []int64) error

	Get(ctx context.Context, feed domain.FeedKey, page domain.Page) (*domain.Timeline, error)
	Regenerating(ctx context.Context, feed domain.FeedKey) (bool, error)
	State(ctx context.Context, feed domain.FeedKey) (domain.RegenerationState, error)

	RequestRegeneration(ctx context.Context, feed domain.FeedKey, force bool) (bool, error)
	RegenerateFeedOverride(ctx context.Context, accountID int64) (bool, error)
	RunRegeneration(ctx context.Context, job domain.RegenerationJob) error

	// Lookups used by the adapters to resolve request parameters.
	FindAccount(ctx context.Context, id int64) (*domain.Account, error)
	FindStatus(ctx context.Context, id int64) (*domain.Status, error)
	FindList(ctx context.Context, id int64) (*domain.List, error)
	GetStatuses(ctx context.Context, ids []int64) ([]*domain.Status, error)
}
