package ports

import (
	"context"
	"time"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

// --- DRIVEN (what the feed engine needs) ---

// RangeQuery bounds a score range. Both bounds are exclusive; zero means unbounded.
type RangeQuery struct {
	Max   float64
	Min   float64
	Limit int64
}

// KeyMove renames From to To during a swap. A missing From deletes To.
type KeyMove struct {
	From string
	To   string
}

// SwapSpec describes an all-or-nothing replacement of a feed's keys.
type SwapSpec struct {
	Deletes   []string
	Moves     []KeyMove
	Populated string
}

// TimelineStore is a key-value store with sorted-set semantics. Every method is
// atomic for the key it touches.
type TimelineStore interface {
	// Add inserts member or updates its score.
	Add(ctx context.Context, key string, member int64, score float64) error
	// AddNX inserts member only if absent and reports whether it was inserted.
	AddNX(ctx context.Context, key string, member int64, score float64) (bool, error)
	// Remove deletes members and returns how many were present.
	Remove(ctx context.Context, key string, members ...int64) (int64, error)
	// RemoveByScore deletes and returns the members scored within [min, max].
	RemoveByScore(ctx context.Context, key string, min, max float64) ([]int64, error)

	// Range returns members in descending score order.
	Range(ctx context.Context, key string, q RangeQuery) ([]int64, error)
	// RangeAsc returns members in ascending score order.
	RangeAsc(ctx context.Context, key string, q RangeQuery) ([]int64, error)
	Members(ctx context.Context, key string) ([]int64, error)

	Score(ctx context.Context, key string, member int64) (float64, bool, error)
	// RevRank is the 0-based position of member counting from the highest score.
	RevRank(ctx context.Context, key string, member int64) (int64, bool, error)
	// ScoreAtRevRank returns the score of the member at rank, counting from the highest.
	ScoreAtRevRank(ctx context.Context, key string, rank int64) (float64, bool, error)
	Size(ctx context.Context, key string) (int64, error)
	// Trim removes the lowest scored members beyond maxSize and returns how many went.
	Trim(ctx context.Context, key string, maxSize int64) (int64, error)

	SetAdd(ctx context.Context, key string, member int64) error
	SetRemove(ctx context.Context, key string, member int64) error
	SetMembers(ctx context.Context, key string) ([]int64, error)

	Exists(ctx context.Context, key string) (bool, error)
	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Clear(ctx context.Context, keys ...string) error

	// SetMarker writes an expiring marker. With onlyIfAbsent it reports false when
	// the marker already existed.
	SetMarker(ctx context.Context, key string, ttl time.Duration, onlyIfAbsent bool) (bool, error)
	Swap(ctx context.Context, spec SwapSpec) error
}

// StatusQuery selects the statuses a feed is built from.
type StatusQuery struct {
	AuthorIDs          []int64
	MentionedAccountID int64
	// DirectFor selects direct statuses authored by or mentioning the account.
	DirectFor int64
	MaxID     int64
	MinID     int64
	Ascending bool
	Limit     int
}

type StatusRepository interface {
	FindStatus(ctx context.Context, id int64) (*domain.Status, error)
	// GetStatuses returns the existing statuses among ids, in the order of ids.
	GetStatuses(ctx context.Context, ids []int64) ([]*domain.Status, error)
	QueryStatuses(ctx context.Context, q StatusQuery) ([]*domain.Status, error)
}

type AccountRepository interface {
	FindAccount(ctx context.Context, id int64) (*domain.Account, error)
	// LocalAccountIDs keeps the ids that belong to local accounts.
	LocalAccountIDs(ctx context.Context, ids []int64) ([]int64, error)
}

type ListRepository interface {
	FindList(ctx context.Context, id int64) (*domain.List, error)
	// ListsContaining returns the lists that have accountID as a member.
	ListsContaining(ctx context.Context, accountID int64) ([]*domain.List, error)
	ListMemberIDs(ctx context.Context, listID int64) ([]int64, error)
	ExclusiveListMemberIDs(ctx context.Context, ownerID int64) ([]int64, error)
}

type FilterRepository interface {
	ActiveFilters(ctx context.Context, accountID int64, context string) ([]*domain.Filter, error)
}

// RelationshipService answers social-graph questions.
type RelationshipService interface {
	// StreamFollowers yields local follower ids of accountID in batches.
	StreamFollowers(ctx context.Context, accountID int64, batchSize int, yield func([]int64) error) error
	FollowingIDs(ctx context.Context, accountID int64) ([]int64, error)
	// Relations resolves how viewerID relates to targetIDs and domains.
	Relations(ctx context.Context, viewerID int64, targetIDs []int64, domains []string) (*domain.Relations, error)
}

// TimelineNotifier tells streaming clients about feed changes.
type TimelineNotifier interface {
	Publish(ctx context.Context, feed domain.FeedKey, event string, statusID int64) error
}

const (
	EventUpdate = "update"
	EventDelete = "delete"
)

// JobQueue delivers regeneration jobs at least once.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.RegenerationJob) error
}

// JobHandler runs a job. It must be idempotent.
type JobHandler func(ctx context.Context, job domain.RegenerationJob) error

type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out expiring distributed locks. Obtain returns
// domain.ErrLockNotObtained when the key is held elsewhere.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}
