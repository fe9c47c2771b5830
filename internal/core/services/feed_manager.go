package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

type Options struct {
	// MaxItems borne chaque feed (FEED_MAX_LENGTH).
	MaxItems int64
	// ReblogFalloff : un reblog n'est pas inséré si l'original (ou un autre
	// reblog du même statut) est déjà dans les N premières entrées.
	ReblogFalloff int64
	// RegenerationTTL : expiration du flag, un worker mort ne bloque pas le feed.
	RegenerationTTL time.Duration
	// BatchSize : taille des paquets de followers pendant le fan-out.
	BatchSize int
	// Concurrency : pushes simultanés max par paquet.
	Concurrency int
	// DirectQueryRounds : allers-retours DB max du chemin dégradé.
	DirectQueryRounds int
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		MaxItems:          400,
		ReblogFalloff:     40,
		RegenerationTTL:   30 * time.Minute,
		BatchSize:         1000,
		Concurrency:       32,
		DirectQueryRounds: 3,
		Now:               time.Now,
	}
}

// Deps are the driven ports. Notifier is optional.
type Deps struct {
	Store    ports.TimelineStore
	Statuses ports.StatusRepository
	Accounts ports.AccountRepository
	Lists    ports.ListRepository
	Filters  ports.FilterRepository
	Graph    ports.RelationshipService
	Notifier ports.TimelineNotifier
	Queue    ports.JobQueue
	Locker   ports.Locker
}

// FeedManager owns every feed in the timeline store. One instance is built at
// startup and shared by the HTTP handlers, the event consumer and the job workers.
type FeedManager struct {
	store    ports.TimelineStore
	statuses ports.StatusRepository
	accounts ports.AccountRepository
	lists    ports.ListRepository
	filters  ports.FilterRepository
	graph    ports.RelationshipService
	notifier ports.TimelineNotifier
	queue    ports.JobQueue
	locker   ports.Locker

	opts   Options
	tracer trace.Tracer
}

var _ ports.FeedService = (*FeedManager)(nil)

func NewFeedManager(deps Deps, opts Options) (*FeedManager, error) {
	def := DefaultOptions()
	if opts.MaxItems <= 0 {
		opts.MaxItems = def.MaxItems
	}
	if opts.ReblogFalloff <= 0 {
		opts.ReblogFalloff = def.ReblogFalloff
	}
	if opts.ReblogFalloff > opts.MaxItems {
		return nil, fmt.Errorf("reblog falloff %d exceeds max items %d", opts.ReblogFalloff, opts.MaxItems)
	}
	if opts.RegenerationTTL <= 0 {
		opts.RegenerationTTL = def.RegenerationTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.DirectQueryRounds <= 0 {
		opts.DirectQueryRounds = def.DirectQueryRounds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &FeedManager{
		store:    deps.Store,
		statuses: deps.Statuses,
		accounts: deps.Accounts,
		lists:    deps.Lists,
		filters:  deps.Filters,
		graph:    deps.Graph,
		notifier: deps.Notifier,
		queue:    deps.Queue,
		locker:   deps.Locker,
		opts:     opts,
		tracer:   otel.Tracer("timeline-service"),
	}, nil
}

func (m *FeedManager) Options() Options { return m.opts }

// feedKeys is satisfied by both the canonical keys and the scratch keys of a rebuild.
type feedKeys interface {
	Key() string
	ReblogsKey() string
	ReblogSetKey(reblogOfID int64) string
}

// --- PUSH ---

func (m *FeedManager) PushToHome(ctx context.Context, accountID int64, status *domain.Status, score *float64) (bool, error) {
	return m.push(ctx, domain.HomeFeed(accountID), accountID, nil, status, score)
}

func (m *FeedManager) PushToList(ctx context.Context, list *domain.List, status *domain.Status) (bool, error) {
	return m.push(ctx, domain.ListFeed(list.ID), list.AccountID, list, status, nil)
}

func (m *FeedManager) PushToMentions(ctx context.Context, accountID int64, status *domain.Status) (bool, error) {
	return m.push(ctx, domain.MentionsFeed(accountID), accountID, nil, status, nil)
}

func (m *FeedManager) PushToDirect(ctx context.Context, accountID int64, status *domain.Status) (bool, error) {
	return m.push(ctx, domain.DirectFeed(accountID), accountID, nil, status, nil)
}

// push runs the visibility filter, inserts, trims and notifies.
func (m *FeedManager) push(ctx context.Context, feed domain.FeedKey, receiverID int64, list *domain.List, status *domain.Status, score *float64) (bool, error) {
	ok, err := m.visible(ctx, feed, receiverID, list, status)
	if err != nil {
		return false, fmt.Errorf("visibility for %s: %w", feed, err)
	}
	if !ok {
		return false, nil
	}

	sc := domain.Score(status.ID)
	if score != nil {
		sc = *score
	}

	inserted, err := m.addToFeed(ctx, feed, feed.Aggregates(), status, sc)
	if err != nil {
		return false, err
	}
	if err := m.trim(ctx, feed, feed.Aggregates()); err != nil {
		return false, err
	}
	if inserted {
		m.notify(ctx, feed, ports.EventUpdate, status.ID)
	}
	return inserted, nil
}

// addToFeed inserts status under keys. With aggregation, reblogs of a status that is
// already near the top are parked in a side set instead of being shown twice.
func (m *FeedManager) addToFeed(ctx context.Context, keys feedKeys, aggregate bool, status *domain.Status, score float64) (bool, error) {
	timeline := keys.Key()

	if !aggregate {
		return true, m.store.Add(ctx, timeline, status.ID, score)
	}

	if status.IsReblog() {
		if _, present, err := m.store.Score(ctx, timeline, status.ID); err != nil {
			return false, err
		} else if present {
			return true, nil
		}

		rank, found, err := m.store.RevRank(ctx, timeline, status.ReblogOfID)
		if err != nil {
			return false, err
		}
		if found && rank < m.opts.ReblogFalloff {
			return false, nil
		}

		added, err := m.store.AddNX(ctx, keys.ReblogsKey(), status.ReblogOfID, score)
		if err != nil {
			return false, err
		}
		if !added {
			// Un autre reblog du même statut est déjà affiché.
			return false, m.store.SetAdd(ctx, keys.ReblogSetKey(status.ReblogOfID), status.ID)
		}
		return true, m.store.Add(ctx, timeline, status.ID, score)
	}

	// Le reblog peut arriver avant l'original : on garde le reblog.
	if _, reblogged, err := m.store.Score(ctx, keys.ReblogsKey(), status.ID); err != nil {
		return false, err
	} else if reblogged {
		return false, nil
	}
	return true, m.store.Add(ctx, timeline, status.ID, score)
}

// trim enforces MaxItems and stops tracking reblogs that fell past the falloff.
func (m *FeedManager) trim(ctx context.Context, keys feedKeys, aggregate bool) error {
	if _, err := m.store.Trim(ctx, keys.Key(), m.opts.MaxItems); err != nil {
		return err
	}
	if !aggregate {
		return nil
	}

	falloffScore, ok, err := m.store.ScoreAtRevRank(ctx, keys.Key(), m.opts.ReblogFalloff)
	if err != nil || !ok {
		return err
	}

	stale, err := m.store.RemoveByScore(ctx, keys.ReblogsKey(), 0, falloffScore)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	setKeys := make([]string, len(stale))
	for i, id := range stale {
		setKeys[i] = keys.ReblogSetKey(id)
	}
	return m.store.Clear(ctx, setKeys...)
}

// --- UNPUSH ---

func (m *FeedManager) UnpushFromHome(ctx context.Context, accountID int64, status *domain.Status) (bool, error) {
	return m.unpush(ctx, domain.HomeFeed(accountID), status)
}

func (m *FeedManager) UnpushFromList(ctx context.Context, list *domain.List, status *domain.Status) (bool, error) {
	return m.unpush(ctx, domain.ListFeed(list.ID), status)
}

func (m *FeedManager) unpush(ctx context.Context, feed domain.FeedKey, status *domain.Status) (bool, error) {
	removed, err := m.removeFromFeed(ctx, feed, feed.Aggregates(), status)
	if err != nil {
		return false, err
	}
	if removed {
		m.notify(ctx, feed, ports.EventDelete, status.ID)
	}
	return removed, nil
}

// removeFromFeed is a no-op for absent statuses. Removing a shown reblog brings
// back the oldest reblog that was parked behind it.
func (m *FeedManager) removeFromFeed(ctx context.Context, keys feedKeys, aggregate bool, status *domain.Status) (bool, error) {
	timeline := keys.Key()

	if !aggregate || !status.IsReblog() {
		n, err := m.store.Remove(ctx, timeline, status.ID)
		return n > 0, err
	}

	_, present, err := m.store.RevRank(ctx, timeline, status.ID)
	if err != nil {
		return false, err
	}
	setKey := keys.ReblogSetKey(status.ReblogOfID)
	if !present {
		// Peut-être en attente dans le set : on l'oublie pour ne jamais le ressusciter.
		return false, m.store.SetRemove(ctx, setKey, status.ID)
	}

	if err := m.store.SetRemove(ctx, setKey, status.ID); err != nil {
		return false, err
	}
	if _, err := m.store.Remove(ctx, keys.ReblogsKey(), status.ReblogOfID); err != nil {
		return false, err
	}

	parked, err := m.store.SetMembers(ctx, setKey)
	if err != nil {
		return false, err
	}
	if len(parked) > 0 {
		next := slices.Min(parked)
		if err := m.store.SetRemove(ctx, setKey, next); err != nil {
			return false, err
		}
		if _, err := m.store.AddNX(ctx, keys.ReblogsKey(), status.ReblogOfID, domain.Score(next)); err != nil {
			return false, err
		}
		if err := m.store.Add(ctx, timeline, next, domain.Score(next)); err != nil {
			return false, err
		}
	}

	if _, err := m.store.Remove(ctx, timeline, status.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (m *FeedManager) notify(ctx context.Context, feed domain.FeedKey, event string, statusID int64) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, feed, event, statusID); err != nil {
		slog.Warn("timeline notification failed", "feed", feed.Key(), "event", event, "status_id", statusID, "error", err)
	}
}

// --- LOOKUPS ---

func (m *FeedManager) FindAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return m.accounts.FindAccount(ctx, id)
}

func (m *FeedManager) FindStatus(ctx context.Context, id int64) (*domain.Status, error) {
	return m.statuses.FindStatus(ctx, id)
}

func (m *FeedManager) FindList(ctx context.Context, id int64) (*domain.List, error) {
	return m.lists.FindList(ctx, id)
}

func (m *FeedManager) GetStatuses(ctx context.Context, ids []int64) ([]*domain.Status, error) {
	if len(ids) == 0 {
		return []*domain.Status{}, nil
	}
	return m.statuses.GetStatuses(ctx, ids)
}
