package services

import (
	"context"
	"log/slog"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// --- FOLLOW CHANGES ---

// MergeIntoHome copie les statuts récents de target dans le home de accountID,
// juste après un follow. Le fan-out ne couvre que les statuts à venir.
// Un feed froid ou en reconstruction est ignoré : la reconstruction lira le nouveau follow.
func (m *FeedManager) MergeIntoHome(ctx context.Context, accountID, targetAccountID int64) (int, error) {
	feed := domain.HomeFeed(accountID)

	state, err := m.State(ctx, feed)
	if err != nil {
		return 0, err
	}
	if state != domain.StateWarm {
		slog.Debug("merge skipped, feed not warm", "feed", feed.Key(), "state", state.String())
		return 0, nil
	}

	limit := m.opts.MaxItems / 4
	q := ports.StatusQuery{AuthorIDs: []int64{targetAccountID}, Limit: int(limit)}

	// Feed déjà rempli : rien de plus ancien que sa queue
	size, err := m.store.Size(ctx, feed.Key())
	if err != nil {
		return 0, err
	}
	if size >= limit {
		oldest, err := m.store.RangeAsc(ctx, feed.Key(), ports.RangeQuery{Limit: 1})
		if err != nil {
			return 0, err
		}
		if len(oldest) > 0 {
			q.MinID = oldest[0]
		}
	}

	statuses, err := m.statuses.QueryStatuses(ctx, q)
	if err != nil {
		return 0, err
	}
	vc, err := m.viewerContext(ctx, feed, accountID, nil)
	if err != nil {
		return 0, err
	}
	verdicts, err := m.evaluate(ctx, vc, statuses)
	if err != nil {
		return 0, err
	}

	merged := 0
	for i := len(statuses) - 1; i >= 0; i-- {
		if !verdicts[i] {
			continue
		}
		s := statuses[i]
		inserted, err := m.addToFeed(ctx, feed, feed.Aggregates(), s, domain.Score(s.ID))
		if err != nil {
			return merged, err
		}
		if inserted {
			merged++
		}
	}
	if err := m.trim(ctx, feed, feed.Aggregates()); err != nil {
		return merged, err
	}

	slog.Debug("home merged", "account_id", accountID, "target_account_id", targetAccountID, "merged", merged)
	return merged, nil
}

// UnmergeFromHome retire du home de accountID les statuts (et reblogs) écrits par
// target, après un unfollow.
func (m *FeedManager) UnmergeFromHome(ctx context.Context, accountID, targetAccountID int64) (int, error) {
	feed := domain.HomeFeed(accountID)

	ids, err := m.store.Members(ctx, feed.Key())
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	statuses, err := m.statuses.GetStatuses(ctx, ids)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range statuses {
		if s.AccountID != targetAccountID {
			continue
		}
		ok, err := m.unpush(ctx, feed, s)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	slog.Debug("home unmerged", "account_id", accountID, "target_account_id", targetAccountID, "removed", removed)
	return removed, nil
}
