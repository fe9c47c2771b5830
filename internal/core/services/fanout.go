package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

// --- FAN-OUT ---

// FanOutStatus distribue un nouveau statut : home de l'auteur, followers, listes,
// mentions. Un échec sur une cible est logué et compté, jamais propagé aux autres.
func (m *FeedManager) FanOutStatus(ctx context.Context, status *domain.Status) (domain.FanOutResult, error) {
	ctx, span := m.tracer.Start(ctx, "FeedManager.FanOutStatus", trace.WithAttributes(
		attribute.Int64("status.id", status.ID),
		attribute.Int64("account.id", status.AccountID),
	))
	defer span.End()

	slog.Info("📢 Fan-out starting", "status_id", status.ID, "account_id", status.AccountID, "visibility", status.Visibility)

	var res domain.FanOutResult
	var errs []error

	// 1. Home de l'auteur (comptes locaux uniquement)
	if status.AccountDomain == "" {
		ok, err := m.PushToHome(ctx, status.AccountID, status, nil)
		m.track(&res, domain.HomeFeed(status.AccountID), ok, err)
	}

	// 2. Les directs ne partent que vers les comptes mentionnés
	if status.Visibility == domain.VisibilityDirect {
		if err := m.fanOutDirect(ctx, status, &res); err != nil {
			errs = append(errs, err)
		}
		return m.finish(span, status, res, errs)
	}

	// 3. Followers, par paquets (on ne charge jamais la liste complète en RAM)
	err := m.graph.StreamFollowers(ctx, status.AccountID, m.opts.BatchSize, func(batch []int64) error {
		targets := batch[:0:0]
		for _, id := range batch {
			if id != status.AccountID {
				targets = append(targets, id)
			}
		}
		res.Merge(m.forEach(ctx, targets, domain.HomeFeed, func(ctx context.Context, id int64) (bool, error) {
			return m.PushToHome(ctx, id, status, nil)
		}))
		return ctx.Err()
	})
	if err != nil {
		slog.Error("❌ Follower stream failed", "status_id", status.ID, "error", err)
		errs = append(errs, fmt.Errorf("stream followers: %w", err))
	}

	// 4. Listes qui contiennent l'auteur, si leur propriétaire le suit
	lists, err := m.lists.ListsContaining(ctx, status.AccountID)
	if err != nil {
		slog.Error("❌ List lookup failed", "status_id", status.ID, "error", err)
		errs = append(errs, fmt.Errorf("lists: %w", err))
	}
	for _, list := range lists {
		var ferr error
		follows := list.AccountID == status.AccountID
		if !follows {
			follows, ferr = m.follows(ctx, list.AccountID, status.AccountID)
		}
		if ferr != nil || !follows {
			m.track(&res, domain.ListFeed(list.ID), false, ferr)
			continue
		}
		ok, err := m.PushToList(ctx, list, status)
		m.track(&res, domain.ListFeed(list.ID), ok, err)
	}

	// 5. Feed des mentions (pas pour les reblogs)
	if !status.IsReblog() && len(status.MentionedAccountIDs) > 0 {
		local, err := m.accounts.LocalAccountIDs(ctx, status.MentionedAccountIDs)
		if err != nil {
			errs = append(errs, fmt.Errorf("local mentions: %w", err))
		}
		res.Merge(m.forEach(ctx, local, domain.MentionsFeed, func(ctx context.Context, id int64) (bool, error) {
			return m.PushToMentions(ctx, id, status)
		}))
	}

	return m.finish(span, status, res, errs)
}

func (m *FeedManager) fanOutDirect(ctx context.Context, status *domain.Status, res *domain.FanOutResult) error {
	if status.AccountDomain == "" {
		ok, err := m.PushToDirect(ctx, status.AccountID, status)
		m.track(res, domain.DirectFeed(status.AccountID), ok, err)
	}

	local, err := m.accounts.LocalAccountIDs(ctx, status.MentionedAccountIDs)
	if err != nil {
		return fmt.Errorf("local mentions: %w", err)
	}
	for _, id := range local {
		if id == status.AccountID {
			continue
		}
		ok, err := m.PushToDirect(ctx, id, status)
		m.track(res, domain.DirectFeed(id), ok, err)

		// Le home n'est reconstruit qu'à partir des comptes suivis : même règle ici.
		follows, err := m.follows(ctx, id, status.AccountID)
		if err != nil {
			m.track(res, domain.HomeFeed(id), false, err)
			continue
		}
		if follows {
			ok, err = m.PushToHome(ctx, id, status, nil)
			m.track(res, domain.HomeFeed(id), ok, err)
		}
	}
	return nil
}

// follows reports whether accountID follows targetID.
func (m *FeedManager) follows(ctx context.Context, accountID, targetID int64) (bool, error) {
	rel, err := m.graph.Relations(ctx, accountID, []int64{targetID}, nil)
	if err != nil {
		return false, fmt.Errorf("relations: %w", err)
	}
	return rel != nil && rel.Follows(targetID), nil
}

// UnfanStatus retire un statut supprimé (ou un reblog annulé) de tous les feeds
// où le fan-out a pu le déposer.
func (m *FeedManager) UnfanStatus(ctx context.Context, status *domain.Status) (domain.FanOutResult, error) {
	ctx, span := m.tracer.Start(ctx, "FeedManager.UnfanStatus", trace.WithAttributes(
		attribute.Int64("status.id", status.ID),
	))
	defer span.End()

	var res domain.FanOutResult
	var errs []error

	if status.AccountDomain == "" {
		ok, err := m.UnpushFromHome(ctx, status.AccountID, status)
		m.track(&res, domain.HomeFeed(status.AccountID), ok, err)
		ok, err = m.unpush(ctx, domain.DirectFeed(status.AccountID), status)
		m.track(&res, domain.DirectFeed(status.AccountID), ok, err)
	}

	err := m.graph.StreamFollowers(ctx, status.AccountID, m.opts.BatchSize, func(batch []int64) error {
		res.Merge(m.forEach(ctx, batch, domain.HomeFeed, func(ctx context.Context, id int64) (bool, error) {
			if id == status.AccountID {
				return false, nil
			}
			return m.UnpushFromHome(ctx, id, status)
		}))
		return ctx.Err()
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("stream followers: %w", err))
	}

	lists, err := m.lists.ListsContaining(ctx, status.AccountID)
	if err != nil {
		errs = append(errs, fmt.Errorf("lists: %w", err))
	}
	for _, list := range lists {
		ok, err := m.UnpushFromList(ctx, list, status)
		m.track(&res, domain.ListFeed(list.ID), ok, err)
	}

	if len(status.MentionedAccountIDs) > 0 {
		local, err := m.accounts.LocalAccountIDs(ctx, status.MentionedAccountIDs)
		if err != nil {
			errs = append(errs, fmt.Errorf("local mentions: %w", err))
		}
		for _, id := range local {
			for _, feed := range []domain.FeedKey{domain.MentionsFeed(id), domain.DirectFeed(id), domain.HomeFeed(id)} {
				ok, err := m.unpush(ctx, feed, status)
				m.track(&res, feed, ok, err)
			}
		}
	}

	return m.finish(span, status, res, errs)
}

// forEach applique op à chaque cible avec au plus Concurrency appels en vol.
func (m *FeedManager) forEach(ctx context.Context, ids []int64, feedOf func(int64) domain.FeedKey, op func(context.Context, int64) (bool, error)) domain.FanOutResult {
	var (
		mu  sync.Mutex
		res domain.FanOutResult
	)
	if len(ids) == 0 {
		return res
	}

	p := pool.New().WithMaxGoroutines(m.opts.Concurrency)
	for _, id := range ids {
		p.Go(func() {
			ok, err := op(ctx, id)
			mu.Lock()
			m.track(&res, feedOf(id), ok, err)
			mu.Unlock()
		})
	}
	p.Wait()
	return res
}

func (m *FeedManager) track(res *domain.FanOutResult, feed domain.FeedKey, ok bool, err error) {
	if err != nil {
		slog.Error("❌ Feed write failed", "feed", feed.Key(), "error", err)
		err = fmt.Errorf("%s: %w", feed, err)
	}
	res.Record(ok, err)
}

func (m *FeedManager) finish(span trace.Span, status *domain.Status, res domain.FanOutResult, errs []error) (domain.FanOutResult, error) {
	span.SetAttributes(
		attribute.Int("fanout.targets", res.Targets),
		attribute.Int("fanout.pushed", res.Pushed),
		attribute.Int("fanout.failed", res.Failed),
	)
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	slog.Info("✅ Fan-out complete", "status_id", status.ID, "targets", res.Targets, "pushed", res.Pushed, "skipped", res.Skipped, "failed", res.Failed)
	return res, err
}

// --- CLEANING ---

// ClearFromHome retire du home de accountID tout ce qui vient de target :
// ses statuts, ses reblogs, et les statuts qui le mentionnent.
func (m *FeedManager) ClearFromHome(ctx context.Context, accountID, targetAccountID int64) (int, error) {
	feed := domain.HomeFeed(accountID)

	ids, err := m.store.Members(ctx, feed.Key())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	statuses, err := m.statuses.GetStatuses(ctx, ids)
	if err != nil {
		return 0, err
	}

	// Les lignes de reblog ne portent pas de mentions : on lit celles de l'original.
	var originalIDs []int64
	for _, s := range statuses {
		if s.IsReblog() {
			originalIDs = append(originalIDs, s.ReblogOfID)
		}
	}
	originals := map[int64]*domain.Status{}
	if len(originalIDs) > 0 {
		found, err := m.statuses.GetStatuses(ctx, dedupe(originalIDs))
		if err != nil {
			return 0, err
		}
		for _, o := range found {
			originals[o.ID] = o
		}
	}

	removed := 0
	for _, s := range statuses {
		mentions := s.Mentions(targetAccountID)
		if o, ok := originals[s.ReblogOfID]; ok && s.IsReblog() {
			mentions = mentions || o.Mentions(targetAccountID)
		}
		if s.AccountID != targetAccountID && s.ReblogOfAccountID != targetAccountID && !mentions {
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
	slog.Debug("home cleared", "account_id", accountID, "target_account_id", targetAccountID, "removed", removed)
	return removed, nil
}

// CleanFeeds supprime entièrement les feeds des propriétaires donnés.
// Idempotent : un propriétaire sans feed est ignoré.
func (m *FeedManager) CleanFeeds(ctx context.Context, feedType domain.FeedType, ownerIDs []int64) error {
	if _, err := domain.ParseFeedType(string(feedType)); err != nil {
		return err
	}

	var errs []error
	for _, id := range ownerIDs {
		feed := domain.FeedKey{Type: feedType, OwnerID: id}
		keys := []string{feed.Key(), feed.ReblogsKey(), feed.PopulatedKey()}
		if feed.Aggregates() {
			sets, err := m.store.Keys(ctx, feed.ReblogsKey()+":*")
			if err != nil {
				errs = append(errs, err)
				continue
			}
			keys = append(keys, sets...)
		}
		if err := m.store.Clear(ctx, keys...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveFromFeeds retire des statuts précis des feeds donnés (purge de modération).
// Les reblogs passent par removeFromFeed pour garder l'index d'agrégation cohérent.
func (m *FeedManager) RemoveFromFeeds(ctx context.Context, feedType domain.FeedType, ownerIDs, statusIDs []int64) error {
	if _, err := domain.ParseFeedType(string(feedType)); err != nil {
		return err
	}
	if len(statusIDs) == 0 {
		return nil
	}

	known, err := m.statuses.GetStatuses(ctx, dedupe(statusIDs))
	if err != nil {
		return err
	}
	byID := make(map[int64]*domain.Status, len(known))
	for _, s := range known {
		byID[s.ID] = s
	}

	var errs []error
	for _, id := range ownerIDs {
		feed := domain.FeedKey{Type: feedType, OwnerID: id}
		for _, sid := range dedupe(statusIDs) {
			status, ok := byID[sid]
			if !ok {
				status, err = m.purgedStatus(ctx, feed, sid)
				if err != nil {
					errs = append(errs, err)
					continue
				}
			}
			if _, err := m.unpush(ctx, feed, status); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// purgedStatus rebuilds what the feed knows about a status that is gone from the
// database. A shown reblog is tracked in the reblogs index under its own score.
func (m *FeedManager) purgedStatus(ctx context.Context, feed domain.FeedKey, id int64) (*domain.Status, error) {
	status := &domain.Status{ID: id}
	if !feed.Aggregates() {
		return status, nil
	}
	sc, present, err := m.store.Score(ctx, feed.Key(), id)
	if err != nil || !present {
		return status, err
	}
	reblogOf, err := m.store.RemoveByScore(ctx, feed.ReblogsKey(), sc, sc)
	if err != nil {
		return nil, err
	}
	if len(reblogOf) > 0 {
		status.ReblogOfID = reblogOf[0]
	}
	return status, nil
}
