package services

import (
	"context"
	"log/slog"
	"slices"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// Get lit une page d'un feed. Chemin rapide : le sorted set. Feed vide et jamais
// construit : on déclenche la régénération et on sert la requête DB directe.
func (m *FeedManager) Get(ctx context.Context, feed domain.FeedKey, page domain.Page) (*domain.Timeline, error) {
	page = page.Normalize()

	// 1. Chemin rapide
	ids, err := m.rangeFeed(ctx, feed, page)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return &domain.Timeline{StatusIDs: ids}, nil
	}

	// 2. Vide : chaud (vraiment vide), froid, ou en cours de reconstruction ?
	state, err := m.State(ctx, feed)
	if err != nil {
		return nil, err
	}
	switch state {
	case domain.StateWarm:
		return &domain.Timeline{StatusIDs: []int64{}}, nil
	case domain.StateCold:
		if _, err := m.RequestRegeneration(ctx, feed, false); err != nil {
			// On sert quand même la requête directe, la prochaine lecture retentera.
			slog.Warn("⚠️ Could not schedule regeneration", "feed", feed.Key(), "error", err)
		}
	case domain.StateRegenerating:
	}

	// 3. Chemin dégradé
	ids, err = m.directQuery(ctx, feed, page)
	if err != nil {
		return nil, err
	}
	return &domain.Timeline{StatusIDs: ids, Regenerating: true}, nil
}

func (m *FeedManager) rangeFeed(ctx context.Context, feed domain.FeedKey, page domain.Page) ([]int64, error) {
	q := ports.RangeQuery{
		Max:   domain.Score(page.MaxID),
		Min:   domain.Score(page.LowerBound()),
		Limit: int64(page.Limit),
	}
	if !page.Forward() {
		return m.store.Range(ctx, feed.Key(), q)
	}

	ids, err := m.store.RangeAsc(ctx, feed.Key(), q)
	if err != nil {
		return nil, err
	}
	slices.Reverse(ids)
	return ids, nil
}

// directQuery sert une page depuis la base avec le même filtre que le fan-out.
// On sur-échantillonne par tours bornés pour remplir la page malgré les statuts filtrés.
func (m *FeedManager) directQuery(ctx context.Context, feed domain.FeedKey, page domain.Page) ([]int64, error) {
	viewerID, list, err := m.viewerOf(ctx, feed)
	if err != nil {
		return nil, err
	}
	q, err := m.sourceQuery(ctx, feed, viewerID)
	if err != nil {
		return nil, err
	}
	vc, err := m.viewerContext(ctx, feed, viewerID, list)
	if err != nil {
		return nil, err
	}

	q.MaxID = page.MaxID
	q.MinID = page.LowerBound()
	q.Ascending = page.Forward()
	q.Limit = page.Limit * 2

	out := make([]int64, 0, page.Limit)
	for round := 0; round < m.opts.DirectQueryRounds && len(out) < page.Limit; round++ {
		batch, err := m.statuses.QueryStatuses(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		verdicts, err := m.evaluate(ctx, vc, batch)
		if err != nil {
			return nil, err
		}
		for i, s := range batch {
			if verdicts[i] && len(out) < page.Limit {
				out = append(out, s.ID)
			}
		}

		if len(batch) < q.Limit {
			break
		}
		last := batch[len(batch)-1].ID
		if q.Ascending {
			q.MinID = last
		} else {
			q.MaxID = last
		}
	}

	if page.Forward() {
		slices.Reverse(out)
	}
	return out, nil
}

// Regenerating indique si une reconstruction est en vol (le HTTP répond 206).
func (m *FeedManager) Regenerating(ctx context.Context, feed domain.FeedKey) (bool, error) {
	return m.store.Exists(ctx, feed.RegenerationKey())
}

func (m *FeedManager) State(ctx context.Context, feed domain.FeedKey) (domain.RegenerationState, error) {
	regenerating, err := m.store.Exists(ctx, feed.RegenerationKey())
	if err != nil {
		return domain.StateCold, err
	}
	if regenerating {
		return domain.StateRegenerating, nil
	}

	populated, err := m.store.Exists(ctx, feed.PopulatedKey())
	if err != nil {
		return domain.StateCold, err
	}
	if populated {
		return domain.StateWarm, nil
	}

	size, err := m.store.Size(ctx, feed.Key())
	if err != nil {
		return domain.StateCold, err
	}
	if size > 0 {
		return domain.StateWarm, nil
	}
	return domain.StateCold, nil
}
