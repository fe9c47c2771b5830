package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// regenerationPageSize : statuts lus par requête pendant une reconstruction.
const regenerationPageSize = 200

// RequestRegeneration passe le feed en REGENERATING et met un job en file.
// Le flag est posé en NX : un second appelant voit le flag et n'enfile rien.
func (m *FeedManager) RequestRegeneration(ctx context.Context, feed domain.FeedKey, force bool) (bool, error) {
	if !force {
		state, err := m.State(ctx, feed)
		if err != nil {
			return false, err
		}
		if state != domain.StateCold {
			return false, nil
		}
	}

	set, err := m.store.SetMarker(ctx, feed.RegenerationKey(), m.opts.RegenerationTTL, true)
	if err != nil {
		return false, err
	}
	if !set {
		return false, nil
	}

	job := domain.RegenerationJob{FeedType: feed.Type, OwnerID: feed.OwnerID, Force: force, Token: uuid.NewString()}
	if err := m.queue.Enqueue(ctx, job); err != nil {
		// Sans job, le flag bloquerait le feed jusqu'au TTL.
		if cerr := m.store.Clear(ctx, feed.RegenerationKey()); cerr != nil {
			slog.Error("❌ Failed to clear regeneration flag", "feed", feed.Key(), "error", cerr)
		}
		return false, fmt.Errorf("enqueue regeneration: %w", err)
	}

	slog.Info("🔄 Regeneration scheduled", "feed", feed.Key(), "force", force)
	return true, nil
}

// RegenerateFeedOverride force la reconstruction du home d'un compte local.
func (m *FeedManager) RegenerateFeedOverride(ctx context.Context, accountID int64) (bool, error) {
	account, err := m.accounts.FindAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !account.HasLocalUser() {
		return false, domain.ErrNoLocalUser
	}
	return m.RequestRegeneration(ctx, domain.HomeFeed(accountID), true)
}

// RunRegeneration est le corps du job. Idempotent : un job redélivré pendant
// qu'un autre worker construit le même feed ne fait rien.
func (m *FeedManager) RunRegeneration(ctx context.Context, job domain.RegenerationJob) error {
	feed := job.Feed()
	if _, err := domain.ParseFeedType(string(feed.Type)); err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "FeedManager.RunRegeneration", trace.WithAttributes(
		attribute.String("feed.key", feed.Key()),
		attribute.Bool("regeneration.force", job.Force),
	))
	defer span.End()

	// 1. Verrou par feed
	lock, err := m.locker.Obtain(ctx, "lock:"+feed.Key()+":regeneration", m.opts.RegenerationTTL)
	if errors.Is(err, domain.ErrLockNotObtained) {
		slog.Info("Regeneration already running elsewhere", "feed", feed.Key())
		return nil
	}
	if err != nil {
		return m.fail(ctx, span, feed, nil, fmt.Errorf("obtain lock: %w", err))
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("lock release failed", "feed", feed.Key(), "error", err)
		}
	}()

	// 2. Job redélivré après un build réussi
	if !job.Force {
		populated, err := m.store.Exists(ctx, feed.PopulatedKey())
		if err != nil {
			return m.fail(ctx, span, feed, nil, err)
		}
		if populated {
			return m.store.Clear(ctx, feed.RegenerationKey())
		}
	}

	// 3. Construction dans des clés temporaires, invisibles des lecteurs
	start := m.opts.Now()
	tmp := feed.Temp(uuid.NewString())
	n, err := m.build(ctx, feed, tmp)
	if err != nil {
		return m.fail(ctx, span, feed, &tmp, err)
	}

	// 4. Swap atomique puis COLD/REGENERATING -> WARM
	if err := m.swap(ctx, feed, tmp); err != nil {
		return m.fail(ctx, span, feed, &tmp, err)
	}
	if err := m.store.Clear(ctx, feed.RegenerationKey()); err != nil {
		// Le TTL finira par l'effacer.
		slog.Warn("regeneration flag not cleared", "feed", feed.Key(), "error", err)
	}

	span.SetAttributes(attribute.Int("regeneration.statuses", n))
	slog.Info("✅ Feed regenerated", "feed", feed.Key(), "statuses", n, "duration", m.opts.Now().Sub(start))
	return nil
}

// build remplit tmp avec les statuts visibles les plus récents, insérés du plus
// ancien au plus récent comme un fan-out rejoué.
func (m *FeedManager) build(ctx context.Context, feed domain.FeedKey, tmp domain.TempFeedKey) (int, error) {
	viewerID, list, err := m.viewerOf(ctx, feed)
	if err != nil {
		return 0, err
	}
	q, err := m.sourceQuery(ctx, feed, viewerID)
	if err != nil {
		return 0, err
	}
	vc, err := m.viewerContext(ctx, feed, viewerID, list)
	if err != nil {
		return 0, err
	}

	q.Limit = regenerationPageSize
	picked := make([]*domain.Status, 0, m.opts.MaxItems)
	for int64(len(picked)) < m.opts.MaxItems {
		batch, err := m.statuses.QueryStatuses(ctx, q)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			break
		}

		verdicts, err := m.evaluate(ctx, vc, batch)
		if err != nil {
			return 0, err
		}
		for i, s := range batch {
			if verdicts[i] && int64(len(picked)) < m.opts.MaxItems {
				picked = append(picked, s)
			}
		}

		if len(batch) < q.Limit {
			break
		}
		q.MaxID = batch[len(batch)-1].ID
	}

	for i := len(picked) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		s := picked[i]
		if _, err := m.addToFeed(ctx, tmp, feed.Aggregates(), s, domain.Score(s.ID)); err != nil {
			return 0, err
		}
	}
	if err := m.trim(ctx, tmp, feed.Aggregates()); err != nil {
		return 0, err
	}
	return len(picked), nil
}

func (m *FeedManager) swap(ctx context.Context, feed domain.FeedKey, tmp domain.TempFeedKey) error {
	stale, err := m.store.Keys(ctx, feed.ReblogsKey()+":*")
	if err != nil {
		return err
	}
	fresh, err := m.store.Keys(ctx, tmp.ReblogsKey()+":*")
	if err != nil {
		return err
	}

	spec := ports.SwapSpec{
		Deletes: stale,
		Moves: []ports.KeyMove{
			{From: tmp.Key(), To: feed.Key()},
			{From: tmp.ReblogsKey(), To: feed.ReblogsKey()},
		},
		Populated: feed.PopulatedKey(),
	}
	for _, k := range fresh {
		spec.Moves = append(spec.Moves, ports.KeyMove{
			From: k,
			To:   feed.ReblogsKey() + strings.TrimPrefix(k, tmp.ReblogsKey()),
		})
	}
	return m.store.Swap(ctx, spec)
}

// fail nettoie les clés temporaires et le flag pour qu'une prochaine lecture retente.
func (m *FeedManager) fail(ctx context.Context, span trace.Span, feed domain.FeedKey, tmp *domain.TempFeedKey, err error) error {
	cleanup := context.WithoutCancel(ctx)
	keys := []string{feed.RegenerationKey()}
	if tmp != nil {
		keys = append(keys, tmp.Key(), tmp.ReblogsKey())
		if sets, kerr := m.store.Keys(cleanup, tmp.ReblogsKey()+":*"); kerr == nil {
			keys = append(keys, sets...)
		}
	}
	if cerr := m.store.Clear(cleanup, keys...); cerr != nil {
		slog.Error("❌ Regeneration cleanup failed", "feed", feed.Key(), "error", cerr)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Error("❌ Regeneration failed", "feed", feed.Key(), "error", err)
	return fmt.Errorf("regenerate %s: %w", feed, err)
}
