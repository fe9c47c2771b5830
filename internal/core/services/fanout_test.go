package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/services"
)

// setupAudience : bob et carol suivent alice, carol la range dans la liste 7.
// erin a aussi alice dans une liste (8) sans la suivre.
func setupAudience(h *harness) {
	h.graph.follow(bob, alice)
	h.graph.follow(carol, alice)
	h.lists.lists[7] = &domain.List{ID: 7, AccountID: carol, Title: "friends", RepliesPolicy: domain.RepliesList}
	h.lists.members[7] = []int64{alice}
	h.lists.lists[8] = &domain.List{ID: 8, AccountID: erin, Title: "stale", RepliesPolicy: domain.RepliesList}
	h.lists.members[8] = []int64{alice}
}

func TestFanOutStatus_DeliversToEveryAudience(t *testing.T) {
	h := newHarness(t)
	setupAudience(h)
	ctx := context.Background()

	s := post(100, alice)
	s.MentionedAccountIDs = []int64{erin, dave}

	res, err := h.fm.FanOutStatus(ctx, s)
	require.NoError(t, err)

	for _, feed := range []domain.FeedKey{
		domain.HomeFeed(alice),
		domain.HomeFeed(bob),
		domain.HomeFeed(carol),
		domain.ListFeed(7),
		domain.MentionsFeed(erin),
	} {
		assert.Equal(t, []int64{100}, h.feed(t, feed), feed.Key())
	}
	assert.Empty(t, h.feed(t, domain.MentionsFeed(dave)), "remote accounts have no feeds")
	assert.Empty(t, h.feed(t, domain.HomeFeed(erin)), "not a follower")
	assert.Empty(t, h.feed(t, domain.ListFeed(8)), "list owner does not follow the author")

	assert.Equal(t, 5, res.Pushed)
	assert.Zero(t, res.Failed)
}

func TestFanOutStatus_RemoteAuthorSkipsOwnHome(t *testing.T) {
	h := newHarness(t)
	h.graph.follow(bob, dave)

	s := post(100, dave)
	s.AccountDomain = "remote.example"

	_, err := h.fm.FanOutStatus(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(bob)))
	assert.Empty(t, h.feed(t, domain.HomeFeed(dave)))
}

func TestFanOutStatus_DirectReachesOnlyMentioned(t *testing.T) {
	h := newHarness(t)
	setupAudience(h)

	s := post(100, alice)
	s.Visibility = domain.VisibilityDirect
	s.MentionedAccountIDs = []int64{bob}

	_, err := h.fm.FanOutStatus(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(alice)))
	assert.Equal(t, []int64{100}, h.feed(t, domain.DirectFeed(alice)))
	assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(bob)))
	assert.Equal(t, []int64{100}, h.feed(t, domain.DirectFeed(bob)))
	assert.Empty(t, h.feed(t, domain.HomeFeed(carol)))
	assert.Empty(t, h.feed(t, domain.ListFeed(7)))
}

func TestFanOutStatus_ReblogSkipsMentions(t *testing.T) {
	h := newHarness(t)
	h.graph.follow(bob, alice)

	original := post(50, carol)
	rb := reblog(100, alice, original)
	rb.MentionedAccountIDs = []int64{erin}

	_, err := h.fm.FanOutStatus(context.Background(), rb)
	require.NoError(t, err)

	assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(bob)))
	assert.Empty(t, h.feed(t, domain.MentionsFeed(erin)))
}

func TestFanOutStatus_StreamsFollowersInBatches(t *testing.T) {
	h := newHarness(t, withOptions(func(o *services.Options) {
		o.BatchSize = 2
		o.Concurrency = 2
	}))
	followers := []int64{10, 11, 12, 13, 14}
	for _, id := range followers {
		h.graph.follow(id, alice)
	}

	res, err := h.fm.FanOutStatus(context.Background(), post(100, alice))
	require.NoError(t, err)

	for _, id := range followers {
		assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(id)))
	}
	assert.Equal(t, len(followers)+1, res.Pushed)
}

func TestFanOutStatus_IsolatesFailingTarget(t *testing.T) {
	h := newHarness(t, withStore(func(s ports.TimelineStore) ports.TimelineStore {
		return &failingStore{TimelineStore: s, match: domain.HomeFeed(bob).Key()}
	}))
	setupAudience(h)

	res, err := h.fm.FanOutStatus(context.Background(), post(100, alice))
	require.NoError(t, err, "per-target failures are counted, not raised")

	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.True(t, domain.IsStoreError(res.Errors[0]))

	assert.Empty(t, h.feed(t, domain.HomeFeed(bob)))
	assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(carol)))
	assert.Equal(t, []int64{100}, h.feed(t, domain.ListFeed(7)))
}

func TestFanOutStatus_StreamFailureStillReachesLists(t *testing.T) {
	h := newHarness(t)
	setupAudience(h)
	h.graph.streamErr = errors.New("graph unavailable")

	_, err := h.fm.FanOutStatus(context.Background(), post(100, alice))
	require.Error(t, err)

	assert.Equal(t, []int64{100}, h.feed(t, domain.ListFeed(7)))
	assert.Equal(t, []int64{100}, h.feed(t, domain.HomeFeed(alice)))
}

func TestUnfanStatus_RemovesFromEveryFeed(t *testing.T) {
	h := newHarness(t)
	setupAudience(h)
	ctx := context.Background()

	s := post(100, alice)
	s.MentionedAccountIDs = []int64{erin}
	_, err := h.fm.FanOutStatus(ctx, s)
	require.NoError(t, err)

	res, err := h.fm.UnfanStatus(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, res.Failed)

	for _, feed := range []domain.FeedKey{
		domain.HomeFeed(alice),
		domain.HomeFeed(bob),
		domain.HomeFeed(carol),
		domain.ListFeed(7),
		domain.MentionsFeed(erin),
	} {
		assert.Empty(t, h.feed(t, feed), feed.Key())
	}
}

func TestClearFromHome_DropsTargetContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	byAlice := post(1, alice)
	byCarol := post(2, carol)
	reblogOfAlice := reblog(60, carol, post(50, alice))
	mentioningAlice := post(70, erin)
	mentioningAlice.MentionedAccountIDs = []int64{alice}
	// Reblog d'un statut qui mentionne alice : la ligne du reblog n'a pas de mentions
	originalMentioning := post(55, erin)
	originalMentioning.MentionedAccountIDs = []int64{alice}
	reblogOfMention := reblog(80, carol, originalMentioning)

	all := []*domain.Status{byAlice, byCarol, reblogOfAlice, mentioningAlice, reblogOfMention}
	h.statuses.put(all...)
	h.statuses.put(originalMentioning)
	for _, s := range all {
		_, err := h.fm.PushToHome(ctx, bob, s, nil)
		require.NoError(t, err)
	}
	require.Len(t, h.feed(t, domain.HomeFeed(bob)), 5)

	removed, err := h.fm.ClearFromHome(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, []int64{2}, h.feed(t, domain.HomeFeed(bob)))
}

func TestCleanFeeds_PurgesEveryKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := post(5, alice)

	_, err := h.fm.PushToHome(ctx, bob, reblog(11, carol, original), nil)
	require.NoError(t, err)
	_, err = h.fm.PushToHome(ctx, bob, reblog(12, erin, original), nil)
	require.NoError(t, err)
	require.NotEmpty(t, h.mr.Keys())

	require.NoError(t, h.fm.CleanFeeds(ctx, domain.FeedHome, []int64{bob, 999}))
	assert.Empty(t, h.mr.Keys())

	// Idempotent
	require.NoError(t, h.fm.CleanFeeds(ctx, domain.FeedHome, []int64{bob}))
}

func TestCleanFeeds_UnknownType(t *testing.T) {
	h := newHarness(t)
	err := h.fm.CleanFeeds(context.Background(), "public", []int64{bob})
	assert.True(t, domain.IsValidation(err))
}

func TestRemoveFromFeeds_SelectivePurge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []int64{42, 43, 44} {
		_, err := h.fm.PushToHome(ctx, bob, post(id, alice), nil)
		require.NoError(t, err)
	}

	require.NoError(t, h.fm.RemoveFromFeeds(ctx, domain.FeedHome, []int64{bob, 999}, []int64{42}))
	assert.Equal(t, []int64{44, 43}, h.feed(t, domain.HomeFeed(bob)))

	events := h.notifier.Events()
	assert.Equal(t, published{domain.HomeFeed(bob), ports.EventDelete, 42}, events[len(events)-1])
}

func TestRemoveFromFeeds_ReblogKeepsAggregationConsistent(t *testing.T) {
	for _, tc := range []struct {
		name    string
		inStore bool
	}{
		{"status still in database", true},
		{"status already deleted", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			original := post(5, alice)
			first := reblog(11, carol, original)
			if tc.inStore {
				h.statuses.put(first)
			}

			_, err := h.fm.PushToHome(ctx, bob, first, nil)
			require.NoError(t, err)
			require.NoError(t, h.fm.RemoveFromFeeds(ctx, domain.FeedHome, []int64{bob}, []int64{11}))
			assert.Empty(t, h.feed(t, domain.HomeFeed(bob)))
			assert.False(t, h.mr.Exists(domain.HomeFeed(bob).ReblogsKey()))

			// Un reblog suivant du même statut doit s'afficher
			pushed, err := h.fm.PushToHome(ctx, bob, reblog(12, erin, original), nil)
			require.NoError(t, err)
			assert.True(t, pushed)
			assert.Equal(t, []int64{12}, h.feed(t, domain.HomeFeed(bob)))
		})
	}
}

func TestRemoveFromFeeds_ResurrectsParkedReblog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := post(5, alice)

	_, err := h.fm.PushToHome(ctx, bob, reblog(11, carol, original), nil)
	require.NoError(t, err)
	pushed, err := h.fm.PushToHome(ctx, bob, reblog(12, erin, original), nil)
	require.NoError(t, err)
	require.False(t, pushed, "parked behind 11")

	require.NoError(t, h.fm.RemoveFromFeeds(ctx, domain.FeedHome, []int64{bob}, []int64{11}))
	assert.Equal(t, []int64{12}, h.feed(t, domain.HomeFeed(bob)))
}

func TestRemoveFromFeeds_NotifiesOnlyRemovedStatuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.fm.PushToHome(ctx, bob, post(42, alice), nil)
	require.NoError(t, err)
	before := len(h.notifier.Events())

	require.NoError(t, h.fm.RemoveFromFeeds(ctx, domain.FeedHome, []int64{bob, carol}, []int64{42, 77}))

	assert.Equal(t, []published{{domain.HomeFeed(bob), ports.EventDelete, 42}}, h.notifier.Events()[before:])
}
