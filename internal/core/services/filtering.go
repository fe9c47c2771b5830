package services

import (
	"context"
	"fmt"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/visibility"
)

// viewerContext is everything about a feed owner that does not depend on the
// status being judged. Push builds one per target, regeneration one per rebuild.
type viewerContext struct {
	feed        domain.FeedKey
	viewerID    int64
	list        *domain.List
	listMembers map[int64]bool
	exclusive   map[int64]bool
	filters     []*domain.Filter
}

func filterContext(t domain.FeedType) string {
	switch t {
	case domain.FeedHome, domain.FeedList:
		return "home"
	case domain.FeedMentions:
		return "notifications"
	}
	return ""
}

func (m *FeedManager) viewerContext(ctx context.Context, feed domain.FeedKey, viewerID int64, list *domain.List) (*viewerContext, error) {
	vc := &viewerContext{feed: feed, viewerID: viewerID, list: list}

	if fc := filterContext(feed.Type); fc != "" && m.filters != nil {
		filters, err := m.filters.ActiveFilters(ctx, viewerID, fc)
		if err != nil {
			return nil, fmt.Errorf("filters: %w", err)
		}
		vc.filters = filters
	}

	switch feed.Type {
	case domain.FeedHome:
		ids, err := m.lists.ExclusiveListMemberIDs(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("exclusive lists: %w", err)
		}
		vc.exclusive = toSet(ids)
	case domain.FeedList:
		if list != nil && list.RepliesPolicy == domain.RepliesList {
			ids, err := m.lists.ListMemberIDs(ctx, list.ID)
			if err != nil {
				return nil, fmt.Errorf("list members: %w", err)
			}
			vc.listMembers = toSet(ids)
		}
	}
	return vc, nil
}

// evaluate judges statuses with a single relationship lookup.
func (m *FeedManager) evaluate(ctx context.Context, vc *viewerContext, statuses []*domain.Status) ([]bool, error) {
	out := make([]bool, len(statuses))
	if len(statuses) == 0 {
		return out, nil
	}

	var ids []int64
	var domains []string
	seenDomain := map[string]bool{}
	for _, s := range statuses {
		ids = append(ids, s.InvolvedAccountIDs()...)
		for _, d := range []string{s.AccountDomain, s.ReblogOfAccountDomain} {
			if d != "" && !seenDomain[d] {
				seenDomain[d] = true
				domains = append(domains, d)
			}
		}
	}

	rel, err := m.graph.Relations(ctx, vc.viewerID, dedupe(ids), domains)
	if err != nil {
		return nil, fmt.Errorf("relations: %w", err)
	}
	if rel == nil {
		rel = domain.NewRelations(vc.viewerID)
	}
	if vc.exclusive != nil {
		rel.ExclusiveListMembers = vc.exclusive
	}

	now := m.opts.Now()
	for i, s := range statuses {
		out[i] = visibility.Visible(visibility.Input{
			Feed:          vc.feed.Type,
			Status:        s,
			ViewerID:      vc.viewerID,
			Relations:     rel,
			Filters:       vc.filters,
			List:          vc.list,
			ListMemberIDs: vc.listMembers,
			Now:           now,
		})
	}
	return out, nil
}

func (m *FeedManager) visible(ctx context.Context, feed domain.FeedKey, viewerID int64, list *domain.List, status *domain.Status) (bool, error) {
	vc, err := m.viewerContext(ctx, feed, viewerID, list)
	if err != nil {
		return false, err
	}
	res, err := m.evaluate(ctx, vc, []*domain.Status{status})
	if err != nil {
		return false, err
	}
	return res[0], nil
}

// viewerOf resolves whose relationships govern a feed: the list owner for list
// feeds, the account itself otherwise.
func (m *FeedManager) viewerOf(ctx context.Context, feed domain.FeedKey) (int64, *domain.List, error) {
	if feed.Type != domain.FeedList {
		return feed.OwnerID, nil, nil
	}
	list, err := m.lists.FindList(ctx, feed.OwnerID)
	if err != nil {
		return 0, nil, err
	}
	return list.AccountID, list, nil
}

// sourceQuery is the database query a feed is materialized from. viewerID is the
// list owner for list feeds: only members they follow are read, as in fan-out.
func (m *FeedManager) sourceQuery(ctx context.Context, feed domain.FeedKey, viewerID int64) (ports.StatusQuery, error) {
	switch feed.Type {
	case domain.FeedHome:
		ids, err := m.graph.FollowingIDs(ctx, feed.OwnerID)
		if err != nil {
			return ports.StatusQuery{}, fmt.Errorf("following: %w", err)
		}
		return ports.StatusQuery{AuthorIDs: append(ids, feed.OwnerID)}, nil
	case domain.FeedList:
		members, err := m.lists.ListMemberIDs(ctx, feed.OwnerID)
		if err != nil {
			return ports.StatusQuery{}, fmt.Errorf("list members: %w", err)
		}
		following, err := m.graph.FollowingIDs(ctx, viewerID)
		if err != nil {
			return ports.StatusQuery{}, fmt.Errorf("following: %w", err)
		}
		followed := toSet(append(following, viewerID))
		ids := make([]int64, 0, len(members))
		for _, id := range members {
			if followed[id] {
				ids = append(ids, id)
			}
		}
		return ports.StatusQuery{AuthorIDs: ids}, nil
	case domain.FeedMentions:
		return ports.StatusQuery{MentionedAccountID: feed.OwnerID}, nil
	case domain.FeedDirect:
		return ports.StatusQuery{DirectFor: feed.OwnerID}, nil
	}
	return ports.StatusQuery{}, &domain.ValidationError{Field: "feed_type", Reason: "unknown feed type " + string(feed.Type)}
}

func toSet(ids []int64) map[int64]bool {
	s := make(map[int64]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
