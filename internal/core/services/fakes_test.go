package services_test

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/adapters/secondary/repository"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/services"
)

// --- Statuses ---

type fakeStatuses struct {
	mu       sync.Mutex
	byID     map[int64]*domain.Status
	queryErr error
	queries  int
}

func newFakeStatuses() *fakeStatuses {
	return &fakeStatuses{byID: map[int64]*domain.Status{}}
}

func (f *fakeStatuses) put(statuses ...*domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range statuses {
		f.byID[s.ID] = s
	}
}

func (f *fakeStatuses) FindStatus(_ context.Context, id int64) (*domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrStatusNotFound
	}
	return s, nil
}

func (f *fakeStatuses) GetStatuses(_ context.Context, ids []int64) ([]*domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Status, 0, len(ids))
	for _, id := range ids {
		if s, ok := f.byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStatuses) QueryStatuses(_ context.Context, q ports.StatusQuery) ([]*domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []*domain.Status
	for _, s := range f.byID {
		switch {
		case q.DirectFor != 0:
			if s.Visibility != domain.VisibilityDirect || (s.AccountID != q.DirectFor && !s.Mentions(q.DirectFor)) {
				continue
			}
		case q.MentionedAccountID != 0:
			if s.IsReblog() || !s.Mentions(q.MentionedAccountID) {
				continue
			}
		case len(q.AuthorIDs) > 0:
			if !slices.Contains(q.AuthorIDs, s.AccountID) {
				continue
			}
		default:
			continue
		}
		if q.MaxID != 0 && s.ID >= q.MaxID {
			continue
		}
		if q.MinID != 0 && s.ID <= q.MinID {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.Ascending {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Accounts ---

type fakeAccounts struct {
	byID map[int64]*domain.Account
	err  error
}

func (f *fakeAccounts) FindAccount(_ context.Context, id int64) (*domain.Account, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccounts) LocalAccountIDs(_ context.Context, ids []int64) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []int64
	for _, id := range ids {
		if a, ok := f.byID[id]; ok && a.IsLocal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// --- Lists ---

type fakeLists struct {
	lists   map[int64]*domain.List
	members map[int64][]int64
}

func (f *fakeLists) FindList(_ context.Context, id int64) (*domain.List, error) {
	l, ok := f.lists[id]
	if !ok {
		return nil, domain.ErrListNotFound
	}
	return l, nil
}

func (f *fakeLists) ListsContaining(_ context.Context, accountID int64) ([]*domain.List, error) {
	var out []*domain.List
	for id, members := range f.members {
		if slices.Contains(members, accountID) {
			out = append(out, f.lists[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeLists) ListMemberIDs(_ context.Context, listID int64) ([]int64, error) {
	return f.members[listID], nil
}

func (f *fakeLists) ExclusiveListMemberIDs(_ context.Context, ownerID int64) ([]int64, error) {
	var out []int64
	for id, l := range f.lists {
		if l.AccountID == ownerID && l.Exclusive {
			out = append(out, f.members[id]...)
		}
	}
	return out, nil
}

// --- Filters ---

type fakeFilters struct {
	byAccount map[int64][]*domain.Filter
}

func (f *fakeFilters) ActiveFilters(_ context.Context, accountID int64, filterContext string) ([]*domain.Filter, error) {
	var out []*domain.Filter
	for _, fl := range f.byAccount[accountID] {
		if fl.AppliesTo(filterContext) {
			out = append(out, fl)
		}
	}
	return out, nil
}

// --- Graph ---

type fakeGraph struct {
	mu        sync.Mutex
	follows   map[int64]map[int64]domain.Follow // follower -> target -> options
	blocks    map[int64]map[int64]bool
	mutes     map[int64]map[int64]bool
	streamErr error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		follows: map[int64]map[int64]domain.Follow{},
		blocks:  map[int64]map[int64]bool{},
		mutes:   map[int64]map[int64]bool{},
	}
}

func (g *fakeGraph) follow(follower, target int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.follows[follower] == nil {
		g.follows[follower] = map[int64]domain.Follow{}
	}
	g.follows[follower][target] = domain.Follow{ShowReblogs: true}
}

func (g *fakeGraph) block(account, target int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocks[account] == nil {
		g.blocks[account] = map[int64]bool{}
	}
	g.blocks[account][target] = true
}

func (g *fakeGraph) StreamFollowers(ctx context.Context, accountID int64, batchSize int, yield func([]int64) error) error {
	g.mu.Lock()
	var followers []int64
	for follower, targets := range g.follows {
		if _, ok := targets[accountID]; ok {
			followers = append(followers, follower)
		}
	}
	streamErr := g.streamErr
	g.mu.Unlock()
	slices.Sort(followers)

	for start := 0; start < len(followers); start += batchSize {
		end := min(start+batchSize, len(followers))
		if err := yield(followers[start:end]); err != nil {
			return err
		}
	}
	return streamErr
}

func (g *fakeGraph) FollowingIDs(_ context.Context, accountID int64) ([]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []int64
	for target := range g.follows[accountID] {
		out = append(out, target)
	}
	slices.Sort(out)
	return out, nil
}

func (g *fakeGraph) Relations(_ context.Context, viewerID int64, targetIDs []int64, _ []string) (*domain.Relations, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rel := domain.NewRelations(viewerID)
	for _, id := range targetIDs {
		if f, ok := g.follows[viewerID][id]; ok {
			rel.Following[id] = f
		}
		if g.blocks[viewerID][id] {
			rel.Blocking[id] = true
		}
		if g.blocks[id][viewerID] {
			rel.BlockedBy[id] = true
		}
		if g.mutes[viewerID][id] {
			rel.Muting[id] = true
		}
	}
	return rel, nil
}

// --- Queue / Notifier ---

type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.RegenerationJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job domain.RegenerationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Jobs() []domain.RegenerationJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.jobs)
}

type published struct {
	Feed     domain.FeedKey
	Event    string
	StatusID int64
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *fakeNotifier) Publish(_ context.Context, feed domain.FeedKey, event string, statusID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{feed, event, statusID})
	return nil
}

func (n *fakeNotifier) Events() []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events)
}

// failingStore fait échouer les écritures sur les clés contenant un motif donné.
type failingStore struct {
	ports.TimelineStore
	match string
}

var errInjected = errors.New("connection reset by peer")

func (s *failingStore) Add(ctx context.Context, key string, member int64, score float64) error {
	if strings.Contains(key, s.match) {
		return &domain.StoreError{Op: "zadd", Key: key, Err: errInjected}
	}
	return s.TimelineStore.Add(ctx, key, member, score)
}

// --- Harness ---

const (
	alice int64 = 1 // auteur local
	bob   int64 = 2 // follower local
	carol int64 = 3 // follower local
	dave  int64 = 4 // compte distant
	erin  int64 = 5 // compte local sans lien
)

type harness struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	store    ports.TimelineStore
	statuses *fakeStatuses
	accounts *fakeAccounts
	lists    *fakeLists
	filters  *fakeFilters
	graph    *fakeGraph
	queue    *fakeQueue
	notifier *fakeNotifier
	fm       *services.FeedManager
}

type harnessOption func(*harness, *services.Options)

func withOptions(fn func(*services.Options)) harnessOption {
	return func(_ *harness, o *services.Options) { fn(o) }
}

func withStore(wrap func(ports.TimelineStore) ports.TimelineStore) harnessOption {
	return func(h *harness, _ *services.Options) { h.store = wrap(h.store) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		mr:       mr,
		rdb:      rdb,
		store:    repository.NewRedisTimelineStore(rdb),
		statuses: newFakeStatuses(),
		accounts: &fakeAccounts{byID: map[int64]*domain.Account{
			alice: {ID: alice, Username: "alice", UserID: 101},
			bob:   {ID: bob, Username: "bob", UserID: 102},
			carol: {ID: carol, Username: "carol", UserID: 103},
			dave:  {ID: dave, Username: "dave", Domain: "remote.example"},
			erin:  {ID: erin, Username: "erin", UserID: 105},
		}},
		lists:    &fakeLists{lists: map[int64]*domain.List{}, members: map[int64][]int64{}},
		filters:  &fakeFilters{byAccount: map[int64][]*domain.Filter{}},
		graph:    newFakeGraph(),
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
	}

	o := services.DefaultOptions()
	o.Now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
	for _, opt := range opts {
		opt(h, &o)
	}

	fm, err := services.NewFeedManager(services.Deps{
		Store:    h.store,
		Statuses: h.statuses,
		Accounts: h.accounts,
		Lists:    h.lists,
		Filters:  h.filters,
		Graph:    h.graph,
		Notifier: h.notifier,
		Queue:    h.queue,
		Locker:   repository.NewRedisLocker(rdb),
	}, o)
	require.NoError(t, err)
	h.fm = fm
	return h
}

func (h *harness) feed(t *testing.T, feed domain.FeedKey) []int64 {
	t.Helper()
	ids, err := h.store.Range(context.Background(), feed.Key(), ports.RangeQuery{})
	require.NoError(t, err)
	return ids
}

func post(id, author int64) *domain.Status {
	return &domain.Status{ID: id, AccountID: author, Visibility: domain.VisibilityPublic}
}

func reblog(id, reblogger int64, of *domain.Status) *domain.Status {
	return &domain.Status{
		ID:                id,
		AccountID:         reblogger,
		ReblogOfID:        of.ID,
		ReblogOfAccountID: of.AccountID,
		Visibility:        domain.VisibilityPublic,
	}
}

func score(f float64) *float64 { return &f }
