package visibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

const (
	viewer int64 = 1
	alice  int64 = 2
	bob    int64 = 3
	carol  int64 = 4
)

func following(ids ...int64) *domain.Relations {
	rel := domain.NewRelations(viewer)
	for _, id := range ids {
		rel.Following[id] = domain.Follow{ShowReblogs: true}
	}
	return rel
}

func home(s *domain.Status, rel *domain.Relations) Verdict {
	return Evaluate(Input{Feed: domain.FeedHome, Status: s, ViewerID: viewer, Relations: rel})
}

func TestHome_OwnStatusAlwaysVisible(t *testing.T) {
	rel := following()
	rel.Blocking[viewer] = true // incohérent mais ne doit pas compter
	s := &domain.Status{ID: 10, AccountID: viewer, Reply: true}

	v := home(s, rel)
	assert.True(t, v.Visible)
	assert.Equal(t, RuleSelf, v.Rule)
}

func TestHome_FollowedStatusVisible(t *testing.T) {
	s := &domain.Status{ID: 10, AccountID: alice, Visibility: domain.VisibilityPublic}
	assert.True(t, home(s, following(alice)).Visible)
}

func TestHome_BlockedAuthor(t *testing.T) {
	rel := following(alice)
	rel.Blocking[alice] = true
	s := &domain.Status{ID: 10, AccountID: alice}

	assert.Equal(t, hidden(RuleBlocked), home(s, rel))
}

func TestHome_BlockedByAuthor(t *testing.T) {
	rel := following(alice)
	rel.BlockedBy[alice] = true
	assert.False(t, home(&domain.Status{ID: 10, AccountID: alice}, rel).Visible)
}

func TestHome_ReblogOfBlockedAccount(t *testing.T) {
	rel := following(alice)
	rel.Blocking[bob] = true
	s := &domain.Status{ID: 11, AccountID: alice, ReblogOfID: 5, ReblogOfAccountID: bob}

	assert.Equal(t, hidden(RuleBlocked), home(s, rel))
}

func TestHome_MentionOfBlockedAccount(t *testing.T) {
	rel := following(alice)
	rel.Blocking[bob] = true
	s := &domain.Status{ID: 12, AccountID: alice, MentionedAccountIDs: []int64{bob}}

	assert.False(t, home(s, rel).Visible)
}

func TestHome_MutedAuthorAndReblog(t *testing.T) {
	rel := following(alice)
	rel.Muting[alice] = true
	assert.Equal(t, hidden(RuleMuted), home(&domain.Status{ID: 10, AccountID: alice}, rel))

	rel = following(alice)
	rel.Muting[bob] = true
	reblog := &domain.Status{ID: 11, AccountID: alice, ReblogOfID: 5, ReblogOfAccountID: bob}
	assert.Equal(t, hidden(RuleMuted), home(reblog, rel))
}

func TestHome_ReplyToMutedAccountNotFollowed(t *testing.T) {
	rel := following(alice)
	rel.Muting[bob] = true
	s := &domain.Status{ID: 10, AccountID: alice, Reply: true, InReplyToID: 3, InReplyToAccountID: bob}

	assert.False(t, home(s, rel).Visible)
}

func TestHome_DomainBlock(t *testing.T) {
	rel := following(alice)
	rel.DomainBlocks["evil.example"] = true

	s := &domain.Status{ID: 10, AccountID: alice, AccountDomain: "evil.example"}
	assert.Equal(t, hidden(RuleDomainBlocked), home(s, rel))

	reblog := &domain.Status{ID: 11, AccountID: alice, ReblogOfID: 5, ReblogOfAccountID: bob, ReblogOfAccountDomain: "evil.example"}
	assert.Equal(t, hidden(RuleDomainBlocked), home(reblog, rel))
}

func TestHome_Replies(t *testing.T) {
	rel := following(alice, bob)

	tests := []struct {
		name    string
		status  *domain.Status
		visible bool
	}{
		{"reply to followed account", &domain.Status{ID: 10, AccountID: alice, Reply: true, InReplyToID: 1, InReplyToAccountID: bob}, true},
		{"reply to viewer", &domain.Status{ID: 10, AccountID: alice, Reply: true, InReplyToID: 1, InReplyToAccountID: viewer}, true},
		{"self reply", &domain.Status{ID: 10, AccountID: alice, Reply: true, InReplyToID: 1, InReplyToAccountID: alice}, true},
		{"reply to stranger", &domain.Status{ID: 10, AccountID: alice, Reply: true, InReplyToID: 1, InReplyToAccountID: carol}, false},
		{"reply to unknown parent", &domain.Status{ID: 10, AccountID: alice, Reply: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.visible, home(tt.status, rel).Visible)
		})
	}
}

func TestHome_DirectOnlyForMentioned(t *testing.T) {
	rel := following(alice)
	notAddressed := &domain.Status{ID: 10, AccountID: alice, Visibility: domain.VisibilityDirect, MentionedAccountIDs: []int64{bob}}
	addressed := &domain.Status{ID: 11, AccountID: alice, Visibility: domain.VisibilityDirect, MentionedAccountIDs: []int64{viewer}}

	assert.Equal(t, hidden(RuleDirect), home(notAddressed, rel))
	assert.True(t, home(addressed, rel).Visible)
}

func TestHome_ReblogsHiddenForFollow(t *testing.T) {
	rel := following()
	rel.Following[alice] = domain.Follow{ShowReblogs: false}

	reblog := &domain.Status{ID: 11, AccountID: alice, ReblogOfID: 5, ReblogOfAccountID: bob}
	assert.Equal(t, hidden(RuleReblogsHidden), home(reblog, rel))

	original := &domain.Status{ID: 12, AccountID: alice}
	assert.True(t, home(original, rel).Visible)
}

func TestHome_LanguageRestrictedFollow(t *testing.T) {
	rel := following()
	rel.Following[alice] = domain.Follow{ShowReblogs: true, Languages: []string{"fr", "de"}}

	assert.True(t, home(&domain.Status{ID: 10, AccountID: alice, Language: "FR"}, rel).Visible)
	assert.True(t, home(&domain.Status{ID: 11, AccountID: alice}, rel).Visible)
	assert.Equal(t, hidden(RuleLanguage), home(&domain.Status{ID: 12, AccountID: alice, Language: "en"}, rel))
}

func TestHome_ExclusiveListMembers(t *testing.T) {
	rel := following(alice)
	rel.ExclusiveListMembers[alice] = true

	assert.Equal(t, hidden(RuleExclusiveList), home(&domain.Status{ID: 10, AccountID: alice}, rel))

	// La même règle ne s'applique pas au feed de la liste elle-même.
	in := Input{Feed: domain.FeedList, Status: &domain.Status{ID: 10, AccountID: alice}, ViewerID: viewer, Relations: rel, List: &domain.List{ID: 7, AccountID: viewer, RepliesPolicy: domain.RepliesList, Exclusive: true}}
	assert.True(t, Visible(in))
}

func TestHome_KeywordFilter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	hide := &domain.Filter{Action: domain.FilterHide, Contexts: []string{"home"}, Keywords: []domain.FilterKeyword{{Keyword: "spoiler", WholeWord: true}}}
	warn := &domain.Filter{Action: domain.FilterWarn, Contexts: []string{"home"}, Keywords: []domain.FilterKeyword{{Keyword: "spoiler"}}}
	expired := &domain.Filter{Action: domain.FilterHide, Contexts: []string{"home"}, Keywords: []domain.FilterKeyword{{Keyword: "spoiler"}}, ExpiresAt: &past}
	otherContext := &domain.Filter{Action: domain.FilterHide, Contexts: []string{"public"}, Keywords: []domain.FilterKeyword{{Keyword: "spoiler"}}}

	s := &domain.Status{ID: 10, AccountID: alice, Text: "Big SPOILER ahead"}
	eval := func(filters ...*domain.Filter) Verdict {
		return Evaluate(Input{Feed: domain.FeedHome, Status: s, ViewerID: viewer, Relations: following(alice), Filters: filters, Now: now})
	}

	assert.Equal(t, hidden(RuleKeywordFilter), eval(hide))
	assert.True(t, eval(warn).Visible)
	assert.True(t, eval(expired).Visible)
	assert.True(t, eval(otherContext).Visible)

	partial := &domain.Status{ID: 11, AccountID: alice, Text: "spoilers everywhere"}
	assert.True(t, Evaluate(Input{Feed: domain.FeedHome, Status: partial, ViewerID: viewer, Relations: following(alice), Filters: []*domain.Filter{hide}, Now: now}).Visible)
}

func TestMatches_StatusFilterCoversReblogs(t *testing.T) {
	f := &domain.Filter{StatusIDs: []int64{5}}
	assert.True(t, Matches(f, &domain.Status{ID: 5}))
	assert.True(t, Matches(f, &domain.Status{ID: 11, ReblogOfID: 5}))
	assert.False(t, Matches(f, &domain.Status{ID: 12}))
}

func TestMatches_SpoilerText(t *testing.T) {
	f := &domain.Filter{Keywords: []domain.FilterKeyword{{Keyword: "c++"}}}
	assert.True(t, Matches(f, &domain.Status{ID: 1, SpoilerText: "about C++"}))
}

func TestList_RepliesPolicy(t *testing.T) {
	rel := following(alice, bob)
	members := map[int64]bool{alice: true}

	replyTo := func(target int64) *domain.Status {
		return &domain.Status{ID: 10, AccountID: alice, Reply: true, InReplyToID: 9, InReplyToAccountID: target}
	}
	eval := func(policy domain.RepliesPolicy, s *domain.Status) bool {
		return Visible(Input{
			Feed:          domain.FeedList,
			Status:        s,
			ViewerID:      viewer,
			Relations:     rel,
			List:          &domain.List{ID: 7, AccountID: viewer, RepliesPolicy: policy},
			ListMemberIDs: members,
		})
	}

	// followed : réponse à un compte suivi
	assert.True(t, eval(domain.RepliesFollowed, replyTo(bob)))
	// list : bob n'est pas membre
	assert.False(t, eval(domain.RepliesList, replyTo(bob)))
	assert.True(t, eval(domain.RepliesList, replyTo(alice)))
	// none : aucune réponse, sauf au propriétaire
	assert.False(t, eval(domain.RepliesNone, replyTo(bob)))
	assert.True(t, eval(domain.RepliesNone, replyTo(viewer)))
	// pas une réponse
	assert.True(t, eval(domain.RepliesNone, &domain.Status{ID: 11, AccountID: alice}))
}

func TestMentions_OnlyBlocksMutesAndFilters(t *testing.T) {
	s := &domain.Status{ID: 10, AccountID: carol, MentionedAccountIDs: []int64{viewer}, Reply: true, InReplyToAccountID: bob}

	in := Input{Feed: domain.FeedMentions, Status: s, ViewerID: viewer, Relations: following()}
	assert.True(t, Visible(in), "strangers and replies still notify")

	rel := following()
	rel.Muting[carol] = true
	in.Relations = rel
	assert.False(t, Visible(in))

	in.Relations = following()
	in.Filters = []*domain.Filter{{Action: domain.FilterHide, Contexts: []string{"notifications"}, Keywords: []domain.FilterKeyword{{Keyword: "hello"}}}}
	s.Text = "hello there"
	assert.False(t, Visible(in))
}

func TestDirect_AddressedOnly(t *testing.T) {
	s := &domain.Status{ID: 10, AccountID: alice, Visibility: domain.VisibilityDirect, MentionedAccountIDs: []int64{viewer}}

	assert.True(t, Visible(Input{Feed: domain.FeedDirect, Status: s, ViewerID: viewer}))
	assert.True(t, Visible(Input{Feed: domain.FeedDirect, Status: s, ViewerID: alice}))
	assert.False(t, Visible(Input{Feed: domain.FeedDirect, Status: s, ViewerID: bob}))

	rel := following()
	rel.Blocking[alice] = true
	assert.False(t, Visible(Input{Feed: domain.FeedDirect, Status: s, ViewerID: viewer, Relations: rel}))
}

func TestEvaluate_UnknownFeed(t *testing.T) {
	assert.False(t, Visible(Input{Feed: "public", Status: &domain.Status{ID: 1, AccountID: alice}, ViewerID: viewer}))
}
