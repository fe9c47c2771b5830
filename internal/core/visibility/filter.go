// Package visibility decides whether a status belongs in a viewer's feed.
//
// Evaluate is pure: every relationship it needs is prefetched into Input, so the
// fan-out path and the regeneration path cannot disagree.
package visibility

import (
	"regexp"
	"strings"
	"time"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
)

// Rule names the check that decided a verdict.
type Rule string

const (
	RuleSelf             Rule = "self"
	RuleBlocked          Rule = "blocked"
	RuleMuted            Rule = "muted"
	RuleDomainBlocked    Rule = "domain_blocked"
	RuleReplyNotFollowed Rule = "reply_not_followed"
	RuleDirect           Rule = "direct_not_addressed"
	RuleKeywordFilter    Rule = "keyword_filter"
	RuleReblogsHidden    Rule = "reblogs_hidden"
	RuleLanguage         Rule = "language"
	RuleExclusiveList    Rule = "exclusive_list"
	RuleListReplies      Rule = "list_replies_policy"
	RuleDefault          Rule = "default"
)

type Input struct {
	Feed      domain.FeedType
	Status    *domain.Status
	ViewerID  int64
	Relations *domain.Relations
	Filters   []*domain.Filter

	// List and ListMemberIDs are only consulted for list feeds.
	List          *domain.List
	ListMemberIDs map[int64]bool

	Now time.Time
}

type Verdict struct {
	Visible bool
	Rule    Rule
}

func hidden(r Rule) Verdict  { return Verdict{Visible: false, Rule: r} }
func visible(r Rule) Verdict { return Verdict{Visible: true, Rule: r} }

// Visible is Evaluate(in).Visible.
func Visible(in Input) bool { return Evaluate(in).Visible }

// Evaluate applies the rules for in.Feed, first match wins.
func Evaluate(in Input) Verdict {
	if in.Relations == nil {
		in.Relations = domain.NewRelations(in.ViewerID)
	}

	switch in.Feed {
	case domain.FeedHome:
		return evaluateHome(in, true)
	case domain.FeedList:
		if v := evaluateHome(in, false); !v.Visible {
			return v
		}
		return evaluateListReplies(in)
	case domain.FeedMentions:
		return evaluateMentions(in)
	case domain.FeedDirect:
		return evaluateDirect(in)
	}
	return hidden(RuleDefault)
}

func evaluateHome(in Input, home bool) Verdict {
	s, rel := in.Status, in.Relations

	if s.AccountID == in.ViewerID {
		return visible(RuleSelf)
	}

	// 1. Blocks and mutes, on every account the status drags in.
	if v, ok := blocksAndMutes(in); ok {
		return v
	}

	// 2. Personal domain blocks.
	if rel.DomainBlocked(s.AccountDomain) || rel.DomainBlocked(s.ReblogOfAccountDomain) {
		return hidden(RuleDomainBlocked)
	}

	// 3. Replies to people the viewer does not follow.
	if s.IsReply() && !replyAddressedToViewer(s, in.ViewerID, rel) {
		return hidden(RuleReplyNotFollowed)
	}

	// 4. Direct statuses only reach the author and the mentioned.
	if v, ok := directCheck(in); ok {
		return v
	}

	// 5. Keyword filters with the hide action.
	if matchesHideFilter(in, "home") {
		return hidden(RuleKeywordFilter)
	}

	if s.IsReblog() {
		if f, ok := rel.FollowOf(s.AccountID); ok && !f.ShowReblogs {
			return hidden(RuleReblogsHidden)
		}
	} else if f, ok := rel.FollowOf(s.AccountID); ok && !languageAllowed(f, s.Language) {
		return hidden(RuleLanguage)
	}

	if home && (rel.ExclusiveListMembers[s.AccountID] || (s.IsReblog() && rel.ExclusiveListMembers[s.ReblogOfAccountID])) {
		return hidden(RuleExclusiveList)
	}

	return visible(RuleDefault)
}

func evaluateListReplies(in Input) Verdict {
	s, list := in.Status, in.List
	if list == nil || !s.IsReply() || s.InReplyToAccountID == list.AccountID {
		return visible(RuleDefault)
	}

	switch list.RepliesPolicy {
	case domain.RepliesNone:
		return hidden(RuleListReplies)
	case domain.RepliesList:
		if !in.ListMemberIDs[s.InReplyToAccountID] {
			return hidden(RuleListReplies)
		}
	case domain.RepliesFollowed:
		if !in.Relations.Follows(s.InReplyToAccountID) {
			return hidden(RuleListReplies)
		}
	}
	return visible(RuleDefault)
}

func evaluateMentions(in Input) Verdict {
	if v, ok := blocksAndMutes(in); ok {
		return v
	}
	if matchesHideFilter(in, "notifications") {
		return hidden(RuleKeywordFilter)
	}
	return visible(RuleDefault)
}

func evaluateDirect(in Input) Verdict {
	if in.Status.AccountID != in.ViewerID {
		if v, ok := blocksAndMutes(in); ok {
			return v
		}
	}
	if v, ok := directCheck(in); ok {
		return v
	}
	return visible(RuleDefault)
}

func blocksAndMutes(in Input) (Verdict, bool) {
	s, rel := in.Status, in.Relations

	if rel.BlockedEitherWay(s.AccountID) {
		return hidden(RuleBlocked), true
	}
	if s.IsReblog() && rel.BlockedEitherWay(s.ReblogOfAccountID) {
		return hidden(RuleBlocked), true
	}
	if s.InReplyToAccountID != 0 && s.InReplyToAccountID != in.ViewerID && rel.Blocking[s.InReplyToAccountID] {
		return hidden(RuleBlocked), true
	}
	for _, id := range s.MentionedAccountIDs {
		if rel.Blocking[id] {
			return hidden(RuleBlocked), true
		}
	}

	if rel.Muting[s.AccountID] || (s.IsReblog() && rel.Muting[s.ReblogOfAccountID]) {
		return hidden(RuleMuted), true
	}
	if s.InReplyToAccountID != 0 && rel.Muting[s.InReplyToAccountID] && !rel.Follows(s.InReplyToAccountID) {
		return hidden(RuleMuted), true
	}
	return Verdict{}, false
}

func directCheck(in Input) (Verdict, bool) {
	s := in.Status
	if s.Visibility != domain.VisibilityDirect {
		return Verdict{}, false
	}
	if s.AccountID == in.ViewerID || s.Mentions(in.ViewerID) {
		return Verdict{}, false
	}
	return hidden(RuleDirect), true
}

// replyAddressedToViewer: replies to the viewer, to the author themself, or to an
// account the viewer follows stay visible. Replies whose parent is unknown do not.
func replyAddressedToViewer(s *domain.Status, viewerID int64, rel *domain.Relations) bool {
	target := s.InReplyToAccountID
	if target == 0 {
		return false
	}
	return target == viewerID || target == s.AccountID || rel.Follows(target)
}

func languageAllowed(f domain.Follow, lang string) bool {
	if len(f.Languages) == 0 || lang == "" {
		return true
	}
	for _, l := range f.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func matchesHideFilter(in Input, context string) bool {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	for _, f := range in.Filters {
		if f == nil || f.Action != domain.FilterHide || f.Expired(now) || !f.AppliesTo(context) {
			continue
		}
		if Matches(f, in.Status) {
			return true
		}
	}
	return false
}

// Matches reports whether the filter's keywords or pinned statuses hit s.
func Matches(f *domain.Filter, s *domain.Status) bool {
	for _, id := range f.StatusIDs {
		if id == s.ID || (s.IsReblog() && id == s.ReblogOfID) {
			return true
		}
	}
	if len(f.Keywords) == 0 {
		return false
	}
	text := s.SpoilerText + "\n" + s.Text
	for _, kw := range f.Keywords {
		if kw.Keyword == "" {
			continue
		}
		if keywordPattern(kw).MatchString(text) {
			return true
		}
	}
	return false
}

func keywordPattern(kw domain.FilterKeyword) *regexp.Regexp {
	expr := regexp.QuoteMeta(kw.Keyword)
	if kw.WholeWord {
		expr = `\b` + expr + `\b`
	}
	return regexp.MustCompile(`(?i)` + expr)
}
