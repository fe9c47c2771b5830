package domain

import "time"

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// Status is a post as the feed engine sees it. It is never mutated here.
type Status struct {
	ID            int64
	AccountID     int64
	AccountDomain string // empty for local accounts

	ReblogOfID            int64
	ReblogOfAccountID     int64
	ReblogOfAccountDomain string

	Reply              bool
	InReplyToID        int64
	InReplyToAccountID int64

	Visibility          Visibility
	MentionedAccountIDs []int64
	Language            string
	Text                string
	SpoilerText         string
	CreatedAt           time.Time
}

func (s *Status) IsReblog() bool { return s.ReblogOfID != 0 }

// IsReply is true for replies, including replies whose parent never federated.
func (s *Status) IsReply() bool { return s.Reply || s.InReplyToID != 0 }

func (s *Status) Mentions(accountID int64) bool {
	for _, id := range s.MentionedAccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// InvolvedAccountIDs returns the accounts whose relationship with a viewer decides
// visibility: author, reblogged author, replied-to account and mentions.
func (s *Status) InvolvedAccountIDs() []int64 {
	ids := make([]int64, 0, 3+len(s.MentionedAccountIDs))
	seen := make(map[int64]struct{}, cap(ids))
	add := func(id int64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(s.AccountID)
	add(s.ReblogOfAccountID)
	add(s.InReplyToAccountID)
	for _, id := range s.MentionedAccountIDs {
		add(id)
	}
	return ids
}

// Account is consumed, never owned, by the feed engine.
type Account struct {
	ID       int64
	Username string
	Domain   string
	Silenced bool
	UserID   int64 // 0 when the account has no local user
}

func (a *Account) IsLocal() bool { return a.Domain == "" }

func (a *Account) HasLocalUser() bool { return a.UserID != 0 }

type RepliesPolicy string

const (
	RepliesFollowed RepliesPolicy = "followed"
	RepliesList     RepliesPolicy = "list"
	RepliesNone     RepliesPolicy = "none"
)

type List struct {
	ID            int64
	AccountID     int64 // owner
	Title         string
	RepliesPolicy RepliesPolicy
	Exclusive     bool
}

type FilterAction string

const (
	FilterWarn FilterAction = "warn"
	FilterHide FilterAction = "hide"
)

type FilterKeyword struct {
	Keyword   string
	WholeWord bool
}

// Filter is a viewer-configured keyword filter.
type Filter struct {
	ID        int64
	AccountID int64
	Title     string
	Action    FilterAction
	Contexts  []string // "home", "notifications", "public", "thread", "account"
	Keywords  []FilterKeyword
	StatusIDs []int64
	ExpiresAt *time.Time
}

func (f *Filter) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

func (f *Filter) AppliesTo(context string) bool {
	for _, c := range f.Contexts {
		if c == context {
			return true
		}
	}
	return false
}
