package domain

import (
	"fmt"
	"strconv"
)

// FeedType is the closed set of materialized feeds.
type FeedType string

const (
	FeedHome     FeedType = "home"
	FeedList     FeedType = "list"
	FeedMentions FeedType = "mentions"
	FeedDirect   FeedType = "direct"
)

// FeedTypes lists every feed type, in a stable order.
var FeedTypes = []FeedType{FeedHome, FeedList, FeedMentions, FeedDirect}

func ParseFeedType(s string) (FeedType, error) {
	switch FeedType(s) {
	case FeedHome, FeedList, FeedMentions, FeedDirect:
		return FeedType(s), nil
	default:
		return "", &ValidationError{Field: "feed_type", Reason: fmt.Sprintf("unknown feed type %q", s)}
	}
}

func (t FeedType) String() string { return string(t) }

// FeedKey identifies one feed: (type, owner). For list feeds the owner is the list id.
type FeedKey struct {
	Type    FeedType
	OwnerID int64
}

func HomeFeed(accountID int64) FeedKey { return FeedKey{Type: FeedHome, OwnerID: accountID} }
func ListFeed(listID int64) FeedKey { return FeedKey{Type: FeedList, OwnerID: listID} }
func MentionsFeed(accountID int64) FeedKey { return FeedKey{Type: FeedMentions, OwnerID: accountID} }
func DirectFeed(accountID int64) FeedKey { return FeedKey{Type: FeedDirect, OwnerID: accountID} }

// Key is the sorted set holding the feed entries: "feed:home:42".
func (k FeedKey) Key() string {
	return "feed:" + string(k.Type) + ":" + strconv.FormatInt(k.OwnerID, 10)
}

// ReblogsKey maps a reblogged status id to the id of the reblog currently shown.
func (k FeedKey) ReblogsKey() string { return k.Key() + ":reblogs" }

// ReblogSetKey holds extra reblogs of reblogOfID hidden behind the one shown.
func (k FeedKey) ReblogSetKey(reblogOfID int64) string {
	return k.ReblogsKey() + ":" + strconv.FormatInt(reblogOfID, 10)
}

// PopulatedKey marks a feed that has been built at least once.
func (k FeedKey) PopulatedKey() string { return k.Key() + ":populated" }

// RegenerationKey is the flag set while this feed is rebuilt.
func (k FeedKey) RegenerationKey() string {
	if k.Type == FeedHome {
		return RegenerationKey(k.OwnerID)
	}
	return k.Key() + ":regeneration"
}

// Temp returns the key set used while rebuilding this feed under token.
func (k FeedKey) Temp(token string) TempFeedKey {
	return TempFeedKey{Canonical: k, Token: token}
}

// Aggregates reports whether reblogs of the same status are collapsed in this feed.
func (k FeedKey) Aggregates() bool {
	switch k.Type {
	case FeedHome, FeedList:
		return true
	case FeedMentions, FeedDirect:
		return false
	}
	return false
}

func (k FeedKey) String() string { return k.Key() }

// TempFeedKey addresses the scratch keys a regeneration writes before the swap.
type TempFeedKey struct {
	Canonical FeedKey
	Token     string
}

func (t TempFeedKey) Key() string { return t.Canonical.Key() + ":regen:" + t.Token }
func (t TempFeedKey) ReblogsKey() string { return t.Key() + ":reblogs" }
func (t TempFeedKey) ReblogSetKey(reblogOfID int64) string {
	return t.ReblogsKey() + ":" + strconv.FormatInt(reblogOfID, 10)
}

// RegenerationKey is the expiring marker set while a rebuild of the owner's feed is in flight.
func RegenerationKey(ownerID int64) string {
	return "account:" + strconv.FormatInt(ownerID, 10) + ":regeneration"
}

// Score derives the natural ranking of a status. Ids are time-ordered.
func Score(statusID int64) float64 { return float64(statusID) }

// RegenerationState is the per-feed state machine COLD -> REGENERATING -> WARM.
type RegenerationState int

const (
	StateCold RegenerationState = iota
	StateRegenerating
	StateWarm
)

func (s RegenerationState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateRegenerating:
		return "regenerating"
	case StateWarm:
		return "warm"
	}
	return "unknown"
}

// RegenerationJob is the payload handed to the job queue.
type RegenerationJob struct {
	FeedType FeedType `json:"feed_type"`
	OwnerID  int64    `json:"owner_id"`
	Force    bool     `json:"force"`
	// Token identifies one regeneration request. A request made after the
	// previous one failed gets a new token.
	Token string `json:"token,omitempty"`
}

func (j RegenerationJob) Feed() FeedKey { return FeedKey{Type: j.FeedType, OwnerID: j.OwnerID} }

// DedupID collapses duplicate jobs for the same feed.
func (j RegenerationJob) DedupID() string {
	return "regenerate:" + string(j.FeedType) + ":" + strconv.FormatInt(j.OwnerID, 10)
}

// MessageID dedups redeliveries of one request without swallowing the next one.
func (j RegenerationJob) MessageID() string {
	if j.Token == "" {
		return j.DedupID()
	}
	return j.DedupID() + ":" + j.Token
}

// Timeline is a page read from a feed.
type Timeline struct {
	StatusIDs []int64
	// Regenerating is set when the page was served by the direct database
	// query because the cached feed is being rebuilt.
	Regenerating bool
}

// FanOutResult summarizes one fan-out pass.
type FanOutResult struct {
	Targets int
	Pushed  int
	Skipped int
	Failed  int
	Errors  []error
}

// Merge folds o into r.
func (r *FanOutResult) Merge(o FanOutResult) {
	r.Targets += o.Targets
	r.Pushed += o.Pushed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
}

// Record accounts for the outcome of a single push.
func (r *FanOutResult) Record(pushed bool, err error) {
	r.Targets++
	switch {
	case err != nil:
		r.Failed++
		r.Errors = append(r.Errors, err)
	case pushed:
		r.Pushed++
	default:
		r.Skipped++
	}
}
