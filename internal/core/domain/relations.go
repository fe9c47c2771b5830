package domain

// Follow carries the options of a viewer -> target follow.
type Follow struct {
	ShowReblogs bool
	Languages   []string // empty means every language
}

// Relations is the bulk answer to "how does the viewer relate to these accounts",
// fetched once per (status, viewer) so filtering stays a pure function.
type Relations struct {
	ViewerID     int64
	Following    map[int64]Follow
	Blocking     map[int64]bool
	BlockedBy    map[int64]bool
	Muting       map[int64]bool
	DomainBlocks map[string]bool
	// ExclusiveListMembers are accounts on one of the viewer's exclusive lists.
	ExclusiveListMembers map[int64]bool
}

func NewRelations(viewerID int64) *Relations {
	return &Relations{
		ViewerID:             viewerID,
		Following:            map[int64]Follow{},
		Blocking:             map[int64]bool{},
		BlockedBy:            map[int64]bool{},
		Muting:               map[int64]bool{},
		DomainBlocks:         map[string]bool{},
		ExclusiveListMembers: map[int64]bool{},
	}
}

func (r *Relations) Follows(id int64) bool {
	_, ok := r.Following[id]
	return ok
}

func (r *Relations) FollowOf(id int64) (Follow, bool) {
	f, ok := r.Following[id]
	return f, ok
}

// BlockedEitherWay is true when the viewer blocks id or id blocks the viewer.
func (r *Relations) BlockedEitherWay(id int64) bool {
	return r.Blocking[id] || r.BlockedBy[id]
}

func (r *Relations) DomainBlocked(domain string) bool {
	return domain != "" && r.DomainBlocks[domain]
}
