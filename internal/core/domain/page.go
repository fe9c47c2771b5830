package domain

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 40
)

// Page holds cursor bounds. Zero ids mean "unbounded".
// MaxID excludes itself and everything newer; SinceID and MinID exclude
// themselves and everything older. MinID pages forward from the bound.
type Page struct {
	Limit   int
	MaxID   int64
	SinceID int64
	MinID   int64
}

// Normalize clamps Limit into [1, MaxPageLimit].
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// LowerBound is the exclusive lower cursor, preferring MinID.
func (p Page) LowerBound() int64 {
	if p.MinID != 0 {
		return p.MinID
	}
	return p.SinceID
}

// Forward reports min_id paging: the page adjacent to the lower bound.
func (p Page) Forward() bool { return p.MinID != 0 }

// Contains reports whether id falls within the open cursor interval.
func (p Page) Contains(id int64) bool {
	if p.MaxID != 0 && id >= p.MaxID {
		return false
	}
	if lb := p.LowerBound(); lb != 0 && id <= lb {
		return false
	}
	return true
}
