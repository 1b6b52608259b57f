package eventbus

// DefaultCriticalTypes are evict-oldest on overflow. Status changes must
// never be lost: a subscriber always sees the freshest status.
var DefaultCriticalTypes = []UpdateType{UpdateStatusChange}

type overflowPolicy struct {
	critical map[UpdateType]struct{}
}

func newOverflowPolicy(extra []UpdateType) overflowPolicy {
	p := overflowPolicy{critical: map[UpdateType]struct{}{}}
	for _, t := range DefaultCriticalTypes {
		p.critical[t] = struct{}{}
	}
	for _, t := range extra {
		if t.Valid() {
			p.critical[t] = struct{}{}
		}
	}
	return p
}

// evicts reports whether a full queue should make room for t.
func (p overflowPolicy) evicts(t UpdateType) bool {
	_, ok := p.critical[t]
	return ok
}
