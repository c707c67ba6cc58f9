package proto

// A Role names one participant of a multiparty protocol. Roles are compared
// by value and are sent verbatim on the wire.
type Role string

func (r Role) String() string { return string(r) }

// Roles is an ordered set of roles, kept in protocol order.
type Roles []Role

func (rs Roles) Contains(role Role) bool {
	for _, r := range rs {
		if r == role {
			return true
		}
	}
	return false
}

// Without returns a copy of rs with role removed.
func (rs Roles) Without(role Role) Roles {
	result := make(Roles, 0, len(rs))
	for _, r := range rs {
		if r != role {
			result = append(result, r)
		}
	}
	return result
}
