package auth

// Identity is the caller resolved by the HTTP layer: either a user
// carried in a bearer token or a trusted machine peer.
type Identity struct {
	UID   int64
	Admin bool
}

// Elevated reports whether the caller may act across user boundaries.
func (i Identity) Elevated() bool {
	return i.Admin
}

// Owns reports whether the caller may act on a resource owned by uid.
func (i Identity) Owns(uid int64) bool {
	return i.Admin || i.UID == uid
}
