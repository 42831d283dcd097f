package credentialsdb

// Identity is the fully assembled credentials-store row, joined with its
// REALMS and ACL children and its METHODS/MECHANISMS map.
type Identity struct {
	ID            uint32
	Caption       string
	Username      string
	Password      string
	StorePassword bool
	Type          int32
	Realms        []string
	ACL           []string
	Methods       map[string][]string
	RefCount      int32
}

// New returns the transient, unsaved identity sentinel (id = 0).
func New() Identity {
	return Identity{Methods: map[string][]string{}}
}

// IsNew reports whether id is the "unsaved" sentinel.
func (i Identity) IsNew() bool {
	return i.ID == 0
}
