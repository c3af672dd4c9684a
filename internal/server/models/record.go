package models

// DirectoryRecord is one member user that needs an identity-provider login.
// ExternalID is the only field the sync service ever writes back.
type DirectoryRecord struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
	IsActive   bool   `json:"is_active"`
	ExternalID string `json:"external_id,omitempty"`
}

// LinkState says whether a record is tied to an identity at the provider.
type LinkState int

const (
	Unlinked LinkState = iota
	Linked
)

func (s LinkState) String() string {
	if s == Linked {
		return "linked"
	}
	return "unlinked"
}

// LinkState is derived from ExternalID presence; it is never stored.
func (r DirectoryRecord) LinkState() LinkState {
	if r.ExternalID == "" {
		return Unlinked
	}
	return Linked
}
