package domain

// ConnectionID is assigned by the transport, unique per connection.
// A user keeps its UserID across reconnects but never its ConnectionID.
type ConnectionID string

// PresenceEntry ties a joined user to its live transport connection.
// At most one entry per ConnectionID and one per UserID (newest wins).
type PresenceEntry struct {
	UserID       UserID       `json:"userId"`
	DisplayName  string       `json:"displayName"`
	ConnectionID ConnectionID `json:"connectionId"`
}
