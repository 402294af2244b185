package protocol

import "encoding/json"

// AuthArgs are the arguments of the /auth command. A setup (first auth for a
// previously unused documentId/sessionDid pair) requires the owner token
// fields; a join requires only the collaboration token.
type AuthArgs struct {
	DocumentID         string          `json:"documentId"`
	SessionDid         string          `json:"sessionDid"`
	CollaborationToken string          `json:"collaborationToken"`
	OwnerToken         string          `json:"ownerToken,omitempty"`
	ContractAddress    string          `json:"contractAddress,omitempty"`
	OwnerAddress       string          `json:"ownerAddress,omitempty"`
	RoomInfo           json.RawMessage `json:"roomInfo,omitempty"`
}

// UpdateArgs are the arguments of /documents/update. Data is the opaque
// client-encrypted payload, carried as text on the wire.
type UpdateArgs struct {
	DocumentID         string `json:"documentId"`
	Data               string `json:"data"`
	CollaborationToken string `json:"collaborationToken"`
}

// CommitArgs are the arguments of /documents/commit.
type CommitArgs struct {
	DocumentID      string   `json:"documentId"`
	Updates         []string `json:"updates"`
	Cid             string   `json:"cid"`
	OwnerToken      string   `json:"ownerToken"`
	ContractAddress string   `json:"contractAddress"`
	OwnerAddress    string   `json:"ownerAddress"`
}

// HistoryArgs are the arguments of the update/commit history commands.
type HistoryArgs struct {
	DocumentID string         `json:"documentId"`
	Offset     int64          `json:"offset,omitempty"`
	Limit      int64          `json:"limit,omitempty"`
	Sort       string         `json:"sort,omitempty"`
	Filters    HistoryFilters `json:"filters,omitempty"`
}

// HistoryFilters narrows update history queries.
type HistoryFilters struct {
	Committed *bool `json:"committed,omitempty"`
}

// PeersListArgs are the arguments of /documents/peers/list.
type PeersListArgs struct {
	DocumentID string `json:"documentId"`
}

// AwarenessArgs are the arguments of /documents/awareness.
type AwarenessArgs struct {
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
}

// TerminateArgs are the arguments of /documents/terminate.
type TerminateArgs struct {
	DocumentID      string `json:"documentId"`
	SessionDid      string `json:"sessionDid"`
	OwnerToken      string `json:"ownerToken"`
	ContractAddress string `json:"contractAddress"`
	OwnerAddress    string `json:"ownerAddress"`
}

// MembershipChange is the payload of ROOM_MEMBERSHIP_CHANGE events.
type MembershipChange struct {
	Action   string `json:"action"`
	ClientID string `json:"clientId"`
	Role     string `json:"role,omitempty"`
}
