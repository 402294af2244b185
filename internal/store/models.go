package store

// SessionRow is the durable record of a collaboration session.
type SessionRow struct {
	DocumentID string `bson:"documentId" json:"documentId"`
	SessionDid string `bson:"sessionDid" json:"sessionDid"`
	OwnerDid   string `bson:"ownerDid" json:"ownerDid"`
	RoomInfo   string `bson:"roomInfo,omitempty" json:"roomInfo,omitempty"`
	State      string `bson:"state" json:"state"`
	CreatedAt  int64  `bson:"createdAt" json:"createdAt"`
	UpdatedAt  int64  `bson:"updatedAt" json:"updatedAt"`
}

// DocumentUpdate is one append-only log entry. Immutable except for the
// single committed=false -> true transition applied by CreateCommit.
type DocumentUpdate struct {
	ID         string  `bson:"_id" json:"id"`
	DocumentID string  `bson:"documentId" json:"documentId"`
	SessionDid string  `bson:"sessionDid" json:"sessionDid"`
	Data       string  `bson:"data" json:"data"`
	UpdateType string  `bson:"updateType" json:"updateType"`
	Committed  bool    `bson:"committed" json:"committed"`
	CommitCid  *string `bson:"commitCid" json:"commitCid"`
	CreatedAt  int64   `bson:"createdAt" json:"createdAt"`
}

// DocumentCommit anchors a set of update ids to an external content address.
type DocumentCommit struct {
	ID         string   `bson:"_id" json:"id"`
	DocumentID string   `bson:"documentId" json:"documentId"`
	SessionDid string   `bson:"sessionDid" json:"sessionDid"`
	Cid        string   `bson:"cid" json:"cid"`
	Updates    []string `bson:"updates" json:"updates"`
	CreatedAt  int64    `bson:"createdAt" json:"createdAt"`
}

// QueryOptions shape the history reads. Zero limits fall back to the
// per-collection defaults; sort defaults to createdAt descending.
type QueryOptions struct {
	Limit     int64
	Offset    int64
	Sort      string
	Committed *bool
}
