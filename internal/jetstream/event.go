// Package jetstream decodes the upstream Jetstream firehose's wire format
// and builds the subscribe URL and options message used to open and filter
// it. It has no knowledge of persistence or dispatch; see internal/dispatch
// for the event-routing layer built on top of these types.
package jetstream

import "encoding/json"

// Event is a single decoded frame from the Jetstream firehose.
type Event struct {
	DID      string    `json:"did"`
	TimeUS   int64     `json:"time_us"`
	Kind     string    `json:"kind"`
	Commit   *Commit   `json:"commit,omitempty"`
	Identity *Identity `json:"identity,omitempty"`
}

// Kind values carried on Event.Kind.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
	KindAccount  = "account"
)

// Operation values carried on Commit.Operation.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Collection NSIDs this engine cares about.
const (
	CollectionProfile = "app.bsky.actor.profile"
	CollectionFollow  = "app.bsky.graph.follow"
)

// Commit is the repo-commit payload of an Event.
type Commit struct {
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

// Identity is the identity-update payload of an Event.
type Identity struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time,omitempty"`
}

// ProfileRecord is the parsed content of an app.bsky.actor.profile record.
// Both fields are optional on the wire; absence is normalized to "" by the
// caller, not by this type.
type ProfileRecord struct {
	DisplayName *string   `json:"displayName,omitempty"`
	Avatar      *BlobLink `json:"avatar,omitempty"`
}

// BlobLink is the CID-bearing blob reference shape used for avatars.
type BlobLink struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
}

// Link returns the blob CID, or "" if no avatar is set.
func (b *BlobLink) Link() string {
	if b == nil {
		return ""
	}
	return b.Ref.Link
}

// FollowRecord is the parsed content of an app.bsky.graph.follow record.
type FollowRecord struct {
	Subject string `json:"subject"`
}

// Decode parses a single raw frame. A decode failure means the frame is
// malformed and should be skipped by the caller; it is never fatal to the
// stream.
func Decode(raw []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// DecodeProfileRecord parses a commit's record as a profile record.
func DecodeProfileRecord(raw json.RawMessage) (ProfileRecord, error) {
	var rec ProfileRecord
	if len(raw) == 0 {
		return rec, nil
	}
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

// DecodeFollowRecord parses a commit's record as a follow record.
func DecodeFollowRecord(raw json.RawMessage) (FollowRecord, error) {
	var rec FollowRecord
	if len(raw) == 0 {
		return rec, nil
	}
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

// DisplayNameOf normalizes a possibly-nil display name to "".
func (p ProfileRecord) DisplayNameOf() string {
	if p.DisplayName == nil {
		return ""
	}
	return *p.DisplayName
}
