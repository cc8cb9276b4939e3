package jetstream

import (
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"time"
)

// MaxWantedDIDs is the upstream-enforced cap on the number of DIDs carried
// in a single options message.
const MaxWantedDIDs = 10_000

// WantedCollections is the fixed set of collections this engine subscribes
// to; both the main stream and every temporary backfill stream request the
// same two collections, just different DID sets.
var WantedCollections = []string{CollectionProfile, CollectionFollow}

// NowMicros returns the current wall-clock time in upstream cursor units
// (microseconds since the Unix epoch).
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// HorizonMicros returns the upstream's retention horizon (~24h ago) in
// cursor units. A resume cursor older than this cannot be honored by the
// upstream.
func HorizonMicros() int64 {
	return time.Now().Add(-24 * time.Hour).UnixMicro()
}

// BuildSubscribeURL picks a host uniformly at random from hosts and
// assembles the subscribe URL. If cursor is non-nil, it is included as a
// resume point; hosts must be non-empty.
func BuildSubscribeURL(hosts []string, cursor *int64) (string, string, error) {
	if len(hosts) == 0 {
		return "", "", fmt.Errorf("jetstream: no upstream hosts configured")
	}
	host := hosts[rand.Intn(len(hosts))]

	u := url.URL{Scheme: "wss", Host: host, Path: "/subscribe"}
	q := u.Query()
	q.Set("requireHello", "true")
	if cursor != nil {
		q.Set("cursor", strconv.FormatInt(*cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), host, nil
}

// OptionsMessage is the subscriber-sourced "hello" frame sent immediately
// after connecting (and optionally re-sent later to update filters without
// reconnecting).
type OptionsMessage struct {
	Type    string         `json:"type"`
	Payload OptionsPayload `json:"payload"`
}

// OptionsPayload is the body of OptionsMessage.
type OptionsPayload struct {
	WantedCollections []string `json:"wantedCollections"`
	WantedDIDs        []string `json:"wantedDids"`
	MaxMessageBytes   int      `json:"maxMessageSizeBytes"`
}

// BuildOptionsMessage assembles the options_update payload for the given
// DID set. priority, if non-nil, lists DIDs that must never be truncated
// (the monitoring users themselves) and is placed first in the wanted-DID
// list before the remaining DIDs are appended up to MaxWantedDIDs.
// dropped reports how many DIDs were cut for exceeding the cap.
func BuildOptionsMessage(priority, rest []string) (OptionsMessage, int) {
	seen := make(map[string]struct{}, len(priority)+len(rest))
	wanted := make([]string, 0, len(priority)+len(rest))

	add := func(did string) {
		if _, ok := seen[did]; ok {
			return
		}
		seen[did] = struct{}{}
		wanted = append(wanted, did)
	}
	for _, d := range priority {
		add(d)
	}
	for _, d := range rest {
		add(d)
	}

	dropped := 0
	if len(wanted) > MaxWantedDIDs {
		dropped = len(wanted) - MaxWantedDIDs
		wanted = wanted[:MaxWantedDIDs]
	}

	return OptionsMessage{
		Type: "options_update",
		Payload: OptionsPayload{
			WantedCollections: WantedCollections,
			WantedDIDs:        wanted,
			MaxMessageBytes:   0,
		},
	}, dropped
}
