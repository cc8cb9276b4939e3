package jetstream

import (
	"encoding/json"
	"testing"
)

func TestDecode_Identity(t *testing.T) {
	raw := []byte(`{"did":"did:plc:abc","time_us":1000,"kind":"identity","identity":{"did":"did:plc:abc","handle":"alice.bsky.social","seq":1}}`)
	evt, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.Kind != KindIdentity {
		t.Fatalf("Kind = %q, want %q", evt.Kind, KindIdentity)
	}
	if evt.Identity == nil || evt.Identity.Handle != "alice.bsky.social" {
		t.Fatalf("Identity = %+v, want handle alice.bsky.social", evt.Identity)
	}
}

func TestDecode_Commit(t *testing.T) {
	raw := []byte(`{"did":"did:plc:abc","time_us":2000,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.graph.follow","rkey":"3abc","record":{"subject":"did:plc:def"}}}`)
	evt, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if evt.Commit == nil || evt.Commit.Collection != CollectionFollow {
		t.Fatalf("Commit = %+v, want collection %q", evt.Commit, CollectionFollow)
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("Decode(malformed) = nil error, want error")
	}
}

func TestDecodeProfileRecord(t *testing.T) {
	raw := json.RawMessage(`{"displayName":"Alice","avatar":{"ref":{"$link":"bafy123"}}}`)
	rec, err := DecodeProfileRecord(raw)
	if err != nil {
		t.Fatalf("DecodeProfileRecord: %v", err)
	}
	if rec.DisplayNameOf() != "Alice" {
		t.Fatalf("DisplayNameOf() = %q, want %q", rec.DisplayNameOf(), "Alice")
	}
	if rec.Avatar.Link() != "bafy123" {
		t.Fatalf("Avatar.Link() = %q, want %q", rec.Avatar.Link(), "bafy123")
	}
}

func TestDecodeProfileRecord_Empty(t *testing.T) {
	rec, err := DecodeProfileRecord(nil)
	if err != nil {
		t.Fatalf("DecodeProfileRecord(nil): %v", err)
	}
	if rec.DisplayNameOf() != "" {
		t.Fatalf("DisplayNameOf() = %q, want empty", rec.DisplayNameOf())
	}
	if rec.Avatar.Link() != "" {
		t.Fatalf("Avatar.Link() on nil avatar = %q, want empty", rec.Avatar.Link())
	}
}

func TestDecodeFollowRecord(t *testing.T) {
	raw := json.RawMessage(`{"subject":"did:plc:def"}`)
	rec, err := DecodeFollowRecord(raw)
	if err != nil {
		t.Fatalf("DecodeFollowRecord: %v", err)
	}
	if rec.Subject != "did:plc:def" {
		t.Fatalf("Subject = %q, want %q", rec.Subject, "did:plc:def")
	}
}

func TestBlobLink_Link_NilReceiver(t *testing.T) {
	var b *BlobLink
	if got := b.Link(); got != "" {
		t.Fatalf("nil BlobLink.Link() = %q, want empty", got)
	}
}
