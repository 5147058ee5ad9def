package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil || len(cloned) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}

func TestWithAndWithAll(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if base["baz"] != "" {
		t.Fatalf("expected base map to remain unchanged")
	}

	merged := enriched.WithAll(Metadata{"alpha": "beta"})
	if merged["alpha"] != "beta" || merged["baz"] != "qux" {
		t.Fatalf("unexpected merge result %#v", merged)
	}
}

func TestWithoutReserved(t *testing.T) {
	md := New(KeyTenantID, "other", "user", "alice", KeyGlobalSequenceID, "9", KeyCorrelationID, "c-1")
	clean := md.WithoutReserved()

	if _, ok := clean[KeyTenantID]; ok {
		t.Fatal("tenant header must be stripped")
	}
	if _, ok := clean[KeyGlobalSequenceID]; ok {
		t.Fatal("sequence header must be stripped")
	}
	if clean["user"] != "alice" || clean[KeyCorrelationID] != "c-1" {
		t.Fatalf("caller headers must survive, got %#v", clean)
	}
}

func TestEncodeDecode(t *testing.T) {
	data, err := Metadata{"source": "api"}.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded["source"] != "api" {
		t.Fatalf("unexpected decoded metadata %#v", decoded)
	}

	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	if wm["source"] != "api" {
		t.Fatalf("expected watermill metadata to copy entries")
	}
	wm["source"] = "mutation"
	if md["source"] != "api" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}

	roundTrip := FromWatermill(message.Metadata{"event": "order"})
	if roundTrip["event"] != "order" {
		t.Fatalf("expected watermill metadata to convert back")
	}
	if md := FromWatermill(nil); md == nil || len(md) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}
