package id

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_HasPrefix(t *testing.T) {
	i := NewInstanceID()
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != PrefixInstance {
		t.Fatalf("expected prefix %q, got %q", PrefixInstance, i.Prefix())
	}
	if !strings.HasPrefix(i.String(), "inst_") {
		t.Fatalf("expected inst_ prefix in %q", i.String())
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		s := NewTransactionID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate transaction id %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := NewConsumerID()
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	i := NewInstanceID()
	if _, err := ParseTransactionID(i.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID ID `json:"id"`
	}

	orig := wrapper{ID: NewInstanceID()}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID.String() != orig.ID.String() {
		t.Fatalf("json round trip mismatch: %q != %q", decoded.ID.String(), orig.ID.String())
	}
}

func TestID_NilMarshal(t *testing.T) {
	data, err := Nil.MarshalText()
	if err != nil {
		t.Fatalf("marshal nil: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty text for Nil, got %q", data)
	}

	var i ID
	if err := i.UnmarshalText(nil); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if !i.IsNil() {
		t.Fatal("expected Nil after unmarshal of empty text")
	}
}
