// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"net/netip"
	"testing"
)

type clientEntry struct {
	IP      netip.Addr `json:"ip"`
	State   string     `json:"state"`
	FetchNo int64      `json:"fetch_no,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	original := clientEntry{IP: netip.MustParseAddr("10.0.0.4"), State: "busy", FetchNo: 12}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded clientEntry
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip: got %+v, want %+v", decoded, original)
	}
}

func TestDeterministic(t *testing.T) {
	t.Parallel()
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding of the same map differs between calls")
		}
	}
}

func TestUntypedMapsUseStringKeys(t *testing.T) {
	t.Parallel()
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Errorf("nested type %T, want map[string]any", outer["outer"])
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, state := range []string{"idle", "busy"} {
		if err := encoder.Encode(clientEntry{State: state}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	decoder := NewDecoder(&buffer)
	for _, want := range []string{"idle", "busy"} {
		var entry clientEntry
		if err := decoder.Decode(&entry); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if entry.State != want {
			t.Errorf("state = %q, want %q", entry.State, want)
		}
	}
}
