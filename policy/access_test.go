package policy

import (
	"bytes"
	"testing"
	"time"
)

func TestCanonicalJSONDeterministic(t *testing.T) {
	until := time.Date(2027, 1, 15, 12, 0, 0, 0, time.UTC)
	p := AccessPolicy{
		RequiresPayment: true,
		Price:           "9.99",
		Currency:        "USD",
		ValidUntil:      &until,
		Author:          "alice",
		Version:         "1.0.0",
	}

	first, err := CanonicalJSON(p)
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(p)
		if err != nil {
			t.Fatalf("CanonicalJSON() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not stable: %s vs %s", first, again)
		}
	}
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	// Maps with different insertion histories must encode identically.
	a := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": false}}
	b := map[string]any{"nested": map[string]any{"y": false, "z": true}, "a": 1, "b": 2}

	encA, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON(a) error = %v", err)
	}
	encB, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON(b) error = %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Errorf("equal maps encoded differently: %s vs %s", encA, encB)
	}
	want := `{"a":1,"b":2,"nested":{"y":false,"z":true}}`
	if string(encA) != want {
		t.Errorf("canonical form = %s, want %s", encA, want)
	}
}

func TestAccessPolicyHashDiffersAcrossPolicies(t *testing.T) {
	base := AccessPolicy{Author: "alice", Version: "1.0.0"}

	variants := []AccessPolicy{
		{Author: "alice", Version: "1.0.1"},
		{Author: "bob", Version: "1.0.0"},
		{Author: "alice", Version: "1.0.0", RequiresPayment: true},
		{Author: "alice", Version: "1.0.0", Price: "5", Currency: "USD"},
	}

	baseHash, err := base.HashHex()
	if err != nil {
		t.Fatalf("HashHex() error = %v", err)
	}
	for i, v := range variants {
		h, err := v.HashHex()
		if err != nil {
			t.Fatalf("variant %d HashHex() error = %v", i, err)
		}
		if h == baseHash {
			t.Errorf("variant %d hashes to the same value as the base policy", i)
		}
	}
}

func TestAccessPolicyPathComponent(t *testing.T) {
	p := AccessPolicy{Author: "alice", Version: "1.0.0"}

	component, err := p.PathComponent()
	if err != nil {
		t.Fatalf("PathComponent() error = %v", err)
	}
	if len(component) != 16 {
		t.Errorf("PathComponent() length = %d, want 16", len(component))
	}

	full, err := p.HashHex()
	if err != nil {
		t.Fatalf("HashHex() error = %v", err)
	}
	if full[:16] != component {
		t.Errorf("PathComponent() = %s, want prefix of %s", component, full)
	}
}
