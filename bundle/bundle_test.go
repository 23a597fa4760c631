package bundle

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
)

func testPackage() *Package {
	source := []byte("module.exports = {};")
	return &Package{
		Metadata: Metadata{
			ModuleID:   "mod-1",
			Policy:     policy.AccessPolicy{Author: "alice", Version: "1.0.0"},
			SourceHash: SourceHash(source),
			CreatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		Ciphertext: bytes.Repeat([]byte{0x42}, 96),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkg := testPackage()

	encoded, err := pkg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	reencoded, err := decoded.Encode()
	if err != nil {
		t.Fatalf("re-Encode() error = %v", err)
	}
	if !bytes.Equal(encoded, reencoded) {
		t.Errorf("round trip not byte-exact:\n%s\n%s", encoded, reencoded)
	}
}

func TestEncodeCanonical(t *testing.T) {
	pkg := testPackage()

	first, err := pkg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	second, err := pkg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("encoding not deterministic")
	}
	if bytes.ContainsAny(first, "\n\t ") {
		// Base64 never contains whitespace, so any whitespace would be
		// structural — canonical form has none.
		t.Error("canonical encoding contains insignificant whitespace")
	}
}

func TestDecodeRejections(t *testing.T) {
	valid, err := testPackage().Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("not json")},
		{name: "unknown field", data: []byte(`{"metadata":{"module_id":"m","policy":{"requires_payment":false,"author":"a","version":"1"},"source_hash":"` + strings.Repeat("a", 64) + `","timestamp":"2026-08-01T12:00:00Z"},"ciphertext":"QQ==","extra":1}`)},
		{name: "missing module id", data: bytes.Replace(valid, []byte(`"module_id":"mod-1"`), []byte(`"module_id":""`), 1)},
		{name: "short source hash", data: []byte(`{"metadata":{"module_id":"m","policy":{"requires_payment":false,"author":"a","version":"1"},"source_hash":"abcd","timestamp":"2026-08-01T12:00:00Z"},"ciphertext":"QQ=="}`)},
		{name: "empty ciphertext", data: []byte(`{"metadata":{"module_id":"m","policy":{"requires_payment":false,"author":"a","version":"1"},"source_hash":"` + strings.Repeat("a", 64) + `","timestamp":"2026-08-01T12:00:00Z"},"ciphertext":""}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); err == nil {
				t.Error("Decode() accepted malformed package")
			}
		})
	}
}

func TestCIDStable(t *testing.T) {
	pkg := testPackage()

	id, err := pkg.CID()
	if err != nil {
		t.Fatalf("CID() error = %v", err)
	}
	if !strings.HasPrefix(id, "b") {
		t.Errorf("CID %q is not base32 CIDv1", id)
	}

	again, err := pkg.CID()
	if err != nil {
		t.Fatalf("CID() error = %v", err)
	}
	if id != again {
		t.Error("CID not stable across calls")
	}

	// Any content change moves the address.
	other := testPackage()
	other.Ciphertext[0] ^= 0x01
	otherID, err := other.CID()
	if err != nil {
		t.Fatalf("CID() error = %v", err)
	}
	if id == otherID {
		t.Error("different content shares a CID")
	}
}

func TestVerifySource(t *testing.T) {
	source := []byte("module.exports = {};")
	pkg := testPackage()

	if err := pkg.VerifySource(source); err != nil {
		t.Errorf("VerifySource() error = %v on matching source", err)
	}
	if err := pkg.VerifySource([]byte("tampered")); !errors.Is(err, ErrSourceHashMismatch) {
		t.Errorf("VerifySource() error = %v, want ErrSourceHashMismatch", err)
	}
}
