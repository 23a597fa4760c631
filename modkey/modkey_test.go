package modkey

import (
	"context"
	"strings"
	"testing"

	"github.com/Account-Link/dstack-semiproprietary-modules/crypto/ecies"
	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
	"github.com/Account-Link/dstack-semiproprietary-modules/trustanchor"
)

func TestDerivationPath(t *testing.T) {
	pol := policy.AccessPolicy{Author: "alice", Version: "1.0.0"}

	path, err := DerivationPath("mod-1", pol)
	if err != nil {
		t.Fatalf("DerivationPath() error = %v", err)
	}

	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		t.Fatalf("path %q does not have three segments", path)
	}
	if parts[0] != Namespace || parts[1] != "mod-1" || len(parts[2]) != 16 {
		t.Errorf("path = %q, want %s/mod-1/<16 hex chars>", path, Namespace)
	}

	again, err := DerivationPath("mod-1", pol)
	if err != nil {
		t.Fatalf("DerivationPath() error = %v", err)
	}
	if path != again {
		t.Error("path not deterministic")
	}
}

func TestDeriveModuleKeyDeterministic(t *testing.T) {
	ctx := context.Background()
	anchor := trustanchor.NewSimulator([]byte("seed"))
	pol := policy.AccessPolicy{Author: "alice", Version: "1.0.0"}

	first, err := DeriveModuleKey(ctx, anchor, "mod-1", pol, "module-key")
	if err != nil {
		t.Fatalf("DeriveModuleKey() error = %v", err)
	}
	second, err := DeriveModuleKey(ctx, anchor, "mod-1", pol, "module-key")
	if err != nil {
		t.Fatalf("DeriveModuleKey() error = %v", err)
	}
	if first.Key != second.Key {
		t.Error("same inputs derived different keys")
	}
	if len(first.ProvenanceChain) == 0 {
		t.Error("provenance chain not carried through")
	}
}

func TestDeriveModuleKeyScoping(t *testing.T) {
	ctx := context.Background()
	anchor := trustanchor.NewSimulator([]byte("seed"))
	pol := policy.AccessPolicy{Author: "alice", Version: "1.0.0"}

	base, err := DeriveModuleKey(ctx, anchor, "mod-1", pol, "module-key")
	if err != nil {
		t.Fatalf("DeriveModuleKey() error = %v", err)
	}

	otherModule, err := DeriveModuleKey(ctx, anchor, "mod-2", pol, "module-key")
	if err != nil {
		t.Fatalf("DeriveModuleKey() error = %v", err)
	}
	if base.Key == otherModule.Key {
		t.Error("different modules derived the same key")
	}

	paidPol := pol
	paidPol.RequiresPayment = true
	otherPolicy, err := DeriveModuleKey(ctx, anchor, "mod-1", paidPol, "module-key")
	if err != nil {
		t.Fatalf("DeriveModuleKey() error = %v", err)
	}
	if base.Key == otherPolicy.Key {
		t.Error("different policies derived the same key")
	}
	if base.PolicyHash == otherPolicy.PolicyHash {
		t.Error("different policies share a policy hash")
	}
}

func TestDeriveModuleKeyValidation(t *testing.T) {
	ctx := context.Background()
	anchor := trustanchor.NewSimulator([]byte("seed"))
	pol := policy.AccessPolicy{Author: "alice"}

	if _, err := DeriveModuleKey(ctx, anchor, "", pol, "module-key"); err == nil {
		t.Error("empty module ID accepted")
	}
	if _, err := DeriveModuleKey(ctx, nil, "mod-1", pol, "module-key"); err == nil {
		t.Error("nil anchor accepted")
	}
}

func TestKeyPairRoundTrip(t *testing.T) {
	ctx := context.Background()
	anchor := trustanchor.NewSimulator([]byte("seed"))
	pol := policy.AccessPolicy{Author: "alice", Version: "1.0.0"}

	key, err := DeriveModuleKey(ctx, anchor, "mod-1", pol, "module-key")
	if err != nil {
		t.Fatalf("DeriveModuleKey() error = %v", err)
	}
	pub, priv, err := key.KeyPair()
	if err != nil {
		t.Fatalf("KeyPair() error = %v", err)
	}
	if priv != key.Key {
		t.Error("private scalar is not the derived key")
	}

	// Sealing to the public half must open with the private half.
	sealed, err := ecies.Encrypt([]byte("payload"), pub)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	opened, err := ecies.Decrypt(sealed, priv)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(opened) != "payload" {
		t.Error("round trip through derived key pair failed")
	}
}
