// Package bundle defines the Encrypted Package: the durable, write-once,
// content-addressed record a published module travels as. A package couples
// the codec's ciphertext with the metadata the load path needs — module
// identity, the author's access policy, and the source hash that binds the
// decrypted plaintext to what the author published.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/Account-Link/dstack-semiproprietary-modules/policy"
)

// ErrSourceHashMismatch is returned when decrypted plaintext does not hash to
// the package's source_hash. The package is treated as corrupt or tampered
// regardless of whether decryption succeeded at the cipher level.
var ErrSourceHashMismatch = errors.New("bundle: decrypted source does not match published source hash")

// Metadata describes a published module. Once published it never changes; a
// new version is a new module ID or a new package, never a mutation in place.
type Metadata struct {
	ModuleID string              `json:"module_id"`
	Policy   policy.AccessPolicy `json:"policy"`
	// SourceHash is the hex SHA-256 of the plaintext module source.
	SourceHash string `json:"source_hash"`
	// CreatedAt is the publication timestamp, ISO-8601 on the wire.
	CreatedAt time.Time `json:"timestamp"`
}

// Package is the persisted/published form of an encrypted module.
// Ciphertext is exactly the buffer produced by the codec, base64 in JSON.
type Package struct {
	Metadata   Metadata `json:"metadata"`
	Ciphertext []byte   `json:"ciphertext"`
}

// SourceHash returns the hex SHA-256 of module source bytes, the binding
// invariant carried in package metadata.
func SourceHash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Encode returns the canonical wire encoding of the package: JSON with
// sorted object keys and no insignificant whitespace. Encoding is
// deterministic, so Decode followed by Encode round-trips byte-exact.
func (p *Package) Encode() ([]byte, error) {
	return policy.CanonicalJSON(p)
}

// Decode parses a package from its wire encoding. Unknown fields are
// rejected: a package is a fixed record, not an extensible envelope.
func Decode(data []byte) (*Package, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p Package
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode package: %w", err)
	}
	if p.Metadata.ModuleID == "" {
		return nil, errors.New("package missing module_id")
	}
	if len(p.Metadata.SourceHash) != sha256.Size*2 {
		return nil, fmt.Errorf("package source_hash has invalid length %d", len(p.Metadata.SourceHash))
	}
	if len(p.Ciphertext) == 0 {
		return nil, errors.New("package has empty ciphertext")
	}
	return &p, nil
}

// CID returns the package's content address: a CIDv1 (raw + sha2-256) over
// the canonical encoding.
func (p *Package) CID() (string, error) {
	canon, err := p.Encode()
	if err != nil {
		return "", err
	}
	sum, err := multihash.Sum(canon, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash package: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifySource checks decrypted plaintext against the package's source hash.
// A mismatch is an integrity failure even though decryption succeeded at the
// cipher layer.
func (p *Package) VerifySource(plaintext []byte) error {
	if SourceHash(plaintext) != p.Metadata.SourceHash {
		return ErrSourceHashMismatch
	}
	return nil
}
