// Package clusterid holds the identifiers shared by every component of the
// cluster control plane: stack identifiers, node addresses and node hashes.
package clusterid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// StackIDSize is the wire size of a StackID: one discriminator byte plus a
// 16-byte body.
const StackIDSize = 17

// StackID is a 17-byte tagged identifier: a one-byte discriminator followed
// by a 16-byte body. Equality and hashing use all 17 bytes; the body alone is
// used for XOR-distance arithmetic.
type StackID [StackIDSize]byte

// knownTags maps the single-character textual tag to its discriminator byte.
// New tags can be added here without touching any other package.
var knownTags = map[byte]byte{
	's': 0x01,
}

var tagChars = func() map[byte]byte {
	m := make(map[byte]byte, len(knownTags))
	for ch, b := range knownTags {
		m[b] = ch
	}
	return m
}()

// NewStackID builds a StackID from a discriminator tag character and a
// 16-byte body.
func NewStackID(tag byte, body [16]byte) (StackID, error) {
	disc, ok := knownTags[tag]
	if !ok {
		return StackID{}, fmt.Errorf("clusterid: unknown stack id tag %q", tag)
	}
	var id StackID
	id[0] = disc
	copy(id[1:], body[:])
	return id, nil
}

// Body returns the 16-byte identifier body.
func (id StackID) Body() [16]byte {
	var b [16]byte
	copy(b[:], id[1:])
	return b
}

// BigInt interprets the body as a little-endian unsigned integer, as required
// by the XOR-distance computation used by the scheduler.
func (id StackID) BigInt() *big.Int {
	le := id.Body()
	be := make([]byte, 16)
	for i, b := range le {
		be[15-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// String renders the strict textual form: "<tag>_<base58(body)>".
func (id StackID) String() string {
	tag, ok := tagChars[id[0]]
	if !ok {
		tag = '?'
	}
	return fmt.Sprintf("%c_%s", tag, base58.Encode(id[1:]))
}

// ParseStackID parses the strict textual form produced by String. An
// unknown tag character, a missing separator, or a body that does not
// decode to exactly 16 bytes are all errors; the gateway turns any of them
// into a 404.
func ParseStackID(s string) (StackID, error) {
	if len(s) < 3 || s[1] != '_' {
		return StackID{}, fmt.Errorf("clusterid: malformed stack id %q", s)
	}
	disc, ok := knownTags[s[0]]
	if !ok {
		return StackID{}, fmt.Errorf("clusterid: unknown stack id tag %q", s[0])
	}
	body, err := base58.Decode(s[2:])
	if err != nil {
		return StackID{}, fmt.Errorf("clusterid: invalid base58 body: %w", err)
	}
	if len(body) != 16 {
		return StackID{}, fmt.Errorf("clusterid: stack id body must be 16 bytes, got %d", len(body))
	}
	var id StackID
	id[0] = disc
	copy(id[1:], body)
	return id, nil
}

// RandomStackID generates a random StackID for the given tag, used by tests
// and by local development tooling.
func RandomStackID(tag byte) (StackID, error) {
	var body [16]byte
	if _, err := rand.Read(body[:]); err != nil {
		return StackID{}, err
	}
	return NewStackID(tag, body)
}

// MarshalText lets StackID be used directly as a map key / struct field in
// YAML and JSON configuration.
func (id StackID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (id *StackID) UnmarshalText(text []byte) error {
	parsed, err := ParseStackID(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
