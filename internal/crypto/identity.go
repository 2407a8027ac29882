// Package crypto derives relay identifiers. Peer authentication and
// transport encryption are left to the transport.
package crypto

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize = 32
	// IDLength is the number of hex characters in a relay id.
	IDLength = 16
	// peerIDPrefix makes PeerID look like the multihash ids directory
	// clients already parse.
	peerIDPrefix = "12D3KooW"
)

// Identity is a relay's X25519 public key and the id derived from it.
type Identity struct {
	Public *[PublicKeySize]byte
	ID     string
}

// NewIdentity generates a fresh key pair.
func NewIdentity() (*Identity, error) {
	public, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{Public: public, ID: RelayID(public[:])}, nil
}

// RelayID hashes a public key into a short hex id.
func RelayID(public []byte) string {
	sum := blake2b.Sum256(public)
	return hex.EncodeToString(sum[:])[:IDLength]
}

// PeerID is the id advertised in multiaddrs.
func (i *Identity) PeerID() string {
	return peerIDPrefix + i.ID
}
