// Package signer produces and checks the buyer's signatures on contract
// sections and outgoing requests.
package signer

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/italolelis/peerbuy_downloader/internal/purchase"
	"golang.org/x/crypto/blake2b"
)

// Signer signs with a keyed BLAKE2b-256 MAC derived from a shared secret.
type Signer struct {
	profileID purchase.ProfileID
	key       [blake2b.Size256]byte
}

func New(profileID purchase.ProfileID, secret string) *Signer {
	return &Signer{
		profileID: profileID,
		key:       blake2b.Sum256([]byte(secret)),
	}
}

// ProfileID is the buyer profile the signatures are made with.
func (s *Signer) ProfileID() purchase.ProfileID {
	return s.profileID
}

// Sign returns the hex signature of data.
func (s *Signer) Sign(data []byte) string {
	mac, _ := blake2b.New256(s.key[:])
	mac.Write(data)

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of data.
func (s *Signer) Verify(data []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	got, _ := hex.DecodeString(s.Sign(data))

	return subtle.ConstantTimeCompare(got, want) == 1
}

// SignSection stamps the buyer profile on cs and signs its canonical form.
func (s *Signer) SignSection(cs *purchase.ContractSection) error {
	cs.BuyerProfileID = s.profileID

	data, err := canonicalSection(*cs)
	if err != nil {
		return err
	}

	cs.BuyerSignature = s.Sign(data)

	return nil
}

// VerifySection checks the buyer signature on cs.
func (s *Signer) VerifySection(cs purchase.ContractSection) bool {
	data, err := canonicalSection(cs)
	if err != nil {
		return false
	}

	return s.Verify(data, cs.BuyerSignature)
}

// SectionHash returns the stable identifier of a section: the hex digest of
// its canonical form.
func SectionHash(cs purchase.ContractSection) (string, error) {
	data, err := canonicalSection(cs)
	if err != nil {
		return "", err
	}

	sum := blake2b.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// NewDigest returns the unkeyed hash used for piece content digests.
func NewDigest() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// canonicalSection is the JSON of a section without its hash and signatures.
func canonicalSection(cs purchase.ContractSection) ([]byte, error) {
	cs.Hash = ""
	cs.BuyerSignature = ""
	cs.SellerSignature = ""

	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode contract section: %w", err)
	}

	return data, nil
}
