// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package token generates the relay's unforgeable identifiers and the
// one-way hashes used to store credentials.
//
// Three identifier classes exist, all drawn from crypto/rand:
//
//   - link tokens: public, shareable handles for registered identities
//     ("link_" prefix for readability in URLs and logs)
//   - fetch tokens: private bearer credentials, shown once at
//     registration and stored only as a keyed hash
//   - challenge nonces: single-use values an identity signs to prove
//     private-key possession
//
// Hashing uses BLAKE3 in keyed mode with fixed domain keys, so a fetch
// token hash can never collide with a public-key fingerprint even for
// identical input bytes. Credential comparison is constant-time.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// linkTokenBytes is the entropy behind a link token. 24 bytes is
	// 192 bits — far beyond guessable for a public identifier that
	// doubles as a send address.
	linkTokenBytes = 24

	// fetchTokenBytes is the entropy behind a fetch token. The fetch
	// token is a bearer credential, so it carries double the link
	// token's entropy.
	fetchTokenBytes = 48

	// nonceBytes is the entropy behind a challenge nonce.
	nonceBytes = 32

	// LinkPrefix marks link tokens in URLs and request bodies.
	LinkPrefix = "link_"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// String returns the hex encoding of the digest. This is the form
// stored in the database.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash parses the hex form back into a Hash.
func ParseHash(encoded string) (Hash, error) {
	var digest Hash
	decoded, err := hex.DecodeString(encoded)
	if err != nil {
		return digest, fmt.Errorf("token: parsing hash: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("token: hash is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different hashes in
// different contexts. The byte values are the ASCII encoding of the
// domain name, zero-padded to 32 bytes; changing them invalidates all
// stored hashes in that domain.
type domainKey [32]byte

var (
	fetchTokenDomainKey = domainKey{
		's', 'e', 'a', 'l', 'b', 'o', 'x', '.', 't', 'o', 'k', 'e', 'n', '.',
		'f', 'e', 't', 'c', 'h', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	publicKeyDomainKey = domainKey{
		's', 'e', 'a', 'l', 'b', 'o', 'x', '.', 'k', 'e', 'y', '.',
		'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed fails only on a key that is not 32 bytes, which
		// the domainKey type rules out.
		panic(fmt.Sprintf("token: blake3 keyed hasher: %v", err))
	}
	hasher.Write(data)

	var digest Hash
	hasher.Digest().Read(digest[:])
	return digest
}

// GenerateLinkToken returns a fresh link token: 24 random bytes,
// URL-safe base64 without padding, "link_" prefix.
func GenerateLinkToken() (string, error) {
	raw, err := randomBytes(linkTokenBytes)
	if err != nil {
		return "", fmt.Errorf("token: generating link token: %w", err)
	}
	return LinkPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateFetchToken returns a fresh fetch token: 48 random bytes,
// URL-safe base64 without padding, no prefix. The caller must hand
// this to the client exactly once and persist only HashFetchToken of
// it.
func GenerateFetchToken() (string, error) {
	raw, err := randomBytes(fetchTokenBytes)
	if err != nil {
		return "", fmt.Errorf("token: generating fetch token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateChallengeNonce returns a fresh challenge nonce: 32 random
// bytes, standard base64. The nonce string itself (not its decoded
// bytes) is what clients sign.
func GenerateChallengeNonce() (string, error) {
	raw, err := randomBytes(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("token: generating challenge nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// HashFetchToken computes the fetch-token-domain keyed hash of a fetch
// token. This is the only form a fetch token is ever persisted in.
func HashFetchToken(fetchToken string) Hash {
	return keyedHash(fetchTokenDomainKey, []byte(fetchToken))
}

// FingerprintPublicKey computes the public-key-domain keyed hash of a
// raw public key. Stored alongside the identity for audit and lookup;
// never used for authentication decisions.
func FingerprintPublicKey(publicKey []byte) Hash {
	return keyedHash(publicKeyDomainKey, publicKey)
}

// VerifyFetchToken recomputes the hash of candidate and compares it
// against stored in constant time.
func VerifyFetchToken(candidate string, stored Hash) bool {
	computed := HashFetchToken(candidate)
	return subtle.ConstantTimeCompare(computed[:], stored[:]) == 1
}

func randomBytes(n int) ([]byte, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
