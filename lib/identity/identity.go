// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity is the durable registry of relay clients: public
// key, key type, hashed fetch credential, and optional display name.
//
// An identity is created once at registration and never deleted. Its
// link token is the only externally shared handle; the fetch token is
// handed to the client exactly once and survives here only as a keyed
// hash. Registration deliberately does not deduplicate by public key:
// the same key registered twice yields two independent identities
// with independent tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"filippo.io/edwards25519"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/relayerr"
	"github.com/sealbox/sealbox/lib/sqlitepool"
	"github.com/sealbox/sealbox/lib/token"
)

// KeyTypeEd25519 is the only key type the relay accepts.
const KeyTypeEd25519 = "ed25519"

// publicKeySize is the raw encoding size of an Ed25519 public key.
const publicKeySize = 32

var (
	// ErrInvalidKey means the public key is not exactly 32 bytes or
	// does not decode to a valid curve point.
	ErrInvalidKey = relayerr.New(relayerr.Validation, "invalid public key format")

	// ErrUnsupportedKeyType means a key_type other than ed25519.
	ErrUnsupportedKeyType = relayerr.New(relayerr.Validation, "unsupported key type: only ed25519 is supported")

	// ErrNotFound means no identity exists for the link token.
	ErrNotFound = relayerr.New(relayerr.NotFound, "unknown link token")
)

// Identity is a registered relay client.
type Identity struct {
	ID             int64
	LinkToken      string
	PublicKey      []byte
	PublicKeyHash  string
	KeyType        string
	DisplayName    string
	FetchTokenHash token.Hash
	CreatedAt      time.Time
}

// Schema is the identity registry's table definition, installed via
// the pool's OnConnect callback.
const Schema = `
	CREATE TABLE IF NOT EXISTS identities (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		link_token       TEXT NOT NULL UNIQUE,
		public_key       BLOB NOT NULL,
		public_key_hash  TEXT NOT NULL,
		key_type         TEXT NOT NULL,
		display_name     TEXT,
		fetch_token_hash TEXT NOT NULL,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_identities_key_hash ON identities(public_key_hash);
`

// Store is the SQLite-backed identity registry.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// NewStore creates an identity store on the shared pool. The pool's
// OnConnect must include Schema.
func NewStore(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, clock: clk, logger: logger}
}

// Register validates the public key, mints a fresh link token, and
// inserts the identity. The caller supplies the fetch token hash (the
// cleartext fetch token never reaches this package) and receives the
// stored Identity back, link token included.
func (s *Store) Register(ctx context.Context, publicKey []byte, keyType string, fetchTokenHash token.Hash, displayName string) (Identity, error) {
	if keyType == "" {
		keyType = KeyTypeEd25519
	}
	if keyType != KeyTypeEd25519 {
		return Identity{}, ErrUnsupportedKeyType
	}
	if err := validatePublicKey(publicKey); err != nil {
		return Identity{}, err
	}

	linkToken, err := token.GenerateLinkToken()
	if err != nil {
		return Identity{}, fmt.Errorf("identity: %w", err)
	}

	ident := Identity{
		LinkToken:      linkToken,
		PublicKey:      append([]byte(nil), publicKey...),
		PublicKeyHash:  token.FingerprintPublicKey(publicKey).String(),
		KeyType:        keyType,
		DisplayName:    SanitizeDisplayName(displayName),
		FetchTokenHash: fetchTokenHash,
		CreatedAt:      s.clock.Now().UTC().Truncate(time.Second),
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Identity{}, relayerr.Store(err)
	}
	defer s.pool.Put(conn)

	var displayNameValue any
	if ident.DisplayName != "" {
		displayNameValue = ident.DisplayName
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO identities
			(link_token, public_key, public_key_hash, key_type, display_name, fetch_token_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				ident.LinkToken,
				ident.PublicKey,
				ident.PublicKeyHash,
				ident.KeyType,
				displayNameValue,
				ident.FetchTokenHash.String(),
				ident.CreatedAt.Unix(),
			},
		})
	if err != nil {
		return Identity{}, relayerr.Store(err)
	}
	ident.ID = conn.LastInsertRowID()

	s.logger.Info("identity registered",
		"link_token", ident.LinkToken,
		"key_type", ident.KeyType,
		"public_key_hash", ident.PublicKeyHash,
	)

	return ident, nil
}

// Lookup returns the identity for a link token, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, linkToken string) (Identity, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Identity{}, relayerr.Store(err)
	}
	defer s.pool.Put(conn)

	return lookupOnConn(conn, linkToken)
}

func lookupOnConn(conn *sqlite.Conn, linkToken string) (Identity, error) {
	var ident Identity
	found := false

	err := sqlitex.Execute(conn, `
		SELECT id, link_token, public_key, public_key_hash, key_type, display_name, fetch_token_hash, created_at
		FROM identities WHERE link_token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{linkToken},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ident.ID = stmt.ColumnInt64(0)
				ident.LinkToken = stmt.ColumnText(1)
				ident.PublicKey = make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, ident.PublicKey)
				ident.PublicKeyHash = stmt.ColumnText(3)
				ident.KeyType = stmt.ColumnText(4)
				ident.DisplayName = stmt.ColumnText(5)
				storedHash, err := token.ParseHash(stmt.ColumnText(6))
				if err != nil {
					return err
				}
				ident.FetchTokenHash = storedHash
				ident.CreatedAt = time.Unix(stmt.ColumnInt64(7), 0).UTC()
				return nil
			},
		})
	if err != nil {
		return Identity{}, relayerr.Store(err)
	}
	if !found {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

// VerifyFetchToken recomputes the candidate's hash and compares it in
// constant time against the stored hash. An absent identity is simply
// false, never an error — callers cannot distinguish "no such
// identity" from "wrong token".
func (s *Store) VerifyFetchToken(ctx context.Context, linkToken, candidate string) (bool, error) {
	ident, err := s.Lookup(ctx, linkToken)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return token.VerifyFetchToken(candidate, ident.FetchTokenHash), nil
}

// validatePublicKey checks that the raw bytes are a valid Ed25519
// public key: exactly 32 bytes decoding to a point on the curve.
func validatePublicKey(publicKey []byte) error {
	if len(publicKey) != publicKeySize {
		return ErrInvalidKey
	}
	if _, err := new(edwards25519.Point).SetBytes(publicKey); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// SanitizeDisplayName strips injection-prone characters from a
// client-supplied display name and trims surrounding whitespace.
func SanitizeDisplayName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '"', '\'', ';', '(', ')', '&', '+':
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(cleaned)
}
