// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package challenge issues, rate-limits, and single-use-consumes the
// authentication challenges an identity signs to prove private-key
// possession.
//
// A challenge moves through a one-way lifecycle: issued (used=0),
// then either consumed and marked used by a successful verification,
// or expired past its TTL. Consume deliberately does not mark the
// challenge used — the caller verifies the signature first and calls
// MarkUsed only on success, so a failed signature leaves the nonce
// available for a correct retry while a successful use burns it.
//
// The two issuance defenses (outstanding cap, cooldown) are
// read-then-write and tolerant of small races under concurrent
// issuance; they are soft caps, not hard guarantees. Expired rows are
// purged opportunistically after each successful issuance — there is
// no background scheduler.
package challenge

import (
	"context"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/relayerr"
	"github.com/sealbox/sealbox/lib/sqlitepool"
	"github.com/sealbox/sealbox/lib/token"
)

// Defaults for the issuance defenses and challenge lifetime.
const (
	DefaultOutstandingCap = 5
	DefaultCooldown       = 3 * time.Second
	DefaultTTL            = 300 * time.Second
)

var (
	// ErrTooMany means the identity already has the maximum number
	// of outstanding (unused, unexpired) challenges.
	ErrTooMany = relayerr.New(relayerr.RateLimited, "too many outstanding challenges")

	// ErrTooFrequent means a challenge was issued for this identity
	// within the cooldown window.
	ErrTooFrequent = relayerr.New(relayerr.RateLimited, "challenge requested too frequently")

	// ErrNotFound means no valid (unused, unexpired) challenge
	// matches the link token and nonce.
	ErrNotFound = relayerr.New(relayerr.Unauthorized, "invalid or expired challenge")
)

// Challenge is one issued authentication challenge.
type Challenge struct {
	ID        int64
	LinkToken string
	Nonce     string
	ClientIP  string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Schema is the challenge ledger's table definition.
const Schema = `
	CREATE TABLE IF NOT EXISTS challenges (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		link_token TEXT NOT NULL,
		nonce      TEXT NOT NULL,
		client_ip  TEXT,
		user_agent TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_challenges_link_token ON challenges(link_token);
	CREATE INDEX IF NOT EXISTS idx_challenges_expires_at ON challenges(expires_at);
`

// Config tunes the ledger. Zero values take the defaults.
type Config struct {
	// OutstandingCap is the maximum unused, unexpired challenges one
	// identity may hold.
	OutstandingCap int

	// Cooldown is the minimum interval between issuances for one
	// identity.
	Cooldown time.Duration

	// TTL is how long an issued challenge stays valid.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutstandingCap <= 0 {
		c.OutstandingCap = DefaultOutstandingCap
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Ledger is the SQLite-backed challenge ledger.
type Ledger struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	config Config
}

// NewLedger creates a ledger on the shared pool. The pool's OnConnect
// must include Schema.
func NewLedger(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger, config Config) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{pool: pool, clock: clk, logger: logger, config: config.withDefaults()}
}

// Issue creates a new challenge for the identity, returning the nonce
// the client must sign. The defenses run in order: outstanding cap
// first, then issuance cooldown. On success, expired challenges are
// purged opportunistically before returning.
func (l *Ledger) Issue(ctx context.Context, linkToken, clientIP, userAgent string) (string, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return "", relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	now := l.clock.Now().UTC()

	outstanding, err := l.outstandingCount(conn, linkToken, now)
	if err != nil {
		return "", err
	}
	if outstanding >= l.config.OutstandingCap {
		return "", ErrTooMany
	}

	newest, haveNewest, err := l.newestCreatedAt(conn, linkToken)
	if err != nil {
		return "", err
	}
	if haveNewest && now.Sub(newest) < l.config.Cooldown {
		return "", ErrTooFrequent
	}

	nonce, err := token.GenerateChallengeNonce()
	if err != nil {
		return "", relayerr.Wrap(relayerr.Internal, "challenge generation failed", err)
	}

	var clientIPValue, userAgentValue any
	if clientIP != "" {
		clientIPValue = clientIP
	}
	if userAgent != "" {
		userAgentValue = userAgent
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO challenges (link_token, nonce, client_ip, user_agent, created_at, expires_at, used)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{
			Args: []any{
				linkToken,
				nonce,
				clientIPValue,
				userAgentValue,
				now.Unix(),
				now.Add(l.config.TTL).Unix(),
			},
		})
	if err != nil {
		return "", relayerr.Store(err)
	}

	// Purge is best-effort housekeeping; a failure here must not
	// fail the issuance the client is waiting on.
	if purged, err := l.purgeExpiredOnConn(conn, now); err != nil {
		l.logger.Warn("expired challenge purge failed", "error", err)
	} else if purged > 0 {
		l.logger.Debug("expired challenges purged", "count", purged)
	}

	return nonce, nil
}

// Consume returns the most recently created valid (unused, unexpired)
// challenge matching the link token and nonce, or ErrNotFound. The
// challenge is NOT marked used; callers must call MarkUsed exactly
// once after verifying the signature.
func (l *Ledger) Consume(ctx context.Context, linkToken, nonce string) (Challenge, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Challenge{}, relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	now := l.clock.Now().UTC()

	var found bool
	var ch Challenge
	err = sqlitex.Execute(conn, `
		SELECT id, link_token, nonce, client_ip, user_agent, created_at, expires_at, used
		FROM challenges
		WHERE link_token = ? AND nonce = ? AND used = 0 AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{linkToken, nonce, now.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ch.ID = stmt.ColumnInt64(0)
				ch.LinkToken = stmt.ColumnText(1)
				ch.Nonce = stmt.ColumnText(2)
				ch.ClientIP = stmt.ColumnText(3)
				ch.UserAgent = stmt.ColumnText(4)
				ch.CreatedAt = time.Unix(stmt.ColumnInt64(5), 0).UTC()
				ch.ExpiresAt = time.Unix(stmt.ColumnInt64(6), 0).UTC()
				ch.Used = stmt.ColumnInt64(7) != 0
				return nil
			},
		})
	if err != nil {
		return Challenge{}, relayerr.Store(err)
	}
	if !found {
		return Challenge{}, ErrNotFound
	}
	return ch, nil
}

// MarkUsed flips a challenge's used flag. One-way; a used challenge
// never authenticates again.
func (l *Ledger) MarkUsed(ctx context.Context, id int64) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE challenges SET used = 1 WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
	if err != nil {
		return relayerr.Store(err)
	}
	return nil
}

// PurgeExpired deletes challenges past their expiry, returning the
// number removed.
func (l *Ledger) PurgeExpired(ctx context.Context) (int, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	return l.purgeExpiredOnConn(conn, l.clock.Now().UTC())
}

func (l *Ledger) purgeExpiredOnConn(conn *sqlite.Conn, now time.Time) (int, error) {
	err := sqlitex.Execute(conn, "DELETE FROM challenges WHERE expires_at < ?",
		&sqlitex.ExecOptions{Args: []any{now.Unix()}})
	if err != nil {
		return 0, relayerr.Store(err)
	}
	return conn.Changes(), nil
}

func (l *Ledger) outstandingCount(conn *sqlite.Conn, linkToken string, now time.Time) (int, error) {
	var count int
	err := sqlitex.Execute(conn, `
		SELECT COUNT(*) FROM challenges
		WHERE link_token = ? AND used = 0 AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{linkToken, now.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, relayerr.Store(err)
	}
	return count, nil
}

// newestCreatedAt returns the creation time of the identity's most
// recent challenge, used or not. The cooldown counts every issuance,
// not just outstanding ones.
func (l *Ledger) newestCreatedAt(conn *sqlite.Conn, linkToken string) (time.Time, bool, error) {
	var created int64
	var found bool
	err := sqlitex.Execute(conn, `
		SELECT created_at FROM challenges
		WHERE link_token = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{linkToken},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				created = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return time.Time{}, false, relayerr.Store(err)
	}
	return time.Unix(created, 0).UTC(), found, nil
}
