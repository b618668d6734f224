// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

package challenge_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/challenge"
	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/sqlitepool"
)

func testLedger(t *testing.T) (*challenge.Ledger, *clock.FakeClock) {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "relay.db"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, challenge.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return challenge.NewLedger(pool, fakeClock, nil, challenge.Config{}), fakeClock
}

const testLinkToken = "link_test-recipient"

func TestIssueAndConsume(t *testing.T) {
	ledger, _ := testLedger(t)

	nonce, err := ledger.Issue(context.Background(), testLinkToken, "203.0.113.9", "sealbox-client/1.0")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if nonce == "" {
		t.Fatal("Issue returned empty nonce")
	}

	ch, err := ledger.Consume(context.Background(), testLinkToken, nonce)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ch.Nonce != nonce {
		t.Errorf("Nonce = %q, want %q", ch.Nonce, nonce)
	}
	if ch.ClientIP != "203.0.113.9" {
		t.Errorf("ClientIP = %q, want 203.0.113.9", ch.ClientIP)
	}
	if ch.Used {
		t.Error("fresh challenge reported as used")
	}
}

func TestConsumeLeavesChallengeValid(t *testing.T) {
	ledger, _ := testLedger(t)

	nonce, err := ledger.Issue(context.Background(), testLinkToken, "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Consume does not burn the nonce: a second Consume (a retry
	// after a failed signature) still succeeds.
	if _, err := ledger.Consume(context.Background(), testLinkToken, nonce); err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if _, err := ledger.Consume(context.Background(), testLinkToken, nonce); err != nil {
		t.Fatalf("second Consume: %v", err)
	}
}

func TestMarkUsedBurnsNonce(t *testing.T) {
	ledger, _ := testLedger(t)

	nonce, err := ledger.Issue(context.Background(), testLinkToken, "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ch, err := ledger.Consume(context.Background(), testLinkToken, nonce)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := ledger.MarkUsed(context.Background(), ch.ID); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}

	if _, err := ledger.Consume(context.Background(), testLinkToken, nonce); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("Consume after MarkUsed = %v, want ErrNotFound", err)
	}
}

func TestConsumeExpiredChallenge(t *testing.T) {
	ledger, fakeClock := testLedger(t)

	nonce, err := ledger.Issue(context.Background(), testLinkToken, "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fakeClock.Advance(challenge.DefaultTTL + time.Second)

	if _, err := ledger.Consume(context.Background(), testLinkToken, nonce); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("Consume expired = %v, want ErrNotFound", err)
	}
}

func TestConsumeWrongIdentity(t *testing.T) {
	ledger, _ := testLedger(t)

	nonce, err := ledger.Issue(context.Background(), testLinkToken, "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := ledger.Consume(context.Background(), "link_other", nonce); !errors.Is(err, challenge.ErrNotFound) {
		t.Errorf("Consume for wrong identity = %v, want ErrNotFound", err)
	}
}

func TestOutstandingCap(t *testing.T) {
	ledger, fakeClock := testLedger(t)

	for i := range challenge.DefaultOutstandingCap {
		if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); err != nil {
			t.Fatalf("Issue %d: %v", i+1, err)
		}
		fakeClock.Advance(challenge.DefaultCooldown)
	}

	if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); !errors.Is(err, challenge.ErrTooMany) {
		t.Errorf("sixth Issue = %v, want ErrTooMany", err)
	}

	// A different identity is unaffected by the cap.
	if _, err := ledger.Issue(context.Background(), "link_other", "", ""); err != nil {
		t.Errorf("Issue for other identity: %v", err)
	}
}

func TestIssuanceCooldown(t *testing.T) {
	ledger, fakeClock := testLedger(t)

	if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); err != nil {
		t.Fatalf("first Issue: %v", err)
	}

	fakeClock.Advance(time.Second)
	if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); !errors.Is(err, challenge.ErrTooFrequent) {
		t.Errorf("Issue within cooldown = %v, want ErrTooFrequent", err)
	}

	fakeClock.Advance(challenge.DefaultCooldown)
	if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); err != nil {
		t.Errorf("Issue after cooldown: %v", err)
	}
}

func TestCapClearsAsChallengesExpire(t *testing.T) {
	ledger, fakeClock := testLedger(t)

	for range challenge.DefaultOutstandingCap {
		if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); err != nil {
			t.Fatalf("Issue: %v", err)
		}
		fakeClock.Advance(challenge.DefaultCooldown)
	}

	// Once the early challenges expire, issuance works again.
	fakeClock.Advance(challenge.DefaultTTL)
	if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); err != nil {
		t.Errorf("Issue after expiry: %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	ledger, fakeClock := testLedger(t)

	if _, err := ledger.Issue(context.Background(), testLinkToken, "", ""); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	purged, err := ledger.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 0 {
		t.Errorf("purged %d unexpired challenges", purged)
	}

	fakeClock.Advance(challenge.DefaultTTL + time.Second)
	purged, err = ledger.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired after expiry: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}
