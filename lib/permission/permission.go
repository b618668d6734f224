// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission tracks who may send addressed messages to whom.
// Permission is a directed edge: an accepted request from A to B lets
// A send to B and says nothing about the reverse direction.
//
// Requesting is idempotent only against the accepted state: a pair
// with an accepted record never gets a duplicate row, while duplicate
// pending requests for the same pair are allowed. Responding is a
// one-way transition out of pending, enforced with a guarded update so
// concurrent responders cannot both win.
package permission

import (
	"context"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/identity"
	"github.com/sealbox/sealbox/lib/relayerr"
	"github.com/sealbox/sealbox/lib/sqlitepool"
)

// Status of a permission request.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Actions a recipient may take on a pending request.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// AnonymousNickname is recorded when the requester gives no nickname.
const AnonymousNickname = "Anonymous"

var (
	// ErrNotFound means no request exists with the given id.
	ErrNotFound = relayerr.New(relayerr.NotFound, "message request not found")

	// ErrForbidden means the responder is not the request's recipient.
	ErrForbidden = relayerr.New(relayerr.PermissionDenied, "request is not addressed to you")

	// ErrAlreadyProcessed means the request already left the pending
	// state.
	ErrAlreadyProcessed = relayerr.New(relayerr.Conflict, "request already processed")

	// ErrInvalidAction means the action is neither accept nor reject.
	ErrInvalidAction = relayerr.New(relayerr.Validation, "action must be accept or reject")
)

// Request is one sender's petition to message one recipient.
type Request struct {
	ID            int64
	FromLinkToken string
	ToLinkToken   string
	FromNickname  string
	Status        string
	CreatedAt     time.Time
	RespondedAt   time.Time // zero until the request leaves pending
}

// Schema is the permission ledger's table definition, installed via
// the pool's OnConnect callback.
const Schema = `
	CREATE TABLE IF NOT EXISTS message_requests (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		from_link_token TEXT NOT NULL,
		to_link_token   TEXT NOT NULL,
		from_nickname   TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      INTEGER NOT NULL,
		responded_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_message_requests_to ON message_requests(to_link_token, status);
	CREATE INDEX IF NOT EXISTS idx_message_requests_pair ON message_requests(from_link_token, to_link_token, status);
`

// Ledger is the SQLite-backed permission store.
type Ledger struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// NewLedger returns a ledger over the pool. A nil logger discards.
func NewLedger(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{pool: pool, clock: clk, logger: logger}
}

// Request records that from wants to message to. If the pair already
// has an accepted record, that record is returned unchanged and no row
// is created; otherwise a new pending request is inserted. Duplicate
// pending requests are allowed.
func (l *Ledger) Request(ctx context.Context, from, to, fromNickname string) (Request, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Request{}, relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	granted, found, err := l.acceptedOnConn(conn, from, to)
	if err != nil {
		return Request{}, err
	}
	if found {
		return granted, nil
	}

	fromNickname = identity.SanitizeDisplayName(fromNickname)
	if fromNickname == "" {
		fromNickname = AnonymousNickname
	}

	now := l.clock.Now().UTC()
	err = sqlitex.Execute(conn, `
		INSERT INTO message_requests (from_link_token, to_link_token, from_nickname, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{from, to, fromNickname, StatusPending, now.Unix()},
		})
	if err != nil {
		return Request{}, relayerr.Store(err)
	}

	req := Request{
		ID:            conn.LastInsertRowID(),
		FromLinkToken: from,
		ToLinkToken:   to,
		FromNickname:  fromNickname,
		Status:        StatusPending,
		CreatedAt:     now,
	}
	l.logger.Info("permission requested",
		"request_id", req.ID,
		"from", from,
		"to", to)
	return req, nil
}

// Pending lists the pending requests addressed to the identity, most
// recent first.
func (l *Ledger) Pending(ctx context.Context, to string) ([]Request, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	var requests []Request
	err = sqlitex.Execute(conn, `
		SELECT id, from_link_token, to_link_token, from_nickname, status, created_at, responded_at
		FROM message_requests
		WHERE to_link_token = ? AND status = ?
		ORDER BY id DESC`,
		&sqlitex.ExecOptions{
			Args: []any{to, StatusPending},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				requests = append(requests, requestFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, relayerr.Store(err)
	}
	return requests, nil
}

// Respond transitions a pending request to accepted or rejected. Only
// the request's recipient may respond, and the transition is terminal.
func (l *Ledger) Respond(ctx context.Context, requestID int64, responderLinkToken, action string) (Request, error) {
	var status string
	switch action {
	case ActionAccept:
		status = StatusAccepted
	case ActionReject:
		status = StatusRejected
	default:
		return Request{}, ErrInvalidAction
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Request{}, relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	req, found, err := l.byIDOnConn(conn, requestID)
	if err != nil {
		return Request{}, err
	}
	if !found {
		return Request{}, ErrNotFound
	}
	if req.ToLinkToken != responderLinkToken {
		return Request{}, ErrForbidden
	}
	if req.Status != StatusPending {
		return Request{}, ErrAlreadyProcessed
	}

	// Guarded update: the status check repeats inside the WHERE so a
	// concurrent responder cannot overwrite a terminal state.
	now := l.clock.Now().UTC()
	err = sqlitex.Execute(conn, `
		UPDATE message_requests SET status = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{status, now.Unix(), requestID, StatusPending},
		})
	if err != nil {
		return Request{}, relayerr.Store(err)
	}
	if conn.Changes() == 0 {
		return Request{}, ErrAlreadyProcessed
	}

	req.Status = status
	req.RespondedAt = now
	l.logger.Info("permission request resolved",
		"request_id", requestID,
		"status", status)
	return req, nil
}

// HasPermission reports whether from holds an accepted request toward
// to. The relation is directed; accepted A→B says nothing about B→A.
func (l *Ledger) HasPermission(ctx context.Context, from, to string) (bool, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return false, relayerr.Store(err)
	}
	defer l.pool.Put(conn)

	_, found, err := l.acceptedOnConn(conn, from, to)
	if err != nil {
		return false, err
	}
	return found, nil
}

func (l *Ledger) acceptedOnConn(conn *sqlite.Conn, from, to string) (Request, bool, error) {
	var req Request
	var found bool
	err := sqlitex.Execute(conn, `
		SELECT id, from_link_token, to_link_token, from_nickname, status, created_at, responded_at
		FROM message_requests
		WHERE from_link_token = ? AND to_link_token = ? AND status = ?
		LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{from, to, StatusAccepted},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				req = requestFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Request{}, false, relayerr.Store(err)
	}
	return req, found, nil
}

func (l *Ledger) byIDOnConn(conn *sqlite.Conn, id int64) (Request, bool, error) {
	var req Request
	var found bool
	err := sqlitex.Execute(conn, `
		SELECT id, from_link_token, to_link_token, from_nickname, status, created_at, responded_at
		FROM message_requests
		WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				req = requestFromRow(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Request{}, false, relayerr.Store(err)
	}
	return req, found, nil
}

func requestFromRow(stmt *sqlite.Stmt) Request {
	req := Request{
		ID:            stmt.ColumnInt64(0),
		FromLinkToken: stmt.ColumnText(1),
		ToLinkToken:   stmt.ColumnText(2),
		FromNickname:  stmt.ColumnText(3),
		Status:        stmt.ColumnText(4),
		CreatedAt:     time.Unix(stmt.ColumnInt64(5), 0).UTC(),
	}
	if responded := stmt.ColumnInt64(6); responded != 0 {
		req.RespondedAt = time.Unix(responded, 0).UTC()
	}
	return req
}
