// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package mailbox stores encrypted message blobs per recipient. The
// relay never inspects payloads; it enforces size limits, tracks the
// seen flag, and serves cursor-paginated reads.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/relayerr"
	"github.com/sealbox/sealbox/lib/sqlitepool"
)

// Size limits for a stored message.
const (
	MaxPayloadSize  = 16 << 10
	MaxMetadataSize = 4 << 10
)

// Fetch pagination bounds.
const (
	DefaultFetchLimit = 50
	MaxFetchLimit     = 200
)

var (
	// ErrPayloadTooLarge means the decoded payload exceeds 16 KiB.
	ErrPayloadTooLarge = relayerr.New(relayerr.PayloadTooLarge, "payload exceeds 16 KiB limit")

	// ErrMetadataTooLarge means the serialized metadata exceeds 4 KiB.
	ErrMetadataTooLarge = relayerr.New(relayerr.PayloadTooLarge, "metadata exceeds 4 KiB limit")

	// ErrInvalidMetadata means the metadata is not a valid JSON value.
	ErrInvalidMetadata = relayerr.New(relayerr.Validation, "metadata is not valid JSON")

	// ErrEmptyPayload means the payload has no bytes.
	ErrEmptyPayload = relayerr.New(relayerr.Validation, "payload is empty")
)

// Message is one stored blob addressed to a recipient.
type Message struct {
	ID        int64
	LinkToken string
	Payload   []byte
	Metadata  json.RawMessage // nil when the sender attached none
	Seen      bool
	CreatedAt time.Time
}

// FetchOptions filters and paginates a mailbox read. The zero value
// returns the newest unseen messages.
type FetchOptions struct {
	// IncludeSeen also returns messages already marked seen.
	IncludeSeen bool

	// Limit caps the page size. Zero means DefaultFetchLimit; other
	// values are clamped to [1, MaxFetchLimit].
	Limit int

	// BeforeID keeps only rows with id < BeforeID when nonzero.
	BeforeID int64

	// SinceID keeps only rows with id > SinceID when nonzero.
	SinceID int64

	// Order is "ASC" for oldest first. Anything else, including the
	// empty string, sorts newest first.
	Order string
}

// Page is one fetch result. HasMore is a heuristic: it is true when
// the page filled to the limit, so the final exactly-full page reports
// true with an empty page behind it.
type Page struct {
	Messages   []Message
	HasMore    bool
	NextCursor int64 // last returned id, 0 when the page is empty
}

// Schema is the mailbox table definition, installed via the pool's
// OnConnect callback.
const Schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		link_token TEXT NOT NULL,
		payload    BLOB NOT NULL,
		metadata   TEXT,
		seen       INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_link_token ON messages(link_token, seen, id);
`

// Store is the SQLite-backed mailbox.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// NewStore returns a mailbox over the pool. A nil logger discards.
func NewStore(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, clock: clk, logger: logger}
}

// Store appends a message to the recipient's mailbox and returns its
// id. The payload is opaque bytes, already transport-decoded by the
// caller. Metadata, when present, must be valid JSON.
func (s *Store) Store(ctx context.Context, linkToken string, payload []byte, metadata json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}
	if len(payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	var metadataValue any
	if len(metadata) > 0 {
		if len(metadata) > MaxMetadataSize {
			return 0, ErrMetadataTooLarge
		}
		if !json.Valid(metadata) {
			return 0, ErrInvalidMetadata
		}
		metadataValue = string(metadata)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, relayerr.Store(err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO messages (link_token, payload, metadata, seen, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{linkToken, payload, metadataValue, s.clock.Now().UTC().Unix()},
		})
	if err != nil {
		return 0, relayerr.Store(err)
	}

	id := conn.LastInsertRowID()
	s.logger.Info("message stored",
		"message_id", id,
		"link_token", linkToken,
		"payload_bytes", len(payload))
	return id, nil
}

// Fetch reads one page of the recipient's mailbox.
func (s *Store) Fetch(ctx context.Context, linkToken string, opts FetchOptions) (Page, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultFetchLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	var query strings.Builder
	query.WriteString(`
		SELECT id, link_token, payload, metadata, seen, created_at
		FROM messages
		WHERE link_token = ?`)
	args := []any{linkToken}
	if !opts.IncludeSeen {
		query.WriteString(" AND seen = 0")
	}
	if opts.BeforeID > 0 {
		query.WriteString(" AND id < ?")
		args = append(args, opts.BeforeID)
	}
	if opts.SinceID > 0 {
		query.WriteString(" AND id > ?")
		args = append(args, opts.SinceID)
	}
	// Any order other than ASC sorts descending; unrecognized values
	// fall back silently rather than erroring.
	if strings.EqualFold(opts.Order, "ASC") {
		query.WriteString(" ORDER BY id ASC")
	} else {
		query.WriteString(" ORDER BY id DESC")
	}
	query.WriteString(" LIMIT ?")
	args = append(args, limit)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Page{}, relayerr.Store(err)
	}
	defer s.pool.Put(conn)

	var page Page
	err = sqlitex.Execute(conn, query.String(), &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msg := Message{
				ID:        stmt.ColumnInt64(0),
				LinkToken: stmt.ColumnText(1),
				Seen:      stmt.ColumnInt64(4) != 0,
				CreatedAt: time.Unix(stmt.ColumnInt64(5), 0).UTC(),
			}
			msg.Payload = make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, msg.Payload)
			if metadata := stmt.ColumnText(3); metadata != "" {
				msg.Metadata = json.RawMessage(metadata)
			}
			page.Messages = append(page.Messages, msg)
			return nil
		},
	})
	if err != nil {
		return Page{}, relayerr.Store(err)
	}

	page.HasMore = len(page.Messages) == limit
	if len(page.Messages) > 0 {
		page.NextCursor = page.Messages[len(page.Messages)-1].ID
	}
	return page, nil
}

// MarkSeen flips the seen flag on the given messages. Ids belonging to
// a different mailbox are silently ignored; an empty set is a no-op.
func (s *Store) MarkSeen(ctx context.Context, linkToken string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return relayerr.Store(err)
	}
	defer s.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, linkToken)
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf("UPDATE messages SET seen = 1 WHERE link_token = ? AND id IN (%s)", placeholders)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return relayerr.Store(err)
	}

	s.logger.Debug("messages marked seen",
		"link_token", linkToken,
		"requested", len(ids),
		"updated", conn.Changes())
	return nil
}
