// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery authorizes message sends. Addressed sends require
// an accepted permission from sender to recipient; anonymous sends
// (no sender identity) are delivered unconditionally, a deliberately
// weaker legacy mode.
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sealbox/sealbox/lib/identity"
	"github.com/sealbox/sealbox/lib/mailbox"
	"github.com/sealbox/sealbox/lib/permission"
	"github.com/sealbox/sealbox/lib/relayerr"
)

// ErrPermissionDenied means the sender has no accepted permission
// toward the recipient. The hint tells the client which operation
// unblocks delivery.
var ErrPermissionDenied = &relayerr.Error{
	Kind:    relayerr.PermissionDenied,
	Message: "permission required to message this recipient",
	Hint:    "request_permission",
}

// Gate orchestrates send authorization over the identity registry, the
// permission ledger, and the mailbox.
type Gate struct {
	identities  *identity.Store
	permissions *permission.Ledger
	mailboxes   *mailbox.Store
	logger      *slog.Logger
}

// NewGate returns a delivery gate. A nil logger discards.
func NewGate(identities *identity.Store, permissions *permission.Ledger, mailboxes *mailbox.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{identities: identities, permissions: permissions, mailboxes: mailboxes, logger: logger}
}

// Send delivers payload to the recipient behind toLinkToken. When
// fromLinkToken is nonempty the sender must exist and hold an accepted
// permission toward the recipient; when empty the send is anonymous
// and proceeds unconditionally. Returns the stored message id.
func (g *Gate) Send(ctx context.Context, toLinkToken, fromLinkToken string, payload []byte, metadata json.RawMessage) (int64, error) {
	to, err := g.identities.Lookup(ctx, toLinkToken)
	if err != nil {
		return 0, err
	}

	if fromLinkToken != "" {
		from, err := g.identities.Lookup(ctx, fromLinkToken)
		if err != nil {
			return 0, err
		}
		granted, err := g.permissions.HasPermission(ctx, from.LinkToken, to.LinkToken)
		if err != nil {
			return 0, err
		}
		if !granted {
			g.logger.Info("send refused, no permission",
				"from", from.LinkToken,
				"to", to.LinkToken)
			return 0, ErrPermissionDenied
		}
	}

	return g.mailboxes.Store(ctx, to.LinkToken, payload, metadata)
}
