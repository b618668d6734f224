// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth decides whether a request is authenticated as a given
// identity. Two methods are supported: challenge-response, where the
// client signs a previously issued nonce with its registered Ed25519
// key, and bearer token, where the client presents its fetch token.
// The methods are mutually exclusive per call; when both credentials
// are present, challenge-response wins.
package auth

import (
	"context"
	"crypto/ed25519"
	"log/slog"

	"github.com/sealbox/sealbox/lib/challenge"
	"github.com/sealbox/sealbox/lib/identity"
	"github.com/sealbox/sealbox/lib/relayerr"
)

var (
	// ErrAuthenticationRequired means the request carried neither a
	// challenge signature nor a bearer token.
	ErrAuthenticationRequired = relayerr.New(relayerr.Unauthorized, "authentication required")

	// ErrBadSignature means the challenge signature did not verify
	// against the identity's public key. The challenge stays unused,
	// so the client may retry with the same nonce.
	ErrBadSignature = relayerr.New(relayerr.Unauthorized, "invalid challenge signature")

	// ErrInvalidToken means the bearer token did not match the
	// identity's stored fetch token hash.
	ErrInvalidToken = relayerr.New(relayerr.Unauthorized, "invalid fetch token")
)

// Credentials carries whatever proof of identity the request supplied.
// The signature is raw bytes; transport decoding happens at the edge.
type Credentials struct {
	ChallengeNonce     string
	ChallengeSignature []byte
	BearerToken        string
}

// Method is one way of proving control of an identity.
type Method interface {
	authenticate(ctx context.Context, g *Gate, ident identity.Identity) error
}

// Method selects the authentication method for these credentials, or
// nil when no credential is present. Challenge-response takes
// precedence over a bearer token.
func (c Credentials) Method() Method {
	if c.ChallengeNonce != "" || len(c.ChallengeSignature) > 0 {
		return challengeResponse{nonce: c.ChallengeNonce, signature: c.ChallengeSignature}
	}
	if c.BearerToken != "" {
		return bearerToken{token: c.BearerToken}
	}
	return nil
}

// Gate authenticates requests against the identity registry and the
// challenge ledger.
type Gate struct {
	identities *identity.Store
	challenges *challenge.Ledger
	logger     *slog.Logger
}

// NewGate returns a gate over the given stores. A nil logger discards.
func NewGate(identities *identity.Store, challenges *challenge.Ledger, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{identities: identities, challenges: challenges, logger: logger}
}

// Authenticate resolves the identity behind linkToken and verifies the
// supplied credentials against it. On success it returns the identity;
// every failure is an *relayerr.Error with a stable kind.
func (g *Gate) Authenticate(ctx context.Context, linkToken string, creds Credentials) (identity.Identity, error) {
	method := creds.Method()
	if method == nil {
		return identity.Identity{}, ErrAuthenticationRequired
	}

	ident, err := g.identities.Lookup(ctx, linkToken)
	if err != nil {
		return identity.Identity{}, err
	}

	if err := method.authenticate(ctx, g, ident); err != nil {
		return identity.Identity{}, err
	}
	return ident, nil
}

type challengeResponse struct {
	nonce     string
	signature []byte
}

func (m challengeResponse) authenticate(ctx context.Context, g *Gate, ident identity.Identity) error {
	ch, err := g.challenges.Consume(ctx, ident.LinkToken, m.nonce)
	if err != nil {
		return err
	}

	// The signature covers the exact UTF-8 bytes of the nonce as it
	// was issued. A mismatch leaves the challenge unused so a correct
	// retry can still succeed; only a verified use burns it.
	if !ed25519.Verify(ed25519.PublicKey(ident.PublicKey), []byte(ch.Nonce), m.signature) {
		g.logger.Warn("challenge signature rejected", "link_token", ident.LinkToken)
		return ErrBadSignature
	}

	if err := g.challenges.MarkUsed(ctx, ch.ID); err != nil {
		return err
	}
	return nil
}

type bearerToken struct {
	token string
}

func (m bearerToken) authenticate(ctx context.Context, g *Gate, ident identity.Identity) error {
	ok, err := g.identities.VerifyFetchToken(ctx, ident.LinkToken, m.token)
	if err != nil {
		return err
	}
	if !ok {
		g.logger.Warn("bearer token rejected", "link_token", ident.LinkToken)
		return ErrInvalidToken
	}
	return nil
}
