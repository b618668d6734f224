// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

// sealbox-relay is the server-side relay for end-to-end encrypted
// messaging. Clients register an Ed25519 public key and receive a
// shareable link token (their address) plus a private fetch token.
// The relay stores ciphertext blobs per recipient and serves them to
// whoever proves control of the identity, either by signing an issued
// challenge nonce or by presenting the fetch token. Addressed sends
// are gated by an accept/reject permission exchange; anonymous sends
// are delivered unconditionally.
//
// The relay never sees plaintext: payloads are opaque bytes, capped at
// 16 KiB, with an optional 4 KiB JSON metadata blob.
//
// Configuration comes from a YAML file named by SEALBOX_CONFIG or the
// --config flag; without one the relay runs on defaults (SQLite file
// in the working directory, listening on 127.0.0.1:8420).
package main
