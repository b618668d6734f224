// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sealbox/sealbox/lib/auth"
	"github.com/sealbox/sealbox/lib/challenge"
	"github.com/sealbox/sealbox/lib/clock"
	"github.com/sealbox/sealbox/lib/delivery"
	"github.com/sealbox/sealbox/lib/identity"
	"github.com/sealbox/sealbox/lib/mailbox"
	"github.com/sealbox/sealbox/lib/permission"
	"github.com/sealbox/sealbox/lib/sqlitepool"
)

type testRelay struct {
	server    *httptest.Server
	fakeClock *clock.FakeClock
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "relay.db"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn,
				identity.Schema+challenge.Schema+permission.Schema+mailbox.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := &stores{
		pool:        pool,
		identities:  identity.NewStore(pool, fakeClock, nil),
		challenges:  challenge.NewLedger(pool, fakeClock, nil, challenge.Config{}),
		permissions: permission.NewLedger(pool, fakeClock, nil),
		mailboxes:   mailbox.NewStore(pool, fakeClock, nil),
	}
	st.authGate = auth.NewGate(st.identities, st.challenges, nil)
	st.deliveries = delivery.NewGate(st.identities, st.permissions, st.mailboxes, nil)

	service := &relayService{
		logger:  slog.New(slog.DiscardHandler),
		baseURL: "https://relay.example.com",
		stores:  st,
	}
	server := httptest.NewServer(service.routes())
	t.Cleanup(server.Close)
	return &testRelay{server: server, fakeClock: fakeClock}
}

// post sends a JSON body and decodes the JSON response. An empty
// bearer means no Authorization header.
func (r *testRelay) post(t *testing.T, path string, body map[string]any, bearer string) (int, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, r.server.URL+path, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer response.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response from %s: %v", path, err)
	}
	return response.StatusCode, decoded
}

type testClient struct {
	linkToken  string
	fetchToken string
	privateKey ed25519.PrivateKey
}

func (r *testRelay) register(t *testing.T, displayName string) testClient {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	status, body := r.post(t, "/register", map[string]any{
		"public_key":   base64.StdEncoding.EncodeToString(pub),
		"display_name": displayName,
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("register = %d: %v", status, body)
	}
	return testClient{
		linkToken:  body["link_token"].(string),
		fetchToken: body["fetch_token"].(string),
		privateKey: priv,
	}
}

func TestRegister(t *testing.T) {
	relay := newTestRelay(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	status, body := relay.post(t, "/register", map[string]any{
		"public_key":   base64.StdEncoding.EncodeToString(pub),
		"display_name": "Alice",
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("register = %d: %v", status, body)
	}
	linkToken := body["link_token"].(string)
	if linkToken == "" {
		t.Error("empty link_token")
	}
	if body["fetch_token"].(string) == "" {
		t.Error("empty fetch_token")
	}
	if body["key_type"] != "ed25519" {
		t.Errorf("key_type = %v", body["key_type"])
	}
	if want := "https://relay.example.com/l/" + linkToken; body["link"] != want {
		t.Errorf("link = %v, want %s", body["link"], want)
	}
}

func TestRegisterRejectsBadKey(t *testing.T) {
	relay := newTestRelay(t)

	status, body := relay.post(t, "/register", map[string]any{
		"public_key": base64.StdEncoding.EncodeToString([]byte("short")),
	}, "")
	if status != http.StatusBadRequest {
		t.Errorf("short key = %d: %v", status, body)
	}

	status, body = relay.post(t, "/register", map[string]any{
		"public_key": "not!!base64",
	}, "")
	if status != http.StatusBadRequest {
		t.Errorf("bad base64 = %d: %v", status, body)
	}

	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	status, body = relay.post(t, "/register", map[string]any{
		"public_key": base64.StdEncoding.EncodeToString(pub),
		"key_type":   "rsa",
	}, "")
	if status != http.StatusBadRequest {
		t.Errorf("rsa key_type = %d: %v", status, body)
	}
}

func TestHealth(t *testing.T) {
	relay := newTestRelay(t)

	response, err := http.Get(relay.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("health = %d", response.StatusCode)
	}
}

// TestPermissionScenario walks the full exchange: B asks to message A,
// A reviews and accepts, B sends, and an anonymous sender C delivers
// without any permission at all.
func TestPermissionScenario(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")
	bob := relay.register(t, "Bob")

	// Bob cannot send to Alice yet.
	ciphertext := base64.StdEncoding.EncodeToString([]byte("hello alice"))
	status, body := relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"from_link_token":   bob.linkToken,
		"encrypted_message": ciphertext,
	}, "")
	if status != http.StatusForbidden {
		t.Fatalf("unpermitted send = %d: %v", status, body)
	}
	if body["action_required"] != "request_permission" {
		t.Errorf("action_required = %v", body["action_required"])
	}

	// Bob requests permission.
	status, body = relay.post(t, "/request_message_permission", map[string]any{
		"from_link_token": bob.linkToken,
		"to_link_token":   alice.linkToken,
		"from_nickname":   "Bob",
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("request permission = %d: %v", status, body)
	}
	if body["status"] != "pending" {
		t.Errorf("status = %v, want pending", body["status"])
	}
	requestID := body["request_id"].(float64)

	// Alice reviews her pending requests.
	status, body = relay.post(t, "/get_message_requests", map[string]any{
		"link_token": alice.linkToken,
	}, alice.fetchToken)
	if status != http.StatusOK {
		t.Fatalf("get requests = %d: %v", status, body)
	}
	data := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("pending requests = %d, want 1", len(data))
	}
	entry := data[0].(map[string]any)
	if entry["from_nickname"] != "Bob" {
		t.Errorf("from_nickname = %v", entry["from_nickname"])
	}

	// Alice accepts.
	status, body = relay.post(t, "/respond_message_request", map[string]any{
		"link_token": alice.linkToken,
		"request_id": requestID,
		"action":     "accept",
	}, alice.fetchToken)
	if status != http.StatusOK {
		t.Fatalf("respond = %d: %v", status, body)
	}
	if body["status"] != "accepted" {
		t.Errorf("status = %v, want accepted", body["status"])
	}

	// Bob can now send.
	status, body = relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"from_link_token":   bob.linkToken,
		"encrypted_message": ciphertext,
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("permitted send = %d: %v", status, body)
	}

	// Anonymous C needs no permission.
	status, body = relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"encrypted_message": base64.StdEncoding.EncodeToString([]byte("anonymous tip")),
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("anonymous send = %d: %v", status, body)
	}

	// Alice fetches both messages with her bearer token.
	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token": alice.linkToken,
	}, alice.fetchToken)
	if status != http.StatusOK {
		t.Fatalf("fetch = %d: %v", status, body)
	}
	if count := body["count"].(float64); count != 2 {
		t.Errorf("count = %v, want 2", count)
	}
}

func TestChallengeResponseFlow(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")

	// Deliver something to fetch.
	status, body := relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"encrypted_message": base64.StdEncoding.EncodeToString([]byte("sealed")),
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("send = %d: %v", status, body)
	}

	status, body = relay.post(t, "/challenge_request", map[string]any{
		"link_token": alice.linkToken,
	}, "")
	if status != http.StatusOK {
		t.Fatalf("challenge_request = %d: %v", status, body)
	}
	nonce := body["challenge"].(string)

	signature := ed25519.Sign(alice.privateKey, []byte(nonce))
	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token":          alice.linkToken,
		"challenge":           nonce,
		"challenge_signature": base64.StdEncoding.EncodeToString(signature),
	}, "")
	if status != http.StatusOK {
		t.Fatalf("fetch = %d: %v", status, body)
	}
	data := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("fetched %d messages, want 1", len(data))
	}
	message := data[0].(map[string]any)
	decoded, err := base64.StdEncoding.DecodeString(message["encrypted_message"].(string))
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if string(decoded) != "sealed" {
		t.Errorf("payload = %q", decoded)
	}

	// The nonce is burnt; replaying it fails.
	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token":          alice.linkToken,
		"challenge":           nonce,
		"challenge_signature": base64.StdEncoding.EncodeToString(signature),
	}, "")
	if status != http.StatusUnauthorized {
		t.Errorf("replayed challenge = %d: %v", status, body)
	}
}

func TestFetchRequiresAuth(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")

	status, body := relay.post(t, "/fetch", map[string]any{
		"link_token": alice.linkToken,
	}, "")
	if status != http.StatusUnauthorized {
		t.Errorf("unauthenticated fetch = %d: %v", status, body)
	}

	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token": alice.linkToken,
	}, "wrong-token")
	if status != http.StatusUnauthorized {
		t.Errorf("wrong bearer = %d: %v", status, body)
	}
	if body["code"] != "unauthorized" {
		t.Errorf("code = %v", body["code"])
	}

	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token":          alice.linkToken,
		"challenge":           "nonce",
		"challenge_signature": "not base64!",
	}, "")
	if status != http.StatusUnauthorized {
		t.Errorf("malformed signature = %d: %v", status, body)
	}
}

func TestAckMarksSeen(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")

	status, body := relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"encrypted_message": base64.StdEncoding.EncodeToString([]byte("one")),
	}, "")
	if status != http.StatusCreated {
		t.Fatalf("send = %d: %v", status, body)
	}

	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token": alice.linkToken,
	}, alice.fetchToken)
	if status != http.StatusOK {
		t.Fatalf("fetch = %d: %v", status, body)
	}
	entry := body["data"].([]any)[0].(map[string]any)
	id := entry["id"].(float64)

	status, body = relay.post(t, "/ack", map[string]any{
		"link_token":  alice.linkToken,
		"message_ids": []int64{int64(id)},
	}, alice.fetchToken)
	if status != http.StatusOK {
		t.Fatalf("ack = %d: %v", status, body)
	}

	status, body = relay.post(t, "/fetch", map[string]any{
		"link_token": alice.linkToken,
	}, alice.fetchToken)
	if status != http.StatusOK {
		t.Fatalf("fetch after ack = %d: %v", status, body)
	}
	if count := body["count"].(float64); count != 0 {
		t.Errorf("unseen count = %v, want 0", count)
	}
}

func TestCheckContact(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")

	status, body := relay.post(t, "/check_contact", map[string]any{
		"link_token": alice.linkToken,
	}, "")
	if status != http.StatusOK {
		t.Fatalf("check_contact = %d: %v", status, body)
	}
	if body["exists"] != true {
		t.Errorf("exists = %v", body["exists"])
	}
	if body["nickname"] != "Alice" {
		t.Errorf("nickname = %v", body["nickname"])
	}

	status, body = relay.post(t, "/check_contact", map[string]any{
		"link_token": "link_missing",
	}, "")
	if status != http.StatusOK {
		t.Fatalf("check_contact unknown = %d: %v", status, body)
	}
	if body["exists"] != false {
		t.Errorf("exists = %v for unknown token", body["exists"])
	}
}

func TestSendValidation(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")

	status, body := relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"encrypted_message": "not!!base64",
	}, "")
	if status != http.StatusBadRequest {
		t.Errorf("bad base64 = %d: %v", status, body)
	}

	oversized := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), mailbox.MaxPayloadSize+1))
	status, body = relay.post(t, "/send", map[string]any{
		"link_token":        alice.linkToken,
		"encrypted_message": oversized,
	}, "")
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized payload = %d: %v", status, body)
	}

	status, body = relay.post(t, "/send", map[string]any{
		"link_token":        "link_missing",
		"encrypted_message": base64.StdEncoding.EncodeToString([]byte("hi")),
	}, "")
	if status != http.StatusNotFound {
		t.Errorf("unknown recipient = %d: %v", status, body)
	}
}

func TestChallengeRateLimits(t *testing.T) {
	relay := newTestRelay(t)
	alice := relay.register(t, "Alice")

	status, body := relay.post(t, "/challenge_request", map[string]any{
		"link_token": alice.linkToken,
	}, "")
	if status != http.StatusOK {
		t.Fatalf("challenge_request = %d: %v", status, body)
	}

	// Immediately asking again trips the cooldown.
	status, body = relay.post(t, "/challenge_request", map[string]any{
		"link_token": alice.linkToken,
	}, "")
	if status != http.StatusTooManyRequests {
		t.Errorf("rapid challenge_request = %d: %v", status, body)
	}
	if body["code"] != "rate_limited" {
		t.Errorf("code = %v", body["code"])
	}

	status, body = relay.post(t, "/challenge_request", map[string]any{
		"link_token": "link_missing",
	}, "")
	if status != http.StatusNotFound {
		t.Errorf("unknown identity = %d: %v", status, body)
	}
}

func TestDegradedModeWithoutStore(t *testing.T) {
	service := &relayService{
		logger:  slog.New(slog.DiscardHandler),
		baseURL: "https://relay.example.com",
	}
	server := httptest.NewServer(service.routes())
	defer server.Close()

	response, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("health in degraded mode = %d", response.StatusCode)
	}

	response, err = http.Post(server.URL+"/register", "application/json", bytes.NewReader([]byte(`{"public_key":"x"}`)))
	if err != nil {
		t.Fatalf("POST /register: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("register in degraded mode = %d", response.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["code"] != "store_unavailable" {
		t.Errorf("code = %v", body["code"])
	}
}
