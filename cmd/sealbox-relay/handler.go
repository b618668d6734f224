// Copyright 2026 The Sealbox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sealbox/sealbox/lib/auth"
	"github.com/sealbox/sealbox/lib/mailbox"
	"github.com/sealbox/sealbox/lib/permission"
	"github.com/sealbox/sealbox/lib/relayerr"
	"github.com/sealbox/sealbox/lib/token"
)

// maxRequestBodySize bounds inbound JSON bodies. The largest legal
// request is a send with a 16 KiB payload, which base64 inflates by
// 4/3, plus 4 KiB metadata; 64 KiB leaves comfortable headroom.
const maxRequestBodySize = 64 * 1024

// relayService holds the relay's HTTP surface. A nil stores means the
// database could not be opened at startup; every data endpoint then
// answers 503 while /health stays up.
type relayService struct {
	logger  *slog.Logger
	baseURL string
	stores  *stores
}

var errStoreUnavailable = relayerr.New(relayerr.StoreUnavailable, "message store unavailable")

// routes builds the relay's request mux.
func (s *relayService) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /challenge_request", s.handleChallengeRequest)
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("POST /ack", s.handleAck)
	mux.HandleFunc("POST /check_contact", s.handleCheckContact)
	mux.HandleFunc("POST /request_message_permission", s.handleRequestMessagePermission)
	mux.HandleFunc("POST /get_message_requests", s.handleGetMessageRequests)
	mux.HandleFunc("POST /respond_message_request", s.handleRespondMessageRequest)
	return mux
}

func (s *relayService) handleHealth(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type registerRequest struct {
	PublicKey   string `json:"public_key"`
	DisplayName string `json:"display_name"`
	KeyType     string `json:"key_type"`
}

type registerResponse struct {
	Message    string `json:"message"`
	ClientID   int64  `json:"client_id"`
	Link       string `json:"link"`
	LinkToken  string `json:"link_token"`
	FetchToken string `json:"fetch_token"`
	KeyType    string `json:"key_type"`
}

func (s *relayService) handleRegister(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body registerRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.PublicKey == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "public_key is required"))
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(body.PublicKey)
	if err != nil {
		s.writeError(writer, relayerr.New(relayerr.Validation, "invalid public key format"))
		return
	}

	// The fetch token is returned to the client exactly once; only
	// its hash is stored.
	fetchToken, err := token.GenerateFetchToken()
	if err != nil {
		s.writeError(writer, err)
		return
	}

	ident, err := stores.identities.Register(request.Context(), publicKey, body.KeyType, token.HashFetchToken(fetchToken), body.DisplayName)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	writeJSON(writer, http.StatusCreated, registerResponse{
		Message:    "Client registered successfully",
		ClientID:   ident.ID,
		Link:       fmt.Sprintf("%s/l/%s", strings.TrimSuffix(s.baseURL, "/"), ident.LinkToken),
		LinkToken:  ident.LinkToken,
		FetchToken: fetchToken,
		KeyType:    ident.KeyType,
	})
}

type sendRequest struct {
	LinkToken        string          `json:"link_token"`
	EncryptedMessage string          `json:"encrypted_message"`
	FromLinkToken    string          `json:"from_link_token"`
	Metadata         json.RawMessage `json:"metadata"`
}

func (s *relayService) handleSend(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body sendRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" || body.EncryptedMessage == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token and encrypted_message are required"))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(body.EncryptedMessage)
	if err != nil {
		s.writeError(writer, relayerr.New(relayerr.Validation, "invalid base64 for encrypted_message"))
		return
	}

	id, err := stores.deliveries.Send(request.Context(), body.LinkToken, body.FromLinkToken, payload, body.Metadata)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	writeJSON(writer, http.StatusCreated, map[string]any{
		"message": "Message sent successfully",
		"id":      id,
	})
}

type challengeRequest struct {
	LinkToken string `json:"link_token"`
}

func (s *relayService) handleChallengeRequest(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body challengeRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token is required"))
		return
	}
	if _, err := stores.identities.Lookup(request.Context(), body.LinkToken); err != nil {
		s.writeError(writer, err)
		return
	}

	nonce, err := stores.challenges.Issue(request.Context(), body.LinkToken, clientIP(request), request.UserAgent())
	if err != nil {
		s.writeError(writer, err)
		return
	}

	writeJSON(writer, http.StatusOK, map[string]any{"challenge": nonce})
}

// authFields are the in-body credential fields shared by the
// authenticated endpoints.
type authFields struct {
	Challenge          string `json:"challenge"`
	ChallengeSignature string `json:"challenge_signature"`
}

// credentials assembles auth.Credentials from the request body fields
// and the Authorization header. A malformed signature encoding counts
// as a failed signature, not a validation error, so the response never
// hints at which part of the credential was wrong.
func (s *relayService) credentials(writer http.ResponseWriter, request *http.Request, fields authFields) (auth.Credentials, bool) {
	creds := auth.Credentials{ChallengeNonce: fields.Challenge}
	if fields.ChallengeSignature != "" {
		signature, err := base64.StdEncoding.DecodeString(fields.ChallengeSignature)
		if err != nil {
			s.writeError(writer, auth.ErrBadSignature)
			return auth.Credentials{}, false
		}
		creds.ChallengeSignature = signature
	}
	if header := request.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		creds.BearerToken = strings.TrimPrefix(header, "Bearer ")
	}
	return creds, true
}

type fetchRequest struct {
	LinkToken string `json:"link_token"`
	authFields
	IncludeSeen bool   `json:"include_seen"`
	Limit       int    `json:"limit"`
	BeforeID    int64  `json:"before_id"`
	SinceID     int64  `json:"since_id"`
	Order       string `json:"order"`
}

type fetchMessage struct {
	ID               int64           `json:"id"`
	EncryptedMessage string          `json:"encrypted_message"`
	CreatedAt        string          `json:"created_at"`
	Seen             bool            `json:"seen"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

type fetchResponse struct {
	Message    string         `json:"message"`
	Data       []fetchMessage `json:"data"`
	Count      int            `json:"count"`
	HasMore    bool           `json:"has_more"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func (s *relayService) handleFetch(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body fetchRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token is required"))
		return
	}
	creds, ok := s.credentials(writer, request, body.authFields)
	if !ok {
		return
	}
	if _, err := stores.authGate.Authenticate(request.Context(), body.LinkToken, creds); err != nil {
		s.writeError(writer, err)
		return
	}

	page, err := stores.mailboxes.Fetch(request.Context(), body.LinkToken, mailbox.FetchOptions{
		IncludeSeen: body.IncludeSeen,
		Limit:       body.Limit,
		BeforeID:    body.BeforeID,
		SinceID:     body.SinceID,
		Order:       body.Order,
	})
	if err != nil {
		s.writeError(writer, err)
		return
	}

	response := fetchResponse{
		Message:    "Messages retrieved successfully",
		Data:       make([]fetchMessage, 0, len(page.Messages)),
		Count:      len(page.Messages),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for _, msg := range page.Messages {
		response.Data = append(response.Data, fetchMessage{
			ID:               msg.ID,
			EncryptedMessage: base64.StdEncoding.EncodeToString(msg.Payload),
			CreatedAt:        msg.CreatedAt.Format(time.RFC3339),
			Seen:             msg.Seen,
			Metadata:         msg.Metadata,
		})
	}
	writeJSON(writer, http.StatusOK, response)
}

type ackRequest struct {
	LinkToken string `json:"link_token"`
	authFields
	MessageIDs []int64 `json:"message_ids"`
}

func (s *relayService) handleAck(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body ackRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" || body.MessageIDs == nil {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token and message_ids are required"))
		return
	}
	creds, ok := s.credentials(writer, request, body.authFields)
	if !ok {
		return
	}
	if _, err := stores.authGate.Authenticate(request.Context(), body.LinkToken, creds); err != nil {
		s.writeError(writer, err)
		return
	}

	if err := stores.mailboxes.MarkSeen(request.Context(), body.LinkToken, body.MessageIDs); err != nil {
		s.writeError(writer, err)
		return
	}

	writeJSON(writer, http.StatusOK, map[string]any{
		"message": "Messages marked as seen",
		"count":   len(body.MessageIDs),
	})
}

type checkContactRequest struct {
	LinkToken string `json:"link_token"`
}

func (s *relayService) handleCheckContact(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body checkContactRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token is required"))
		return
	}

	ident, err := stores.identities.Lookup(request.Context(), body.LinkToken)
	if err != nil {
		if relayerr.KindOf(err) == relayerr.NotFound {
			writeJSON(writer, http.StatusOK, map[string]any{"exists": false})
			return
		}
		s.writeError(writer, err)
		return
	}

	writeJSON(writer, http.StatusOK, map[string]any{
		"exists":     true,
		"link_token": ident.LinkToken,
		"nickname":   ident.DisplayName,
		"created_at": ident.CreatedAt.Format(time.RFC3339),
	})
}

type permissionRequestBody struct {
	FromLinkToken string `json:"from_link_token"`
	ToLinkToken   string `json:"to_link_token"`
	FromNickname  string `json:"from_nickname"`
}

func (s *relayService) handleRequestMessagePermission(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body permissionRequestBody
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.FromLinkToken == "" || body.ToLinkToken == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "from_link_token and to_link_token are required"))
		return
	}
	// Both parties must exist before a request row is created.
	if _, err := stores.identities.Lookup(request.Context(), body.FromLinkToken); err != nil {
		s.writeError(writer, err)
		return
	}
	if _, err := stores.identities.Lookup(request.Context(), body.ToLinkToken); err != nil {
		s.writeError(writer, err)
		return
	}

	req, err := stores.permissions.Request(request.Context(), body.FromLinkToken, body.ToLinkToken, body.FromNickname)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	if req.Status == permission.StatusAccepted {
		writeJSON(writer, http.StatusOK, map[string]any{
			"message": "Permission already granted",
			"status":  permission.StatusAccepted,
		})
		return
	}
	writeJSON(writer, http.StatusCreated, map[string]any{
		"message":    "Message request sent successfully",
		"request_id": req.ID,
		"status":     req.Status,
	})
}

type messageRequestsRequest struct {
	LinkToken string `json:"link_token"`
	authFields
}

type messageRequestEntry struct {
	ID            int64  `json:"id"`
	FromLinkToken string `json:"from_link_token"`
	FromNickname  string `json:"from_nickname"`
	CreatedAt     string `json:"created_at"`
}

func (s *relayService) handleGetMessageRequests(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body messageRequestsRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token is required"))
		return
	}
	creds, ok := s.credentials(writer, request, body.authFields)
	if !ok {
		return
	}
	if _, err := stores.authGate.Authenticate(request.Context(), body.LinkToken, creds); err != nil {
		s.writeError(writer, err)
		return
	}

	pending, err := stores.permissions.Pending(request.Context(), body.LinkToken)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	entries := make([]messageRequestEntry, 0, len(pending))
	for _, req := range pending {
		entries = append(entries, messageRequestEntry{
			ID:            req.ID,
			FromLinkToken: req.FromLinkToken,
			FromNickname:  req.FromNickname,
			CreatedAt:     req.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"message": "Requests retrieved successfully",
		"data":    entries,
	})
}

type respondRequest struct {
	LinkToken string `json:"link_token"`
	authFields
	RequestID int64  `json:"request_id"`
	Action    string `json:"action"`
}

func (s *relayService) handleRespondMessageRequest(writer http.ResponseWriter, request *http.Request) {
	stores, ok := s.requireStores(writer)
	if !ok {
		return
	}
	var body respondRequest
	if !s.decodeJSON(writer, request, &body) {
		return
	}
	if body.LinkToken == "" || body.RequestID == 0 || body.Action == "" {
		s.writeError(writer, relayerr.New(relayerr.Validation, "link_token, request_id, and action are required"))
		return
	}
	creds, ok := s.credentials(writer, request, body.authFields)
	if !ok {
		return
	}
	if _, err := stores.authGate.Authenticate(request.Context(), body.LinkToken, creds); err != nil {
		s.writeError(writer, err)
		return
	}

	req, err := stores.permissions.Respond(request.Context(), body.RequestID, body.LinkToken, body.Action)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	writeJSON(writer, http.StatusOK, map[string]any{
		"message":    fmt.Sprintf("Request %s successfully", req.Status),
		"request_id": req.ID,
		"status":     req.Status,
	})
}

// requireStores fails the request with 503 when the relay is running
// without a database.
func (s *relayService) requireStores(writer http.ResponseWriter) (*stores, bool) {
	if s.stores == nil {
		s.writeError(writer, errStoreUnavailable)
		return nil, false
	}
	return s.stores, true
}

// decodeJSON reads and decodes the request body. On failure it writes
// a validation error and returns false.
func (s *relayService) decodeJSON(writer http.ResponseWriter, request *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(request.Body, maxRequestBodySize))
	if err != nil {
		s.writeError(writer, relayerr.Wrap(relayerr.Internal, "reading request body", err))
		return false
	}
	if len(body) == 0 {
		s.writeError(writer, relayerr.New(relayerr.Validation, "request body is required"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(writer, relayerr.New(relayerr.Validation, "invalid JSON in request body"))
		return false
	}
	return true
}

// writeError maps an error to its stable HTTP status and machine code.
// Internal errors are logged with the cause but reported generically;
// the payload never carries wrapped error text that could leak token
// material.
func (s *relayService) writeError(writer http.ResponseWriter, err error) {
	kind := relayerr.KindOf(err)

	message := "internal server error"
	envelope := map[string]any{"code": kind.Code()}
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) && kind != relayerr.Internal {
		message = relayErr.Message
		if relayErr.Hint != "" {
			envelope["action_required"] = relayErr.Hint
		}
	}
	envelope["error"] = message

	if kind == relayerr.Internal || kind == relayerr.StoreUnavailable {
		s.logger.Error("request failed", "code", kind.Code(), "error", err)
	}

	writeJSON(writer, kind.HTTPStatus(), envelope)
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		return
	}
}

// clientIP prefers the X-Forwarded-For header set by a fronting proxy,
// falling back to the connection's remote address.
func clientIP(request *http.Request) string {
	if forwarded := request.Header.Get("X-Forwarded-For"); forwarded != "" {
		// First hop is the original client.
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	return request.RemoteAddr
}
