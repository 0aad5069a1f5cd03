package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"deepchat.exe.dev/db"
	"deepchat.exe.dev/llm"
)

const testWebhookSecret = "whsec_dGVzdC1zZWNyZXQ="

func signWebhook(t *testing.T, secret, id, timestamp string, body []byte) string {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(secret[len("whsec_"):])
	if err != nil {
		t.Fatalf("Bad test secret: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newWebhookServer(t *testing.T) *Server {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(database, llm.Predictable{}, logger, Options{
		UserHeader:    testUserHeader,
		WebhookSecret: testWebhookSecret,
	})
}

func postWebhook(srv *Server, id, timestamp, signature string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/webhooks/account", bytes.NewReader(body))
	if id != "" {
		req.Header.Set("svix-id", id)
	}
	if timestamp != "" {
		req.Header.Set("svix-timestamp", timestamp)
	}
	if signature != "" {
		req.Header.Set("svix-signature", signature)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookValidSignature(t *testing.T) {
	srv := newWebhookServer(t)

	body := []byte(`{"type":"user.created","data":{"id":"acct_123"}}`)
	id := "msg_1"
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signWebhook(t, testWebhookSecret, id, timestamp, body)

	rec := postWebhook(srv, id, timestamp, sig, body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookMultipleSignatures(t *testing.T) {
	srv := newWebhookServer(t)

	body := []byte(`{"type":"user.deleted","data":{"id":"acct_123"}}`)
	id := "msg_2"
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	valid := signWebhook(t, testWebhookSecret, id, timestamp, body)

	rec := postWebhook(srv, id, timestamp, "v1,Z2FyYmFnZQ== "+valid, body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 with one valid entry, got %d", rec.Code)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	srv := newWebhookServer(t)

	body := []byte(`{"type":"user.created","data":{"id":"acct_123"}}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	rec := postWebhook(srv, "msg_3", timestamp, "v1,Z2FyYmFnZQ==", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestWebhookTamperedBody(t *testing.T) {
	srv := newWebhookServer(t)

	body := []byte(`{"type":"user.created","data":{"id":"acct_123"}}`)
	id := "msg_4"
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signWebhook(t, testWebhookSecret, id, timestamp, body)

	rec := postWebhook(srv, id, timestamp, sig, []byte(`{"type":"user.created","data":{"id":"acct_999"}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestWebhookStaleTimestamp(t *testing.T) {
	srv := newWebhookServer(t)

	body := []byte(`{"type":"user.created","data":{"id":"acct_123"}}`)
	id := "msg_5"
	timestamp := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	sig := signWebhook(t, testWebhookSecret, id, timestamp, body)

	rec := postWebhook(srv, id, timestamp, sig, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for stale timestamp, got %d", rec.Code)
	}
}

func TestWebhookMissingHeaders(t *testing.T) {
	srv := newWebhookServer(t)

	body := []byte(`{}`)
	rec := postWebhook(srv, "", "", "", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing headers, got %d", rec.Code)
	}
}

func TestWebhookRouteAbsentWithoutSecret(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(database, llm.Predictable{}, logger, Options{UserHeader: testUserHeader})

	rec := postWebhook(srv, "msg_6", "0", "v1,x", []byte(`{}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 when webhook disabled, got %d", rec.Code)
	}
}

func TestVerifyWebhookSignatureFutureTolerance(t *testing.T) {
	body := []byte("payload")
	now := time.Now()
	timestamp := strconv.FormatInt(now.Add(2*time.Minute).Unix(), 10)
	sig := signWebhook(t, testWebhookSecret, "msg_7", timestamp, body)

	if err := VerifyWebhookSignature(testWebhookSecret, "msg_7", timestamp, sig, body, now); err != nil {
		t.Errorf("Slight clock skew should pass: %v", err)
	}

	timestamp = strconv.FormatInt(now.Add(time.Hour).Unix(), 10)
	sig = signWebhook(t, testWebhookSecret, "msg_7", timestamp, body)
	if err := VerifyWebhookSignature(testWebhookSecret, "msg_7", timestamp, sig, body, now); err == nil {
		t.Error("Far-future timestamp should be rejected")
	}
}
