package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// webhookTolerance bounds how stale a webhook timestamp may be, to reject
// replayed payloads.
const webhookTolerance = 5 * time.Minute

const maxWebhookBody = 1 << 20

// VerifyWebhookSignature checks a svix-scheme signature: HMAC-SHA256 over
// "id.timestamp.body" with the base64 portion of a "whsec_" secret. The
// signature header may list several space-separated "v1,<base64>" entries;
// any match passes.
func VerifyWebhookSignature(secret, id, timestamp, signature string, body []byte, now time.Time) error {
	if id == "" || timestamp == "" || signature == "" {
		return fmt.Errorf("missing signature headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp: %w", err)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return fmt.Errorf("timestamp outside tolerance")
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return fmt.Errorf("malformed webhook secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, entry := range strings.Fields(signature) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return fmt.Errorf("no matching signature")
}

// accountEvent is the portion of the auth provider's webhook payload we
// care about.
type accountEvent struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// handleAccountWebhook handles POST /api/webhooks/account: account-lifecycle
// notifications from the auth provider. Verified events are logged; they do
// not touch chat data.
func (s *Server) handleAccountWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	err = VerifyWebhookSignature(
		s.webhookSecret,
		r.Header.Get("svix-id"),
		r.Header.Get("svix-timestamp"),
		r.Header.Get("svix-signature"),
		body,
		time.Now(),
	)
	if err != nil {
		s.logger.Warn("Rejected account webhook", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var event accountEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	s.logger.Info("Account webhook received", "type", event.Type, "accountID", event.Data.ID)
	w.WriteHeader(http.StatusNoContent)
}
