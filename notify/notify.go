// Package notify delivers signed webhook notifications.
//
// When an account configures a webhook URL, workers POST an event there as
// each task finishes. Receivers verify authenticity by recomputing the
// signature from the timestamp header, the raw body and their API key.
package notify

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"goa.design/clue/log"
)

// Signature headers.
const (
	HeaderTimestamp = "X-H51-Timestamp"
	HeaderSignature = "X-H51-Signature"
)

// Sign computes the webhook signature: the hex SHA-1 of the timestamp, the
// raw body and the account's API key concatenated in that order.
func Sign(timestamp string, body []byte, apiKey string) string {
	h := sha1.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	h.Write([]byte(apiKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a received signature against the expected one.
func Verify(timestamp string, body []byte, apiKey, signature string) bool {
	return Sign(timestamp, body, apiKey) == signature
}

// Notifier posts signed webhook payloads.
type Notifier struct {
	client *http.Client
}

// New returns a notifier with a bounded request timeout so a slow receiver
// cannot stall a worker.
func New() *Notifier {
	return &Notifier{client: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts the payload to the account's webhook URL, signed with its API
// key. Webhooks are best effort: a failed delivery is logged by the caller
// and never retried.
func (n *Notifier) Send(ctx context.Context, url, apiKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	// Integer UTC seconds, so receivers sign the same preimage.
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(timestamp, body, apiKey))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver webhook: receiver returned %d", resp.StatusCode)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "webhook delivered"}, log.KV{K: "url", V: url})
	return nil
}
