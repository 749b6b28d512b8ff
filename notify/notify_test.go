package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	timestamp := "1700000000"
	body := []byte(`{"task_id":"t1","type":"task_complete"}`)
	apiKey := "secret"

	h := sha1.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	h.Write([]byte(apiKey))
	want := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, Sign(timestamp, body, apiKey))
	assert.True(t, Verify(timestamp, body, apiKey, want))
	assert.False(t, Verify(timestamp, body, "other-key", want))
	assert.False(t, Verify("1700000001", body, apiKey, want))
}

func TestSendSignsRequest(t *testing.T) {
	apiKey := "secret"
	var gotBody []byte
	var gotTimestamp, gotSignature string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotTimestamp = r.Header.Get(HeaderTimestamp)
		gotSignature = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := map[string]any{"task_id": "t1", "type": "task_complete"}
	require.NoError(t, New().Send(context.Background(), srv.URL, apiKey, payload))

	// The timestamp header is integer UTC seconds.
	secs, err := strconv.ParseInt(gotTimestamp, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, secs, int64(1600000000))
	assert.True(t, Verify(gotTimestamp, gotBody, apiKey, gotSignature))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "t1", decoded["task_id"])
}

func TestSendReportsReceiverErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New().Send(context.Background(), srv.URL, "k", map[string]any{})
	assert.Error(t, err)
}
