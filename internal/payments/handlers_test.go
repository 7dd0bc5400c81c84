package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdfather/clawdfather/internal/store"
)

const testSecret = "whsec_test_secret"

func signPayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func setup(t *testing.T, secret string) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := store.NewMemoryStore()
	h := NewHandler(s, secret)
	r := gin.New()
	h.Register(r.Group("/api/v1"))
	return r, s
}

func deliver(t *testing.T, r *gin.Engine, payload []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func checkoutPayload(eventID, accountID string, creditSeconds string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"api_version": "2024-06-20",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"metadata": {"accountId": %q, "creditSeconds": %q}
			}
		}
	}`, eventID, accountID, creditSeconds))
}

func newAccount(t *testing.T, s *store.MemoryStore) *store.Account {
	t.Helper()
	res, err := s.ResolveOrCreateAccount(context.Background(), &store.Keypair{
		Fingerprint: "SHA256:" + t.Name(),
	}, "payer")
	require.NoError(t, err)
	return res.Account
}

func TestWebhook_GrantsCredits(t *testing.T) {
	r, s := setup(t, testSecret)
	acct := newAccount(t, s)

	payload := checkoutPayload("evt_a", acct.ID, "7200")
	w := deliver(t, r, payload, signPayload(t, payload, testSecret))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"processed":true`)

	got, err := s.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), got.BalanceSeconds)

	entries, err := s.LedgerHistory(context.Background(), acct.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stripe_payment", entries[0].Reason)
	assert.Equal(t, "evt_a", entries[0].Reference)
}

func TestWebhook_DuplicateDeliveryCreditsOnce(t *testing.T) {
	r, s := setup(t, testSecret)
	acct := newAccount(t, s)

	payload := checkoutPayload("evt_a", acct.ID, "7200")
	w := deliver(t, r, payload, signPayload(t, payload, testSecret))
	require.Equal(t, http.StatusOK, w.Code)

	// Stripe retries with a fresh signature over the same payload.
	w = deliver(t, r, payload, signPayload(t, payload, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":false`)

	got, _ := s.GetAccount(context.Background(), acct.ID)
	assert.Equal(t, int64(7200), got.BalanceSeconds)
}

func TestWebhook_BadSignature(t *testing.T) {
	r, s := setup(t, testSecret)
	acct := newAccount(t, s)

	payload := checkoutPayload("evt_a", acct.ID, "7200")
	w := deliver(t, r, payload, signPayload(t, payload, "whsec_wrong"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	got, _ := s.GetAccount(context.Background(), acct.ID)
	assert.Zero(t, got.BalanceSeconds)
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	r, _ := setup(t, "")

	payload := checkoutPayload("evt_a", "acct_x", "7200")
	w := deliver(t, r, payload, signPayload(t, payload, testSecret))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhook_UnhandledTypeStillRecorded(t *testing.T) {
	r, s := setup(t, testSecret)

	payload := []byte(`{"id": "evt_other", "object": "event", "type": "invoice.paid", "data": {"object": {}}}`)
	w := deliver(t, r, payload, signPayload(t, payload, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":true`)

	seen, err := s.HasProcessedStripeEvent(context.Background(), "evt_other")
	require.NoError(t, err)
	assert.True(t, seen)

	// Replay short-circuits.
	w = deliver(t, r, payload, signPayload(t, payload, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":false`)
}

func TestWebhook_MissingMetadata(t *testing.T) {
	r, s := setup(t, testSecret)
	acct := newAccount(t, s)

	payload := checkoutPayload("evt_a", acct.ID, "not-a-number")
	w := deliver(t, r, payload, signPayload(t, payload, testSecret))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	got, _ := s.GetAccount(context.Background(), acct.ID)
	assert.Zero(t, got.BalanceSeconds)
}
