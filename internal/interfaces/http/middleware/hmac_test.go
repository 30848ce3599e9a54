package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testRouter(secrets SecretsFunc, nonces hmacauth.NonceStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/signed", HMACAuth(secrets, nonces, hmacauth.DefaultToleranceMS, "test", zap.NewNop()), func(c *gin.Context) {
		body, _ := c.GetRawData()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "echo": string(body)})
	})
	return r
}

func signedRequest(t *testing.T, body []byte, secret []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/signed", bytes.NewReader(body))
	for k, v := range hmacauth.Headers(body, secret) {
		req.Header.Set(k, v)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad error envelope: %v (%s)", err, rec.Body.String())
	}
	if resp.Status != "error" {
		t.Fatalf("expected error status, got %q", resp.Status)
	}
	return resp.Error.Code
}

func TestHMACAuthValidRequest(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	body := []byte(`{"hello":"world"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, body, testSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Echo != string(body) {
		t.Fatalf("body not restored for handler: %s", rec.Body.String())
	}
}

func TestHMACAuthNotConfigured(t *testing.T) {
	router := testRouter(func() [][]byte { return nil }, hmacauth.NewMemoryNonceStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, []byte("{}"), testSecret))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "hmac_not_configured" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHMACAuthMissingHeaders(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	req := httptest.NewRequest(http.MethodPost, "/signed", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "hmac_missing_headers" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHMACAuthBadTimestamp(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	req := signedRequest(t, []byte("{}"), testSecret)
	req.Header.Set(hmacauth.HeaderTimestamp, "not-a-number")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if code := errorCode(t, rec); code != "hmac_invalid_timestamp" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHMACAuthTimestampSkew(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	cases := []struct {
		name string
		ts   int64
		code string
	}{
		{"past", time.Now().UnixMilli() - hmacauth.DefaultToleranceMS - 60_000, "timestamp_skew_past"},
		{"future", time.Now().UnixMilli() + hmacauth.DefaultToleranceMS + 60_000, "timestamp_skew_future"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte("{}")
			req := httptest.NewRequest(http.MethodPost, "/signed", bytes.NewReader(body))
			req.Header.Set(hmacauth.HeaderNonce, "nonce-"+tc.name)
			req.Header.Set(hmacauth.HeaderTimestamp, strconv.FormatInt(tc.ts, 10))
			req.Header.Set(hmacauth.HeaderSignature, hmacauth.Compute("nonce-"+tc.name, tc.ts, body, testSecret))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if code := errorCode(t, rec); code != tc.code {
				t.Fatalf("unexpected code %q", code)
			}
		})
	}
}

func TestHMACAuthReplay(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	body := []byte("{}")
	req := signedRequest(t, body, testSecret)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request must pass: %d", rec.Code)
	}

	// Same headers, same nonce.
	replay := httptest.NewRequest(http.MethodPost, "/signed", bytes.NewReader(body))
	replay.Header = req.Header.Clone()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, replay)

	if code := errorCode(t, rec); code != "replay_detected" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHMACAuthBadSignature(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	req := signedRequest(t, []byte("{}"), []byte("wrong-secret-wrong-secret-wrong!"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "hmac_invalid_signature" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHMACAuthTamperedBody(t *testing.T) {
	router := testRouter(func() [][]byte { return [][]byte{testSecret} }, hmacauth.NewMemoryNonceStore())

	req := signedRequest(t, []byte(`{"amount":1}`), testSecret)
	req.Body = httptest.NewRequest(http.MethodPost, "/signed", bytes.NewReader([]byte(`{"amount":9999}`))).Body
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if code := errorCode(t, rec); code != "hmac_invalid_signature" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestHMACAuthGraceKeyAccepted(t *testing.T) {
	oldSecret := []byte("old-secret-old-secret-old-secret")
	router := testRouter(func() [][]byte { return [][]byte{testSecret, oldSecret} }, hmacauth.NewMemoryNonceStore())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest(t, []byte("{}"), oldSecret))

	if rec.Code != http.StatusOK {
		t.Fatalf("grace-window key must still verify: %d %s", rec.Code, rec.Body.String())
	}
}
