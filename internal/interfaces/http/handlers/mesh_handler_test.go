package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/interfaces/signal"
)

// === Fakes ===

type fakeRPC struct {
	mu      sync.Mutex
	calls   []string
	params  []map[string]any
	replies map[string]string
	err     error
}

func (f *fakeRPC) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	m := map[string]any{}
	if params != nil {
		data, _ := json.Marshal(params)
		json.Unmarshal(data, &m)
	}
	f.params = append(f.params, m)
	if f.err != nil {
		return nil, f.err
	}
	if raw, ok := f.replies[method]; ok {
		return json.RawMessage(raw), nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeRPC) lastParams(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.params) == 0 {
		t.Fatal("no RPC call recorded")
	}
	return f.params[len(f.params)-1]
}

// === Harness ===

func testMeshHandler(t *testing.T) (*MeshHandler, *fakeRPC, *policy.State) {
	t.Helper()
	return testMeshHandlerLimits(t, 60, 120)
}

func testMeshHandlerLimits(t *testing.T, perHour, escalatedPerHour int) (*MeshHandler, *fakeRPC, *policy.State) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	state := policy.NewState([]byte("secret"), "", logger)
	rpc := &fakeRPC{replies: map[string]string{
		"send": `{"timestamp": 1712345}`,
	}}

	h := NewMeshHandler(
		state, rpc,
		signal.NewDeliveryTracker(time.Hour, 100),
		service.NewOutboundLimiter(perHour, logger),
		service.NewOutboundLimiter(escalatedPerHour, logger),
		service.NewCooldown(0, 0),
		5*time.Second,
		logger,
	)
	return h, rpc, state
}

func meshRouter(h *MeshHandler) *gin.Engine {
	router := gin.New()
	router.GET("/config/status", h.ConfigStatus)
	router.POST("/config/sync", h.ConfigSync)
	router.POST("/groups/members", h.GroupMembers)
	router.POST("/api/v1/message/outbound", h.Outbound)
	router.GET("/api/v1/delivery/status", h.DeliveryStatus)
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func respErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body.Error.Code
}

func directOutbound(text string) entity.OutboundRequest {
	return entity.OutboundRequest{
		Transport: "signal",
		Recipient: entity.Sender{ID: "owner", TransportID: "+15550001111"},
		Priority:  "normal",
		Delivery:  entity.Delivery{Target: "direct"},
		Content:   entity.Content{Type: entity.ContentTypeText, Text: text},
	}
}

// === Outbound ===

func TestOutboundDirectSend(t *testing.T) {
	h, rpc, _ := testMeshHandler(t)
	router := meshRouter(h)

	w := postJSON(t, router, "/api/v1/message/outbound", directOutbound("hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string                `json:"status"`
		Data   entity.OutboundResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q, want ok", resp.Status)
	}
	if resp.Data.MessageID != "1712345" || resp.Data.Transport != "signal" {
		t.Fatalf("unexpected result: %+v", resp.Data)
	}

	params := rpc.lastParams(t)
	if params["message"] != "hello" {
		t.Fatalf("message param wrong: %v", params)
	}
	recipients, ok := params["recipients"].([]any)
	if !ok || len(recipients) != 1 || recipients[0] != "+15550001111" {
		t.Fatalf("recipients param wrong: %v", params)
	}
}

func TestOutboundGroupSendUsesGroupID(t *testing.T) {
	h, rpc, _ := testMeshHandler(t)
	router := meshRouter(h)

	req := directOutbound("hi all")
	req.Delivery = entity.Delivery{Target: "group", GroupID: "grp-1"}

	w := postJSON(t, router, "/api/v1/message/outbound", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	params := rpc.lastParams(t)
	if params["groupId"] != "grp-1" {
		t.Fatalf("groupId param missing: %v", params)
	}
	if _, ok := params["recipients"]; ok {
		t.Fatalf("group send must not carry recipients: %v", params)
	}
}

func TestOutboundReplyToBecomesQuote(t *testing.T) {
	h, rpc, _ := testMeshHandler(t)
	router := meshRouter(h)

	req := directOutbound("quoting you")
	req.ReplyTo = "1700000123"

	w := postJSON(t, router, "/api/v1/message/outbound", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	params := rpc.lastParams(t)
	if params["quoteTimestamp"] != float64(1700000123) {
		t.Fatalf("quoteTimestamp wrong: %v", params)
	}
	if params["quoteAuthor"] != "+15550001111" {
		t.Fatalf("quoteAuthor wrong: %v", params)
	}
}

func TestOutboundKillSwitchRejects(t *testing.T) {
	h, _, state := testMeshHandler(t)
	router := meshRouter(h)

	push := map[string]any{
		"version":  1,
		"security": map[string]any{"kill_switch": true},
	}
	if _, err := state.ApplyPush(push); err != nil {
		t.Fatalf("apply push: %v", err)
	}

	w := postJSON(t, router, "/api/v1/message/outbound", directOutbound("blocked"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if code := respErrorCode(t, w); code != "kill_switch_active" {
		t.Fatalf("code = %q", code)
	}
}

func TestOutboundRejectsOversizedText(t *testing.T) {
	h, _, _ := testMeshHandler(t)
	router := meshRouter(h)

	long := make([]rune, maxOutboundTextLength+1)
	for i := range long {
		long[i] = 'a'
	}

	w := postJSON(t, router, "/api/v1/message/outbound", directOutbound(string(long)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if code := respErrorCode(t, w); code != "text_too_long" {
		t.Fatalf("code = %q", code)
	}
}

func TestOutboundRejectsUnknownTransport(t *testing.T) {
	h, _, _ := testMeshHandler(t)
	router := meshRouter(h)

	req := directOutbound("hello")
	req.Transport = "carrier-pigeon"

	w := postJSON(t, router, "/api/v1/message/outbound", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOutboundEscalatedUsesOwnBucket(t *testing.T) {
	h, _, _ := testMeshHandlerLimits(t, 1, 5)
	router := meshRouter(h)

	if w := postJSON(t, router, "/api/v1/message/outbound", directOutbound("one")); w.Code != http.StatusOK {
		t.Fatalf("first normal send: %d", w.Code)
	}
	if w := postJSON(t, router, "/api/v1/message/outbound", directOutbound("two")); w.Code == http.StatusOK {
		t.Fatal("normal bucket should be exhausted")
	}

	// The escalated bucket is separate, so the escalation still goes out.
	req := directOutbound("escalated")
	req.Escalated = true
	if w := postJSON(t, router, "/api/v1/message/outbound", req); w.Code != http.StatusOK {
		t.Fatalf("escalated send blocked by the normal bucket: %d", w.Code)
	}
}

func TestOutboundEscalatedBucketExhausts(t *testing.T) {
	h, _, _ := testMeshHandlerLimits(t, 5, 1)
	router := meshRouter(h)

	req := directOutbound("escalated")
	req.Escalated = true
	if w := postJSON(t, router, "/api/v1/message/outbound", req); w.Code != http.StatusOK {
		t.Fatalf("first escalated send: %d", w.Code)
	}
	w := postJSON(t, router, "/api/v1/message/outbound", req)
	if w.Code == http.StatusOK {
		t.Fatal("escalated sends must still be capped")
	}
	if code := respErrorCode(t, w); code != "rate_limited_hour" {
		t.Fatalf("code = %q", code)
	}
}

func TestOutboundCriticalBypassesBuckets(t *testing.T) {
	h, _, _ := testMeshHandlerLimits(t, 1, 1)
	router := meshRouter(h)

	if w := postJSON(t, router, "/api/v1/message/outbound", directOutbound("one")); w.Code != http.StatusOK {
		t.Fatalf("first send: %d", w.Code)
	}

	req := directOutbound("critical")
	req.Priority = "critical"
	if w := postJSON(t, router, "/api/v1/message/outbound", req); w.Code != http.StatusOK {
		t.Fatalf("critical send must bypass exhausted buckets: %d", w.Code)
	}
}

// === Delivery status ===

func TestDeliveryStatusAfterSend(t *testing.T) {
	h, _, _ := testMeshHandler(t)
	router := meshRouter(h)

	w := postJSON(t, router, "/api/v1/message/outbound", directOutbound("track me"))
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/delivery/status?timestamp=1712345", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestDeliveryStatusUnknownTimestamp(t *testing.T) {
	h, _, _ := testMeshHandler(t)
	router := meshRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/delivery/status?timestamp=42", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// === Config ===

func TestConfigSyncAppliesAndReportsHash(t *testing.T) {
	h, _, _ := testMeshHandler(t)
	router := meshRouter(h)

	push := map[string]any{
		"version": 2,
		"identity": map[string]any{
			"bot_name":        "Joi",
			"allowed_senders": []string{"+15550001111"},
		},
		"timestamp_ms": 1712345678,
	}
	w := postJSON(t, router, "/config/sync", push)
	if w.Code != http.StatusOK {
		t.Fatalf("sync status = %d, body = %s", w.Code, w.Body.String())
	}
	var applied struct {
		Status string `json:"status"`
		Data   struct {
			ConfigHash string `json:"config_hash"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &applied); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	if applied.Status != "ok" || applied.Data.ConfigHash == "" {
		t.Fatalf("expected ok envelope with a config hash, got %s", w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/config/status", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var status struct {
		Data struct {
			ConfigHash string `json:"config_hash"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Data.ConfigHash != applied.Data.ConfigHash {
		t.Fatalf("status does not reflect the push: %s", w.Body.String())
	}
}

func TestConfigStatusFreshMeshOmitsHash(t *testing.T) {
	h, _, _ := testMeshHandler(t)
	router := meshRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/config/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, present := envelope.Data["config_hash"]; present {
		t.Fatalf("fresh state must not report a config hash: %s", w.Body.String())
	}
}

// === Group members ===

func TestGroupMembersFiltersByGroupID(t *testing.T) {
	h, rpc, _ := testMeshHandler(t)
	rpc.replies["listGroups"] = `[
		{"id": "grp-1", "name": "Family", "members": [
			{"number": "+15550001111", "uuid": "aaaa"},
			{"number": "+15550002222", "uuid": "bbbb"}
		]},
		{"id": "grp-2", "name": "Work", "members": [
			{"number": "+15550003333", "uuid": "cccc"}
		]}
	]`
	router := meshRouter(h)

	w := postJSON(t, router, "/groups/members", map[string]string{"group_id": "grp-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var envelope struct {
		Data entity.GroupMembers `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	members := envelope.Data
	if len(members) != 1 || len(members["grp-1"]) != 2 {
		t.Fatalf("unexpected members: %+v", members)
	}
	if members["grp-1"][0].Number != "+15550001111" || members["grp-1"][0].UUID != "aaaa" {
		t.Fatalf("member fields wrong: %+v", members["grp-1"][0])
	}
}
