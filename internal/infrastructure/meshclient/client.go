package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
)

// SecretFunc supplies the current signing secret at call time, so clients
// follow key rotation without re-wiring.
type SecretFunc func() []byte

// signedClient sends HMAC-signed JSON requests to a peer service.
type signedClient struct {
	baseURL    string
	secret     SecretFunc
	httpClient *http.Client
	logger     *zap.Logger
}

func newSignedClient(baseURL string, secret SecretFunc, timeout time.Duration, logger *zap.Logger) *signedClient {
	return &signedClient{
		baseURL:    baseURL,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// do sends one signed request and decodes the JSON reply into out (when
// non-nil). Error replies in the standard envelope surface as AppErrors.
func (c *signedClient) do(ctx context.Context, method, path string, payload, out any) error {
	return c.doSigned(ctx, method, path, payload, out, c.secret())
}

// doSigned is do with an explicit signing key, for callers that must sign
// with a key other than the current one (rotation pushes).
func (c *signedClient) doSigned(ctx context.Context, method, path string, payload, out any, secret []byte) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hmacauth.Headers(body, secret) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeMeshUnreachable, "peer request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeMeshUnreachable, "read peer response")
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			return apperrors.New(apperrors.ErrorCode(envelope.Error.Code), envelope.Error.Message)
		}
		return apperrors.New(apperrors.CodeInternal,
			fmt.Sprintf("peer returned status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "decode peer response")
		}
	}
	return nil
}

// === Assistant → mesh ===

// MeshClient is the assistant's signed client for the mesh service.
type MeshClient struct {
	*signedClient
}

// NewMeshClient creates a client for the mesh base URL.
func NewMeshClient(baseURL string, secret SecretFunc, timeout time.Duration, logger *zap.Logger) *MeshClient {
	return &MeshClient{newSignedClient(baseURL, secret, timeout, logger)}
}

// Send delivers an outbound message through the mesh.
func (c *MeshClient) Send(ctx context.Context, req *entity.OutboundRequest) (*entity.OutboundResult, error) {
	var envelope struct {
		Data entity.OutboundResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/message/outbound", req, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// PushConfig pushes the signed policy payload to the mesh, signed with the
// current key.
func (c *MeshClient) PushConfig(ctx context.Context, payload map[string]any) error {
	return c.do(ctx, http.MethodPost, "/config/sync", payload, nil)
}

// PushConfigSigned pushes a payload signed with an explicit key. Rotation
// pushes use this: the payload announces the new key but must be signed with
// the key the mesh still trusts.
func (c *MeshClient) PushConfigSigned(ctx context.Context, payload map[string]any, secret []byte) error {
	return c.doSigned(ctx, http.MethodPost, "/config/sync", payload, nil, secret)
}

// ConfigStatus reports the hash of the config the mesh is running. HasConfig
// is derived from the hash: a fresh mesh omits it.
type ConfigStatus struct {
	HasConfig  bool
	ConfigHash string
	AppliedAt  int64
}

// Status fetches the mesh's applied-config state for drift detection.
// Unauthenticated by design so it works across key mismatches.
func (c *MeshClient) Status(ctx context.Context) (*ConfigStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/config/status", nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeMeshUnreachable, "mesh status failed")
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			ConfigHash string `json:"config_hash"`
			AppliedAt  int64  `json:"applied_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "decode mesh status")
	}
	return &ConfigStatus{
		HasConfig:  envelope.Data.ConfigHash != "",
		ConfigHash: envelope.Data.ConfigHash,
		AppliedAt:  envelope.Data.AppliedAt,
	}, nil
}

// Members fetches a group's member list from the mesh.
func (c *MeshClient) Members(ctx context.Context, groupID string) (*entity.GroupMembers, error) {
	var envelope struct {
		Data entity.GroupMembers `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/groups/members",
		map[string]string{"group_id": groupID}, &envelope)
	if err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// === Mesh → assistant ===

// AssistantClient is the mesh's signed client for the assistant service.
type AssistantClient struct {
	*signedClient
}

// NewAssistantClient creates a client for the assistant base URL.
func NewAssistantClient(baseURL string, secret SecretFunc, timeout time.Duration, logger *zap.Logger) *AssistantClient {
	return &AssistantClient{newSignedClient(baseURL, secret, timeout, logger)}
}

// ForwardInbound forwards a normalized inbound message to the assistant.
func (c *AssistantClient) ForwardInbound(ctx context.Context, msg *entity.InboundMessage) error {
	return c.do(ctx, http.MethodPost, "/api/v1/message/inbound", msg, nil)
}

// ForwardIngest forwards an attachment document for ingestion.
func (c *AssistantClient) ForwardIngest(ctx context.Context, req *entity.IngestRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/document/ingest", req, nil)
}

// Healthy probes the assistant's health endpoint.
func (c *AssistantClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
