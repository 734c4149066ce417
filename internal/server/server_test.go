package server_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/auth"
	"github.com/ashita-ai/ironpanel/internal/budgetrequest"
	"github.com/ashita-ai/ironpanel/internal/ictoken"
	"github.com/ashita-ai/ironpanel/internal/iptoken"
	"github.com/ashita-ai/ironpanel/internal/keys"
	"github.com/ashita-ai/ironpanel/internal/lease"
	"github.com/ashita-ai/ironpanel/internal/ledger"
	"github.com/ashita-ai/ironpanel/internal/model"
	"github.com/ashita-ai/ironpanel/internal/pricing"
	"github.com/ashita-ai/ironpanel/internal/ratelimit"
	"github.com/ashita-ai/ironpanel/internal/secretbox"
	"github.com/ashita-ai/ironpanel/internal/server"
	"github.com/ashita-ai/ironpanel/internal/storage/sqlite"
)

const (
	m          = 1_000_000
	adminToken = "adm_test_token"
	actor      = "admin-1"
)

type env struct {
	handler http.Handler
	codec   *iptoken.Codec
}

func newEnv(t *testing.T, tokenLimiter ratelimit.Limiter) *env {
	t.Helper()
	return newLimitedEnv(t, tokenLimiter, nil)
}

func newLimitedEnv(t *testing.T, tokenLimiter, leaseLimiter ratelimit.Limiter) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	keySecret, err := secretbox.GenerateSecret()
	require.NoError(t, err)
	keyBox, err := secretbox.New(keySecret, secretbox.PurposeProviderKey)
	require.NoError(t, err)
	tokSecret, err := secretbox.GenerateSecret()
	require.NoError(t, err)
	tokBox, err := secretbox.New(tokSecret, secretbox.PurposeIPToken)
	require.NoError(t, err)
	codec, err := iptoken.NewCodec(tokBox)
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tokens := ictoken.NewManagerFromKey(priv)
	table, err := pricing.Default()
	require.NoError(t, err)
	keySvc, err := keys.New(s, keyBox, logger)
	require.NoError(t, err)
	admin, err := auth.NewAdminVerifier(adminToken)
	require.NoError(t, err)

	led := ledger.New(s, logger)
	mgr := lease.New(lease.Deps{
		Tokens:  tokens,
		Ledger:  led,
		Store:   s,
		Keys:    s,
		KeyBox:  keyBox,
		Codec:   codec,
		Costs:   table,
		Limiter: leaseLimiter,
	}, lease.Config{TTL: time.Hour, DefaultReservation: 10 * m}, logger)

	srv := server.New(server.ServerConfig{
		Store:         s,
		Ledger:        led,
		Leases:        mgr,
		Requests:      budgetrequest.New(s, led, logger),
		Keys:          keySvc,
		Tokens:        tokens,
		Admin:         admin,
		Logger:        logger,
		TokenLimiter:  tokenLimiter,
		Version:       "test",
		StorageDriver: "sqlite",
	})
	return &env{handler: srv.Handler(), codec: codec}
}

type envelope struct {
	Data    json.RawMessage   `json:"data"`
	Error   model.ErrorDetail `json:"error"`
	HasMore bool              `json:"has_more"`
}

type reply struct {
	code   int
	header http.Header
	body   envelope
}

func (e *env) call(t *testing.T, method, path, bearer, actorID string, body any) reply {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if actorID != "" {
		req.Header.Set(server.ActorHeader, actorID)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	out := reply{code: rec.Code, header: rec.Header()}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.body), rec.Body.String())
	}
	return out
}

func (e *env) admin(t *testing.T, method, path string, body any) reply {
	t.Helper()
	return e.call(t, method, path, adminToken, actor, body)
}

func decode[T any](t *testing.T, r reply) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.body.Data, &v))
	return v
}

// provision creates an agent with an assigned anthropic key and returns
// the agent and an unrestricted IC token for it.
func (e *env) provision(t *testing.T, budget int64) (model.Agent, string) {
	t.Helper()
	res := e.admin(t, http.MethodPost, "/v1/agents", model.CreateAgentRequest{
		OwnerID: "owner-1", Name: "summarizer", AllowedProviders: []string{"Anthropic"}, InitialBudget: budget,
	})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	agent := decode[server.AgentResponse](t, res).Agent
	assert.Equal(t, []string{"anthropic"}, agent.AllowedProviders)

	res = e.admin(t, http.MethodPost, "/v1/provider-keys", model.CreateProviderKeyRequest{
		Provider: "anthropic", Key: "sk-ant-live", Label: "primary",
	})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	assert.NotContains(t, string(res.body.Data), "sk-ant-live")
	key := decode[model.ProviderKey](t, res)

	res = e.admin(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/provider-keys",
		model.AssignProviderKeyRequest{ProviderKeyID: key.ID})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)

	res = e.admin(t, http.MethodPost, "/v1/agents/"+agent.ID.String()+"/tokens", model.IssueTokenRequest{})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	return agent, decode[model.IssueTokenResponse](t, res).Token
}

func TestLeaseLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	agent, ic := e.provision(t, 100*m)

	res := e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", model.HandshakeRequest{
		ICToken: ic, Provider: "anthropic",
	})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	hs := decode[model.HandshakeResponse](t, res)
	assert.Equal(t, int64(10*m), hs.ReservedAmount)

	payload, err := e.codec.Decrypt(hs.IPToken)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-live", payload.ProviderKey)
	assert.Equal(t, hs.LeaseID, payload.LeaseID)

	leasePath := "/v1/leases/" + hs.LeaseID.String()
	cost := int64(7 * m)
	res = e.call(t, http.MethodPost, leasePath+"/usage", ic, "", model.ReportUsageRequest{ActualCost: &cost})
	require.Equal(t, http.StatusOK, res.code, res.body.Error.Message)
	assert.Equal(t, model.LeaseSettled, decode[model.BudgetLease](t, res).State)

	res = e.call(t, http.MethodPost, leasePath+"/usage", ic, "", model.ReportUsageRequest{ActualCost: &cost})
	assert.Equal(t, http.StatusConflict, res.code)
	assert.Equal(t, model.ErrCodeLeaseSettled, res.body.Error.Code)

	res = e.admin(t, http.MethodGet, "/v1/agents/"+agent.ID.String()+"/budget", nil)
	require.Equal(t, http.StatusOK, res.code)
	b := decode[model.AgentBudget](t, res)
	assert.Equal(t, int64(7*m), b.TotalSpent)
	assert.Equal(t, int64(93*m), b.BudgetRemaining)
}

func TestPartialUsageAndRefreshOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	_, ic := e.provision(t, 30*m)

	res := e.call(t, http.MethodPost, "/v1/leases/handshake", ic, "", model.HandshakeRequest{Provider: "anthropic"})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	hs := decode[model.HandshakeResponse](t, res)
	leasePath := "/v1/leases/" + hs.LeaseID.String()

	res = e.call(t, http.MethodPost, leasePath+"/partial-usage", ic, "", model.ReportUsageRequest{
		Model: "claude-sonnet-4", InputTokens: 1_000_000,
	})
	require.Equal(t, http.StatusOK, res.code, res.body.Error.Message)
	assert.Equal(t, int64(3*m), decode[model.BudgetLease](t, res).SpentAmount)

	res = e.call(t, http.MethodPost, leasePath+"/refresh", "", "", model.RefreshRequest{ICToken: ic, AdditionalAmount: 28 * m})
	assert.Equal(t, http.StatusPaymentRequired, res.code)
	assert.Equal(t, model.ErrCodeInsufficientBudget, res.body.Error.Code)

	res = e.call(t, http.MethodPost, leasePath+"/refresh", "", "", model.RefreshRequest{ICToken: ic, AdditionalAmount: 20 * m})
	require.Equal(t, http.StatusOK, res.code, res.body.Error.Message)
	fresh := decode[model.HandshakeResponse](t, res)
	assert.NotEqual(t, hs.LeaseID, fresh.LeaseID)

	res = e.call(t, http.MethodGet, leasePath, ic, "", nil)
	require.Equal(t, http.StatusOK, res.code)
	old := decode[model.BudgetLease](t, res)
	assert.Equal(t, model.LeaseSettled, old.State)
	require.NotNil(t, old.ReportedCost)
	assert.Equal(t, int64(3*m), *old.ReportedCost)
}

func TestLeaseEndpointsRequireOwner(t *testing.T) {
	e := newEnv(t, nil)
	_, ic := e.provision(t, 100*m)
	_, otherIC := e.provision(t, 100*m)

	res := e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", model.HandshakeRequest{ICToken: ic, Provider: "anthropic"})
	require.Equal(t, http.StatusCreated, res.code)
	leasePath := "/v1/leases/" + decode[model.HandshakeResponse](t, res).LeaseID.String()

	cost := int64(1)
	res = e.call(t, http.MethodPost, leasePath+"/usage", otherIC, "", model.ReportUsageRequest{ActualCost: &cost})
	assert.Equal(t, http.StatusForbidden, res.code)

	res = e.call(t, http.MethodGet, leasePath, "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.code)

	res = e.call(t, http.MethodGet, leasePath, "garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.code)
	assert.Equal(t, "invalid or expired token", res.body.Error.Message)

	res = e.call(t, http.MethodGet, "/v1/leases/"+uuid.New().String(), ic, "", nil)
	assert.Equal(t, http.StatusNotFound, res.code)

	res = e.call(t, http.MethodGet, "/v1/leases/not-a-uuid", ic, "", nil)
	assert.Equal(t, http.StatusBadRequest, res.code)
}

func TestHandshakeErrorMapping(t *testing.T) {
	e := newEnv(t, nil)
	_, ic := e.provision(t, 5*m)

	res := e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", model.HandshakeRequest{ICToken: ic, Provider: "anthropic"})
	assert.Equal(t, http.StatusPaymentRequired, res.code)

	res = e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", model.HandshakeRequest{ICToken: ic, Provider: "openai"})
	assert.Equal(t, http.StatusForbidden, res.code)

	res = e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", model.HandshakeRequest{Provider: "anthropic"})
	assert.Equal(t, http.StatusUnauthorized, res.code)

	res = e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", map[string]string{"surprise": "field"})
	assert.Equal(t, http.StatusBadRequest, res.code)
}

func TestAdminAuthentication(t *testing.T) {
	e := newEnv(t, nil)

	res := e.call(t, http.MethodGet, "/v1/budget-requests", "", actor, nil)
	assert.Equal(t, http.StatusUnauthorized, res.code)

	res = e.call(t, http.MethodGet, "/v1/budget-requests", "wrong", actor, nil)
	assert.Equal(t, http.StatusUnauthorized, res.code)

	res = e.call(t, http.MethodGet, "/v1/budget-requests", adminToken, "", nil)
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = e.admin(t, http.MethodGet, "/v1/budget-requests", nil)
	assert.Equal(t, http.StatusOK, res.code)
	assert.NotEmpty(t, res.header.Get("X-Request-ID"))
}

func TestBudgetRequestWorkflowOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	agent, _ := e.provision(t, 100*m)
	agentPath := "/v1/agents/" + agent.ID.String()

	res := e.admin(t, http.MethodPost, "/v1/budget-requests", model.CreateBudgetRequestRequest{
		AgentID: agent.ID, RequestedBudget: 250 * m, Justification: "quarterly evaluation run needs headroom",
	})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	created := decode[model.BudgetChangeRequest](t, res)
	assert.Equal(t, actor, created.RequesterID)
	reqPath := "/v1/budget-requests/" + created.ID.String()

	res = e.admin(t, http.MethodGet, "/v1/budget-requests?status=pending&agent_id="+agent.ID.String(), nil)
	require.Equal(t, http.StatusOK, res.code)
	assert.Len(t, decode[[]model.BudgetChangeRequest](t, res), 1)

	res = e.admin(t, http.MethodPost, reqPath+"/approve", nil)
	require.Equal(t, http.StatusOK, res.code, res.body.Error.Message)
	approval := decode[server.ApprovalResponse](t, res)
	assert.Equal(t, model.RequestApproved, approval.Request.Status)
	assert.Equal(t, int64(150*m), approval.Modification.ChangeAmount)

	res = e.admin(t, http.MethodPost, reqPath+"/approve", nil)
	assert.Equal(t, http.StatusConflict, res.code)
	assert.Equal(t, model.ErrCodeAlreadyProcessed, res.body.Error.Code)

	res = e.admin(t, http.MethodGet, agentPath+"/budget", nil)
	assert.Equal(t, int64(250*m), decode[model.AgentBudget](t, res).TotalAllocated)

	res = e.admin(t, http.MethodGet, agentPath+"/budget-history", nil)
	require.Equal(t, http.StatusOK, res.code)
	history := decode[[]model.BudgetModification](t, res)
	require.Len(t, history, 1)
	assert.Equal(t, model.ModificationIncrease, history[0].Type)

	res = e.admin(t, http.MethodPost, "/v1/budget-requests", model.CreateBudgetRequestRequest{
		AgentID: agent.ID, RequestedBudget: 300 * m, Justification: "too short",
	})
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = e.admin(t, http.MethodGet, "/v1/budget-requests?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = e.admin(t, http.MethodDelete, reqPath, nil)
	assert.Equal(t, http.StatusNoContent, res.code)
	res = e.admin(t, http.MethodGet, reqPath, nil)
	assert.Equal(t, http.StatusNotFound, res.code)
}

func TestCancelRequiresRequester(t *testing.T) {
	e := newEnv(t, nil)
	agent, _ := e.provision(t, 100*m)

	res := e.admin(t, http.MethodPost, "/v1/budget-requests", model.CreateBudgetRequestRequest{
		AgentID: agent.ID, RequestedBudget: 50 * m, Justification: "project scope was reduced by half",
	})
	require.Equal(t, http.StatusCreated, res.code)
	path := "/v1/budget-requests/" + decode[model.BudgetChangeRequest](t, res).ID.String()

	res = e.call(t, http.MethodPost, path+"/cancel", adminToken, "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, res.code)

	res = e.admin(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, res.code)
	assert.Equal(t, model.RequestCancelled, decode[model.BudgetChangeRequest](t, res).Status)
}

func TestAdjustAndResetOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	agent, _ := e.provision(t, 100*m)
	agentPath := "/v1/agents/" + agent.ID.String()

	res := e.admin(t, http.MethodPost, agentPath+"/budget", model.AdjustBudgetRequest{TotalAllocated: 80 * m, Reason: "trimming idle agents"})
	require.Equal(t, http.StatusOK, res.code, res.body.Error.Message)
	applied := decode[ledger.Applied](t, res)
	assert.Equal(t, model.ModificationDecrease, applied.History.Type)
	assert.Equal(t, actor, applied.History.ModifierID)

	res = e.admin(t, http.MethodPost, agentPath+"/budget", model.AdjustBudgetRequest{TotalAllocated: 80 * m, Reason: "no change at all"})
	assert.Equal(t, http.StatusBadRequest, res.code)

	res = e.admin(t, http.MethodPost, agentPath+"/budget/reset", model.ResetSpendingRequest{Reason: "monthly rollover"})
	require.Equal(t, http.StatusOK, res.code, res.body.Error.Message)
	assert.Equal(t, model.ModificationReset, decode[ledger.Applied](t, res).History.Type)
}

func TestTokenIssuanceRateLimited(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(2, time.Hour)
	t.Cleanup(func() { _ = lim.Close() })
	e := newEnv(t, lim)
	agent, _ := e.provision(t, 100*m) // consumes one token

	path := "/v1/agents/" + agent.ID.String() + "/tokens"
	res := e.admin(t, http.MethodPost, path, model.IssueTokenRequest{Permissions: []string{model.PermHandshake}, ExpiresIn: 60})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	assert.NotNil(t, decode[model.IssueTokenResponse](t, res).ExpiresAt)

	res = e.admin(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.code)
	assert.NotEmpty(t, res.header.Get("Retry-After"))

	res = e.call(t, http.MethodPost, path, adminToken, "admin-2", model.IssueTokenRequest{Permissions: []string{"launch"}})
	assert.Equal(t, http.StatusBadRequest, res.code)
}

func TestIssueTokenRejectsUnboundedLifetime(t *testing.T) {
	e := newEnv(t, nil)
	agent, _ := e.provision(t, 100*m)
	path := "/v1/agents/" + agent.ID.String() + "/tokens"

	res := e.admin(t, http.MethodPost, path, model.IssueTokenRequest{ExpiresIn: math.MaxInt64 / 1000})
	assert.Equal(t, http.StatusBadRequest, res.code)
	assert.Equal(t, model.ErrCodeInvalidInput, res.body.Error.Code)

	tenYears := 10 * 365 * 24 * 60 * 60
	res = e.admin(t, http.MethodPost, path, model.IssueTokenRequest{ExpiresIn: tenYears})
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)
	exp := decode[model.IssueTokenResponse](t, res).ExpiresAt
	require.NotNil(t, exp)
	assert.True(t, exp.After(time.Now().AddDate(9, 0, 0)))
}

func TestHandshakeRateLimitedAdvertisesLeaseWait(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(1, time.Hour)
	t.Cleanup(func() { _ = lim.Close() })
	e := newLimitedEnv(t, nil, lim)
	_, ic := e.provision(t, 100*m)

	hs := model.HandshakeRequest{ICToken: ic, Provider: "anthropic"}
	res := e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", hs)
	require.Equal(t, http.StatusCreated, res.code, res.body.Error.Message)

	res = e.call(t, http.MethodPost, "/v1/leases/handshake", "", "", hs)
	assert.Equal(t, http.StatusTooManyRequests, res.code)
	assert.Equal(t, model.ErrCodeRateLimited, res.body.Error.Code)
	assert.Equal(t, "3600", res.header.Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	res := e.call(t, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, res.code)
	h := decode[model.HealthResponse](t, res)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "sqlite", h.Storage)
}
