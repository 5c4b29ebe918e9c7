// ABOUTME: Tests for the session API routes
// ABOUTME: Covers auth, error mapping, and the create/reconnect/delete handlers

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-gateway/internal/router"
	"github.com/tetherhq/tether-gateway/internal/session"
	"github.com/tetherhq/tether-gateway/internal/store"
)

type fakeManager struct {
	createResult    *session.CreateResult
	createErr       error
	createParams    *session.CreateParams
	deleteErr       error
	reconnectResult *session.ReconnectResult
	reconnectErr    error
	reconnectForce  bool
	status          *session.Status
	statusErr       error
	qrImage         []byte
	qrLive          bool
	sendResult      *router.DeliverResult
	sendErr         error
	sentAgent       string
	sentConvID      string
	sentMessage     string
}

func (f *fakeManager) CreateSession(ctx context.Context, params session.CreateParams) (*session.CreateResult, error) {
	f.createParams = &params
	return f.createResult, f.createErr
}

func (f *fakeManager) DeleteSession(ctx context.Context, agentID string) error {
	return f.deleteErr
}

func (f *fakeManager) ReconnectSession(ctx context.Context, agentID string, forceQR bool) (*session.ReconnectResult, error) {
	f.reconnectForce = forceQR
	return f.reconnectResult, f.reconnectErr
}

func (f *fakeManager) GetStatus(ctx context.Context, agentID string) (*session.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeManager) PairingImage(agentID string) ([]byte, bool) {
	return f.qrImage, f.qrLive
}

func (f *fakeManager) SendMessage(ctx context.Context, agentID, conversationID, message string) (*router.DeliverResult, error) {
	f.sentAgent = agentID
	f.sentConvID = conversationID
	f.sentMessage = message
	return f.sendResult, f.sendErr
}

type fakeRecords struct {
	records map[string]*store.SessionRecord
}

func (f *fakeRecords) FindByAgentID(ctx context.Context, agentID string) (*store.SessionRecord, error) {
	rec, ok := f.records[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) FindAllActive(ctx context.Context) ([]*store.SessionRecord, error) {
	var out []*store.SessionRecord
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func newTestServer(mgr *fakeManager, recs *fakeRecords) *Server {
	if recs == nil {
		recs = &fakeRecords{records: map[string]*store.SessionRecord{}}
	}
	return NewServer(mgr, recs, nil, slog.Default())
}

func authedRequest(method, target, key string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&fakeManager{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSession(t *testing.T) {
	expires := time.Now().Add(5 * time.Minute)
	mgr := &fakeManager{
		createResult: &session.CreateResult{
			QRImage:     []byte{0x89, 'P', 'N', 'G'},
			QRExpiresAt: &expires,
			EndpointURL: "http://ai.internal/api/v1/agents/a1/execute",
		},
	}
	srv := newTestServer(mgr, nil)

	body, _ := json.Marshal(map[string]string{
		"agent_id":     "a1",
		"user_id":      "u1",
		"api_key":      "sk-1",
		"session_name": "desk",
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sessions", "", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a1", resp.AgentID)
	assert.True(t, strings.HasPrefix(resp.QR, "data:image/png;base64,"))
	assert.False(t, resp.Ready)

	require.NotNil(t, mgr.createParams)
	assert.Equal(t, "sk-1", mgr.createParams.APIKey)
	assert.Equal(t, "desk", mgr.createParams.SessionName)
}

func TestCreateSessionValidation(t *testing.T) {
	srv := newTestServer(&fakeManager{}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sessions", "", []byte(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sessions", "", []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionTimeout(t *testing.T) {
	mgr := &fakeManager{createErr: &session.TimeoutError{Waiting: "pairing code"}}
	srv := newTestServer(mgr, nil)

	body, _ := json.Marshal(map[string]string{"agent_id": "a1"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sessions", "", body))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func agentRecords() *fakeRecords {
	return &fakeRecords{records: map[string]*store.SessionRecord{
		"a1": {AgentID: "a1", APIKey: "sk-good", Status: store.StatusConnected},
	}}
}

func TestAgentRoutesRequireKey(t *testing.T) {
	srv := newTestServer(&fakeManager{}, agentRecords())

	cases := []struct {
		name string
		key  string
		want int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong key", "sk-wrong", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/sessions/a1/", tc.key, nil))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAgentRouteUnknownAgent(t *testing.T) {
	srv := newTestServer(&fakeManager{}, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/sessions/nope/", "sk-good", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	mgr := &fakeManager{status: &session.Status{
		AgentID: "a1",
		Status:  store.StatusConnected,
		Live:    true,
	}}
	srv := newTestServer(mgr, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/sessions/a1/", "sk-good", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, store.StatusConnected, status.Status)
	assert.True(t, status.Live)
}

func TestQREndpoint(t *testing.T) {
	mgr := &fakeManager{qrImage: []byte{0x89, 'P', 'N', 'G'}, qrLive: true}
	srv := newTestServer(mgr, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/sessions/a1/qr", "sk-good", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes())
}

func TestQREndpointNoImage(t *testing.T) {
	mgr := &fakeManager{qrLive: true}
	srv := newTestServer(mgr, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/sessions/a1/qr", "sk-good", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconnectConflictMapping(t *testing.T) {
	mgr := &fakeManager{reconnectErr: &session.ConflictError{
		Code:    session.CodeAlreadyConnected,
		Message: "session is already connected",
	}}
	srv := newTestServer(mgr, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sessions/a1/reconnect", "sk-good", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, session.CodeAlreadyConnected, body.Code)
}

func TestReconnectForceQRFlag(t *testing.T) {
	mgr := &fakeManager{reconnectResult: &session.ReconnectResult{Ready: true}}
	srv := newTestServer(mgr, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/sessions/a1/reconnect?force_qr=true", "sk-good", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mgr.reconnectForce)
}

func TestDeleteSession(t *testing.T) {
	srv := newTestServer(&fakeManager{}, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodDelete, "/api/v1/sessions/a1/", "sk-good", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteSessionNotFoundMapping(t *testing.T) {
	mgr := &fakeManager{deleteErr: session.ErrNotFound}
	srv := newTestServer(mgr, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodDelete, "/api/v1/sessions/a1/", "sk-good", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	srv := newTestServer(&fakeManager{}, agentRecords())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/sessions", "", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Sessions []struct {
			AgentID string `json:"agent_id"`
			Status  string `json:"status"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "a1", resp.Sessions[0].AgentID)
}

func TestSendMessage(t *testing.T) {
	mgr := &fakeManager{sendResult: &router.DeliverResult{
		Payload:   map[string]any{"response": "Hello!"},
		ReplyText: "Hello!",
		ReplySent: true,
	}}
	srv := newTestServer(mgr, agentRecords())

	body, _ := json.Marshal(map[string]string{
		"message":    "Hi",
		"session_id": "conv-1",
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/agents/a1/run", "sk-good", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "forwarded", resp.Status)
	assert.True(t, resp.ReplySent)
	assert.Equal(t, "Hello!", resp.ReplyText)

	assert.Equal(t, "a1", mgr.sentAgent)
	assert.Equal(t, "conv-1", mgr.sentConvID)
	assert.Equal(t, "Hi", mgr.sentMessage)
}

func TestSendMessageValidation(t *testing.T) {
	srv := newTestServer(&fakeManager{}, agentRecords())

	cases := []struct {
		name string
		body string
	}{
		{"missing message", `{"session_id":"conv-1"}`},
		{"missing session id", `{"message":"Hi"}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/agents/a1/run", "sk-good", []byte(tc.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSendMessageRequiresKey(t *testing.T) {
	srv := newTestServer(&fakeManager{}, agentRecords())

	body := []byte(`{"message":"Hi","session_id":"conv-1"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/agents/a1/run", "sk-wrong", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessageNotReadyMapping(t *testing.T) {
	mgr := &fakeManager{sendErr: &session.ConflictError{
		Code:    session.CodeSessionNotReady,
		Message: "session is not ready to send messages",
	}}
	srv := newTestServer(mgr, agentRecords())

	body := []byte(`{"message":"Hi","session_id":"conv-1"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/agents/a1/run", "sk-good", body))

	require.Equal(t, http.StatusConflict, rec.Code)
	var errResp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, session.CodeSessionNotReady, errResp.Code)
}

func TestSendMessageReplyFailureMapping(t *testing.T) {
	mgr := &fakeManager{sendErr: &router.ReplySendError{Err: errors.New("network lost")}}
	srv := newTestServer(mgr, agentRecords())

	body := []byte(`{"message":"Hi","session_id":"conv-1"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/agents/a1/run", "sk-good", body))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(&fakeManager{}, &fakeRecords{records: map[string]*store.SessionRecord{}},
		[]string{"https://app.example.org"}, slog.Default())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://app.example.org")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
