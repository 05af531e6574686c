package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/app"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

// stubAdapter is a function-field fake; unset fields return zero values.
type stubAdapter struct {
	name             core_domain.ProviderName
	sendMessage      func(provider.SendRequest) (*provider.SendResult, error)
	getConversations func(provider.ConversationQuery) ([]core_domain.Conversation, error)
	validate         bool
}

func (s *stubAdapter) Name() core_domain.ProviderName { return s.name }

func (s *stubAdapter) SendMessage(ctx context.Context, creds core_domain.Credentials, req provider.SendRequest) (*provider.SendResult, error) {
	if s.sendMessage == nil {
		return &provider.SendResult{ProviderMessageID: "stub", Status: core_domain.MessageStatusQueued}, nil
	}
	return s.sendMessage(req)
}

func (s *stubAdapter) GetPhoneNumbers(ctx context.Context, creds core_domain.Credentials) map[string]core_domain.PhoneNumberInfo {
	return nil
}

func (s *stubAdapter) GetConversations(ctx context.Context, creds core_domain.Credentials, q provider.ConversationQuery) ([]core_domain.Conversation, error) {
	if s.getConversations == nil {
		return nil, nil
	}
	return s.getConversations(q)
}

func (s *stubAdapter) GetMessages(ctx context.Context, creds core_domain.Credentials, q provider.MessageQuery) ([]core_domain.Message, error) {
	return nil, nil
}

func (s *stubAdapter) GetCalls(ctx context.Context, creds core_domain.Credentials, q provider.CallQuery) ([]core_domain.Call, error) {
	return nil, nil
}

func (s *stubAdapter) GetContacts(ctx context.Context, creds core_domain.Credentials, workspaceID uuid.UUID) ([]core_domain.Contact, error) {
	return nil, nil
}

func (s *stubAdapter) InitiateCall(to string) provider.CallHandle { return provider.CallHandle{} }

func (s *stubAdapter) ValidateCredentials(ctx context.Context, creds core_domain.Credentials) bool {
	return s.validate
}

func (s *stubAdapter) RegisterWebhooks(ctx context.Context, creds core_domain.Credentials, callbackURL string) (*provider.WebhookRegistration, error) {
	return nil, nil
}

func (s *stubAdapter) DeleteWebhooks(ctx context.Context, creds core_domain.Credentials, ids []string) error {
	return nil
}

func (s *stubAdapter) ListWebhooks(ctx context.Context, creds core_domain.Credentials) ([]string, error) {
	return nil, nil
}

func (s *stubAdapter) DownloadRecording(ctx context.Context, creds core_domain.Credentials, url string) ([]byte, error) {
	return nil, nil
}

func (s *stubAdapter) GetCallTranscript(ctx context.Context, creds core_domain.Credentials, callID string) (*provider.Transcript, error) {
	return &provider.Transcript{Status: provider.TranscriptAbsent}, nil
}

// In-memory repositories.

type memConversationRepo struct {
	mu    sync.Mutex
	items map[core_domain.ConversationKey]core_domain.Conversation
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{items: make(map[core_domain.ConversationKey]core_domain.Conversation)}
}

func (r *memConversationRepo) Upsert(ctx context.Context, conv *core_domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[conv.Key] = *conv
	return nil
}

func (r *memConversationRepo) ListRecent(ctx context.Context, workspaceID uuid.UUID, p core_domain.ProviderName, limit int) ([]core_domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core_domain.Conversation
	for _, c := range r.items {
		if c.Key.WorkspaceID == workspaceID && c.Key.Provider == p {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memConversationRepo) GetByKey(ctx context.Context, key core_domain.ConversationKey) (*core_domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[key]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return &c, nil
}

type memMessageRepo struct {
	mu    sync.Mutex
	items []core_domain.Message
}

func (r *memMessageRepo) Upsert(ctx context.Context, msg *core_domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *msg)
	return nil
}

func (r *memMessageRepo) ListByConversation(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core_domain.Message
	for _, m := range r.items {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out, nil
}

type memCallRepo struct{}

func (memCallRepo) Upsert(ctx context.Context, call *core_domain.Call) error { return nil }
func (memCallRepo) ListByConversation(ctx context.Context, key core_domain.ConversationKey, limit int) ([]core_domain.Call, error) {
	return nil, nil
}

type memContactRepo struct{}

func (memContactRepo) Upsert(ctx context.Context, contact *core_domain.Contact) error { return nil }
func (memContactRepo) FindByNumber(ctx context.Context, workspaceID uuid.UUID, number string) (*core_domain.Contact, error) {
	return nil, core_domain.ErrNotFound
}

type memCredentialRepo struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemCredentialRepo() *memCredentialRepo { return &memCredentialRepo{items: make(map[string][]byte)} }

func credKey(workspaceID uuid.UUID, p core_domain.ProviderName) string {
	return workspaceID.String() + "/" + string(p)
}

func (r *memCredentialRepo) Save(ctx context.Context, workspaceID uuid.UUID, p core_domain.ProviderName, sealed []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[credKey(workspaceID, p)] = sealed
	return nil
}

func (r *memCredentialRepo) Get(ctx context.Context, workspaceID uuid.UUID, p core_domain.ProviderName) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sealed, ok := r.items[credKey(workspaceID, p)]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return sealed, nil
}

func (r *memCredentialRepo) Delete(ctx context.Context, workspaceID uuid.UUID, p core_domain.ProviderName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := credKey(workspaceID, p)
	if _, ok := r.items[key]; !ok {
		return core_domain.ErrNotFound
	}
	delete(r.items, key)
	return nil
}

type memSyncRunRepo struct{}

func (memSyncRunRepo) Create(ctx context.Context, run *domain.SyncRun) error { return nil }
func (memSyncRunRepo) UpdateProgress(ctx context.Context, runID uuid.UUID, progress domain.Progress, processed, skipped int) error {
	return nil
}
func (memSyncRunRepo) Finish(ctx context.Context, runID uuid.UUID, state domain.RunState, processed, skipped int, runErr string, lastSyncedAt time.Time) error {
	return nil
}
func (memSyncRunRepo) LastWatermark(ctx context.Context, workspaceID uuid.UUID, p core_domain.ProviderName) (time.Time, error) {
	return time.Time{}, nil
}

type handlerFixture struct {
	router      chi.Router
	workspaceID uuid.UUID
	adapter     *stubAdapter
	credRepo    *memCredentialRepo
	msgRepo     *memMessageRepo
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sealKey := &[32]byte{7}
	adapter := &stubAdapter{name: core_domain.ProviderOpenPhone, validate: true}
	adapters := map[core_domain.ProviderName]provider.Adapter{core_domain.ProviderOpenPhone: adapter}

	credRepo := newMemCredentialRepo()
	convRepo := newMemConversationRepo()
	msgRepo := &memMessageRepo{}

	credentials := app.NewCredentialService(credRepo, adapters, sealKey, logger)
	messaging := app.NewMessagingService(adapters, credentials, convRepo, msgRepo, logger)
	orchestrator := app.NewOrchestrator(
		adapters,
		app.NewDiscovery(logger),
		app.NewContactSyncer(memContactRepo{}, logger),
		credentials,
		convRepo, msgRepo, memCallRepo{}, memSyncRunRepo{},
		logger,
	)

	f := &handlerFixture{
		router:      chi.NewRouter(),
		workspaceID: uuid.New(),
		adapter:     adapter,
		credRepo:    credRepo,
		msgRepo:     msgRepo,
	}
	NewSyncHandler(orchestrator, messaging, credentials, logger).RegisterRoutes(f.router)

	// Seed credentials for the workspace.
	sealed, err := core_domain.SealCredentials(core_domain.Credentials{
		Provider: core_domain.ProviderOpenPhone, APIKey: "op-key",
	}, sealKey)
	require.NoError(t, err)
	require.NoError(t, credRepo.Save(context.Background(), f.workspaceID, core_domain.ProviderOpenPhone, sealed))
	return f
}

func (f *handlerFixture) do(t *testing.T, method, target string, body any, withHeader bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if withHeader {
		req.Header.Set(WorkspaceHeader, f.workspaceID.String())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStartSyncRequiresWorkspaceHeader(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/sync/start", map[string]any{"provider": "openphone"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSyncAcceptsAndConflicts(t *testing.T) {
	f := newHandlerFixture(t)
	release := make(chan struct{})
	f.adapter.getConversations = func(q provider.ConversationQuery) ([]core_domain.Conversation, error) {
		<-release
		return nil, nil
	}
	defer close(release)

	rec := f.do(t, http.MethodPost, "/sync/start", map[string]any{"provider": "openphone", "limit": 5}, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run domain.SyncRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.RunStateRunning, run.State)
	assert.Equal(t, f.workspaceID, run.WorkspaceID)

	rec = f.do(t, http.MethodPost, "/sync/start", map[string]any{"provider": "openphone"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/sync/status", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/sync/cancel", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSyncStatusUnknownWorkspace(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/sync/status", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageStoresAndReturnsMessage(t *testing.T) {
	f := newHandlerFixture(t)
	f.adapter.sendMessage = func(req provider.SendRequest) (*provider.SendResult, error) {
		return &provider.SendResult{ProviderMessageID: "MSG1", Status: core_domain.MessageStatusSent, SentAt: time.Now()}, nil
	}

	rec := f.do(t, http.MethodPost, "/messages", map[string]any{
		"provider": "openphone",
		"from":     "+15559876543",
		"to":       "5551234567",
		"body":     "hello",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var msg core_domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "MSG1", msg.ProviderMessageID)
	assert.Equal(t, "+15551234567", msg.ToNumber)
	assert.Len(t, f.msgRepo.items, 1)
}

func TestSendMessageValidation(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/messages", map[string]any{"provider": "openphone", "to": "+15551234567"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConversationsEmpty(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/conversations?provider=openphone", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCredentialsLifecycle(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPut, "/credentials/openphone", map[string]any{"apiKey": "fresh-key"}, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/credentials/openphone", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/credentials/openphone", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
