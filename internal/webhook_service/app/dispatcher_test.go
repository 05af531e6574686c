package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/webhook_service/domain"
)

type memSubscriptionRepo struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]domain.Subscription
	deliveries []bool
}

func newMemSubscriptionRepo() *memSubscriptionRepo {
	return &memSubscriptionRepo{subs: make(map[uuid.UUID]domain.Subscription)}
}

func (r *memSubscriptionRepo) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = *sub
	return nil
}

func (r *memSubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, core_domain.ErrNotFound
	}
	return &sub, nil
}

func (r *memSubscriptionRepo) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range r.subs {
		if sub.WorkspaceID == workspaceID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *memSubscriptionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}

func (r *memSubscriptionRepo) RecordDelivery(ctx context.Context, id uuid.UUID, at time.Time, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, success)
	return nil
}

func TestDispatcherSignsAndDelivers(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := newMemSubscriptionRepo()
	workspaceID := uuid.New()
	sub := &domain.Subscription{ID: uuid.New(), WorkspaceID: workspaceID, URL: server.URL, Secret: "sub-secret"}
	require.NoError(t, repo.Create(context.Background(), sub))

	dispatcher := NewDispatcher(newFakeBroker(), repo, server.Client(), testLogger())
	payload := []byte(`{"kind":"message.received"}`)
	err := dispatcher.Handle(context.Background(), core_domain.EventSubject(workspaceID), payload)
	require.NoError(t, err)

	assert.Equal(t, payload, gotBody)
	assert.True(t, VerifySignature("sub-secret", gotSignature, gotBody))
	assert.False(t, VerifySignature("wrong-secret", gotSignature, gotBody))
	require.Len(t, repo.deliveries, 1)
	assert.True(t, repo.deliveries[0])
}

func TestDispatcherRecordsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := newMemSubscriptionRepo()
	workspaceID := uuid.New()
	require.NoError(t, repo.Create(context.Background(), &domain.Subscription{
		ID: uuid.New(), WorkspaceID: workspaceID, URL: server.URL, Secret: "s",
	}))

	dispatcher := NewDispatcher(newFakeBroker(), repo, server.Client(), testLogger())
	err := dispatcher.Handle(context.Background(), core_domain.EventSubject(workspaceID), []byte(`{}`))
	require.NoError(t, err)

	require.Len(t, repo.deliveries, 1)
	assert.False(t, repo.deliveries[0])
}

func TestDispatcherIgnoresUnroutableSubject(t *testing.T) {
	dispatcher := NewDispatcher(newFakeBroker(), newMemSubscriptionRepo(), nil, testLogger())
	err := dispatcher.Handle(context.Background(), "events.not-a-uuid", []byte(`{}`))
	assert.Error(t, err)
}

func TestTestDeliveryReportsEndpointStatus(t *testing.T) {
	status := http.StatusNoContent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	repo := newMemSubscriptionRepo()
	sub := &domain.Subscription{ID: uuid.New(), WorkspaceID: uuid.New(), URL: server.URL, Secret: "s"}
	require.NoError(t, repo.Create(context.Background(), sub))

	dispatcher := NewDispatcher(newFakeBroker(), repo, server.Client(), testLogger())

	result, err := dispatcher.TestDelivery(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, http.StatusNoContent, result.StatusCode)

	status = http.StatusInternalServerError
	result, err = dispatcher.TestDelivery(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)

	require.Len(t, repo.deliveries, 2)
	assert.True(t, repo.deliveries[0])
	assert.False(t, repo.deliveries[1])

	_, err = dispatcher.TestDelivery(context.Background(), uuid.New())
	assert.ErrorIs(t, err, core_domain.ErrNotFound)
}

func TestTestDeliveryUnreachableEndpointIsAResult(t *testing.T) {
	repo := newMemSubscriptionRepo()
	sub := &domain.Subscription{ID: uuid.New(), WorkspaceID: uuid.New(), URL: "http://127.0.0.1:0", Secret: "s"}
	require.NoError(t, repo.Create(context.Background(), sub))

	dispatcher := NewDispatcher(newFakeBroker(), repo, nil, testLogger())
	result, err := dispatcher.TestDelivery(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, 0, result.StatusCode)
}
