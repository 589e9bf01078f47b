package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"provisio/internal/dedup"
	identityapi "provisio/internal/identity/api"
	identityapp "provisio/internal/identity/app"
	identitystore "provisio/internal/identity/store"
	provisioningapp "provisio/internal/provisioning/app"
	provisioningstore "provisio/internal/provisioning/store"
	"provisio/pkg/rabbitmq"
)

// loopbackBus delivers published events synchronously to the handler
// registered for the topic, standing in for the broker in saga round trips.
type loopbackBus struct {
	routes map[string]rabbitmq.Handler
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{routes: make(map[string]rabbitmq.Handler)}
}

func (b *loopbackBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if handler, ok := b.routes[topic]; ok {
		return handler(ctx, body)
	}
	return nil
}

type sagaFixture struct {
	bus          *loopbackBus
	identityRepo *identitystore.MemoryIdentityRepository
	userRepo     *provisioningstore.MemoryUserRepository
	handler      *identityapi.IdentityHandler
}

func newSagaFixture() *sagaFixture {
	bus := newLoopbackBus()

	identityLedger := dedup.NewMemoryLedger()
	identityRepo := identitystore.NewMemoryIdentityRepository(identityLedger)
	completionHandler := identityapp.NewCompletionEventHandler(identityRepo, identityLedger)

	provisioningLedger := dedup.NewMemoryLedger()
	userRepo := provisioningstore.NewMemoryUserRepository(provisioningLedger)
	requestHandler := provisioningapp.NewUserEventHandler(userRepo, provisioningLedger, bus)

	bus.routes[rabbitmq.QueueCreationRequests] = requestHandler.HandleCreationRequested
	bus.routes[rabbitmq.QueueCreationCompletions] = completionHandler.HandleCreationCompleted

	return &sagaFixture{
		bus:          bus,
		identityRepo: identityRepo,
		userRepo:     userRepo,
		handler:      identityapi.NewIdentityHandler(identityRepo, bus),
	}
}

func (f *sagaFixture) createUser(t *testing.T, username string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"username":"`+username+`"}`))
	w := httptest.NewRecorder()
	f.handler.HandleCreate(w, req)
	return w
}

func TestSaga_CreateUserEndToEnd(t *testing.T) {
	f := newSagaFixture()

	w := f.createUser(t, "alice")
	require.Equal(t, http.StatusCreated, w.Code)

	// The saga ran through both services: exactly one canonical user exists
	// and its id is attached to the identity record.
	require.Equal(t, 1, f.userRepo.UserCount())

	users, err := f.userRepo.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)

	rec, err := f.identityRepo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Provisioned())
	require.Equal(t, users[0].ID, *rec.CanonicalUserID)
}

func TestSaga_DuplicateUsernameLeavesSecondRecordUnprovisioned(t *testing.T) {
	f := newSagaFixture()

	require.Equal(t, http.StatusCreated, f.createUser(t, "alice").Code)
	// Identity-side uniqueness rejects the duplicate before any saga starts.
	require.Equal(t, http.StatusConflict, f.createUser(t, "alice").Code)

	require.Equal(t, 1, f.userRepo.UserCount())
}

func TestSaga_ProvisioningFailureLeavesCanonicalIDNull(t *testing.T) {
	f := newSagaFixture()

	// Seed the provisioning store so "alice" is already taken there even
	// though the identity-service has no record of her.
	_, err := f.userRepo.CreateUserWithReceipt(context.Background(), "alice", uuid.New(), rabbitmq.QueueCreationRequests)
	require.NoError(t, err)

	w := f.createUser(t, "alice")
	require.Equal(t, http.StatusCreated, w.Code, "the HTTP caller still gets a synchronous success")

	rec, err := f.identityRepo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.False(t, rec.Provisioned(), "a duplicate_username completion must not attach a canonical id")
	require.Equal(t, 1, f.userRepo.UserCount())
}
