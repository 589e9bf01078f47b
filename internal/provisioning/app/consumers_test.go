package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"provisio/internal/dedup"
	"provisio/internal/events"
	"provisio/internal/provisioning/domain"
	"provisio/internal/provisioning/store"
	"provisio/pkg/rabbitmq"
)

type publishedMessage struct {
	topic   string
	payload interface{}
}

// fakePublisher records published events instead of talking to a broker.
type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedMessage
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) completions(t *testing.T) []events.UserCreationCompleted {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.UserCreationCompleted, 0, len(p.published))
	for _, m := range p.published {
		require.Equal(t, rabbitmq.QueueCreationCompletions, m.topic)
		completion, ok := m.payload.(events.UserCreationCompleted)
		require.True(t, ok, "published payload is not a completion event")
		out = append(out, completion)
	}
	return out
}

// failingLedger simulates ledger storage being unavailable.
type failingLedger struct{}

func (failingLedger) Find(context.Context, uuid.UUID, string) (*dedup.Entry, error) {
	return nil, errors.New("ledger unavailable")
}

func (failingLedger) Record(context.Context, dedup.Entry) error {
	return errors.New("ledger unavailable")
}

// ctxLedger refuses work once its context is done, like a pgx pool would.
type ctxLedger struct {
	inner *dedup.MemoryLedger
}

func (l ctxLedger) Find(ctx context.Context, messageID uuid.UUID, sourceQueue string) (*dedup.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.inner.Find(ctx, messageID, sourceQueue)
}

func (l ctxLedger) Record(ctx context.Context, entry dedup.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.inner.Record(ctx, entry)
}

// ctxPublisher refuses to publish on a dead context, like a real channel.
type ctxPublisher struct {
	inner *fakePublisher
}

func (p ctxPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.inner.Publish(ctx, topic, payload)
}

// racingLedger misses its first lookup, simulating a concurrent delivery that
// records its receipt between this delivery's lookup and its insert.
type racingLedger struct {
	inner  *dedup.MemoryLedger
	misses int
}

func (l *racingLedger) Find(ctx context.Context, messageID uuid.UUID, sourceQueue string) (*dedup.Entry, error) {
	if l.misses > 0 {
		l.misses--
		return nil, nil
	}
	return l.inner.Find(ctx, messageID, sourceQueue)
}

func (l *racingLedger) Record(ctx context.Context, entry dedup.Entry) error {
	return l.inner.Record(ctx, entry)
}

// stalledRepo blocks until the per-message deadline expires.
type stalledRepo struct{}

func (stalledRepo) CreateUserWithReceipt(ctx context.Context, _ string, _ uuid.UUID, _ string) (*domain.User, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledRepo) ListUsers(context.Context) ([]domain.User, error) {
	return nil, nil
}

func newHandlerUnderTest() (*UserEventHandler, *store.MemoryUserRepository, *dedup.MemoryLedger, *fakePublisher) {
	ledger := dedup.NewMemoryLedger()
	repo := store.NewMemoryUserRepository(ledger)
	publisher := &fakePublisher{}
	return NewUserEventHandler(repo, ledger, publisher), repo, ledger, publisher
}

func requestBody(t *testing.T, req events.UserCreationRequested) []byte {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return body
}

func TestHandleCreationRequested_CreatesUserAndPublishesSuccess(t *testing.T) {
	handler, repo, _, publisher := newHandlerUnderTest()
	req := events.NewUserCreationRequested("alice")

	err := handler.HandleCreationRequested(context.Background(), requestBody(t, req))
	require.NoError(t, err)

	require.Equal(t, 1, repo.UserCount())

	completions := publisher.completions(t)
	require.Len(t, completions, 1)
	completion := completions[0]
	require.Equal(t, req.MessageID, completion.RequestID)
	require.Equal(t, events.StatusSuccess, completion.Status)
	require.Equal(t, "alice", completion.Username)
	require.NotEmpty(t, completion.CanonicalUserID)
	require.Empty(t, completion.ErrorMessage)
	require.GreaterOrEqual(t, completion.ProcessingTimeMs, 0.0)
}

func TestHandleCreationRequested_RedeliveryIsIdempotent(t *testing.T) {
	handler, repo, _, publisher := newHandlerUnderTest()
	req := events.NewUserCreationRequested("alice")
	body := requestBody(t, req)

	require.NoError(t, handler.HandleCreationRequested(context.Background(), body))
	require.NoError(t, handler.HandleCreationRequested(context.Background(), body))

	// Exactly one durable effect, but the reply is re-published both times so
	// a correspondent that missed the first one still gets it.
	require.Equal(t, 1, repo.UserCount())
	completions := publisher.completions(t)
	require.Len(t, completions, 2)
	require.Equal(t, completions[0].CanonicalUserID, completions[1].CanonicalUserID)
	require.Equal(t, events.StatusSuccess, completions[1].Status)
	require.Equal(t, req.MessageID, completions[1].RequestID)
	require.NotEqual(t, completions[0].MessageID, completions[1].MessageID)
}

func TestHandleCreationRequested_DuplicateUsername(t *testing.T) {
	handler, repo, ledger, publisher := newHandlerUnderTest()

	first := events.NewUserCreationRequested("alice")
	require.NoError(t, handler.HandleCreationRequested(context.Background(), requestBody(t, first)))

	// A different logical request for the same username.
	second := events.NewUserCreationRequested("alice")
	require.NoError(t, handler.HandleCreationRequested(context.Background(), requestBody(t, second)))

	require.Equal(t, 1, repo.UserCount())

	completions := publisher.completions(t)
	require.Len(t, completions, 2)
	failure := completions[1]
	require.Equal(t, second.MessageID, failure.RequestID)
	require.Equal(t, events.StatusDuplicateUsername, failure.Status)
	require.Empty(t, failure.CanonicalUserID)
	require.NotEmpty(t, failure.ErrorMessage)

	// The failure is durable: a redelivery replays it.
	entry, err := ledger.Find(context.Background(), second.MessageID, rabbitmq.QueueCreationRequests)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, dedup.StatusError, entry.Status)
}

func TestHandleCreationRequested_ReplaysRecordedFailure(t *testing.T) {
	handler, _, _, publisher := newHandlerUnderTest()

	taken := events.NewUserCreationRequested("alice")
	require.NoError(t, handler.HandleCreationRequested(context.Background(), requestBody(t, taken)))

	duplicate := events.NewUserCreationRequested("alice")
	body := requestBody(t, duplicate)
	require.NoError(t, handler.HandleCreationRequested(context.Background(), body))
	require.NoError(t, handler.HandleCreationRequested(context.Background(), body))

	completions := publisher.completions(t)
	require.Len(t, completions, 3)
	require.Equal(t, events.StatusDuplicateUsername, completions[1].Status)
	require.Equal(t, events.StatusDuplicateUsername, completions[2].Status)
	require.Equal(t, duplicate.MessageID, completions[2].RequestID)
}

func TestHandleCreationRequested_DropsMalformedMessage(t *testing.T) {
	handler, repo, _, publisher := newHandlerUnderTest()

	err := handler.HandleCreationRequested(context.Background(), []byte(`{"message_id": not json`))
	require.NoError(t, err, "malformed payloads are dropped, not retried")
	require.Equal(t, 0, repo.UserCount())
	require.Empty(t, publisher.completions(t))
}

func TestHandleCreationRequested_DropsEnvelopeWithoutUsername(t *testing.T) {
	handler, repo, _, publisher := newHandlerUnderTest()

	req := events.NewUserCreationRequested("alice")
	req.Username = ""
	err := handler.HandleCreationRequested(context.Background(), requestBody(t, req))
	require.NoError(t, err)
	require.Equal(t, 0, repo.UserCount())
	require.Empty(t, publisher.completions(t))
}

func TestHandleCreationRequested_MalformedMessageDoesNotBlockQueue(t *testing.T) {
	handler, repo, _, publisher := newHandlerUnderTest()

	require.NoError(t, handler.HandleCreationRequested(context.Background(), []byte("garbage")))

	req := events.NewUserCreationRequested("alice")
	require.NoError(t, handler.HandleCreationRequested(context.Background(), requestBody(t, req)))

	require.Equal(t, 1, repo.UserCount())
	require.Len(t, publisher.completions(t), 1)
}

func TestHandleCreationRequested_LedgerFailureDeadLetters(t *testing.T) {
	publisher := &fakePublisher{}
	repo := store.NewMemoryUserRepository(dedup.NewMemoryLedger())
	handler := NewUserEventHandler(repo, failingLedger{}, publisher)

	req := events.NewUserCreationRequested("alice")
	err := handler.HandleCreationRequested(context.Background(), requestBody(t, req))
	require.Error(t, err, "no durable effect was produced, so the message must be rejected")
	require.Equal(t, 0, repo.UserCount())
}

func TestHandleCreationRequested_TimeoutIsDurablyReceipted(t *testing.T) {
	mem := dedup.NewMemoryLedger()
	publisher := &fakePublisher{}
	handler := NewUserEventHandler(stalledRepo{}, ctxLedger{inner: mem}, ctxPublisher{inner: publisher})

	req := events.NewUserCreationRequested("alice")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := handler.HandleCreationRequested(ctx, requestBody(t, req))
	require.NoError(t, err)

	// The handler deadline is long gone, but the receipt and the reply went
	// out anyway, with the distinct timeout status.
	entry, err := mem.Find(context.Background(), req.MessageID, rabbitmq.QueueCreationRequests)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, dedup.StatusTimeout, entry.Status)

	completions := publisher.completions(t)
	require.Len(t, completions, 1)
	require.Equal(t, events.StatusTimeout, completions[0].Status)
	require.Equal(t, req.MessageID, completions[0].RequestID)
	require.NotEmpty(t, completions[0].ErrorMessage)

	// A redelivery replays the recorded timeout outcome.
	require.NoError(t, handler.HandleCreationRequested(context.Background(), requestBody(t, req)))
	completions = publisher.completions(t)
	require.Len(t, completions, 2)
	require.Equal(t, events.StatusTimeout, completions[1].Status)
}

func TestHandleCreationRequested_ReceiptConflictReplaysStoredOutcome(t *testing.T) {
	inner := dedup.NewMemoryLedger()
	canonicalID := uuid.NewString()
	req := events.NewUserCreationRequested("alice")

	// The concurrent delivery's receipt is already durable.
	require.NoError(t, inner.Record(context.Background(), dedup.Entry{
		MessageID:   req.MessageID,
		SourceQueue: rabbitmq.QueueCreationRequests,
		Status:      dedup.StatusSuccess,
		ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
			Status:          dedup.StatusSuccess,
			CanonicalUserID: canonicalID,
		}),
	}))

	repo := store.NewMemoryUserRepository(inner)
	publisher := &fakePublisher{}
	handler := NewUserEventHandler(repo, &racingLedger{inner: inner, misses: 1}, publisher)

	err := handler.HandleCreationRequested(context.Background(), requestBody(t, req))
	require.NoError(t, err)

	// The losing insert produced no second user; the winner's outcome was
	// replayed instead.
	require.Equal(t, 0, repo.UserCount())
	completions := publisher.completions(t)
	require.Len(t, completions, 1)
	require.Equal(t, events.StatusSuccess, completions[0].Status)
	require.Equal(t, canonicalID, completions[0].CanonicalUserID)
	require.Equal(t, req.MessageID, completions[0].RequestID)
}

func TestHandleCreationRequested_PublishFailureSurfaces(t *testing.T) {
	ledger := dedup.NewMemoryLedger()
	repo := store.NewMemoryUserRepository(ledger)
	publisher := &fakePublisher{err: errors.New("channel closed")}
	handler := NewUserEventHandler(repo, ledger, publisher)

	req := events.NewUserCreationRequested("alice")
	err := handler.HandleCreationRequested(context.Background(), requestBody(t, req))
	require.Error(t, err)
	// The user and its receipt are durable; a redelivery replays the outcome.
	require.Equal(t, 1, repo.UserCount())
}
