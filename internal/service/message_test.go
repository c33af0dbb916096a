package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/internal/router"
)

type memStore struct {
	mu      sync.Mutex
	byConv  map[string][]model.PersistedMessage
	failErr error
	seq     uint64
}

func newMemStore() *memStore {
	return &memStore{byConv: map[string][]model.PersistedMessage{}}
}

func (s *memStore) Append(_ context.Context, msg *model.PersistedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.seq++
	msg.Sequence = s.seq
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], *msg)
	return nil
}

func (s *memStore) List(_ context.Context, conversationID string, limit int) ([]model.PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	all := s.byConv[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]model.PersistedMessage(nil), all...), nil
}

type fakeRouter struct {
	mu      sync.Mutex
	intents []*model.MessageIntent
	result  router.Result
}

func (r *fakeRouter) Route(_ context.Context, intent *model.MessageIntent) (router.Result, error) {
	if err := intent.Validate(); err != nil {
		return router.Result{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return r.result, nil
}

type fakeRelay struct {
	mu        sync.Mutex
	published []*model.MessageIntent
}

func (r *fakeRelay) Publish(_ context.Context, intent *model.MessageIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, intent)
	return nil
}

var (
	admin   = Caller{UserID: "admin-1", Name: "Registrar", Role: RoleAdmin}
	school  = Caller{UserID: "school-1", Name: "North High", Role: "school"}
	trainer = Caller{UserID: "trainer-1", Name: "T. One", Role: "trainer"}
	fixedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newService(groups router.GroupDirectory, opts ...Option) (*MessageService, *memStore, *fakeRouter) {
	store := newMemStore()
	rt := &fakeRouter{}
	opts = append([]Option{WithClock(func() time.Time { return fixedAt })}, opts...)
	return NewMessageService(store, rt, groups, nil, opts...), store, rt
}

func TestSend_DirectPersistsAndRoutes(t *testing.T) {
	svc, store, rt := newService(nil)

	msg, err := svc.Send(context.Background(), admin, &model.SendMessageRequest{
		RecipientID: "school-1",
		Message:     "your visit is confirmed",
		Type:        model.RecipientUser,
		ClientID:    "c-1",
	})
	require.NoError(t, err)

	convID := model.DirectConversationID("admin-1", "school-1")
	assert.Equal(t, convID, msg.ConversationID)
	assert.Equal(t, "c-1", msg.ClientID)
	assert.Equal(t, fixedAt, msg.CreatedAt)
	assert.NotEmpty(t, msg.ID)
	assert.Len(t, store.byConv[convID], 1)

	require.Len(t, rt.intents, 1)
	assert.Equal(t, "school-1", rt.intents[0].RecipientID)
	assert.Equal(t, "c-1", rt.intents[0].ClientID)
	assert.Equal(t, "Registrar", rt.intents[0].SenderName)
}

func TestSend_AssignsCorrelationID(t *testing.T) {
	svc, _, rt := newService(nil)

	msg, err := svc.Send(context.Background(), school, &model.SendMessageRequest{
		RecipientID: "admin-1",
		Message:     "question about the form",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ClientID)
	require.Len(t, rt.intents, 1)
	assert.Equal(t, msg.ClientID, rt.intents[0].ClientID, "live push and persisted copy share the id")
}

func TestSend_StoreFailureStillRoutesLive(t *testing.T) {
	svc, store, rt := newService(nil)
	store.failErr = errors.New("jetstream unavailable")

	_, err := svc.Send(context.Background(), admin, &model.SendMessageRequest{
		RecipientID: "school-1",
		Message:     "hello",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.failErr)
	assert.Len(t, rt.intents, 1)
}

func TestSend_Validation(t *testing.T) {
	svc, _, rt := newService(nil)

	cases := map[string]*model.SendMessageRequest{
		"empty message":  {RecipientID: "x", Message: ""},
		"no recipient":   {Message: "hi"},
		"bad type":       {RecipientID: "x", Message: "hi", Type: "room"},
		"message myself": {RecipientID: "admin-1", Message: "hi"},
	}
	for name, req := range cases {
		_, err := svc.Send(context.Background(), admin, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
	assert.Empty(t, rt.intents)
}

func TestSend_GroupRequiresMembershipUnlessAdmin(t *testing.T) {
	groups := router.NewStaticGroups(map[string][]string{"schools": {"school-1", "school-2"}})
	svc, _, rt := newService(groups)

	_, err := svc.Send(context.Background(), trainer, &model.SendMessageRequest{
		RecipientID: "schools", Message: "hi", Type: model.RecipientGroup,
	})
	assert.ErrorIs(t, err, model.ErrForbidden)

	msg, err := svc.Send(context.Background(), admin, &model.SendMessageRequest{
		RecipientID: "schools", Message: "deadline moved", Type: model.RecipientGroup,
	})
	require.NoError(t, err)
	assert.Equal(t, model.GroupConversationID("schools"), msg.ConversationID)

	_, err = svc.Send(context.Background(), school, &model.SendMessageRequest{
		RecipientID: "schools", Message: "thanks", Type: model.RecipientGroup,
	})
	require.NoError(t, err)
	assert.Len(t, rt.intents, 2)
}

func TestDispatch_DerivesConversationAndRelays(t *testing.T) {
	relay := &fakeRelay{}
	svc, store, rt := newService(nil, WithRelay(relay))

	intent := &model.MessageIntent{
		SenderID:       "admin-1",
		SenderRole:     RoleAdmin,
		GroupTag:       "evaluators",
		Body:           "meeting at 3",
		ConversationID: "dm:forged:value",
	}
	require.NoError(t, svc.Dispatch(context.Background(), intent))

	assert.Equal(t, model.GroupConversationID("evaluators"), intent.ConversationID)
	assert.Len(t, rt.intents, 1)
	assert.Len(t, relay.published, 1, "groups always reach other nodes")
	assert.Empty(t, store.byConv, "live channel intents are not persisted")
}

func TestDispatch_DirectDeliveredLocallyIsNotRelayed(t *testing.T) {
	relay := &fakeRelay{}
	svc, _, rt := newService(nil, WithRelay(relay))

	rt.result = router.Result{Delivered: 1}
	require.NoError(t, svc.Dispatch(context.Background(), &model.MessageIntent{SenderID: "a", RecipientID: "b", Body: "hi"}))
	assert.Empty(t, relay.published)

	rt.result = router.Result{Offline: true}
	require.NoError(t, svc.Dispatch(context.Background(), &model.MessageIntent{SenderID: "a", RecipientID: "c", Body: "hi"}))
	assert.Len(t, relay.published, 1)
}

func TestDispatch_InvalidIntent(t *testing.T) {
	svc, _, _ := newService(nil)

	err := svc.Dispatch(context.Background(), &model.MessageIntent{SenderID: "a", Body: "hi"})
	assert.ErrorIs(t, err, model.ErrInvalidIntent)

	err = svc.Dispatch(context.Background(), &model.MessageIntent{SenderID: "a", RecipientID: "b"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHistory_Access(t *testing.T) {
	groups := router.NewStaticGroups(map[string][]string{"schools": {"school-1"}})
	svc, store, _ := newService(groups)
	ctx := context.Background()

	_, err := svc.Send(ctx, admin, &model.SendMessageRequest{RecipientID: "school-1", Message: "one"})
	require.NoError(t, err)
	dm := model.DirectConversationID("admin-1", "school-1")

	got, err := svc.History(ctx, school, dm, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Message)

	_, err = svc.History(ctx, trainer, dm, 0)
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = svc.History(ctx, school, model.GroupConversationID("schools"), 0)
	require.NoError(t, err)
	_, err = svc.History(ctx, trainer, model.GroupConversationID("schools"), 0)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = svc.History(ctx, admin, model.GroupConversationID("schools"), 0)
	require.NoError(t, err)

	_, err = svc.History(ctx, admin, "bogus", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	store.failErr = errors.New("down")
	_, err = svc.History(ctx, admin, dm, 0)
	assert.ErrorIs(t, err, store.failErr)
}

func TestHistory_Limit(t *testing.T) {
	svc, _, _ := newService(nil, WithHistoryLimit(2))
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		_, err := svc.Send(ctx, admin, &model.SendMessageRequest{RecipientID: "school-1", Message: body})
		require.NoError(t, err)
	}
	dm := model.DirectConversationID("admin-1", "school-1")

	got, err := svc.History(ctx, admin, dm, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Message)
	assert.Equal(t, "c", got[1].Message)

	got, err = svc.History(ctx, admin, dm, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
