package events

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

type call struct {
	op       string
	statusID int64
	account  int64
	target   int64
	deadline bool
}

type recordingService struct {
	ports.FeedService
	calls chan call
}

func newRecordingService() *recordingService {
	return &recordingService{calls: make(chan call, 4)}
}

func (s *recordingService) FanOutStatus(ctx context.Context, status *domain.Status) (domain.FanOutResult, error) {
	_, ok := ctx.Deadline()
	s.calls <- call{op: "fanout", statusID: status.ID, deadline: ok}
	return domain.FanOutResult{Pushed: 1}, nil
}

func (s *recordingService) UnfanStatus(_ context.Context, status *domain.Status) (domain.FanOutResult, error) {
	s.calls <- call{op: "unfan", statusID: status.ID}
	return domain.FanOutResult{}, nil
}

func (s *recordingService) ClearFromHome(_ context.Context, accountID, targetAccountID int64) (int, error) {
	s.calls <- call{op: "clear", account: accountID, target: targetAccountID}
	return 0, nil
}

func (s *recordingService) MergeIntoHome(_ context.Context, accountID, targetAccountID int64) (int, error) {
	s.calls <- call{op: "merge", account: accountID, target: targetAccountID}
	return 0, nil
}

func (s *recordingService) UnmergeFromHome(_ context.Context, accountID, targetAccountID int64) (int, error) {
	s.calls <- call{op: "unmerge", account: accountID, target: targetAccountID}
	return 0, nil
}

func (s *recordingService) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("handler did not reach the service")
		return call{}
	}
}

func (s *recordingService) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Fatalf("unexpected call %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusEvent_ToDomain(t *testing.T) {
	ev := StatusEvent{
		ID:                  109876543210987654,
		AccountID:           1,
		MentionedAccountIDs: []string{"2", "3"},
	}
	s, err := ev.toDomain()
	require.NoError(t, err)
	assert.Equal(t, int64(109876543210987654), s.ID)
	assert.Equal(t, domain.VisibilityPublic, s.Visibility)
	assert.Equal(t, []int64{2, 3}, s.MentionedAccountIDs)

	_, err = StatusEvent{AccountID: 1}.toDomain()
	assert.True(t, domain.IsValidation(err))

	_, err = StatusEvent{ID: 1, AccountID: 1, MentionedAccountIDs: []string{"x"}}.toDomain()
	assert.True(t, domain.IsValidation(err))
}

func TestHandleStatusCreated(t *testing.T) {
	svc := newRecordingService()
	h := NewEventHandler(svc, time.Second)

	h.HandleStatusCreated(&nats.Msg{
		Subject: SubjectStatusCreated,
		Data:    []byte(`{"id":"109876543210987654","account_id":"1","visibility":"public","mentioned_account_ids":["2"]}`),
	})

	c := svc.next(t)
	assert.Equal(t, "fanout", c.op)
	assert.Equal(t, int64(109876543210987654), c.statusID)
	assert.True(t, c.deadline)
}

func TestHandleStatusDeleted(t *testing.T) {
	svc := newRecordingService()
	h := NewEventHandler(svc, time.Second)

	h.HandleStatusDeleted(&nats.Msg{Subject: SubjectStatusDeleted, Data: []byte(`{"id":"5","account_id":"1"}`)})

	c := svc.next(t)
	assert.Equal(t, "unfan", c.op)
	assert.Equal(t, int64(5), c.statusID)
}

func TestHandleRelationshipChanged(t *testing.T) {
	svc := newRecordingService()
	h := NewEventHandler(svc, time.Second)

	h.HandleRelationshipChanged(&nats.Msg{Subject: SubjectRelationshipBlocked, Data: []byte(`{"account_id":"2","target_account_id":"3"}`)})

	c := svc.next(t)
	assert.Equal(t, call{op: "clear", account: 2, target: 3}, c)
}

func TestHandleRelationshipChanged_DispatchesOnSubject(t *testing.T) {
	tests := []struct {
		subject string
		op      string
	}{
		{SubjectRelationshipBlocked, "clear"},
		{SubjectRelationshipMuted, "clear"},
		{SubjectRelationshipFollowed, "merge"},
		{SubjectRelationshipUnfollowed, "unmerge"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			svc := newRecordingService()
			h := NewEventHandler(svc, time.Second)

			h.HandleRelationshipChanged(&nats.Msg{Subject: tt.subject, Data: []byte(`{"account_id":"2","target_account_id":"3"}`)})

			assert.Equal(t, call{op: tt.op, account: 2, target: 3}, svc.next(t))
		})
	}
}

func TestHandlers_DropMalformedEvents(t *testing.T) {
	svc := newRecordingService()
	h := NewEventHandler(svc, time.Second)

	h.HandleStatusCreated(&nats.Msg{Subject: SubjectStatusCreated, Data: []byte(`not json`)})
	h.HandleStatusCreated(&nats.Msg{Subject: SubjectStatusCreated, Data: []byte(`{"id":"0","account_id":"1"}`)})
	h.HandleStatusDeleted(&nats.Msg{Subject: SubjectStatusDeleted, Data: []byte(`{"id":5}`)})
	h.HandleRelationshipChanged(&nats.Msg{Subject: SubjectRelationshipMuted, Data: []byte(`{"account_id":"2"}`)})

	svc.none(t)
}
