package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dny1020/outdial-orchestrator/internal/ari"
	"github.com/dny1020/outdial-orchestrator/internal/kv"
	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text"})
	m.Run()
}

type fakeStore struct {
	call    *models.Call
	updates int
	// loseRaces makes the first N updates fail the version check; raceCall
	// replaces the call on re-read when set.
	loseRaces int
	raceCall  *models.Call
	reads     int
}

func (f *fakeStore) GetByChannel(ctx context.Context, channel string) (*models.Call, error) {
	f.reads++
	if f.call == nil {
		return nil, errors.New(errors.ErrCallNotFound, "call not found")
	}
	if f.reads > 1 && f.raceCall != nil {
		copied := *f.raceCall
		return &copied, nil
	}
	copied := *f.call
	return &copied, nil
}

func (f *fakeStore) UpdateVersioned(ctx context.Context, call *models.Call) (bool, error) {
	if f.loseRaces > 0 {
		f.loseRaces--
		return false, nil
	}
	f.updates++
	call.Version++
	copied := *call
	f.call = &copied
	return true, nil
}

type fakeLeaser struct {
	deny     bool
	acquired int
	released int
}

func (f *fakeLeaser) AcquireLease(ctx context.Context, key string, ttl, wait time.Duration) (*kv.Lease, error) {
	if f.deny {
		return nil, errors.New(errors.ErrLeaseBusy, "lease busy")
	}
	f.acquired++
	return &kv.Lease{}, nil
}

func (f *fakeLeaser) ReleaseLease(ctx context.Context, lease *kv.Lease) {
	f.released++
}

func dialingCall(dialed bool) *models.Call {
	call := &models.Call{
		ID:          1,
		CallID:      "11111111-2222-3333-4444-555555555555",
		PhoneNumber: "+14155552671",
		Status:      models.CallStatusDialing,
		Channel:     "chan-1",
		CreatedAt:   time.Now().Add(-time.Minute),
		Version:     1,
	}
	if dialed {
		at := time.Now().Add(-50 * time.Second)
		call.DialedAt = &at
	}
	return call
}

func channelEvent(eventType, state string, cause int, causeTxt string) *ari.Event {
	return &ari.Event{
		Type: eventType,
		Channel: &ari.ChannelInfo{
			ID:       "chan-1",
			State:    state,
			Cause:    cause,
			CauseTxt: causeTxt,
		},
	}
}

func newTestReconciler(store *fakeStore, leaser *fakeLeaser) *Reconciler {
	return New(store, leaser, nil, Config{LeaseTTL: 5 * time.Second, LeaseWait: 2 * time.Second})
}

func TestStasisStartIdempotentOnDialing(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	leaser := &fakeLeaser{}
	r := newTestReconciler(store, leaser)

	r.HandleEvent(context.Background(), channelEvent(ari.EventStasisStart, "", 0, ""))

	assert.Equal(t, 0, store.updates, "replayed StasisStart must not bump the version")
	assert.Equal(t, models.CallStatusDialing, store.call.Status)
	assert.Equal(t, 1, leaser.acquired)
	assert.Equal(t, 1, leaser.released)
}

func TestStasisStartStampsDialedAt(t *testing.T) {
	store := &fakeStore{call: dialingCall(false)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventStasisStart, "", 0, ""))

	assert.Equal(t, 1, store.updates)
	require.NotNil(t, store.call.DialedAt)
	assert.Equal(t, int64(2), store.call.Version)
}

func TestRingingTransition(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelStateChange, ari.ChannelStateRinging, 0, ""))

	assert.Equal(t, models.CallStatusRinging, store.call.Status)
	assert.Equal(t, int64(2), store.call.Version)
}

func TestAnsweredSetsTimestamp(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelStateChange, ari.ChannelStateUp, 0, ""))

	assert.Equal(t, models.CallStatusAnswered, store.call.Status)
	require.NotNil(t, store.call.AnsweredAt)
}

func TestDestroyedAfterAnsweredCompletesWithDuration(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	answered := time.Now().Add(-30 * time.Second)
	store.call.Status = models.CallStatusAnswered
	store.call.AnsweredAt = &answered

	r := newTestReconciler(store, &fakeLeaser{})
	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 16, "Normal Clearing"))

	assert.Equal(t, models.CallStatusCompleted, store.call.Status)
	require.NotNil(t, store.call.EndedAt)
	require.NotNil(t, store.call.Duration)
	assert.Equal(t, 30, *store.call.Duration)
}

func TestDestroyedBusyCause(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 17, "User busy"))

	assert.Equal(t, models.CallStatusBusy, store.call.Status)
	require.NotNil(t, store.call.EndedAt)
	assert.Nil(t, store.call.Duration, "unanswered call has no duration")
}

func TestDestroyedNoAnswerCauseText(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 0, "NO_ANSWER"))

	assert.Equal(t, models.CallStatusNoAnswer, store.call.Status)
}

func TestDestroyedUnknownCauseFails(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 34, "Circuit congestion"))

	assert.Equal(t, models.CallStatusFailed, store.call.Status)
	assert.Equal(t, "Circuit congestion", store.call.FailureReason)
}

func TestDestroyedBlankCauseTextUsesCode(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 34, ""))

	assert.Equal(t, models.CallStatusFailed, store.call.Status)
	assert.Equal(t, "cause 34", store.call.FailureReason)
}

func TestStrayStasisStartOnAnsweredRejected(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	answered := time.Now()
	store.call.Status = models.CallStatusAnswered
	store.call.AnsweredAt = &answered
	before := store.call.Version

	r := newTestReconciler(store, &fakeLeaser{})
	r.HandleEvent(context.Background(), channelEvent(ari.EventStasisStart, "", 0, ""))

	assert.Equal(t, 0, store.updates, "invalid transition leaves the row unchanged")
	assert.Equal(t, models.CallStatusAnswered, store.call.Status)
	assert.Equal(t, before, store.call.Version)
}

func TestLeaseDeniedDropsEvent(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	r := newTestReconciler(store, &fakeLeaser{deny: true})

	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 17, "User busy"))

	assert.Equal(t, 0, store.reads, "event dropped before touching the store")
	assert.Equal(t, models.CallStatusDialing, store.call.Status)
}

func TestVersionRaceRereadSeesTerminal(t *testing.T) {
	// Two instances receive the same ChannelDestroyed; this one loses the
	// CAS, re-reads, sees the terminal state committed by the winner, and
	// the replay becomes an idempotent same-state transition with nothing
	// new to write.
	store := &fakeStore{call: dialingCall(true), loseRaces: 1}
	terminal := *store.call
	terminal.Status = models.CallStatusBusy
	terminal.Version = 2
	ended := time.Now()
	terminal.EndedAt = &ended
	store.raceCall = &terminal

	r := newTestReconciler(store, &fakeLeaser{})
	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 17, "User busy"))

	assert.Equal(t, 0, store.updates, "loser commits nothing")
	assert.Equal(t, 2, store.reads)
}

func TestVersionRaceRetrySucceeds(t *testing.T) {
	store := &fakeStore{call: dialingCall(true), loseRaces: 1}
	bumped := *store.call
	bumped.Version = 2
	store.raceCall = &bumped

	r := newTestReconciler(store, &fakeLeaser{})
	r.HandleEvent(context.Background(), channelEvent(ari.EventChannelDestroyed, "", 17, "User busy"))

	assert.Equal(t, 1, store.updates)
	assert.Equal(t, models.CallStatusBusy, store.call.Status)
	assert.Equal(t, int64(3), store.call.Version)
}

func TestEventWithoutChannelIgnored(t *testing.T) {
	store := &fakeStore{call: dialingCall(true)}
	leaser := &fakeLeaser{}
	r := newTestReconciler(store, leaser)

	r.HandleEvent(context.Background(), &ari.Event{Type: ari.EventStasisStart})

	assert.Equal(t, 0, leaser.acquired)
	assert.Equal(t, 0, store.reads)
}

func TestUnknownChannelDropped(t *testing.T) {
	store := &fakeStore{}
	r := newTestReconciler(store, &fakeLeaser{})

	r.HandleEvent(context.Background(), channelEvent(ari.EventStasisStart, "", 0, ""))

	assert.Equal(t, 1, store.reads)
	assert.Equal(t, 0, store.updates)
}
