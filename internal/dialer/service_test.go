package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dny1020/outdial-orchestrator/internal/ari"
	"github.com/dny1020/outdial-orchestrator/internal/breaker"
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
	inserted *models.Call
	updated  []*models.Call
	byCallID *models.Call
}

func (f *fakeStore) Insert(ctx context.Context, call *models.Call) error {
	call.ID = 1
	call.Version = 0
	copied := *call
	f.inserted = &copied
	return nil
}

func (f *fakeStore) GetByCallID(ctx context.Context, callID string) (*models.Call, error) {
	if f.byCallID == nil {
		return nil, errors.New(errors.ErrCallNotFound, "call not found")
	}
	copied := *f.byCallID
	return &copied, nil
}

func (f *fakeStore) UpdateVersioned(ctx context.Context, call *models.Call) (bool, error) {
	call.Version++
	copied := *call
	f.updated = append(f.updated, &copied)
	return true, nil
}

type fakePBX struct {
	result     ari.OriginateResult
	calls      int
	hangups    []string
	hangupErr  error
	lastOrig   ari.OriginateRequest
}

func (f *fakePBX) Originate(ctx context.Context, req ari.OriginateRequest) ari.OriginateResult {
	f.calls++
	f.lastOrig = req
	return f.result
}

func (f *fakePBX) Hangup(ctx context.Context, channelID string) error {
	f.hangups = append(f.hangups, channelID)
	return f.hangupErr
}

type fakeLeaser struct{}

func (f *fakeLeaser) AcquireLease(ctx context.Context, key string, ttl, wait time.Duration) (*kv.Lease, error) {
	return &kv.Lease{}, nil
}

func (f *fakeLeaser) ReleaseLease(ctx context.Context, lease *kv.Lease) {}

func defaults() Defaults {
	return Defaults{
		Context:   "outbound-ivr",
		Extension: "s",
		Priority:  1,
		TimeoutMS: 30000,
		CallerID:  "Outbound Call",
	}
}

func newTestService(store *fakeStore, pbx *fakePBX) *Service {
	orig := breaker.New("originate", breaker.Config{FailThreshold: 5, Timeout: 60 * time.Second})
	hang := breaker.New("hangup", breaker.Config{FailThreshold: 5, Timeout: 60 * time.Second})
	return New(store, pbx, &fakeLeaser{}, nil, orig, hang, Config{
		Defaults:       defaults(),
		BreakerEnabled: true,
	})
}

func TestOriginateHappyPath(t *testing.T) {
	store := &fakeStore{}
	pbx := &fakePBX{result: ari.OriginateResult{OK: true, ChannelID: "chan-1"}}
	s := newTestService(store, pbx)

	resp, err := s.Originate(context.Background(), "+14155552671", nil)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, string(models.CallStatusDialing), resp.Status)
	assert.NotEmpty(t, resp.CallID)
	assert.Equal(t, "chan-1", resp.Channel)

	// PENDING row first, then the DIALING settle
	require.NotNil(t, store.inserted)
	assert.Equal(t, models.CallStatusPending, store.inserted.Status)
	assert.Equal(t, int64(0), store.inserted.Version)

	require.Len(t, store.updated, 1)
	final := store.updated[0]
	assert.Equal(t, models.CallStatusDialing, final.Status)
	assert.Equal(t, "chan-1", final.Channel)
	assert.NotNil(t, final.DialedAt)
	assert.Equal(t, int64(1), final.Version)

	// Defaults applied to the PBX request
	assert.Equal(t, "outbound-ivr", pbx.lastOrig.Context)
	assert.Equal(t, "s", pbx.lastOrig.Extension)
	assert.Equal(t, 30000, pbx.lastOrig.TimeoutMS)
}

func TestOriginateValidationFailureHasNoSideEffects(t *testing.T) {
	store := &fakeStore{}
	pbx := &fakePBX{result: ari.OriginateResult{OK: true, ChannelID: "chan-1"}}
	s := newTestService(store, pbx)

	_, err := s.Originate(context.Background(), "14155552671", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	appErr := err.(*errors.AppError)
	assert.Equal(t, 400, appErr.StatusCode)
	assert.Nil(t, store.inserted, "no row created")
	assert.Equal(t, 0, pbx.calls, "no PBX call made")
}

func TestOriginatePBXRejectionSettlesFailed(t *testing.T) {
	store := &fakeStore{}
	pbx := &fakePBX{result: ari.OriginateResult{OK: false, ChannelID: "chan-1", Error: "ARI error 503"}}
	s := newTestService(store, pbx)

	resp, err := s.Originate(context.Background(), "+14155552671", nil)
	require.NoError(t, err, "PBX rejection is a structured result, not an error")

	assert.False(t, resp.Success)
	assert.Equal(t, string(models.CallStatusFailed), resp.Status)
	assert.Equal(t, "ARI error 503", resp.Error)

	require.Len(t, store.updated, 1)
	assert.Equal(t, models.CallStatusFailed, store.updated[0].Status)
	assert.Equal(t, "ARI error 503", store.updated[0].FailureReason)
	assert.NotNil(t, store.updated[0].EndedAt)
}

func TestOriginateCircuitOpenShortCircuits(t *testing.T) {
	store := &fakeStore{}
	pbx := &fakePBX{result: ari.OriginateResult{OK: false, Error: "ARI error 500"}}
	s := newTestService(store, pbx)

	// Five failures open the breaker
	for i := 0; i < 5; i++ {
		_, err := s.Originate(context.Background(), "+14155552671", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, pbx.calls)

	// The sixth request is refused without touching the network
	resp, err := s.Originate(context.Background(), "+14155552671", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "Service temporarily unavailable", resp.Error)
	assert.Equal(t, 5, pbx.calls, "no PBX call while the circuit is open")

	// The PENDING row still settles FAILED
	last := store.updated[len(store.updated)-1]
	assert.Equal(t, models.CallStatusFailed, last.Status)
}

func TestOriginateOverridesApplied(t *testing.T) {
	store := &fakeStore{}
	pbx := &fakePBX{result: ari.OriginateResult{OK: true, ChannelID: "chan-1"}}
	s := newTestService(store, pbx)

	req := &models.CallRequest{
		Context:   "campaign-42",
		Extension: "1000",
		Priority:  5,
		Timeout:   60000,
		CallerID:  `Sales Desk <"200">`,
		Variables: map[string]string{"campaign": "q3"},
	}

	_, err := s.Originate(context.Background(), "+14155552671", req)
	require.NoError(t, err)

	assert.Equal(t, "campaign-42", pbx.lastOrig.Context)
	assert.Equal(t, "1000", pbx.lastOrig.Extension)
	assert.Equal(t, 5, pbx.lastOrig.Priority)
	assert.Equal(t, 60000, pbx.lastOrig.TimeoutMS)
	assert.NotContains(t, pbx.lastOrig.CallerID, `"`, "caller id sanitised")
	assert.Equal(t, "q3", pbx.lastOrig.Variables["campaign"])

	assert.Equal(t, "q3", store.inserted.Metadata["campaign"])
}

func TestOriginateRejectsBadOverrides(t *testing.T) {
	store := &fakeStore{}
	pbx := &fakePBX{}
	s := newTestService(store, pbx)

	_, err := s.Originate(context.Background(), "+14155552671", &models.CallRequest{Priority: 11})
	assert.Error(t, err)

	_, err = s.Originate(context.Background(), "+14155552671", &models.CallRequest{Timeout: 700000})
	assert.Error(t, err)

	_, err = s.Originate(context.Background(), "+14155552671", &models.CallRequest{Context: "bad context!"})
	assert.Error(t, err)

	assert.Nil(t, store.inserted)
	assert.Equal(t, 0, pbx.calls)
}

func TestGetStatus(t *testing.T) {
	store := &fakeStore{}
	answered := time.Now().Add(-time.Minute)
	duration := 30
	store.byCallID = &models.Call{
		CallID:      "abc",
		PhoneNumber: "+14155552671",
		Status:      models.CallStatusCompleted,
		AnsweredAt:  &answered,
		Duration:    &duration,
	}

	s := newTestService(store, &fakePBX{})
	view, err := s.GetStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", view.Status)
	assert.Equal(t, 30, *view.Duration)
	assert.False(t, view.IsActive)
}

func TestGetStatusNotFound(t *testing.T) {
	s := newTestService(&fakeStore{}, &fakePBX{})
	_, err := s.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCallNotFound))
}

func TestHangupActiveCall(t *testing.T) {
	store := &fakeStore{}
	store.byCallID = &models.Call{
		CallID:  "abc",
		Status:  models.CallStatusAnswered,
		Channel: "chan-9",
	}
	pbx := &fakePBX{}

	s := newTestService(store, pbx)
	require.NoError(t, s.Hangup(context.Background(), "abc"))
	assert.Equal(t, []string{"chan-9"}, pbx.hangups)
}

func TestHangupTerminalCallRejected(t *testing.T) {
	store := &fakeStore{}
	store.byCallID = &models.Call{
		CallID:  "abc",
		Status:  models.CallStatusCompleted,
		Channel: "chan-9",
	}

	s := newTestService(store, &fakePBX{})
	err := s.Hangup(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
