package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dny1020/outdial-orchestrator/internal/ari"
	"github.com/dny1020/outdial-orchestrator/internal/breaker"
	"github.com/dny1020/outdial-orchestrator/internal/kv"
	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// PBXClient defines the connector operations the pipeline needs
type PBXClient interface {
	Originate(ctx context.Context, req ari.OriginateRequest) ari.OriginateResult
	Hangup(ctx context.Context, channelID string) error
}

// CallStore defines the persistence operations the pipeline needs
type CallStore interface {
	Insert(ctx context.Context, call *models.Call) error
	GetByCallID(ctx context.Context, callID string) (*models.Call, error)
	UpdateVersioned(ctx context.Context, call *models.Call) (bool, error)
}

// Leaser serialises the DIALING write against the reconciler
type Leaser interface {
	AcquireLease(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*kv.Lease, error)
	ReleaseLease(ctx context.Context, lease *kv.Lease)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Defaults holds the fallback routing applied when a request carries no
// overrides
type Defaults struct {
	Context   string
	Extension string
	Priority  int
	TimeoutMS int
	CallerID  string
}

// Config holds pipeline settings
type Config struct {
	Defaults       Defaults
	BreakerEnabled bool
	MaxAttempts    int
	LeaseTTL       time.Duration
	LeaseWait      time.Duration
}

// Service is the origination pipeline: validate, persist PENDING, invoke
// the circuit-broken originate, persist DIALING or FAILED.
type Service struct {
	store    CallStore
	pbx      PBXClient
	leaser   Leaser
	metrics  MetricsInterface
	cfg      Config

	originateBreaker *breaker.Breaker
	hangupBreaker    *breaker.Breaker

	now func() time.Time
}

func New(store CallStore, pbx PBXClient, leaser Leaser, metrics MetricsInterface,
	originateBreaker, hangupBreaker *breaker.Breaker, cfg Config) *Service {

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Second
	}
	if cfg.LeaseWait == 0 {
		cfg.LeaseWait = 2 * time.Second
	}

	return &Service{
		store:            store,
		pbx:              pbx,
		leaser:           leaser,
		metrics:          metrics,
		cfg:              cfg,
		originateBreaker: originateBreaker,
		hangupBreaker:    hangupBreaker,
		now:              time.Now,
	}
}

// resolved routing parameters after validation and default fallback
type dialParams struct {
	phoneNumber string
	context     string
	extension   string
	priority    int
	timeoutMS   int
	callerID    string
	variables   map[string]string
}

func (s *Service) resolveParams(phoneNumber string, req *models.CallRequest) (*dialParams, error) {
	cleaned, err := ValidatePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}

	params := &dialParams{
		phoneNumber: cleaned,
		context:     s.cfg.Defaults.Context,
		extension:   s.cfg.Defaults.Extension,
		priority:    s.cfg.Defaults.Priority,
		timeoutMS:   s.cfg.Defaults.TimeoutMS,
		callerID:    s.cfg.Defaults.CallerID,
	}

	if req != nil {
		if req.Context != "" {
			params.context = req.Context
		}
		if req.Extension != "" {
			params.extension = req.Extension
		}
		if req.Priority != 0 {
			params.priority = req.Priority
		}
		if req.Timeout != 0 {
			params.timeoutMS = req.Timeout
		}
		if req.CallerID != "" {
			params.callerID = SanitizeCallerID(req.CallerID)
		}
		params.variables = req.Variables
	}

	if _, err := ValidateContext(params.context); err != nil {
		return nil, err
	}
	if _, err := ValidateExtension(params.extension); err != nil {
		return nil, err
	}
	if err := ValidatePriority(params.priority); err != nil {
		return nil, err
	}
	if err := ValidateTimeout(params.timeoutMS); err != nil {
		return nil, err
	}

	return params, nil
}

// Originate runs the full pipeline for one outbound call. Validation
// failures return before any side effect; once the PENDING row exists every
// failure path settles it to FAILED. A circuit-open outcome is a
// service-degraded result, not an error.
func (s *Service) Originate(ctx context.Context, phoneNumber string, req *models.CallRequest) (*models.CallResponse, error) {
	params, err := s.resolveParams(phoneNumber, req)
	if err != nil {
		return nil, err
	}

	call := &models.Call{
		CallID:        uuid.NewString(),
		PhoneNumber:   params.phoneNumber,
		CallerID:      params.callerID,
		Status:        models.CallStatusPending,
		Context:       params.context,
		Extension:     params.extension,
		Priority:      params.priority,
		Timeout:       params.timeoutMS,
		AttemptNumber: 1,
		MaxAttempts:   s.cfg.MaxAttempts,
	}
	if len(params.variables) > 0 {
		call.Metadata = make(models.JSON, len(params.variables))
		for k, v := range params.variables {
			call.Metadata[k] = v
		}
	}

	if err := s.store.Insert(ctx, call); err != nil {
		return nil, err
	}
	s.count("calls_launched", nil)

	log := logger.WithContext(ctx).WithCall(call.CallID, "").WithField("phone", call.PhoneNumber)

	if s.cfg.BreakerEnabled && !s.originateBreaker.Allow() {
		log.Warn("Circuit breaker open, refusing origination")
		s.count("calls_failed", map[string]string{"reason": "circuit_open"})
		s.settleFailed(ctx, call, "Service temporarily unavailable")
		return &models.CallResponse{
			Success:     false,
			CallID:      call.CallID,
			PhoneNumber: call.PhoneNumber,
			Message:     "Error originating call",
			Status:      string(models.CallStatusFailed),
			CreatedAt:   s.now().UTC(),
			Error:       "Service temporarily unavailable",
		}, nil
	}

	start := s.now()
	result := s.pbx.Originate(ctx, ari.OriginateRequest{
		PhoneNumber: params.phoneNumber,
		Context:     params.context,
		Extension:   params.extension,
		Priority:    params.priority,
		TimeoutMS:   params.timeoutMS,
		CallerID:    params.callerID,
		Variables:   params.variables,
	})
	s.observe("originate_latency", s.now().Sub(start).Seconds(), nil)

	if s.cfg.BreakerEnabled {
		if result.OK {
			s.originateBreaker.RecordSuccess()
		} else {
			s.originateBreaker.RecordFailure()
		}
	}

	if !result.OK {
		log.WithField("error", result.Error).Error("Origination rejected by PBX")
		s.count("calls_failed", map[string]string{"reason": "pbx"})
		s.settleFailed(ctx, call, result.Error)
		return &models.CallResponse{
			Success:     false,
			CallID:      call.CallID,
			PhoneNumber: call.PhoneNumber,
			Message:     "Error originating call",
			Status:      string(models.CallStatusFailed),
			CreatedAt:   s.now().UTC(),
			Error:       result.Error,
		}, nil
	}

	s.settleDialing(ctx, call, result.ChannelID)
	s.count("calls_success", nil)
	log.WithField("channel", result.ChannelID).Info("Call originated")

	return &models.CallResponse{
		Success:     true,
		CallID:      call.CallID,
		PhoneNumber: call.PhoneNumber,
		Message:     "Call originated successfully",
		Channel:     result.ChannelID,
		Status:      string(models.CallStatusDialing),
		CreatedAt:   s.now().UTC(),
	}, nil
}

// settleDialing commits PENDING -> DIALING under the channel lease so a
// racing StasisStart for the same channel is serialised with this write.
func (s *Service) settleDialing(ctx context.Context, call *models.Call, channelID string) {
	lease, err := s.leaser.AcquireLease(ctx, fmt.Sprintf("call:channel:%s", channelID), s.cfg.LeaseTTL, s.cfg.LeaseWait)
	if err != nil {
		logger.WithField("channel", channelID).WithError(err).Warn("Writing DIALING without channel lease")
	} else {
		defer s.leaser.ReleaseLease(ctx, lease)
	}

	now := s.now()
	call.Status = models.CallStatusDialing
	call.Channel = channelID
	call.DialedAt = &now

	won, err := s.store.UpdateVersioned(ctx, call)
	if err != nil {
		logger.WithField("call_id", call.CallID).WithError(err).Error("Failed to persist DIALING")
		return
	}
	if !won {
		// Another writer advanced the record; keep its view
		logger.WithField("call_id", call.CallID).Debug("DIALING write lost version race")
	}
}

// settleFailed marks the PENDING row FAILED with a diagnostic reason
func (s *Service) settleFailed(ctx context.Context, call *models.Call, reason string) {
	now := s.now()
	call.Status = models.CallStatusFailed
	call.FailureReason = reason
	call.EndedAt = &now

	if _, err := s.store.UpdateVersioned(ctx, call); err != nil {
		logger.WithField("call_id", call.CallID).WithError(err).Error("Failed to persist FAILED")
	}
}

// GetStatus loads the read view of a call
func (s *Service) GetStatus(ctx context.Context, callID string) (*models.CallStatusResponse, error) {
	call, err := s.store.GetByCallID(ctx, callID)
	if err != nil {
		return nil, err
	}
	return call.StatusView(), nil
}

// Hangup tears down the channel of an active call through the hangup
// breaker
func (s *Service) Hangup(ctx context.Context, callID string) error {
	call, err := s.store.GetByCallID(ctx, callID)
	if err != nil {
		return err
	}

	if call.Channel == "" || !call.IsActive() {
		return errors.New(errors.ErrValidation, "call is not active")
	}

	if s.cfg.BreakerEnabled && !s.hangupBreaker.Allow() {
		return errors.New(errors.ErrCircuitOpen, "Service temporarily unavailable")
	}

	err = s.pbx.Hangup(ctx, call.Channel)
	if s.cfg.BreakerEnabled {
		if err != nil {
			s.hangupBreaker.RecordFailure()
		} else {
			s.hangupBreaker.RecordSuccess()
		}
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrARI, "hangup failed")
	}

	// The terminal state lands via the ChannelDestroyed event
	return nil
}

func (s *Service) count(name string, labels map[string]string) {
	if s.metrics != nil {
		s.metrics.IncrementCounter(name, labels)
	}
}

func (s *Service) observe(name string, value float64, labels map[string]string) {
	if s.metrics != nil {
		s.metrics.ObserveHistogram(name, value, labels)
	}
}
