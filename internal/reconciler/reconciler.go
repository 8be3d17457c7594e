package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dny1020/outdial-orchestrator/internal/ari"
	"github.com/dny1020/outdial-orchestrator/internal/kv"
	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

// Telephony cause codes consulted when a channel is destroyed
const (
	causeBusy     = 17
	causeNoAnswer = 19
)

// CallStore defines the persistence operations the reconciler needs
type CallStore interface {
	GetByChannel(ctx context.Context, channel string) (*models.Call, error)
	UpdateVersioned(ctx context.Context, call *models.Call) (bool, error)
}

// Leaser defines the mutual-exclusion operations the reconciler needs
type Leaser interface {
	AcquireLease(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*kv.Lease, error)
	ReleaseLease(ctx context.Context, lease *kv.Lease)
}

// MetricsInterface defines metrics operations
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
}

// Config holds reconciler tuning
type Config struct {
	LeaseTTL     time.Duration
	LeaseWait    time.Duration
}

// Reconciler turns PBX events into authoritative call state changes. Per
// channel id all read-modify-write cycles run under a KV lease, so for a
// fixed channel the persisted transitions form a totally ordered,
// state-machine-legal sequence even with multiple API instances consuming
// the same stream.
type Reconciler struct {
	store   CallStore
	leaser  Leaser
	metrics MetricsInterface
	cfg     Config

	now func() time.Time
}

func New(store CallStore, leaser Leaser, metrics MetricsInterface, cfg Config) *Reconciler {
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Second
	}
	if cfg.LeaseWait == 0 {
		cfg.LeaseWait = 2 * time.Second
	}

	return &Reconciler{
		store:   store,
		leaser:  leaser,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// HandleEvent implements ari.EventHandler. Events without a channel id are
// ignored; everything else is applied under the per-channel lease. Errors
// never propagate: the event is dropped after logging and a later terminal
// event settles the record.
func (r *Reconciler) HandleEvent(ctx context.Context, event *ari.Event) {
	if event.Channel == nil || event.Channel.ID == "" {
		return
	}

	channelID := event.Channel.ID
	log := logger.WithContext(ctx).WithCall("", channelID).WithField("event_type", event.Type)

	lease, err := r.leaser.AcquireLease(ctx, fmt.Sprintf("call:channel:%s", channelID), r.cfg.LeaseTTL, r.cfg.LeaseWait)
	if err != nil {
		log.WithError(err).Warn("Dropping event, channel lease not acquired")
		r.count("reconciler_events_dropped", map[string]string{"reason": "lease"})
		return
	}
	defer r.leaser.ReleaseLease(ctx, lease)

	if err := r.apply(ctx, event, channelID); err != nil {
		log.WithError(err).WithField("event", string(event.Raw)).Error("Failed to apply event")
	}
}

// apply runs one read-validate-write cycle with a single re-read retry on
// a lost version race.
func (r *Reconciler) apply(ctx context.Context, event *ari.Event, channelID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		call, err := r.store.GetByChannel(ctx, channelID)
		if err != nil {
			if errors.Is(err, errors.ErrCallNotFound) {
				// The origination pipeline has not committed the channel
				// yet; a later event will find the row.
				logger.WithField("channel", channelID).Debug("No call for channel yet, dropping event")
				r.count("reconciler_events_dropped", map[string]string{"reason": "no_call"})
				return nil
			}
			return err
		}

		target, mutate := r.stageTransition(call, event)
		if target == "" {
			return nil
		}

		ok, reason := models.CanTransition(call.Status, target, false)
		r.count("call_state_transitions", map[string]string{
			"from":    string(call.Status),
			"to":      string(target),
			"allowed": fmt.Sprintf("%t", ok),
		})
		if !ok {
			logger.WithCall(call.CallID, channelID).WithFields(map[string]interface{}{
				"from":   call.Status,
				"to":     target,
				"reason": reason,
			}).Warn("Rejected invalid state transition")
			return nil
		}

		if target == call.Status && !mutate(call) {
			// Idempotent event with nothing new to persist
			return nil
		}
		if target != call.Status {
			mutate(call)
		}
		call.Status = target

		won, err := r.store.UpdateVersioned(ctx, call)
		if err != nil {
			return err
		}
		if won {
			logger.WithCall(call.CallID, channelID).WithFields(map[string]interface{}{
				"status":  call.Status,
				"version": call.Version,
			}).Info("Call state reconciled")
			return nil
		}

		// Lost the version race; re-read once and retry
		logger.WithField("channel", channelID).Debug("Lost version race, re-reading")
	}

	r.count("reconciler_events_dropped", map[string]string{"reason": "version_race"})
	logger.WithField("channel", channelID).Warn("Dropping event after repeated version race")
	return nil
}

// stageTransition derives the target status for an event against the
// current record and returns a mutation that stamps timestamps and
// diagnostics. The mutation reports whether it changed anything, so
// idempotent replays skip the write. An empty target means the event does
// not drive the state machine.
func (r *Reconciler) stageTransition(call *models.Call, event *ari.Event) (models.CallStatus, func(*models.Call) bool) {
	now := r.now()

	switch event.Type {
	case ari.EventStasisStart:
		return models.CallStatusDialing, func(c *models.Call) bool {
			if c.DialedAt == nil {
				c.DialedAt = &now
				return true
			}
			return false
		}

	case ari.EventChannelStateChange:
		switch event.Channel.State {
		case ari.ChannelStateRinging:
			return models.CallStatusRinging, func(c *models.Call) bool { return false }
		case ari.ChannelStateUp:
			return models.CallStatusAnswered, func(c *models.Call) bool {
				if c.AnsweredAt == nil {
					c.AnsweredAt = &now
					return true
				}
				return false
			}
		}
		return "", nil

	case ari.EventChannelDestroyed:
		target := terminalStatusFor(call, event.Channel)
		return target, func(c *models.Call) bool {
			changed := false
			if c.EndedAt == nil {
				c.EndedAt = &now
				changed = true
			}
			if target == models.CallStatusCompleted && c.AnsweredAt != nil && c.Duration == nil {
				d := int(c.EndedAt.Sub(*c.AnsweredAt) / time.Second)
				c.Duration = &d
				c.BillableDuration = &d
				changed = true
			}
			if target == models.CallStatusFailed && c.FailureReason == "" {
				c.FailureReason = failureReason(event.Channel)
				changed = true
			}
			return changed
		}
	}

	return "", nil
}

// terminalStatusFor maps a destroyed channel onto the terminal status.
// An answered call completed normally; otherwise the cause decides.
func terminalStatusFor(call *models.Call, ch *ari.ChannelInfo) models.CallStatus {
	if call.Status == models.CallStatusAnswered {
		return models.CallStatusCompleted
	}

	causeTxt := strings.ToLower(ch.CauseTxt)
	switch {
	case ch.Cause == causeBusy || strings.Contains(causeTxt, "busy"):
		return models.CallStatusBusy
	case ch.Cause == causeNoAnswer || strings.Contains(causeTxt, "no_answer") || strings.Contains(causeTxt, "no answer"):
		return models.CallStatusNoAnswer
	default:
		return models.CallStatusFailed
	}
}

func failureReason(ch *ari.ChannelInfo) string {
	if ch.CauseTxt != "" {
		return ch.CauseTxt
	}
	return fmt.Sprintf("cause %d", ch.Cause)
}

func (r *Reconciler) count(name string, labels map[string]string) {
	if r.metrics != nil {
		r.metrics.IncrementCounter(name, labels)
	}
}
