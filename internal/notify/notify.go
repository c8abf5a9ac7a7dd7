// Package notify hands operator-facing messages to delivery sinks.  The
// timeclock core never sends email or SMS itself; sinks here log, POST to a
// webhook, or push to connected websocket clients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	RoleSecurity   = "security"
	RoleHR         = "hr"
	RoleOperations = "operations"
)

const (
	KindDeviceOffline          = "device_offline"
	KindUnrecognizedCredential = "unrecognized_credential"
	KindMultiDeviceScan        = "multi_device_scan"
	KindInvalidSignature       = "invalid_signature"
	KindChainViolation         = "chain_violation"
	KindChainResolved          = "chain_resolved"
)

type Message struct {
	ID            string         `json:"id"`
	RecipientRole string         `json:"recipient_role"`
	Severity      Severity       `json:"severity"`
	Kind          string         `json:"kind"`
	Subject       string         `json:"subject"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func NewMessage(kind, role string, sev Severity, subject string, payload map[string]any) Message {
	return Message{
		ID:            uuid.NewString(),
		RecipientRole: role,
		Severity:      sev,
		Kind:          kind,
		Subject:       subject,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// DefaultTimeout bounds a single Send.
const DefaultTimeout = 5 * time.Second

// Send delivers msg with a deadline and logs failures.  It never returns an
// error: a slow or broken sink must not stall the caller.
func Send(ctx context.Context, d Dispatcher, timeout time.Duration, log logrus.FieldLogger, msg Message) {
	if d == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.Dispatch(ctx, msg); err != nil {
		log.WithFields(logrus.Fields{
			"notification_id": msg.ID,
			"kind":            msg.Kind,
		}).WithError(err).Warn("notification delivery failed")
	}
}

// LogDispatcher writes every message to the process log.
type LogDispatcher struct {
	log logrus.FieldLogger
}

func NewLogDispatcher(log logrus.FieldLogger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, msg Message) error {
	entry := d.log.WithFields(logrus.Fields{
		"notification_id": msg.ID,
		"kind":            msg.Kind,
		"recipient_role":  msg.RecipientRole,
		"severity":        msg.Severity,
	})
	for k, v := range msg.Payload {
		entry = entry.WithField("payload."+k, v)
	}
	switch msg.Severity {
	case SeverityCritical:
		entry.Error(msg.Subject)
	case SeverityWarning:
		entry.Warn(msg.Subject)
	default:
		entry.Info(msg.Subject)
	}
	return nil
}

// FanOut delivers to every sink concurrently and joins their errors.
type FanOut struct {
	sinks   map[string]Dispatcher
	metrics *metrics.Metrics
}

// NewFanOut takes named sinks; the name labels the notifications metric.
func NewFanOut(m *metrics.Metrics, sinks map[string]Dispatcher) *FanOut {
	return &FanOut{sinks: sinks, metrics: m}
}

func (f *FanOut) Dispatch(ctx context.Context, msg Message) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, sink := range f.sinks {
		wg.Add(1)
		go func(name string, sink Dispatcher) {
			defer wg.Done()
			err := sink.Dispatch(ctx, msg)
			result := "ok"
			if err != nil {
				result = "error"
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			if f.metrics != nil {
				f.metrics.Notifications.WithLabelValues(name, result).Inc()
			}
		}(name, sink)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Recorder keeps every message in memory.  Test-only helper.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Dispatch(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// Kinds returns the Kind of every recorded message, in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind
	}
	return out
}
