// Package events decouples money movement from its side effects. Services
// hand audit records, notifications and fraud flags to the Outbox after the
// owning database transaction commits; a single worker drains them in the
// background so a slow sink can never hold a wallet lock.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainpay/chainpay/pkg/metrics"
	"github.com/chainpay/chainpay/pkg/models"
)

// Event is one deferred side effect.
type Event struct {
	Audit        *models.AuditRecord
	Notification *models.Notification
	FraudFlag    *models.FraudFlag
}

// Sink receives drained events. The gorm implementation persists them; tests
// use the memory sink.
type Sink interface {
	Apply(ctx context.Context, ev Event) error
}

// Outbox is a bounded fire-and-forget queue. Publish never blocks the
// caller: when the buffer is full the event is dropped and counted.
type Outbox struct {
	logger *zap.Logger
	sink   Sink
	ch     chan Event

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewOutbox(logger *zap.Logger, sink Sink, buffer int) *Outbox {
	return &Outbox{
		logger: logger,
		sink:   sink,
		ch:     make(chan Event, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the drain worker.
func (o *Outbox) Start() {
	go func() {
		defer close(o.done)
		for {
			select {
			case ev := <-o.ch:
				if err := o.sink.Apply(context.Background(), ev); err != nil {
					o.logger.Warn("outbox sink failed", zap.Error(err))
				}
			case <-o.stop:
				// Drain what is already queued before exiting.
				for {
					select {
					case ev := <-o.ch:
						if err := o.sink.Apply(context.Background(), ev); err != nil {
							o.logger.Warn("outbox sink failed", zap.Error(err))
						}
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop drains outstanding events and shuts the worker down.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

// Publish enqueues ev, dropping it when the buffer is full.
func (o *Outbox) Publish(ev Event) {
	select {
	case o.ch <- ev:
	default:
		metrics.OutboxDropped.Inc()
		o.logger.Warn("outbox full, event dropped")
	}
}

// Audit queues an audit record.
func (o *Outbox) Audit(actorID uuid.UUID, action, detail string) {
	o.Publish(Event{Audit: &models.AuditRecord{
		ID:      uuid.New(),
		ActorID: actorID,
		Action:  action,
		Details: detail,
	}})
}

// Notify queues a user notification.
func (o *Outbox) Notify(userID uuid.UUID, kind, message string) {
	o.Publish(Event{Notification: &models.Notification{
		ID:      uuid.New(),
		UserID:  userID,
		Kind:    kind,
		Message: message,
	}})
}

// Flag queues a fraud flag.
func (o *Outbox) Flag(userID uuid.UUID, rule, severity, detail string) {
	o.Publish(Event{FraudFlag: &models.FraudFlag{
		ID:       uuid.New(),
		UserID:   userID,
		FlagType: rule,
		Severity: severity,
		Details:  detail,
	}})
}

// GormSink persists drained events.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

func (s *GormSink) Apply(ctx context.Context, ev Event) error {
	if ev.Audit != nil {
		if err := s.db.WithContext(ctx).Create(ev.Audit).Error; err != nil {
			return err
		}
	}
	if ev.Notification != nil {
		if err := s.db.WithContext(ctx).Create(ev.Notification).Error; err != nil {
			return err
		}
	}
	if ev.FraudFlag != nil {
		if err := s.db.WithContext(ctx).Create(ev.FraudFlag).Error; err != nil {
			return err
		}
	}
	return nil
}

// MemorySink collects events for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	Events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Apply(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return nil
}

// Flags returns the fraud flags seen so far.
func (s *MemorySink) Flags() []*models.FraudFlag {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FraudFlag
	for _, ev := range s.Events {
		if ev.FraudFlag != nil {
			out = append(out, ev.FraudFlag)
		}
	}
	return out
}
