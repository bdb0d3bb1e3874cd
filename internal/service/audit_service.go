package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/pkg/metrics"
)

type AuditRepository interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
}

type AuditEntry struct {
	ActorID    *uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	IPAddress  string
	Meta       map[string]any
}

// AuditService persists audit events best-effort through a buffered worker.
// A full buffer drops the entry with a warning; persistence failures are
// logged and never reach the operation being audited.
type AuditService struct {
	repo    AuditRepository
	metrics *metrics.Collector
	log     *zap.Logger
	entries chan *domain.AuditEvent
	done    chan struct{}
}

const auditBufferSize = 10_000

func NewAuditService(repo AuditRepository, collector *metrics.Collector, log *zap.Logger) *AuditService {
	svc := &AuditService{
		repo:    repo,
		metrics: collector,
		log:     log,
		entries: make(chan *domain.AuditEvent, auditBufferSize),
		done:    make(chan struct{}),
	}
	go svc.worker()
	return svc
}

// LogAction enqueues an audit entry for async persistence.
func (s *AuditService) LogAction(ctx context.Context, entry AuditEntry) {
	event := &domain.AuditEvent{
		ActorID:    entry.ActorID,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		IPAddress:  entry.IPAddress,
	}
	if entry.Meta != nil {
		if raw, err := json.Marshal(entry.Meta); err == nil {
			event.Meta = string(raw)
		}
	}

	select {
	case s.entries <- event:
	default:
		s.metrics.AuditBufferDropped.Inc()
		s.log.Warn("audit buffer full, dropping entry",
			zap.String("action", entry.Action),
			zap.String("entity", entry.EntityType),
		)
	}
}

func (s *AuditService) Shutdown() {
	close(s.entries)
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		s.log.Warn("audit service shutdown timed out; some entries may be lost")
	}
}

func (s *AuditService) worker() {
	defer close(s.done)
	for event := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Create(ctx, event); err != nil {
			s.log.Error("failed to persist audit event", zap.Error(err))
		} else {
			s.metrics.AuditEntriesTotal.Inc()
		}
		cancel()
	}
}
