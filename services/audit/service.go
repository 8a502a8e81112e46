package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/repositories"
	"go.uber.org/zap"
)

// DecisionService persists decision records asynchronously. Evaluations
// hand records over without waiting for the database and without taking a
// lock; mu only serializes Start and Stop.
type DecisionService struct {
	repo         repositories.DecisionRepository
	logger       *zap.Logger
	records      chan *models.DecisionRecord
	quit         chan struct{}
	workerCount  int
	bufferSize   int
	batchSize    int
	writeTimeout time.Duration
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.Mutex

	started   atomic.Bool
	stopped   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Config holds configuration for the DecisionService
type Config struct {
	BufferSize   int           // Size of the record buffer channel
	WorkerCount  int           // Number of concurrent workers
	BatchSize    int           // Max records written per transaction
	WriteTimeout time.Duration // Per write deadline
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  4,
		BatchSize:    50,
		WriteTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// NewDecisionService creates a new DecisionService instance
func NewDecisionService(repo repositories.DecisionRepository, logger *zap.Logger, config Config) *DecisionService {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &DecisionService{
		repo:         repo,
		logger:       logger,
		records:      make(chan *models.DecisionRecord, config.BufferSize),
		quit:         make(chan struct{}),
		workerCount:  config.WorkerCount,
		bufferSize:   config.BufferSize,
		batchSize:    config.BatchSize,
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the background workers
func (s *DecisionService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started.Load() {
		return fmt.Errorf("decision audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started.Store(true)
	s.logger.Info("started decision audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize),
		zap.Int("batch_size", s.batchSize))

	return nil
}

// Stop signals the workers and waits for pending records to be written.
// The record channel is never closed, so a producer racing with Stop cannot
// panic; anything it queues after the workers exit is counted as dropped.
func (s *DecisionService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started.Load() || s.stopped.Load() {
		s.mu.Unlock()
		return fmt.Errorf("decision audit service not running")
	}
	s.stopped.Store(true)
	close(s.quit)
	s.mu.Unlock()

	s.logger.Info("stopping decision audit service", zap.Int("pending_records", len(s.records)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.dropLeftovers()
		s.logger.Info("decision audit service stopped gracefully",
			zap.Int64("processed", s.processed.Load()),
			zap.Int64("dropped", s.dropped.Load()))
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("decision audit service stop timeout after %v", timeout)
	}
}

func (s *DecisionService) dropLeftovers() {
	for {
		select {
		case <-s.records:
			s.dropped.Add(1)
		default:
			return
		}
	}
}

// LogDecision queues a record without blocking. A full buffer drops the record.
func (s *DecisionService) LogDecision(rec *models.DecisionRecord) error {
	if !s.started.Load() || s.stopped.Load() {
		return fmt.Errorf("decision audit service not running")
	}

	select {
	case s.records <- rec:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("decision audit buffer full, dropping record",
			zap.String("id", rec.ID.String()),
			zap.String("phase", string(rec.Phase)),
			zap.String("resource", rec.Resource))
		return fmt.Errorf("decision audit buffer full")
	}
}

// RecordDecision satisfies policy.DecisionRecorder
func (s *DecisionService) RecordDecision(_ context.Context, rec *models.DecisionRecord) {
	if err := s.LogDecision(rec); err != nil {
		s.logger.Debug("decision record not queued", zap.Error(err))
	}
}

// GetDecision reads a stored record
func (s *DecisionService) GetDecision(ctx context.Context, id uuid.UUID) (*models.DecisionRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// ListDecisions reads stored records. A non-empty requestID takes precedence over filter.
func (s *DecisionService) ListDecisions(ctx context.Context, requestID string, filter repositories.DecisionFilter) ([]*models.DecisionRecord, error) {
	if requestID != "" {
		return s.repo.GetByRequestID(ctx, requestID)
	}
	return s.repo.List(ctx, filter)
}

// Prune removes records older than maxAge
func (s *DecisionService) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	return s.repo.DeleteBefore(ctx, time.Now().Add(-maxAge))
}

// RunRetention prunes on every tick until ctx is done
func (s *DecisionService) RunRetention(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx, maxAge); err != nil {
				s.logger.Error("failed to prune decision records", zap.Error(err))
			}
		}
	}
}

func (s *DecisionService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("decision audit worker started", zap.Int("worker_id", id))

	batch := make([]*models.DecisionRecord, 0, s.batchSize)
	for {
		select {
		case rec := <-s.records:
			s.flush(id, s.fill(append(batch[:0], rec)))
		case <-s.quit:
			// Drain what was queued before the stop signal
			for {
				select {
				case rec := <-s.records:
					s.flush(id, s.fill(append(batch[:0], rec)))
				default:
					s.logger.Debug("decision audit worker stopped", zap.Int("worker_id", id))
					return
				}
			}
		}
	}
}

// fill tops batch up with whatever is already buffered, up to batchSize
func (s *DecisionService) fill(batch []*models.DecisionRecord) []*models.DecisionRecord {
	for len(batch) < s.batchSize {
		select {
		case next := <-s.records:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (s *DecisionService) flush(id int, batch []*models.DecisionRecord) {
	if err := s.write(batch); err != nil {
		s.failed.Add(int64(len(batch)))
		s.logger.Error("failed to write decision records",
			zap.Int("worker_id", id),
			zap.Int("count", len(batch)),
			zap.Error(err))
		return
	}
	s.processed.Add(int64(len(batch)))
}

func (s *DecisionService) write(batch []*models.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()

	if len(batch) == 1 {
		return s.repo.Insert(ctx, batch[0])
	}
	return s.repo.InsertBatch(ctx, batch)
}

// GetStats returns statistics about the decision audit service
func (s *DecisionService) GetStats() Stats {
	return Stats{
		BufferSize:     s.bufferSize,
		PendingRecords: len(s.records),
		WorkerCount:    s.workerCount,
		Started:        s.started.Load() && !s.stopped.Load(),
		Processed:      s.processed.Load(),
		Failed:         s.failed.Load(),
		Dropped:        s.dropped.Load(),
	}
}

// Stats represents decision audit service statistics
type Stats struct {
	BufferSize     int   `json:"buffer_size"`
	PendingRecords int   `json:"pending_records"`
	WorkerCount    int   `json:"worker_count"`
	Started        bool  `json:"started"`
	Processed      int64 `json:"processed"`
	Failed         int64 `json:"failed"`
	Dropped        int64 `json:"dropped"`
}
