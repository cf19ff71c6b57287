package requestlog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Service writes request logs asynchronously. Record never blocks the proxy;
// entries are dropped when the queue is full.
type Service struct {
	repo      *Repo
	queue     chan *types.RequestLog
	flushReq  chan chan struct{}
	batchSize int
	interval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// ServiceConfig configures the writer
type ServiceConfig struct {
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates a writer over repo
func NewService(repo *Repo, cfg ServiceConfig) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Service{
		repo:      repo,
		queue:     make(chan *types.RequestLog, cfg.QueueSize),
		flushReq:  make(chan chan struct{}),
		batchSize: cfg.FlushBatch,
		interval:  cfg.FlushInterval,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("requestlog"),
	}
}

// Start launches the flush loop
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop drains the queue and stops the loop
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Record enqueues an entry
func (s *Service) Record(entry *types.RequestLog) {
	select {
	case s.queue <- entry:
	default:
		s.logger.Warn().Str("service", entry.ServiceName).Msg("Request log queue full, dropping entry")
	}
}

// Flush writes everything queued so far
func (s *Service) Flush() {
	done := make(chan struct{})
	select {
	case s.flushReq <- done:
		<-done
	case <-s.stopCh:
	}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]*types.RequestLog, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case done := <-s.flushReq:
			batch = s.flush(s.drain(batch))
			close(done)
		case <-s.stopCh:
			s.flush(s.drain(batch))
			return
		}
	}
}

func (s *Service) drain(batch []*types.RequestLog) []*types.RequestLog {
	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

func (s *Service) flush(batch []*types.RequestLog) []*types.RequestLog {
	if len(batch) == 0 {
		return batch
	}
	if _, err := s.repo.InsertBatch(context.Background(), batch); err != nil {
		s.logger.Error().Err(err).Int("entries", len(batch)).Msg("Failed to flush request logs")
	}
	return batch[:0]
}

// List returns the newest entries of serviceName including queued ones
func (s *Service) List(ctx context.Context, serviceName string, limit int) ([]*types.RequestLog, error) {
	s.Flush()
	return s.repo.List(ctx, serviceName, limit)
}

// DeleteService removes every entry of serviceName
func (s *Service) DeleteService(ctx context.Context, serviceName string) error {
	s.Flush()
	_, err := s.repo.DeleteService(ctx, serviceName)
	return err
}

// Prune keeps the newest keepPerService entries of every service
func (s *Service) Prune(ctx context.Context, keepPerService int) (int64, error) {
	return s.repo.Prune(ctx, keepPerService)
}
