package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/pipeline"
	"github.com/lakeshed/reddit-medallion/source"
	"github.com/lakeshed/reddit-medallion/store"
)

// Service polls the input directory for collector batch files, runs
// each through the pipeline coordinator, and archives processed files.
// Batch runs are strictly serial: one writer per table set.
type Service struct {
	config      *Config
	store       *store.Store
	coordinator *pipeline.Coordinator
	logger      *zap.Logger
	stopChan    chan struct{}
	doneChan    chan struct{}

	mu    sync.RWMutex
	stats ServiceStats
}

// ServiceStats holds processing statistics for the health surface.
type ServiceStats struct {
	BatchesProcessed int64
	BatchErrors      int64
	LastBatchID      string
	LastBatchTime    time.Time
	LastSummary      *pipeline.Summary
}

// NewService opens the table store and wires the coordinator.
func NewService(config *Config, logger *zap.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := store.Open(config.StoreOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open table store: %w", err)
	}

	return &Service{
		config:      config,
		store:       st,
		coordinator: pipeline.New(st, logger),
		logger:      logger,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}, nil
}

// Start begins the polling loop. It processes any pending files
// immediately, then polls on the configured interval until Stop.
func (s *Service) Start() error {
	defer close(s.doneChan)

	s.logger.Info("starting medallion pipeline service",
		zap.String("input_dir", s.config.Input.Dir),
		zap.String("pattern", s.config.Input.Pattern),
		zap.Duration("poll_interval", s.config.PollInterval()))

	if err := os.MkdirAll(s.config.Input.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	if err := s.processPending(); err != nil {
		s.logger.Error("initial poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.config.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.processPending(); err != nil {
				s.logger.Error("poll failed", zap.Error(err))
			}
		case <-s.stopChan:
			s.logger.Info("stopping service")
			return nil
		}
	}
}

// Stop signals the polling loop, waits for any in-flight batch to
// finish, and only then closes the store. Closing earlier would fail a
// mid-batch run against a dead handle.
func (s *Service) Stop() {
	close(s.stopChan)
	<-s.doneChan
	if s.store != nil {
		s.store.Close()
	}
}

// processPending runs every pending batch file, oldest first. A failed
// batch stays in the input directory and is retried on the next poll;
// the run ledger keeps the retry from double-counting.
func (s *Service) processPending() error {
	files, err := filepath.Glob(filepath.Join(s.config.Input.Dir, s.config.Input.Pattern))
	if err != nil {
		return fmt.Errorf("failed to list input dir: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		select {
		case <-s.stopChan:
			return nil
		default:
		}
		if err := s.ProcessFile(context.Background(), file); err != nil {
			s.recordError()
			batchErrors.Inc()
			s.logger.Error("batch failed", zap.String("file", file), zap.Error(err))
			continue
		}
		if err := s.archive(file); err != nil {
			return err
		}
	}
	return nil
}

// ProcessFile runs one batch file through the pipeline.
func (s *Service) ProcessFile(ctx context.Context, path string) error {
	batch, err := source.ReadFile(path)
	if err != nil {
		return err
	}

	summary, err := s.coordinator.Run(ctx, batch)
	if err != nil {
		return err
	}

	s.recordSummary(summary)
	observeSummary(summary)
	return nil
}

func (s *Service) archive(file string) error {
	dest := filepath.Join(s.config.Input.ArchiveDir, filepath.Base(file))
	if err := os.Rename(file, dest); err != nil {
		return fmt.Errorf("failed to archive %s: %w", file, err)
	}
	s.logger.Info("archived batch file", zap.String("file", file), zap.String("dest", dest))
	return nil
}

// Stats returns current service statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Service) recordSummary(summary *pipeline.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BatchesProcessed++
	s.stats.LastBatchID = summary.BatchID
	s.stats.LastBatchTime = time.Now()
	s.stats.LastSummary = summary
}

func (s *Service) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BatchErrors++
}
