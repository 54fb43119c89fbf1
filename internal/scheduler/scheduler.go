// Package scheduler runs background sync jobs, one per enabled
// connection, on each connection's configured interval.
package scheduler

import (
	"context"
	"errors"
	"log"
	gosync "sync"
	"time"

	"github.com/dashwall/calhub/internal/db"
	"github.com/dashwall/calhub/internal/sync"
)

const (
	cleanupInterval  = 24 * time.Hour
	logRetentionDays = 30
	syncTimeout      = 10 * time.Minute // Maximum time for a single sync run
	defaultInterval  = 5 * time.Minute
)

// Job represents a scheduled sync job for one connection.
type Job struct {
	connectionID string
	interval     time.Duration
	ticker       *time.Ticker
	stopCh       chan struct{}
}

// Scheduler manages background sync jobs.
type Scheduler struct {
	db     *db.DB
	engine *sync.Engine

	mu      gosync.RWMutex
	jobs    map[string]*Job
	wg      gosync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a new scheduler.
func New(database *db.DB, engine *sync.Engine) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:     database,
		engine: engine,
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start loads all enabled connections and starts their sync jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	conns, err := s.db.ListActiveConnections()
	if err != nil {
		return err
	}

	for _, conn := range conns {
		s.AddJob(conn.ID, intervalFor(conn))
	}

	s.wg.Add(1)
	go s.cleanupRoutine()

	log.Printf("Scheduler started with %d jobs", len(conns))
	return nil
}

// Stop gracefully shuts down all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()

	s.mu.Lock()
	for _, job := range s.jobs {
		close(job.stopCh)
		job.ticker.Stop()
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("Scheduler stopped")
}

// AddJob adds or replaces a sync job for a connection.
func (s *Scheduler) AddJob(connectionID string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.jobs[connectionID]; exists {
		close(existing.stopCh)
		existing.ticker.Stop()
	}

	job := &Job{
		connectionID: connectionID,
		interval:     interval,
		ticker:       time.NewTicker(interval),
		stopCh:       make(chan struct{}),
	}
	s.jobs[connectionID] = job

	s.wg.Add(1)
	go s.runJob(job)

	log.Printf("Added sync job for connection %s with interval %v", connectionID, interval)
}

// RemoveJob removes a sync job.
func (s *Scheduler) RemoveJob(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[connectionID]; exists {
		close(job.stopCh)
		job.ticker.Stop()
		delete(s.jobs, connectionID)
		log.Printf("Removed sync job for connection %s", connectionID)
	}
}

// UpdateJobInterval updates the interval for an existing job.
func (s *Scheduler) UpdateJobInterval(connectionID string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[connectionID]; exists {
		job.ticker.Stop()
		job.interval = interval
		job.ticker = time.NewTicker(interval)
		log.Printf("Updated sync interval for connection %s to %v", connectionID, interval)
	}
}

// TriggerSync manually triggers a sync for a connection.
func (s *Scheduler) TriggerSync(connectionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSync(connectionID)
	}()
}

// GetJobCount returns the number of active jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// runJob runs the sync job loop.
func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	// Run immediately on start
	s.executeSync(job.connectionID)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-job.ticker.C:
			s.executeSync(job.connectionID)
		}
	}
}

// executeSync runs one sync for a connection. Overlap with an
// in-flight run is detected by the engine and skipped here.
func (s *Scheduler) executeSync(connectionID string) {
	ctx, cancel := context.WithTimeout(s.ctx, syncTimeout)
	defer cancel()

	result, err := s.engine.SyncConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, sync.ErrSyncInProgress) {
			log.Printf("Skipping sync for connection %s - another sync is already in progress", connectionID)
			return
		}
		if errors.Is(err, sync.ErrNotConnected) {
			return
		}
		log.Printf("Sync failed for connection %s: %v", connectionID, err)
		return
	}

	log.Printf("Sync completed for connection %s: %d created, %d updated, %d deleted in %v",
		connectionID, result.Created, result.Updated, result.Deleted, result.Duration)
}

// cleanupRoutine runs periodic cleanup of old sync logs.
func (s *Scheduler) cleanupRoutine() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOldLogs()
		}
	}
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.db.CleanOldSyncLogs(cutoff)
	if err != nil {
		log.Printf("Failed to clean old sync logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync logs", deleted)
	}
}

func intervalFor(conn *db.CalendarConnection) time.Duration {
	if conn.SyncInterval <= 0 {
		return defaultInterval
	}
	return time.Duration(conn.SyncInterval) * time.Second
}
