package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dkwang/voicebridge/internal/store"
)

// RetentionJob prunes old call log rows on a configurable interval
// (default: 6 hours). Calls older than the retention window are deleted
// together with their transcripts and events.
type RetentionJob struct {
	store      *store.Store
	logger     *log.Logger
	retainDays int
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewRetentionJob creates a new retention job.
func NewRetentionJob(s *store.Store, logger *log.Logger, retainDays int, interval time.Duration) *RetentionJob {
	if interval == 0 {
		interval = 6 * time.Hour
	}
	return &RetentionJob{
		store:      s,
		logger:     logger,
		retainDays: retainDays,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background job.
func (j *RetentionJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("RetentionJob: started (interval=%v, retain=%dd)", j.interval, j.retainDays)
}

// Stop gracefully stops the background job.
func (j *RetentionJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("RetentionJob: stopped")
}

func (j *RetentionJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *RetentionJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -j.retainDays)
	pruned, err := j.store.DeleteCallsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Printf("RetentionJob: failed to prune calls: %v", err)
		return
	}
	if pruned > 0 {
		j.logger.Printf("RetentionJob: pruned %d calls older than %s", pruned, cutoff.Format(time.RFC3339))
	}
}
