package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Manager runs the job queue and the periodic webhook sweep.
type Manager struct {
	queue         *Queue
	sweeper       Sweeper
	sweepInterval time.Duration
	sweepTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
}

// NewManager creates a manager. A nil queue runs only the sweeper.
func NewManager(queue *Queue, sweeper Sweeper, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 2 * time.Minute
	}
	return &Manager{
		queue:         queue,
		sweeper:       sweeper,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	if m.sweeper != nil {
		m.sweepTicker = time.NewTicker(m.sweepInterval)
		m.wg.Add(1)
		go m.sweepWorker(m.stopCh, m.sweepTicker.C)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// sweepWorker periodically reprocesses webhook events that were never
// completed, covering events whose retry job was lost.
func (m *Manager) sweepWorker(stopCh <-chan struct{}, tick <-chan time.Time) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started webhook sweep worker (interval: %s)", m.sweepInterval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Webhook sweep worker stopping")
			return
		case <-tick:
			if err := m.RunSweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Webhook sweep error: %v", err)
			}
		}
	}
}

// RunSweepOnce runs a single sweep synchronously.
func (m *Manager) RunSweepOnce() error {
	if m.sweeper == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.sweepInterval)
	defer cancel()
	_, err := m.sweeper.Sweep(ctx)
	return err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
