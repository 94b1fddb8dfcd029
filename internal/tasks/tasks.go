// Package tasks implements the simulated background task collaborator: tasks
// with a random duration that notify the requesting client on creation and
// completion. Task state is instance-local and never replicated.
package tasks

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/metric"
)

// Task statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Info describes one task. Returned by value so callers never observe
// in-place status transitions.
type Info struct {
	ClientID    string `json:"client_id"`
	Status      string `json:"status"`
	Duration    int    `json:"duration"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	InstanceID  string `json:"instance_id"`
	Error       string `json:"error,omitempty"`
}

// Manager tracks simulated background tasks for one instance.
type Manager struct {
	instanceID string
	minDelay   time.Duration
	maxDelay   time.Duration
	metrics    *metric.Metrics

	mu     sync.Mutex
	tasks  map[string]*Info
	active int
}

// NewManager creates a task manager. minDelay and maxDelay bound the
// simulated work duration; config validation guarantees 0 < min <= max.
func NewManager(instanceID string, minDelay, maxDelay time.Duration, m *metric.Metrics) *Manager {
	return &Manager{
		instanceID: instanceID,
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		metrics:    m,
		tasks:      make(map[string]*Info),
	}
}

// Create registers a new task for a client and returns its ID and a snapshot
// of its info. The task does not run until Run is called.
func (m *Manager) Create(clientID string) (string, Info) {
	taskID := fmt.Sprintf("task-%s", uuid.New().String()[:8])
	duration := m.randomDelay()

	info := &Info{
		ClientID:   clientID,
		Status:     StatusRunning,
		Duration:   int(duration / time.Second),
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: m.instanceID,
	}

	m.mu.Lock()
	m.tasks[taskID] = info
	m.active++
	m.mu.Unlock()

	log.Printf("[Tasks] Task %s created for client %s, duration: %s", taskID, clientID, duration)
	return taskID, *info
}

// Run executes a previously-created task, sleeping its simulated duration.
// Cancelling ctx fails the task early. Returns the final info snapshot.
func (m *Manager) Run(ctx context.Context, taskID string) (Info, error) {
	m.mu.Lock()
	info, exists := m.tasks[taskID]
	m.mu.Unlock()

	if !exists {
		return Info{}, fmt.Errorf("task %s not found", taskID)
	}

	started := time.Now()
	timer := time.NewTimer(time.Duration(info.Duration) * time.Second)
	defer timer.Stop()

	select {
	case <-timer.C:
		m.metrics.TaskDuration.WithLabelValues(m.instanceID).Observe(time.Since(started).Seconds())

		m.mu.Lock()
		info.Status = StatusCompleted
		info.CompletedAt = time.Now().UTC().Format(time.RFC3339)
		m.active--
		snapshot := *info
		m.mu.Unlock()

		log.Printf("[Tasks] Task %s completed", taskID)
		return snapshot, nil

	case <-ctx.Done():
		m.mu.Lock()
		info.Status = StatusFailed
		info.Error = ctx.Err().Error()
		m.active--
		snapshot := *info
		m.mu.Unlock()

		return snapshot, fmt.Errorf("task %s cancelled: %w", taskID, ctx.Err())
	}
}

// ActiveCount returns the number of tasks currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// randomDelay picks a whole-second duration in [minDelay, maxDelay].
func (m *Manager) randomDelay() time.Duration {
	minSec := int64(m.minDelay / time.Second)
	maxSec := int64(m.maxDelay / time.Second)
	if minSec < 1 {
		minSec = 1
	}
	if maxSec < minSec {
		maxSec = minSec
	}
	return time.Duration(minSec+rand.Int63n(maxSec-minSec+1)) * time.Second
}
