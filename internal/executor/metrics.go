package executor

import (
	"sync"
	"time"
)

// ExecutorMetrics tracks statistics about task execution.
type ExecutorMetrics struct {
	TasksExecuted    int
	TasksSuccessful  int
	TasksFailed      int
	TasksCancelled   int
	TotalDuration    time.Duration
	LongestTaskTime  time.Duration
	ShortestTaskTime time.Duration
	TotalAttempts    int
	TotalRetries     int
	PeakRunning      int

	mu sync.Mutex // Protects metrics updates
}

// Copy returns a snapshot without the mutex.
func (m *ExecutorMetrics) Copy() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ExecutorMetrics{
		TasksExecuted:    m.TasksExecuted,
		TasksSuccessful:  m.TasksSuccessful,
		TasksFailed:      m.TasksFailed,
		TasksCancelled:   m.TasksCancelled,
		TotalDuration:    m.TotalDuration,
		LongestTaskTime:  m.LongestTaskTime,
		ShortestTaskTime: m.ShortestTaskTime,
		TotalAttempts:    m.TotalAttempts,
		TotalRetries:     m.TotalRetries,
		PeakRunning:      m.PeakRunning,
	}
}

func (m *ExecutorMetrics) recordAttempt(retry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalAttempts++
	if retry {
		m.TotalRetries++
	}
}

func (m *ExecutorMetrics) recordRunning(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.PeakRunning {
		m.PeakRunning = n
	}
}

func (m *ExecutorMetrics) recordResult(success, cancelled bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TasksExecuted++
	switch {
	case success:
		m.TasksSuccessful++
	case cancelled:
		m.TasksCancelled++
	default:
		m.TasksFailed++
	}
	m.TotalDuration += d
	if d > m.LongestTaskTime {
		m.LongestTaskTime = d
	}
	if m.ShortestTaskTime == 0 || d < m.ShortestTaskTime {
		m.ShortestTaskTime = d
	}
}
