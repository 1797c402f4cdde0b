// Package task runs named jobs on a fixed interval.
package task

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Task calls Execute every Interval until closed. Execute errors are
// logged and do not stop the task.
type Task struct {
	Name     string
	Interval time.Duration
	Execute  func() error

	access  sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewWithInterval(name string, interval time.Duration, execute func() error) *Task {
	return &Task{
		Name:     name,
		Interval: interval,
		Execute:  execute,
	}
}

// Start runs the task in the background. The first run happens after one
// interval.
func (t *Task) Start() error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	t.access.Lock()
	defer t.access.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stop, t.done)
	return nil
}

func (t *Task) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Execute(); err != nil {
				log.Printf("Task %s failed: %s", t.Name, err)
			}
		case <-stop:
			return
		}
	}
}

// Close stops the task and waits for a run in progress.
func (t *Task) Close() error {
	t.access.Lock()
	if !t.running {
		t.access.Unlock()
		return nil
	}
	t.running = false
	close(t.stop)
	done := t.done
	t.access.Unlock()
	<-done
	return nil
}

// Manager owns a set of tasks.
type Manager struct {
	access sync.Mutex
	tasks  []*Task
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Add(t *Task) {
	m.access.Lock()
	defer m.access.Unlock()
	m.tasks = append(m.tasks, t)
}

func (m *Manager) Count() int {
	m.access.Lock()
	defer m.access.Unlock()
	return len(m.tasks)
}

func (m *Manager) StartAll() error {
	m.access.Lock()
	defer m.access.Unlock()
	for _, t := range m.tasks {
		if err := t.Start(); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll stops every task and forgets them.
func (m *Manager) CloseAll() error {
	m.access.Lock()
	defer m.access.Unlock()
	for _, t := range m.tasks {
		t.Close()
	}
	m.tasks = nil
	return nil
}
