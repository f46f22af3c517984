package agent

import (
	"context"
	"sync"
)

// inflight tracks the cancel functions of running tasks, by task id and
// attempt, so a task_cancel can stop one attempt or all of them.
type inflight struct {
	tasks map[string]map[int]context.CancelFunc
	mu    sync.Mutex
}

func newInflight() *inflight {
	return &inflight{tasks: make(map[string]map[int]context.CancelFunc)}
}

func (f *inflight) add(taskID string, attempt int, cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks[taskID] == nil {
		f.tasks[taskID] = make(map[int]context.CancelFunc)
	}
	f.tasks[taskID][attempt] = cancel
}

func (f *inflight) remove(taskID string, attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks[taskID], attempt)
	if len(f.tasks[taskID]) == 0 {
		delete(f.tasks, taskID)
	}
}

// cancel stops the given attempt of taskID, or every attempt when attempt
// is zero, and reports how many were running.
func (f *inflight) cancel(taskID string, attempt int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for a, c := range f.tasks[taskID] {
		if attempt != 0 && a != attempt {
			continue
		}
		c()
		delete(f.tasks[taskID], a)
		n++
	}
	if len(f.tasks[taskID]) == 0 {
		delete(f.tasks, taskID)
	}
	return n
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
