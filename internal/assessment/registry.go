package assessment

import (
	"context"
	"fmt"
	"sync"

	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/pkg/models"
)

// registry tracks the assessments this process is driving. It is the only
// authority for the concurrency cap.
type registry struct {
	mu      sync.Mutex
	max     int
	tasks   map[string]context.CancelFunc
	closing bool
}

func newRegistry(limit int) *registry {
	return &registry{
		max:   limit,
		tasks: make(map[string]context.CancelFunc),
	}
}

// reserve claims a slot for id. It fails with ErrConcurrencyLimit at the cap and
// ErrInvalidState if id already holds a slot or the registry is closed.
func (r *registry) reserve(id string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return fmt.Errorf("%w: shutting down", models.ErrInvalidState)
	}
	if len(r.tasks) >= r.max {
		return fmt.Errorf("%w: %d assessments running", models.ErrConcurrencyLimit, len(r.tasks))
	}
	if _, ok := r.tasks[id]; ok {
		return fmt.Errorf("%w: assessment %s is already running", models.ErrInvalidState, id)
	}

	r.tasks[id] = cancel
	metrics.RunningAssessments.Set(float64(len(r.tasks)))
	return nil
}

// release frees the slot held by id, if any.
func (r *registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, id)
	metrics.RunningAssessments.Set(float64(len(r.tasks)))
}

// cancel signals the task for id and frees its slot. It reports whether a task was found.
func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	delete(r.tasks, id)
	metrics.RunningAssessments.Set(float64(len(r.tasks)))
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// close refuses further reservations and signals every task.
func (r *registry) close() {
	r.mu.Lock()
	r.closing = true
	cancels := make([]context.CancelFunc, 0, len(r.tasks))
	for _, c := range r.tasks {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

func (r *registry) closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
