// backend/throttle.go
package backend

import (
	"sync"
	"time"

	"github.com/wfunc/proximity/models"
)

// poseThrottle coalesces high-frequency position updates so that at most
// one pose per name is emitted per interval, last write wins. Dropping
// intermediate samples here is the only intentional event loss in the
// whole pipeline, and it is scoped per source.
type poseThrottle struct {
	interval time.Duration
	emit     func(name string, pose models.Pose)

	mu      sync.Mutex
	pending map[string]*pendingPose
	stopped bool
}

type pendingPose struct {
	pose  models.Pose
	timer *time.Timer
}

func newPoseThrottle(interval time.Duration, emit func(string, models.Pose)) *poseThrottle {
	return &poseThrottle{
		interval: interval,
		emit:     emit,
		pending:  make(map[string]*pendingPose),
	}
}

// Offer records a pose sample. The first sample for a name opens a
// window; later samples within the window replace the buffered pose.
func (t *poseThrottle) Offer(name string, pose models.Pose) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if p, ok := t.pending[name]; ok {
		p.pose = pose
		return
	}
	p := &pendingPose{pose: pose}
	p.timer = time.AfterFunc(t.interval, func() { t.flush(name) })
	t.pending[name] = p
}

func (t *poseThrottle) flush(name string) {
	t.mu.Lock()
	p, ok := t.pending[name]
	if ok {
		delete(t.pending, name)
	}
	stopped := t.stopped
	t.mu.Unlock()

	if ok && !stopped {
		t.emit(name, p.pose)
	}
}

// Stop drops every buffered sample and rejects future offers.
func (t *poseThrottle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for name, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, name)
	}
}
