// backend/noop.go
package backend

// NoOpAdapter is used when a room has no live game-state source.
// It never emits an event.
type NoOpAdapter struct {
	emitter
}

func NewNoOp() *NoOpAdapter {
	return &NoOpAdapter{emitter: newEmitter()}
}

func (a *NoOpAdapter) Initialize() error {
	return nil
}

func (a *NoOpAdapter) Destroy() error {
	a.close()
	return nil
}
