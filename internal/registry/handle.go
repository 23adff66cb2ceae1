package registry

import "context"

// Handle is an opaque reference to a concurrently-running task. It
// decouples the registry from any particular execution mechanism.
type Handle interface {
	// IsFinished reports whether the task has finished.
	IsFinished() bool
	// RequestCancel asks the task to stop. Best-effort: the task may
	// continue briefly after the request.
	RequestCancel()
}

// taskHandle implements Handle over a cancellable context and a done
// channel closed by the completion handler.
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskHandle(cancel context.CancelFunc) *taskHandle {
	return &taskHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (h *taskHandle) IsFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *taskHandle) RequestCancel() {
	h.cancel()
}

// markFinished closes the done channel. Safe to call once.
func (h *taskHandle) markFinished() {
	close(h.done)
}
