package eventloop

import (
	"net"
	"sync"

	"github.com/cryguy/jsloop/internal/core"
)

// completionKind tags what a worker (or dial/accept task) finished doing.
type completionKind uint8

const (
	completeDial   completionKind = iota + 1 // connect or listen result
	completeAccept                           // one connection from a listener
	completeRead                             // bytes read (or EOF/error)
	completeWrite                            // bytes written (or error)
	completeClose                            // worker fully drained and exited
	completeNotify                           // Notify wake
)

// Completion is the message a background task sends to the loop. The loop
// resolves Fd → slot itself; tasks never touch the descriptor table.
type Completion struct {
	Kind    completionKind
	Fd      int32
	Gen     uint64 // allocation generation of the slot the task belongs to
	Token   uint64 // callback token to settle, 0 for none
	N       int
	Data    []byte
	Code    core.ErrCode
	Message string
	EOF     bool
	Hangup  bool
	Peer    string

	// dial/accept payload: exactly one of these is set on success
	conn net.Conn
	ln   net.Listener
}

// completionQueue is the single-consumer unbounded queue between background
// tasks and the loop. Unbounded by design: the loop must never block a
// worker. The wake channel carries at most one pending signal.
type completionQueue struct {
	mu    sync.Mutex
	items []Completion
	wake  chan struct{}
}

func newCompletionQueue() *completionQueue {
	return &completionQueue{wake: make(chan struct{}, 1)}
}

func (q *completionQueue) push(c Completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued completions in arrival order.
func (q *completionQueue) drain() []Completion {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *completionQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// wakeChan returns the channel signalled on push. A receive may be spurious
// (the signal coalesces); callers must re-check drain().
func (q *completionQueue) wakeChan() <-chan struct{} {
	return q.wake
}
