package eventloop

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cryguy/jsloop/internal/core"
)

// streamInboxCap bounds the per-stream request channel. JS is
// single-threaded and issues one request at a time per descriptor, so the
// bound is never reached in practice; it exists so a runaway binding blocks
// rather than ballooning.
const streamInboxCap = 128

// ioKind tags a stream worker request.
type ioKind uint8

const (
	ioRead ioKind = iota + 1
	ioWrite
)

// ioRequest is one read or write posted to a stream worker.
type ioRequest struct {
	kind  ioKind
	max   int    // read: buffer capacity
	data  []byte // write: payload, issued whole
	token uint64
}

// streamWorker owns one connection's read and write halves. The slot in
// the descriptor table holds only the inbox; the worker knows its own fd
// and tags every completion with it, so it never references the table.
//
// The run loop forwards each request to one of two single-slot channels,
// one per half, so reads and writes proceed concurrently while each half
// serialises its own requests, preserving bytewise stream order.
type streamWorker struct {
	fd    int32
	gen   uint64
	conn  net.Conn
	inbox chan ioRequest
	out   *completionQueue

	closeOnce sync.Once
}

func newStreamWorker(fd int32, gen uint64, conn net.Conn, out *completionQueue) *streamWorker {
	w := &streamWorker{
		fd:    fd,
		gen:   gen,
		conn:  conn,
		inbox: make(chan ioRequest, streamInboxCap),
		out:   out,
	}
	go w.run()
	return w
}

// post enqueues a request. It reports false when the worker is gone.
func (w *streamWorker) post(req ioRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	w.inbox <- req
	return true
}

// close shuts the connection down and closes the inbox. The in-flight
// syscalls unblock with net.ErrClosed; queued requests drain as failures;
// the worker then emits its final close completion and exits.
func (w *streamWorker) close() {
	w.closeOnce.Do(func() {
		_ = w.conn.Close()
		close(w.inbox)
	})
}

func (w *streamWorker) run() {
	readCh := make(chan ioRequest, 1)
	writeCh := make(chan ioRequest, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go w.readHalf(readCh, &wg)
	go w.writeHalf(writeCh, &wg)

	for req := range w.inbox {
		switch req.kind {
		case ioRead:
			readCh <- req
		case ioWrite:
			writeCh <- req
		}
	}
	close(readCh)
	close(writeCh)
	wg.Wait()
	_ = w.conn.Close()

	w.out.push(Completion{Kind: completeClose, Fd: w.fd, Gen: w.gen})
}

func (w *streamWorker) readHalf(reqs <-chan ioRequest, wg *sync.WaitGroup) {
	defer wg.Done()
	for req := range reqs {
		buf := make([]byte, req.max)
		n, err := w.conn.Read(buf)
		c := Completion{
			Kind:  completeRead,
			Fd:    w.fd,
			Gen:   w.gen,
			Token: req.token,
			N:     n,
			Data:  buf[:n],
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Data accompanied by EOF is delivered as a normal
				// completion; the next read observes the bare EOF.
				if n == 0 {
					c.EOF = true
					c.Hangup = true
				}
			} else {
				c.Code = readErrCode(err)
				c.Message = err.Error()
				c.Hangup = true
			}
		}
		w.out.push(c)
	}
}

func (w *streamWorker) writeHalf(reqs <-chan ioRequest, wg *sync.WaitGroup) {
	defer wg.Done()
	for req := range reqs {
		n, err := w.conn.Write(req.data)
		c := Completion{
			Kind:  completeWrite,
			Fd:    w.fd,
			Gen:   w.gen,
			Token: req.token,
			N:     n,
		}
		if err != nil {
			c.Code = writeErrCode(err)
			c.Message = err.Error()
		}
		w.out.push(c)
	}
}

// readErrCode maps a read failure onto the closed code set. A read racing
// a local close surfaces as broken-pipe rather than the generic "use of
// closed connection".
func readErrCode(err error) core.ErrCode {
	if errors.Is(err, net.ErrClosed) {
		return core.CodeBrokenPipe
	}
	return core.CodeOf(err)
}

// writeErrCode maps a write failure; writing after close is broken-pipe.
func writeErrCode(err error) core.ErrCode {
	if errors.Is(err, net.ErrClosed) {
		return core.CodeBrokenPipe
	}
	code := core.CodeOf(err)
	if code == core.CodeOther {
		code = core.CodeBrokenPipe
	}
	return code
}
