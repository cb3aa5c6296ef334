package eventloop

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cryguy/jsloop/internal/core"
)

// loopGlueJS installs the JS half of the completion bridge: the one-shot
// token registry, the timer callback map, and the event-handler dispatcher.
// Go never holds a JS function; it holds the integer key into one of these
// maps and delivers by evaluating the matching glue call.
const loopGlueJS = `
(function() {
	globalThis.__cbTokens = {};
	globalThis.__netHandlers = {};
	globalThis.__timerCallbacks = {};

	globalThis.__tokenPromise = function(id) {
		return new Promise(function(resolve, reject) {
			globalThis.__cbTokens[id] = { resolve: resolve, reject: reject };
		});
	};

	globalThis.__settleToken = function(id, ok, kind, payload) {
		var t = globalThis.__cbTokens[id];
		delete globalThis.__cbTokens[id];
		if (!t) return;
		if (!ok) {
			t.reject(JSON.parse(payload));
			return;
		}
		var v;
		if (kind === 'int') {
			v = Number(payload);
		} else if (kind === 'buf') {
			v = globalThis.__settle_buf;
			delete globalThis.__settle_buf;
		} else if (kind === 'b64') {
			var raw = atob(payload);
			var bytes = new Uint8Array(raw.length);
			for (var i = 0; i < raw.length; i++) bytes[i] = raw.charCodeAt(i);
			v = bytes.buffer;
		}
		t.resolve(v);
	};

	globalThis.__fireTimer = function(id, keep) {
		var entry = globalThis.__timerCallbacks[id];
		if (!entry) return;
		if (!keep) delete globalThis.__timerCallbacks[id];
		entry.fn.apply(null, entry.args || []);
	};

	globalThis.__netDeliver = function(fd, name, a, b) {
		var h = globalThis.__netHandlers[fd];
		if (!h) return;
		if (name === 'on_connect') {
			globalThis.__netHandlers[a] = h;
		}
		var f = h[name];
		if (typeof f !== 'function') return;
		if (name === 'on_read') {
			var buf = globalThis.__settle_buf;
			delete globalThis.__settle_buf;
			f(fd, buf);
		} else if (name === 'on_connect') {
			f({ fd: a, peer: b });
		} else if (name === 'on_error') {
			f(JSON.parse(a));
		} else {
			f();
		}
	};
})();
`

// Loop drives timers, descriptors, and the promise↔completion bridge. All
// fields are confined to the goroutine that calls RunOnce; background
// tasks reach the loop only through the completion queue.
type Loop struct {
	rt  core.JSRuntime
	bt  core.BinaryTransferer // nil when the engine can't transfer buffers
	cfg core.Config

	table       *table
	timers      *timerWheel
	tokens      *tokenRegistry
	nextTick    []func()
	completions *completionQueue
	poller      Poller

	pendingDials int // connect/listen tasks not yet bound to a slot
}

// New builds a loop over the given engine. Setup must be called before any
// binding is used; the engine's global state is not touched here so the
// embedder controls initialisation order explicitly.
func New(rt core.JSRuntime, cfg core.Config) *Loop {
	q := newCompletionQueue()
	l := &Loop{
		rt:          rt,
		cfg:         cfg.WithDefaults(),
		table:       newTable(),
		timers:      newTimerWheel(),
		tokens:      newTokenRegistry(),
		completions: q,
		poller:      newRuntimePoller(q),
	}
	if bt, ok := rt.(core.BinaryTransferer); ok {
		l.bt = bt
	}
	return l
}

// Setup installs the JS-side glue. atob must already be available (the
// encoding polyfill installs it).
func (l *Loop) Setup() error {
	return l.rt.Eval(loopGlueJS)
}

// Config returns the effective configuration.
func (l *Loop) Config() core.Config { return l.cfg }

// --- next-tick queue ---

// PushTick enqueues a thunk with microtask priority: it runs before the
// next poll, and a thunk enqueued while draining still runs in the same
// cycle.
func (l *Loop) PushTick(fn func()) {
	l.nextTick = append(l.nextTick, fn)
}

func (l *Loop) drainTicks() {
	for len(l.nextTick) > 0 {
		fn := l.nextTick[0]
		l.nextTick = l.nextTick[0:copy(l.nextTick, l.nextTick[1:])]
		fn()
		l.rt.RunMicrotasks()
	}
	l.nextTick = nil
}

// --- timers ---

// SetTimeout arms a one-shot timer and returns its id. A non-positive
// delay maps to a next-tick enqueue (still clearable by id) so it runs
// before any I/O.
func (l *Loop) SetTimeout(delayMs int) int {
	now := time.Now()
	if delayMs <= 0 {
		id := l.timers.set(&timerEntry{deadline: now})
		l.PushTick(func() { l.fireTimer(id) })
		return id
	}
	return l.timers.set(&timerEntry{deadline: now.Add(time.Duration(delayMs) * time.Millisecond)})
}

// SetInterval arms a repeating timer. The period has a 10ms floor.
func (l *Loop) SetInterval(periodMs int) int {
	period := time.Duration(periodMs) * time.Millisecond
	if period < minInterval {
		period = minInterval
	}
	return l.timers.set(&timerEntry{deadline: time.Now().Add(period), interval: period})
}

// ClearTimer disarms a timer and drops its JS callback reference.
// Clearing a fired or already-cleared id is a no-op.
func (l *Loop) ClearTimer(id int) {
	if l.timers.get(id) == nil {
		return
	}
	l.timers.clear(id)
	_ = l.rt.Eval(fmt.Sprintf("delete globalThis.__timerCallbacks[%d];", id))
}

// Sleep arms a timer that resolves a promise token instead of firing a JS
// callback. Returns the token id for the binding to wire up.
func (l *Loop) Sleep(delayMs int) uint64 {
	t := l.tokens.issue(TokenTimer, -1)
	if delayMs <= 0 {
		l.PushTick(func() { l.settleResolve(t.ID, "", "") })
		return t.ID
	}
	l.timers.set(&timerEntry{
		deadline: time.Now().Add(time.Duration(delayMs) * time.Millisecond),
		token:    t.ID,
	})
	return t.ID
}

func (l *Loop) fireTimer(id int) {
	e := l.timers.get(id)
	if e == nil {
		return // cleared between poll and dispatch
	}
	if e.token != 0 {
		l.timers.clear(id)
		l.settleResolve(e.token, "", "")
		return
	}
	if e.interval > 0 {
		l.timers.rearm(id, time.Now())
		_ = l.rt.Eval(fmt.Sprintf("__fireTimer(%d, true);", id))
	} else {
		l.timers.clear(id)
		_ = l.rt.Eval(fmt.Sprintf("__fireTimer(%d, false);", id))
	}
}

// --- notify primitive ---

// Notify is a single-producer wake-once notification: one waiter, one
// wake. A timer callback uses it to short-circuit a pending operation it
// raced against.
type Notify struct {
	loop     *Loop
	waiter   uint64
	notified bool
}

// NewNotify creates a notification owned by this loop.
func (l *Loop) NewNotify() *Notify {
	return &Notify{loop: l}
}

// Notify wakes the pending (or next) waiter. Only the first call has an
// effect.
func (n *Notify) Notify() {
	if n.notified {
		return
	}
	n.notified = true
	if n.waiter != 0 {
		token := n.waiter
		n.waiter = 0
		n.loop.completions.push(Completion{Kind: completeNotify, Fd: -1, Token: token})
	}
}

// Wait issues a promise token resolved on notification. At most one wait
// may be outstanding.
func (n *Notify) Wait() (uint64, error) {
	if n.waiter != 0 {
		return 0, fmt.Errorf("notification already has a waiter")
	}
	t := n.loop.tokens.issue(TokenNotify, -1)
	if n.notified {
		id := t.ID
		n.loop.PushTick(func() { n.loop.settleResolve(id, "", "") })
		return t.ID, nil
	}
	n.waiter = t.ID
	return t.ID, nil
}

// --- descriptor operations ---

// Connect dials host:port on a background task and returns the token its
// completion will settle with the new fd.
func (l *Loop) Connect(host string, port int, timeoutMs int) uint64 {
	t := l.tokens.issue(TokenNewSocket, -1)
	l.pendingDials++
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	token := t.ID
	go func() {
		var conn net.Conn
		var err error
		if timeoutMs > 0 {
			conn, err = net.DialTimeout("tcp", addr, time.Duration(timeoutMs)*time.Millisecond)
		} else {
			conn, err = net.Dial("tcp", addr)
		}
		c := Completion{Kind: completeDial, Fd: -1, Token: token, conn: conn}
		if err != nil {
			c.Code = core.CodeOf(err)
			c.Message = err.Error()
		}
		l.completions.push(c)
	}()
	return t.ID
}

// Listen binds 0.0.0.0:port on a background task; the completion settles
// the returned token with the listener's fd. Port 0 picks a free port.
func (l *Loop) Listen(port int) uint64 {
	t := l.tokens.issue(TokenNewSocket, -1)
	l.pendingDials++
	token := t.ID
	go func() {
		ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		c := Completion{Kind: completeDial, Fd: -1, Token: token, ln: ln}
		if err != nil {
			c.Code = core.CodeOf(err)
			c.Message = err.Error()
		}
		l.completions.push(c)
	}()
	return t.ID
}

// Accept posts one accept against a listening fd.
func (l *Loop) Accept(fd int32) (uint64, error) {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotListener {
		return 0, fmt.Errorf("fd %d is not a listener", fd)
	}
	t := l.tokens.issue(TokenNewSocket, fd)
	s.pendingAccepts = append(s.pendingAccepts, t.ID)
	l.acceptTask(s.ln, fd, s.gen, t.ID)
	return t.ID, nil
}

func (l *Loop) acceptTask(ln net.Listener, fd int32, gen uint64, token uint64) {
	go func() {
		conn, err := ln.Accept()
		c := Completion{Kind: completeAccept, Fd: fd, Gen: gen, Token: token, conn: conn}
		if err != nil {
			c.Code = core.CodeOf(err)
			c.Message = err.Error()
		}
		if conn != nil {
			c.Peer = conn.RemoteAddr().String()
		}
		l.completions.push(c)
	}()
}

// Attach switches a listener into event mode: its JS handler object is
// expected in __netHandlers[fd], and a standing accept keeps connections
// flowing until close.
func (l *Loop) Attach(fd int32) error {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotListener {
		return fmt.Errorf("fd %d is not a listener", fd)
	}
	s.handler = true
	l.postEventAccept(fd)
	return nil
}

func (l *Loop) postEventAccept(fd int32) {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotListener || s.accepting {
		return
	}
	t := l.tokens.issue(TokenNewSocket, fd)
	t.Event = true
	s.accepting = true
	s.pendingAccepts = append(s.pendingAccepts, t.ID)
	l.acceptTask(s.ln, fd, s.gen, t.ID)
}

// Read posts one read of up to max bytes (clamped to the configured
// buffer cap). At most one read per stream may be outstanding.
func (l *Loop) Read(fd int32, max int) (uint64, error) {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotStream {
		return 0, fmt.Errorf("fd %d is not a stream", fd)
	}
	if s.pendingRead != 0 {
		return 0, fmt.Errorf("fd %d already has a read outstanding", fd)
	}
	if max <= 0 || max > l.cfg.MaxReadBufSize {
		max = l.cfg.MaxReadBufSize
	}
	t := l.tokens.issue(TokenBytesRead, fd)
	s.pendingRead = t.ID
	if !s.worker.post(ioRequest{kind: ioRead, max: max, token: t.ID}) {
		s.pendingRead = 0
		l.rejectTokenID(t.ID, core.CodeBrokenPipe, "stream is closed")
	}
	return t.ID, nil
}

func (l *Loop) postEventRead(fd int32) {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotStream || s.pendingRead != 0 {
		return
	}
	t := l.tokens.issue(TokenBytesRead, fd)
	t.Event = true
	s.pendingRead = t.ID
	if !s.worker.post(ioRequest{kind: ioRead, max: l.cfg.MaxReadBufSize, token: t.ID}) {
		s.pendingRead = 0
		_, _ = l.tokens.consume(t.ID)
	}
}

// Write posts the payload whole; the completion reports bytes actually
// transferred.
func (l *Loop) Write(fd int32, data []byte) (uint64, error) {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotStream {
		return 0, fmt.Errorf("fd %d is not a stream", fd)
	}
	t := l.tokens.issue(TokenBytesWritten, fd)
	s.pendingWrites = append(s.pendingWrites, t.ID)
	if !s.worker.post(ioRequest{kind: ioWrite, data: data, token: t.ID}) {
		s.pendingWrites = s.pendingWrites[:len(s.pendingWrites)-1]
		l.rejectTokenID(t.ID, core.CodeBrokenPipe, "stream is closed")
	}
	return t.ID, nil
}

// Close releases a descriptor. For a listener the slot empties at once;
// for a stream the slot is tombstoned until the worker's final completion.
// Closing an empty or already-closing slot is a no-op.
func (l *Loop) Close(fd int32) {
	s := l.table.get(fd)
	if s == nil {
		return
	}
	switch s.kind {
	case SlotListener:
		_ = s.ln.Close()
		pending := s.pendingAccepts
		s.pendingAccepts = nil
		for _, id := range pending {
			l.rejectTokenID(id, core.CodeConnectionAborted, "listener closed")
		}
		l.dropHandler(fd)
		l.table.release(fd)
	case SlotStream:
		w := s.worker
		pr := s.pendingRead
		pw := s.pendingWrites
		s.kind = SlotClosing
		s.pendingRead = 0
		s.pendingWrites = nil
		s.handler = false
		if pr != 0 {
			l.rejectTokenID(pr, core.CodeBrokenPipe, "descriptor closed")
		}
		for _, id := range pw {
			l.rejectTokenID(id, core.CodeBrokenPipe, "descriptor closed")
		}
		l.dropHandler(fd)
		w.close()
	}
}

// Kind reports the slot's variant tag; stable for a resource's lifetime.
func (l *Loop) Kind(fd int32) SlotKind { return l.table.kind(fd) }

// LocalAddr returns the descriptor's bound address.
func (l *Loop) LocalAddr(fd int32) (string, error) {
	s := l.table.get(fd)
	if s == nil || s.kind == SlotEmpty {
		return "", fmt.Errorf("fd %d is not open", fd)
	}
	return s.local, nil
}

// PeerAddr returns a stream's remote address.
func (l *Loop) PeerAddr(fd int32) (string, error) {
	s := l.table.get(fd)
	if s == nil || s.kind != SlotStream {
		return "", fmt.Errorf("fd %d is not a stream", fd)
	}
	return s.peer, nil
}

// --- the poll cycle ---

// Idle reports whether nothing remains to drive: no queued ticks, no armed
// timers, no live descriptors, and no in-flight dials.
func (l *Loop) Idle() bool {
	return len(l.nextTick) == 0 &&
		l.timers.liveCount() == 0 &&
		l.table.liveSlots() == 0 &&
		l.pendingDials == 0 &&
		l.completions.empty()
}

// OutstandingTokens reports issued-but-unconsumed tokens; zero after a
// clean run.
func (l *Loop) OutstandingTokens() int { return l.tokens.outstanding() }

func (l *Loop) buildSubscriptions() []Subscription {
	subs := l.timers.subscriptions(nil)
	subs = l.table.subscriptions(subs)
	for i := 0; i < l.pendingDials; i++ {
		subs = append(subs, Subscription{Userdata: ^uint64(0), Tag: EventFdRead, Fd: ^uint32(0)})
	}
	if len(subs) == 0 && !l.completions.empty() {
		// Completions queued with nothing else live (e.g. a notify fired
		// from a tick): one synthetic subscription keeps the poll honest.
		subs = append(subs, Subscription{Userdata: ^uint64(0), Tag: EventFdRead, Fd: ^uint32(0)})
	}
	return subs
}

// RunOnce drains the next-tick queue, blocks once in the poller, and
// dispatches every returned event, re-draining ticks and microtasks after
// each so resolutions chained off one completion run before its siblings
// observe the world. Returns the number of events dispatched; zero with
// Idle() true means the loop is done.
func (l *Loop) RunOnce() (int, error) {
	l.drainTicks()
	if l.Idle() {
		return 0, nil
	}
	events, comps, err := l.poller.PollOneoff(l.buildSubscriptions())
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range events {
		switch events[i].Tag {
		case EventClock:
			l.fireTimer(int(events[i].Userdata))
		case EventFdRead:
			if comps[i].Kind != 0 {
				l.dispatch(comps[i])
			}
		}
		n++
		l.rt.RunMicrotasks()
		l.drainTicks()
	}
	return n, nil
}

// RunToCompletion loops RunOnce until the loop is idle.
func (l *Loop) RunToCompletion() error {
	for {
		n, err := l.RunOnce()
		if err != nil {
			return err
		}
		if n == 0 && l.Idle() {
			return nil
		}
	}
}

// Shutdown force-closes every live descriptor. Used at engine teardown;
// completions already queued are dropped unprocessed.
func (l *Loop) Shutdown() {
	for i := range l.table.slots {
		s := &l.table.slots[i]
		switch s.kind {
		case SlotListener:
			_ = s.ln.Close()
		case SlotStream:
			s.worker.close()
		}
		*s = slot{}
	}
}

// --- completion dispatch ---

func (l *Loop) dispatch(c Completion) {
	switch c.Kind {
	case completeDial:
		l.dispatchDial(c)
	case completeAccept:
		l.dispatchAccept(c)
	case completeRead:
		l.dispatchRead(c)
	case completeWrite:
		l.dispatchWrite(c)
	case completeClose:
		l.dispatchClose(c)
	case completeNotify:
		l.settleResolve(c.Token, "", "")
	}
}

func (l *Loop) dispatchDial(c Completion) {
	l.pendingDials--
	t, err := l.tokens.consume(c.Token)
	if err != nil {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.ln != nil {
			_ = c.ln.Close()
		}
		l.discard(c, err.Error())
		return
	}
	if c.Code != core.CodeOK {
		l.reject(t, c.Code, c.Message)
		return
	}
	var fd int32
	if c.ln != nil {
		fd = l.table.addListener(c.ln)
	} else {
		fd = l.table.addStream(c.conn, l.completions)
	}
	l.resolveInt(t, int(fd))
}

func (l *Loop) dispatchAccept(c Completion) {
	s := l.table.get(c.Fd)
	if s == nil || s.kind != SlotListener || s.gen != c.Gen {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		l.discard(c, "stale accept")
		return
	}
	for i, id := range s.pendingAccepts {
		if id == c.Token {
			s.pendingAccepts = append(s.pendingAccepts[:i], s.pendingAccepts[i+1:]...)
			break
		}
	}
	t, err := l.tokens.consume(c.Token)
	if err != nil {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		l.discard(c, err.Error())
		return
	}
	if t.Event {
		s.accepting = false
	}
	if c.Code != core.CodeOK {
		if t.Event {
			l.deliverError(c.Fd, c.Code, c.Message)
			return
		}
		l.reject(t, c.Code, c.Message)
		return
	}
	newFd := l.table.addStream(c.conn, l.completions)
	if t.Event {
		// on_connect runs synchronously with the new fd and peer, the
		// handler object follows the connection, and the read chain and
		// the next accept start immediately.
		_ = l.rt.Eval(fmt.Sprintf("__netDeliver(%d, 'on_connect', %d, %s);", c.Fd, newFd, quoteJS(c.Peer)))
		l.postEventRead(newFd)
		l.postEventAccept(c.Fd)
		return
	}
	l.resolveInt(t, int(newFd))
}

func (l *Loop) dispatchRead(c Completion) {
	s := l.table.get(c.Fd)
	if s == nil || s.kind != SlotStream || s.gen != c.Gen {
		l.discard(c, "stale read")
		return
	}
	if s.pendingRead == c.Token {
		s.pendingRead = 0
	}
	t, err := l.tokens.consume(c.Token)
	if err != nil {
		l.discard(c, err.Error())
		return
	}
	switch {
	case c.Code != core.CodeOK:
		if t.Event {
			l.deliverError(c.Fd, c.Code, c.Message)
			l.Close(c.Fd)
			return
		}
		l.reject(t, c.Code, c.Message)
	case c.EOF:
		if t.Event {
			_ = l.rt.Eval(fmt.Sprintf("__netDeliver(%d, 'on_close');", c.Fd))
			l.Close(c.Fd)
			return
		}
		l.resolveBuf(t, nil)
	default:
		if t.Event {
			l.stageBuf(c.Data)
			_ = l.rt.Eval(fmt.Sprintf("__netDeliver(%d, 'on_read');", c.Fd))
			l.postEventRead(c.Fd)
			return
		}
		l.resolveBuf(t, c.Data)
	}
}

func (l *Loop) dispatchWrite(c Completion) {
	s := l.table.get(c.Fd)
	if s == nil || s.kind != SlotStream || s.gen != c.Gen {
		l.discard(c, "stale write")
		return
	}
	for i, id := range s.pendingWrites {
		if id == c.Token {
			s.pendingWrites = append(s.pendingWrites[:i], s.pendingWrites[i+1:]...)
			break
		}
	}
	t, err := l.tokens.consume(c.Token)
	if err != nil {
		l.discard(c, err.Error())
		return
	}
	if c.Code != core.CodeOK {
		if t.Event {
			l.deliverError(c.Fd, c.Code, c.Message)
			return
		}
		l.reject(t, c.Code, c.Message)
		return
	}
	l.resolveInt(t, c.N)
}

func (l *Loop) dispatchClose(c Completion) {
	s := l.table.get(c.Fd)
	if s == nil || s.gen != c.Gen {
		l.discard(c, "stale close")
		return
	}
	// The worker has drained; the tombstone becomes reusable.
	l.table.release(c.Fd)
}

func (l *Loop) discard(c Completion, why string) {
	core.Diag().Log("debug", fmt.Sprintf("discarding completion kind=%d fd=%d: %s", c.Kind, c.Fd, why))
}

// --- settlement ---

func (l *Loop) settleResolve(tokenID uint64, kind, payload string) {
	t, err := l.tokens.consume(tokenID)
	if err != nil {
		core.Diag().Log("debug", err.Error())
		return
	}
	l.evalSettle(t.ID, true, kind, payload)
}

func (l *Loop) rejectTokenID(tokenID uint64, code core.ErrCode, msg string) {
	t, err := l.tokens.consume(tokenID)
	if err != nil {
		core.Diag().Log("debug", err.Error())
		return
	}
	if t.Event {
		return // handler object is gone; nothing to deliver
	}
	l.evalSettle(t.ID, false, "", errJSON(code, msg))
}

func (l *Loop) resolveInt(t *Token, n int) {
	l.evalSettle(t.ID, true, "int", strconv.Itoa(n))
}

func (l *Loop) resolveBuf(t *Token, data []byte) {
	if l.bt != nil {
		if err := l.bt.WriteBinaryToJS("__settle_buf", data); err == nil {
			l.evalSettle(t.ID, true, "buf", "")
			return
		}
	}
	l.evalSettle(t.ID, true, "b64", base64.StdEncoding.EncodeToString(data))
}

func (l *Loop) reject(t *Token, code core.ErrCode, msg string) {
	l.evalSettle(t.ID, false, "", errJSON(code, msg))
}

func (l *Loop) evalSettle(id uint64, ok bool, kind, payload string) {
	_ = l.rt.Eval(fmt.Sprintf("__settleToken(%d, %v, %s, %s);",
		id, ok, quoteJS(kind), quoteJS(payload)))
}

// stageBuf parks bytes in globalThis.__settle_buf as an ArrayBuffer for
// the next delivery eval to pick up.
func (l *Loop) stageBuf(data []byte) {
	if l.bt != nil {
		if err := l.bt.WriteBinaryToJS("__settle_buf", data); err == nil {
			return
		}
	}
	_ = l.rt.Eval(fmt.Sprintf(`(function(){
		var raw = atob(%s);
		var bytes = new Uint8Array(raw.length);
		for (var i = 0; i < raw.length; i++) bytes[i] = raw.charCodeAt(i);
		globalThis.__settle_buf = bytes.buffer;
	})();`, quoteJS(base64.StdEncoding.EncodeToString(data))))
}

func (l *Loop) deliverError(fd int32, code core.ErrCode, msg string) {
	_ = l.rt.Eval(fmt.Sprintf("__netDeliver(%d, 'on_error', %s);", fd, quoteJS(errJSON(code, msg))))
}

func (l *Loop) dropHandler(fd int32) {
	_ = l.rt.Eval(fmt.Sprintf("delete globalThis.__netHandlers[%d];", fd))
}

// errJSON builds the error shape surfaced to JS.
func errJSON(code core.ErrCode, msg string) string {
	b, _ := json.Marshal(struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Errno   uint16 `json:"errno"`
	}{code.String(), msg, uint16(code)})
	return string(b)
}

// quoteJS escapes a string for embedding in evaluated source. Go's %q
// quoting is also valid JS.
func quoteJS(s string) string {
	return strconv.Quote(s)
}
