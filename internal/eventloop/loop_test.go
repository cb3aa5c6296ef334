package eventloop

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/jsloop/internal/core"
)

// fakeRuntime records every evaluated glue call instead of running JS.
// Loop behaviour is fully observable through the eval stream.
type fakeRuntime struct {
	evals []string
}

func (f *fakeRuntime) Eval(js string) error                  { f.evals = append(f.evals, js); return nil }
func (f *fakeRuntime) EvalString(js string) (string, error)  { return "", nil }
func (f *fakeRuntime) EvalBool(js string) (bool, error)      { return false, nil }
func (f *fakeRuntime) EvalInt(js string) (int, error)        { return 0, nil }
func (f *fakeRuntime) RegisterFunc(string, any) error        { return nil }
func (f *fakeRuntime) SetGlobal(string, any) error           { return nil }
func (f *fakeRuntime) RunMicrotasks()                        {}
func (f *fakeRuntime) Interrupt()                            {}
func (f *fakeRuntime) Close()                                {}

var _ core.JSRuntime = (*fakeRuntime)(nil)

func (f *fakeRuntime) contains(substr string) bool {
	for _, e := range f.evals {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// indexOf returns the position of the first eval containing substr, or -1.
func (f *fakeRuntime) indexOf(substr string) int {
	for i, e := range f.evals {
		if strings.Contains(e, substr) {
			return i
		}
	}
	return -1
}

func newTestLoop() (*Loop, *fakeRuntime) {
	rt := &fakeRuntime{}
	return New(rt, core.Config{}), rt
}

func TestLoop_IdleWithNothingToDo(t *testing.T) {
	l, _ := newTestLoop()
	if !l.Idle() {
		t.Fatal("fresh loop is not idle")
	}
	n, err := l.RunOnce()
	if err != nil || n != 0 {
		t.Fatalf("RunOnce = %d, %v, want 0, nil", n, err)
	}
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
}

func TestLoop_TimerFiresAfterDeadline(t *testing.T) {
	l, rt := newTestLoop()
	id := l.SetTimeout(10)

	start := time.Now()
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("loop finished before the timer deadline")
	}
	if !rt.contains(fmt.Sprintf("__fireTimer(%d, false)", id)) {
		t.Errorf("timer %d never fired; evals: %v", id, rt.evals)
	}
}

func TestLoop_TimerFiringOrder(t *testing.T) {
	l, rt := newTestLoop()
	// A at 50ms, B at 10ms, C at 10ms scheduled after B.
	a := l.SetTimeout(50)
	b := l.SetTimeout(10)
	c := l.SetTimeout(10)

	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}

	ia := rt.indexOf(fmt.Sprintf("__fireTimer(%d,", a))
	ib := rt.indexOf(fmt.Sprintf("__fireTimer(%d,", b))
	ic := rt.indexOf(fmt.Sprintf("__fireTimer(%d,", c))
	if ia < 0 || ib < 0 || ic < 0 {
		t.Fatalf("some timer never fired: a=%d b=%d c=%d", ia, ib, ic)
	}
	if !(ib < ic && ic < ia) {
		t.Errorf("firing order b=%d c=%d a=%d, want b < c < a", ib, ic, ia)
	}
}

func TestLoop_ClearTimeoutPreventsFire(t *testing.T) {
	l, rt := newTestLoop()
	id := l.SetTimeout(5)
	l.ClearTimer(id)
	l.ClearTimer(id) // idempotent

	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if rt.contains("__fireTimer(") {
		t.Error("cleared timer fired anyway")
	}
	if !rt.contains(fmt.Sprintf("delete globalThis.__timerCallbacks[%d]", id)) {
		t.Error("callback reference was not dropped on clear")
	}
}

func TestLoop_ZeroDelayRunsBeforeIO(t *testing.T) {
	l, rt := newTestLoop()

	// A completion is already queued; a zero-delay timer registered now
	// must still run first (next-tick priority).
	tok := l.tokens.issue(TokenNotify, -1)
	l.completions.push(Completion{Kind: completeNotify, Fd: -1, Token: tok.ID})
	id := l.SetTimeout(0)

	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}

	iTimer := rt.indexOf(fmt.Sprintf("__fireTimer(%d,", id))
	iSettle := rt.indexOf("__settleToken(")
	if iTimer < 0 || iSettle < 0 {
		t.Fatalf("missing evals: timer=%d settle=%d (%v)", iTimer, iSettle, rt.evals)
	}
	if iTimer > iSettle {
		t.Errorf("zero-delay timer ran after the I/O completion (timer=%d settle=%d)", iTimer, iSettle)
	}
}

func TestLoop_NextTickDrainsToEmpty(t *testing.T) {
	l, _ := newTestLoop()
	order := []int{}
	l.PushTick(func() {
		order = append(order, 1)
		l.PushTick(func() { order = append(order, 2) })
	})
	l.drainTicks()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("drain order = %v, want [1 2]", order)
	}
}

func TestLoop_SleepSettlesToken(t *testing.T) {
	l, rt := newTestLoop()
	id := l.Sleep(5)
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if !rt.contains(fmt.Sprintf("__settleToken(%d, true", id)) {
		t.Errorf("sleep token %d never settled: %v", id, rt.evals)
	}
	if l.OutstandingTokens() != 0 {
		t.Errorf("outstanding tokens = %d, want 0", l.OutstandingTokens())
	}
}

func TestLoop_NotifyWakesWaiter(t *testing.T) {
	l, rt := newTestLoop()
	n := l.NewNotify()
	id, err := n.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The wake arrives from a timer callback racing the wait.
	l.PushTick(func() { n.Notify() })

	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if !rt.contains(fmt.Sprintf("__settleToken(%d, true", id)) {
		t.Errorf("waiter %d never woken: %v", id, rt.evals)
	}
}

func TestLoop_NotifyBeforeWaitResolvesImmediately(t *testing.T) {
	l, rt := newTestLoop()
	n := l.NewNotify()
	n.Notify()
	n.Notify() // wake-once: second is a no-op
	id, err := n.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if !rt.contains(fmt.Sprintf("__settleToken(%d, true", id)) {
		t.Error("pre-notified wait never resolved")
	}
}

// dialInto injects a connected stream into the loop the way a connect
// completion would, returning its fd (the first free slot).
func dialInto(t *testing.T, l *Loop, conn net.Conn) int32 {
	t.Helper()
	tok := l.tokens.issue(TokenNewSocket, -1)
	l.pendingDials++
	l.completions.push(Completion{Kind: completeDial, Fd: -1, Token: tok.ID, conn: conn})
	if _, err := l.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	for i := range l.table.slots {
		if l.table.slots[i].kind == SlotStream {
			return int32(i)
		}
	}
	t.Fatal("no stream slot after dial completion")
	return -1
}

func TestLoop_ReadResolvesWithPayload(t *testing.T) {
	l, rt := newTestLoop()
	client, server := testConnPair(t)
	fd := dialInto(t, l, server)

	go func() { _, _ = client.Write([]byte("hello")) }()

	tok, err := l.Read(fd, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !rt.contains(fmt.Sprintf("__settleToken(%d, true", tok)) {
		if time.Now().After(deadline) {
			t.Fatalf("read never settled: %v", rt.evals)
		}
		if _, err := l.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	// The fake engine has no binary transfer, so payloads go base64.
	want := base64.StdEncoding.EncodeToString([]byte("hello"))
	if !rt.contains(want) {
		t.Errorf("payload %q not delivered: %v", want, rt.evals)
	}
	l.Close(fd)
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
}

func TestLoop_WriteResolvesWithCount(t *testing.T) {
	l, rt := newTestLoop()
	client, server := testConnPair(t)
	fd := dialInto(t, l, server)

	go func() {
		buf := make([]byte, 16)
		_, _ = client.Read(buf)
	}()

	tok, err := l.Write(fd, []byte("ping"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !rt.contains(fmt.Sprintf(`__settleToken(%d, true, "int", "4")`, tok)) {
		if time.Now().After(deadline) {
			t.Fatalf("write never settled with count: %v", rt.evals)
		}
		if _, err := l.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	l.Close(fd)
	_ = l.RunToCompletion()
}

func TestLoop_CloseDuringReadRejectsBrokenPipe(t *testing.T) {
	l, rt := newTestLoop()
	_, server := testConnPair(t)
	fd := dialInto(t, l, server)

	tok, err := l.Read(fd, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	l.Close(fd)

	if !rt.contains(fmt.Sprintf("__settleToken(%d, false", tok)) {
		t.Fatalf("pending read was not rejected: %v", rt.evals)
	}
	if !rt.contains("broken-pipe") {
		t.Error("rejection does not carry the broken-pipe code")
	}
	if l.Kind(fd) != SlotClosing {
		t.Errorf("slot kind = %v immediately after close, want closing tombstone", l.Kind(fd))
	}

	// The worker's drain produces the final close completion; afterwards
	// the slot is reusable and nothing references the old fd.
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if l.Kind(fd) != SlotEmpty {
		t.Errorf("slot kind = %v after drain, want empty", l.Kind(fd))
	}
	if l.OutstandingTokens() != 0 {
		t.Errorf("outstanding tokens = %d, want 0", l.OutstandingTokens())
	}
}

func TestLoop_CloseIsIdempotent(t *testing.T) {
	l, _ := newTestLoop()
	_, server := testConnPair(t)
	fd := dialInto(t, l, server)

	l.Close(fd)
	l.Close(fd) // tombstoned: no-op
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	l.Close(fd) // empty: no-op
	if l.Kind(fd) != SlotEmpty {
		t.Errorf("kind = %v, want empty", l.Kind(fd))
	}
}

func TestLoop_StaleCompletionDiscarded(t *testing.T) {
	l, _ := newTestLoop()
	_, server := testConnPair(t)
	fd := dialInto(t, l, server)
	gen := l.table.get(fd).gen

	// A completion from a previous life of this fd must be dropped.
	l.completions.push(Completion{Kind: completeRead, Fd: fd, Gen: gen - 1, Token: 9999, N: 3})
	if _, err := l.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if l.Kind(fd) != SlotStream {
		t.Errorf("stale completion disturbed the slot: %v", l.Kind(fd))
	}
	l.Close(fd)
	_ = l.RunToCompletion()
}

func TestLoop_ListenAcceptEcho(t *testing.T) {
	l, rt := newTestLoop()

	ltok := l.Listen(0)
	deadline := time.Now().Add(2 * time.Second)
	for !rt.contains(fmt.Sprintf("__settleToken(%d, true", ltok)) {
		if time.Now().After(deadline) {
			t.Fatalf("listen never completed: %v", rt.evals)
		}
		if _, err := l.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	var lfd int32 = -1
	for i := range l.table.slots {
		if l.table.slots[i].kind == SlotListener {
			lfd = int32(i)
		}
	}
	if lfd < 0 {
		t.Fatal("no listener slot")
	}
	addr, err := l.LocalAddr(lfd)
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}

	atok, err := l.Accept(lfd)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	for !rt.contains(fmt.Sprintf("__settleToken(%d, true", atok)) {
		if time.Now().After(deadline) {
			t.Fatalf("accept never completed: %v", rt.evals)
		}
		if _, err := l.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	var sfd int32 = -1
	for i := range l.table.slots {
		if l.table.slots[i].kind == SlotStream {
			sfd = int32(i)
		}
	}
	if sfd < 0 {
		t.Fatal("no stream slot after accept")
	}

	// Server reads what the client writes, then echoes it back.
	go func() { _, _ = client.Write([]byte("hello")) }()
	rtok, err := l.Read(sfd, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for !rt.contains(fmt.Sprintf("__settleToken(%d, true", rtok)) {
		if time.Now().After(deadline) {
			t.Fatalf("read never completed: %v", rt.evals)
		}
		if _, err := l.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	echoDone := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		echoDone <- string(buf[:n])
	}()
	wtok, err := l.Write(sfd, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	for !rt.contains(fmt.Sprintf("__settleToken(%d, true", wtok)) {
		if time.Now().After(deadline) {
			t.Fatalf("write never completed: %v", rt.evals)
		}
		if _, err := l.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if got := <-echoDone; got != "hello" {
		t.Errorf("client read %q, want hello", got)
	}

	l.Close(sfd)
	l.Close(lfd)
	if err := l.RunToCompletion(); err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if !l.Idle() {
		t.Error("loop not idle after closing everything")
	}
	if l.OutstandingTokens() != 0 {
		t.Errorf("outstanding tokens = %d, want 0", l.OutstandingTokens())
	}
}
