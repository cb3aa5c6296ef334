package eventloop

import "fmt"

// TokenKind classifies the completion a callback token expects.
type TokenKind uint8

const (
	TokenNewSocket TokenKind = iota + 1
	TokenBytesRead
	TokenBytesWritten
	TokenNotify
	TokenTimer
)

// Token is the Go half of a pending one-shot JS resumption. The JS half
// (the resolve/reject pair, or the event-handler object) lives in
// globalThis.__cbTokens (or __netHandlers) under the same id. A token is
// consumed exactly once; double consumption is a bug, leaking one leaks
// its Promise.
type Token struct {
	ID       uint64
	Kind     TokenKind
	Fd       int32
	Event    bool // settle via the fd's handler object, not a Promise
	consumed bool
}

// tokenRegistry is loop-confined; no locking.
type tokenRegistry struct {
	next   uint64
	tokens map[uint64]*Token
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{tokens: make(map[uint64]*Token)}
}

func (r *tokenRegistry) issue(kind TokenKind, fd int32) *Token {
	r.next++
	t := &Token{ID: r.next, Kind: kind, Fd: fd}
	r.tokens[t.ID] = t
	return t
}

// consume takes the token out of the registry, enforcing one-shot use.
func (r *tokenRegistry) consume(id uint64) (*Token, error) {
	t, ok := r.tokens[id]
	if !ok {
		return nil, fmt.Errorf("token %d already consumed or never issued", id)
	}
	if t.consumed {
		return nil, fmt.Errorf("token %d consumed twice", id)
	}
	t.consumed = true
	delete(r.tokens, id)
	return t, nil
}

// outstanding reports tokens issued but not yet consumed.
func (r *tokenRegistry) outstanding() int { return len(r.tokens) }
