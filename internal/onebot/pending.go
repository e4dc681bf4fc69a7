package onebot

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTimeout is returned when an API call goes unanswered past its deadline.
	ErrTimeout = errors.New("onebot: call timed out")
	// ErrConnectionLost is returned to every pending call when the connection
	// is torn down before its response arrives.
	ErrConnectionLost = errors.New("onebot: connection lost")
	// ErrNotConnected is returned when a call is issued while the channel is
	// not in the connected state.
	ErrNotConnected = errors.New("onebot: not connected")
)

// APIError is a call the implementation received but declared failed.
type APIError struct {
	Action  string
	RetCode int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("onebot: %s failed: %s (retcode %d)", e.Action, e.Message, e.RetCode)
	}
	return fmt.Sprintf("onebot: %s failed (retcode %d)", e.Action, e.RetCode)
}

type callResult struct {
	resp Response
	err  error
}

// pendingCalls is the table of in-flight API calls keyed by correlation
// token. The closed flag gates registration: once failAll has run, no new
// call can slip into a table that is mid-teardown — the register/teardown
// pair is atomic under one mutex.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[string]chan callResult
	closed bool
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan callResult), closed: true}
}

// register adds a pending call for echo. It fails with ErrNotConnected when
// the table is closed (connection down or mid-teardown).
func (p *pendingCalls) register(echo string) (chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotConnected
	}
	ch := make(chan callResult, 1)
	p.calls[echo] = ch
	return ch, nil
}

// remove deregisters echo, reporting whether it was still present. Used on
// timeout so a late response cannot resurrect the call.
func (p *pendingCalls) remove(echo string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[echo]; !ok {
		return false
	}
	delete(p.calls, echo)
	return true
}

// resolve delivers a response to its pending call. Responses with unknown
// tokens are dropped; the return value reports whether a caller was matched.
func (p *pendingCalls) resolve(resp Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.Echo]
	if ok {
		delete(p.calls, resp.Echo)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- callResult{resp: resp}
	return true
}

// failAll fails every pending call with err, empties the table, and closes
// it against new registrations until reopen.
func (p *pendingCalls) failAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	n := len(p.calls)
	for echo, ch := range p.calls {
		ch <- callResult{err: err}
		delete(p.calls, echo)
	}
	return n
}

// reopen accepts registrations again after a successful (re)connect.
func (p *pendingCalls) reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
