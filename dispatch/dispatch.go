// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Sender and Receiver operations after the
// channel has been closed from either end.
var ErrClosed = errors.New("dispatch: channel is closed")

// A CanceledError indicates a request whose submission was canceled
// before a response could be produced. It lives in this package so the
// connection drivers and the public surface share one taxonomy; the
// root package aliases it as httpconn.CanceledError.
type CanceledError struct {
	// Reason is a short human-readable explanation of the
	// cancellation.
	Reason string
}

func (e *CanceledError) Error() string {
	return "httpconn: canceled: " + e.Reason
}

// A Result is the terminal outcome of one dispatched request. Exactly
// one of Res and Err is set. Req is set, in addition to Err, when the
// request was canceled before reaching the wire and the submission was
// made through a retryable send, so the caller can resubmit the same
// request on a different connection.
type Result struct {
	Res *http.Response
	Err error
	Req *http.Request
}

// An Envelope pairs one outgoing request with the one-shot slot its
// result must be delivered into. The receiver side of a channel takes
// ownership of an Envelope from Recv and must resolve it exactly once,
// via Deliver, Fail, or Cancel. Resolving an Envelope twice is a bug
// and panics.
type Envelope struct {
	req       *http.Request
	retryable bool
	slot      chan Result
	resolved  uint32
}

// Request returns the request carried by the envelope.
func (e *Envelope) Request() *http.Request {
	return e.req
}

// Deliver resolves the envelope with a response.
func (e *Envelope) Deliver(res *http.Response) {
	e.resolve(Result{Res: res})
}

// Fail resolves the envelope with a terminal error. Use Fail when the
// request may have reached the wire, so the caller must not blindly
// resubmit it.
func (e *Envelope) Fail(err error) {
	e.resolve(Result{Err: err})
}

// Cancel resolves the envelope with an error indicating the request
// never reached the wire. If the envelope was submitted through a
// retryable send, the original request is handed back in the result.
func (e *Envelope) Cancel(err error) {
	r := Result{Err: err}
	if e.retryable {
		r.Req = e.req
	}
	e.resolve(r)
}

func (e *Envelope) resolve(r Result) {
	if !atomic.CompareAndSwapUint32(&e.resolved, 0, 1) {
		panic("dispatch: envelope resolved twice")
	}
	e.slot <- r
}

// channel is the shared state between all senders and the single
// receiver. The queue holds envelopes sent but not yet taken by the
// receiver.
//
// Bounded capacity is driven by the receiver's appetite, not by queue
// length alone: a bounded send is accepted only while the receiver is
// parked in Recv waiting for work (wanting), except that one send may
// be buffered before the receiver ever asks, so a request can be
// submitted before the connection driver has been started. This is
// what enforces the HTTP/1.1 one-in-flight rule: the driver asks for
// the next envelope only after the previous exchange has fully
// resolved. Unbounded senders enqueue without limit.
type channel struct {
	mu       sync.Mutex
	queue    []*Envelope
	senders  int
	closed   bool
	wanting  bool
	buffered bool
	// sendable and recvable are broadcast signals, closed and replaced
	// under mu whenever capacity may have opened (sendable) or an
	// envelope was queued or the channel closed (recvable).
	sendable chan struct{}
	recvable chan struct{}
}

func newChannel() *channel {
	return &channel{
		senders:  1,
		sendable: make(chan struct{}),
		recvable: make(chan struct{}),
	}
}

// Channel creates a dispatch channel and returns its two ends. The
// Sender enforces bounded, single-slot semantics: a second send is
// refused until the receiver has taken the first envelope.
func Channel() (*Sender, *Receiver) {
	ch := newChannel()
	return &Sender{ch: ch}, &Receiver{ch: ch}
}

func pulse(chp *chan struct{}) {
	close(*chp)
	*chp = make(chan struct{})
}

func (ch *channel) trySend(req *http.Request, retryable, bounded bool) (<-chan Result, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.readyLocked(bounded) {
		return nil, false
	}
	if bounded {
		if ch.wanting {
			ch.wanting = false
		} else {
			ch.buffered = true
		}
	}
	env := &Envelope{
		req:       req,
		retryable: retryable,
		slot:      make(chan Result, 1),
	}
	ch.queue = append(ch.queue, env)
	pulse(&ch.recvable)
	return env.slot, true
}

// readyLocked reports whether a send would be accepted. ch.mu held.
func (ch *channel) readyLocked(bounded bool) bool {
	if ch.closed {
		return false
	}
	if !bounded {
		return true
	}
	return len(ch.queue) == 0 && (ch.wanting || !ch.buffered)
}

func (ch *channel) isReady(bounded bool) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.readyLocked(bounded)
}

func (ch *channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *channel) closeSender() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.senders--
	if ch.senders <= 0 {
		ch.closed = true
		pulse(&ch.recvable)
		pulse(&ch.sendable)
	}
}

func (ch *channel) addSender() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.senders++
}

// A Sender is the submission end of a bounded dispatch channel. At
// most one envelope may be outstanding: a send while the receiver has
// not yet taken the previous envelope is refused immediately.
//
// A Sender is single-owner. Close it when done, or convert it with
// Unbound, which consumes it.
type Sender struct {
	ch *channel
}

// TrySend attempts to enqueue req. It never blocks. It returns false,
// leaving req untouched in the caller's hands, if the channel is
// closed or the slot is still occupied by a previous send. On success
// it returns the one-shot slot on which the result will arrive.
//
// retryable marks the envelope for the retryable-send contract: if the
// request is later canceled before reaching the wire, the result hands
// the request back for resubmission elsewhere.
func (s *Sender) TrySend(req *http.Request, retryable bool) (<-chan Result, bool) {
	return s.ch.trySend(req, retryable, true)
}

// IsReady reports whether a TrySend at this instant would be accepted.
func (s *Sender) IsReady() bool {
	return s.ch.isReady(true)
}

// IsClosed reports whether the channel has been closed by either end.
func (s *Sender) IsClosed() bool {
	return s.ch.isClosed()
}

// Ready blocks until a subsequent TrySend is expected to succeed. It
// returns ErrClosed if the channel closed while waiting, or the
// context error if ctx was done first.
func (s *Sender) Ready(ctx context.Context) error {
	for {
		s.ch.mu.Lock()
		if s.ch.closed {
			s.ch.mu.Unlock()
			return ErrClosed
		}
		if s.ch.readyLocked(true) {
			s.ch.mu.Unlock()
			return nil
		}
		w := s.ch.sendable
		s.ch.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the sender's side of the channel. The receiver observes
// closure once every sender is closed. Close is idempotent only in the
// sense that closing an already-closed channel is a no-op.
func (s *Sender) Close() {
	s.ch.closeSender()
}

// Unbound converts the bounded sender into an unbounded, cloneable
// one. The conversion is one-way and consumes the receiver half of the
// bounded contract: the original Sender must not be used afterward.
func (s *Sender) Unbound() *UnboundedSender {
	s.ch.addSender()
	u := &UnboundedSender{ch: s.ch}
	s.ch.closeSender()
	return u
}

// A Receiver is the single-consumer end of a dispatch channel,
// normally owned by a connection driver.
type Receiver struct {
	ch *channel
}

// Recv blocks until an envelope is available and takes ownership of
// it. Taking an envelope reopens capacity on a bounded channel. Recv
// returns ErrClosed once the channel is closed and drained, or the
// context error if ctx is done first.
//
// The caller must resolve every envelope Recv returns. Shutdown
// resolves any envelopes still queued.
func (r *Receiver) Recv(ctx context.Context) (*Envelope, error) {
	for {
		r.ch.mu.Lock()
		if len(r.ch.queue) > 0 {
			env := r.ch.queue[0]
			r.ch.queue = r.ch.queue[1:]
			r.ch.wanting = false
			r.ch.mu.Unlock()
			return env, nil
		}
		if r.ch.closed {
			r.ch.mu.Unlock()
			return nil, ErrClosed
		}
		// Parking here is what opens bounded capacity.
		if !r.ch.wanting {
			r.ch.wanting = true
			pulse(&r.ch.sendable)
		}
		w := r.ch.recvable
		r.ch.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsClosed reports whether the channel has been closed by either end.
func (r *Receiver) IsClosed() bool {
	return r.ch.isClosed()
}

// Shutdown closes the channel from the receiver side and cancels every
// envelope still queued with err, so that no accepted submission is
// left unresolved. Shutdown is idempotent.
func (r *Receiver) Shutdown(err error) {
	r.ch.mu.Lock()
	queued := r.ch.queue
	r.ch.queue = nil
	if !r.ch.closed {
		r.ch.closed = true
		pulse(&r.ch.recvable)
		pulse(&r.ch.sendable)
	}
	r.ch.mu.Unlock()
	for _, env := range queued {
		env.Cancel(err)
	}
}
