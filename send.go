// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package httpconn

import (
	"context"
	"net/http"

	"github.com/gogama/httpconn/dispatch"
)

// A SendRequest is the caller-facing submission end of an established
// connection. It is single-owner: close it when done with the
// connection, or convert it with HTTP2, which consumes it.
//
// For HTTP/1.1 connections the handle accepts exactly one request at a
// time; a second submission while the previous response is unresolved
// fails immediately with ErrConnNotReady rather than queueing or
// blocking. Use IsReady or WhenReady to observe capacity before
// committing to a send.
type SendRequest struct {
	tx   *dispatch.Sender
	logf func(format string, args ...interface{})
}

// IsReady reports whether a send at this instant is expected to be
// accepted.
func (s *SendRequest) IsReady() bool {
	return s.tx.IsReady()
}

// IsClosed reports whether the connection side of the dispatch channel
// has closed, after which no send can succeed.
func (s *SendRequest) IsClosed() bool {
	return s.tx.IsClosed()
}

// WhenReady blocks until the handle can accept a request. It returns
// nil when capacity is available, dispatch.ErrClosed if the connection
// closed while waiting, or the context error if ctx ended first. A nil
// return is a point-in-time observation, not a reservation: the
// subsequent send can still lose capacity to an intervening send.
func (s *SendRequest) WhenReady(ctx context.Context) error {
	return s.tx.Ready(ctx)
}

// SendRequest submits req on the connection and returns the future
// response. It never blocks: if the connection cannot accept the
// request right now, the returned future is already failed with
// ErrConnNotReady, observable without the driver running.
//
// The caller must set req.Host (or a URL host); a connection-level
// sender cannot derive the authority the way a pooled client does.
func (s *SendRequest) SendRequest(req *http.Request) *ResponseFuture {
	slot, ok := s.tx.TrySend(req, false)
	if !ok {
		s.logf("connection was not ready")
		return &ResponseFuture{err: ErrConnNotReady, done: true}
	}
	return &ResponseFuture{slot: slot}
}

// SendRequestRetryable is SendRequest for use under an external retry
// or pooling layer: when the returned future fails with a cancellation
// that provably preceded the wire, the future's Retry method hands the
// original request back so the layer above can resubmit it on a
// different connection without reconstructing it.
func (s *SendRequest) SendRequestRetryable(req *http.Request) *ResponseFuture {
	slot, ok := s.tx.TrySend(req, true)
	if !ok {
		s.logf("connection was not ready")
		return &ResponseFuture{err: ErrConnNotReady, req: req, done: true}
	}
	return &ResponseFuture{slot: slot}
}

// Close closes the handle's side of the dispatch channel. Once the
// connection's driver finishes any work already accepted, it will
// observe closure and complete.
func (s *SendRequest) Close() {
	s.tx.Close()
}

// HTTP2 converts the single-owner handle into a cloneable one suitable
// for HTTP/2 multiplexing. The conversion is one-way and consumes the
// handle: the original SendRequest must not be used afterward.
func (s *SendRequest) HTTP2() *HTTP2SendRequest {
	return &HTTP2SendRequest{tx: s.tx.Unbound(), logf: s.logf}
}

// An HTTP2SendRequest is a cloneable submission handle for a
// multiplexed connection. Many clones may coexist, each owned by an
// independent submitter; all write into the same connection. The
// connection observes closure only when every clone has been closed.
type HTTP2SendRequest struct {
	tx   *dispatch.UnboundedSender
	logf func(format string, args ...interface{})
}

// IsReady reports whether a send is expected to be accepted, which for
// a multiplexed handle means only that the connection is still open.
func (h *HTTP2SendRequest) IsReady() bool {
	return h.tx.IsReady()
}

// IsClosed reports whether the connection side of the dispatch channel
// has closed.
func (h *HTTP2SendRequest) IsClosed() bool {
	return h.tx.IsClosed()
}

// Clone returns a new independent handle submitting into the same
// connection.
func (h *HTTP2SendRequest) Clone() *HTTP2SendRequest {
	return &HTTP2SendRequest{tx: h.tx.Clone(), logf: h.logf}
}

// SendRequestRetryable submits req on the multiplexed connection. It
// never blocks; it fails immediately, with the request recoverable via
// the future's Retry method, only if the connection is closed.
func (h *HTTP2SendRequest) SendRequestRetryable(req *http.Request) *ResponseFuture {
	slot, ok := h.tx.TrySend(req, true)
	if !ok {
		h.logf("connection was not ready")
		return &ResponseFuture{err: ErrConnNotReady, req: req, done: true}
	}
	return &ResponseFuture{slot: slot}
}

// Close closes this clone.
func (h *HTTP2SendRequest) Close() {
	h.tx.Close()
}

// A ResponseFuture is an in-flight response. It is either waiting on
// the connection's dispatch channel or already failed before
// submission; Wait distinguishes the two.
//
// Discarding a future without calling Wait only discards interest in
// the result: an exchange already accepted by an HTTP/1.1 driver still
// runs to completion.
type ResponseFuture struct {
	slot <-chan dispatch.Result
	res  *http.Response
	err  error
	req  *http.Request
	done bool
}

// Wait blocks until the response arrives or the connection fails the
// request, whichever comes first. Waiting requires the connection's
// driver to be running, except for futures that failed before
// submission, which return immediately.
//
// A ctx error abandons this Wait but not the request; Wait may be
// called again. After the future resolves, Wait returns the same
// result on every call.
func (f *ResponseFuture) Wait(ctx context.Context) (*http.Response, error) {
	if f.done {
		return f.res, f.err
	}
	select {
	case r, ok := <-f.slot:
		if !ok {
			// The driver side dropped the slot without resolving it.
			// That is an internal-consistency bug, not a runtime
			// condition; fail loudly instead of hanging callers.
			panic("httpconn: dispatch dropped without sending a result")
		}
		f.res, f.err, f.req = r.Res, r.Err, r.Req
		f.done = true
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retry returns the original request if it is safe and possible to
// resubmit it on a different connection: the future has resolved with
// an error, the submission was made through a retryable send, and the
// request never reached the wire.
func (f *ResponseFuture) Retry() (*http.Request, bool) {
	if f.done && f.err != nil && f.req != nil {
		return f.req, true
	}
	return nil, false
}
