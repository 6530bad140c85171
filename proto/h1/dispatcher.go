// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package h1 implements the HTTP/1.1 side of a client connection: a
// request encoder, a response reader, and the serial dispatcher that
// moves exchanges between a dispatch channel and the transport.
//
// HTTP/1.1 allows at most one exchange in flight per connection. The
// dispatcher does not enforce that itself; it is enforced upstream by
// the bounded dispatch channel, and falls out here naturally because
// the dispatcher runs exchanges strictly one after another, which also
// yields FIFO response ordering for free.
package h1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gogama/httpconn/dispatch"
)

// ErrUpgradeUnsupported is the terminal error of a dispatcher built
// without upgrade bookkeeping that receives a 101 response anyway.
var ErrUpgradeUnsupported = errors.New("h1: connection does not support upgrades")

// readBufSize is the read-ahead buffer size. Bytes read past the end
// of the final response (an upgraded protocol's first bytes) stay in
// this buffer and are recoverable through Parts.
const readBufSize = 4 << 10

// Config carries the connection-level options the dispatcher needs.
type Config struct {
	// TitleCaseHeaders forces canonical Title-Case serialization of
	// header keys, including keys stored in non-canonical form.
	TitleCaseHeaders bool
	// WriteBatching enables vectored writes of request head and body.
	// When false, each request is flattened into a single contiguous
	// write.
	WriteBatching bool
	// Upgrades keeps the bookkeeping needed to hand the transport back
	// after an HTTP upgrade. When false, a 101 response is a terminal
	// error and Parts must not be called.
	Upgrades bool
	// Logf, if non-nil, receives debug-level dispatcher events.
	Logf func(format string, args ...interface{})
}

// A Dispatcher drives one HTTP/1.1 client connection: it takes
// envelopes from the dispatch channel one at a time, writes each
// request to the transport, reads the matching response, and resolves
// the envelope. It exclusively owns the transport once created.
type Dispatcher struct {
	rx       *dispatch.Receiver
	conn     net.Conn
	br       *bufio.Reader
	cfg      Config
	finished bool
}

// NewDispatcher creates a dispatcher over conn, taking envelopes from
// rx. It performs no I/O; I/O happens only inside Run.
func NewDispatcher(conn net.Conn, rx *dispatch.Receiver, cfg Config) *Dispatcher {
	return &Dispatcher{
		rx:   rx,
		conn: conn,
		br:   bufio.NewReaderSize(conn, readBufSize),
		cfg:  cfg,
	}
}

// Run drives the connection until it has nothing left to do: the
// dispatch channel is closed and the final exchange, if any, has
// completed. It returns nil on clean completion, including completion
// by way of a 101 upgrade response or a Connection: close exchange,
// and the transport or protocol fault otherwise.
//
// shutdown controls whether the transport is closed when driving ends.
// Pass false when the transport will be reclaimed through Parts after
// an upgrade.
//
// Envelopes still queued when driving ends are canceled, and an
// envelope whose exchange failed is resolved with the fault that ended
// it; no accepted submission is left unresolved. Cancellation of ctx
// is honored even mid-exchange: the transport is closed out from under
// the blocked read or write, and Run returns the ctx error.
func (d *Dispatcher) Run(ctx context.Context, shutdown bool) (err error) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = d.conn.Close()
		case <-watchDone:
		}
	}()

	defer func() {
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			d.rx.Shutdown(err)
			_ = d.conn.Close()
		} else {
			d.rx.Shutdown(&dispatch.CanceledError{Reason: "connection closed"})
			if shutdown {
				_ = d.conn.Close()
			}
		}
		d.finished = true
	}()

	for {
		env, recvErr := d.rx.Recv(ctx)
		if recvErr == dispatch.ErrClosed {
			return nil
		}
		if recvErr != nil {
			return recvErr
		}

		req := env.Request()
		if werr := writeRequest(d.conn, req, d.cfg.TitleCaseHeaders, d.cfg.WriteBatching); werr != nil {
			env.Fail(werr)
			return werr
		}

		res, rerr := readResponse(d.br, req.Method)
		if rerr != nil {
			rerr = fmt.Errorf("h1: read response: %w", rerr)
			env.Fail(rerr)
			return rerr
		}

		if res.StatusCode == 101 {
			if !d.cfg.Upgrades {
				env.Fail(ErrUpgradeUnsupported)
				return ErrUpgradeUnsupported
			}
			d.logf("connection upgraded, %d byte(s) buffered", d.br.Buffered())
			env.Deliver(res)
			return nil
		}

		env.Deliver(res)

		if res.Close {
			d.logf("peer requested connection close")
			return nil
		}
	}
}

// Parts returns the transport and any bytes that were read from it but
// not consumed as HTTP. The dispatcher owns both until Run has
// returned; calling Parts any earlier is a programming error and
// panics.
func (d *Dispatcher) Parts() (net.Conn, []byte) {
	if !d.cfg.Upgrades {
		panic("h1: Parts on a connection built without upgrade support")
	}
	if !d.finished {
		panic("h1: Parts called before Run returned")
	}
	n := d.br.Buffered()
	buf := make([]byte, n)
	if n > 0 {
		// Peek cannot fail for already-buffered bytes.
		b, _ := d.br.Peek(n)
		copy(buf, b)
		_, _ = d.br.Discard(n)
	}
	return d.conn, buf
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.cfg.Logf != nil {
		d.cfg.Logf(format, args...)
	}
}
