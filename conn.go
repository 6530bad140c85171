// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package httpconn

import (
	"context"
	"net"

	"github.com/gogama/httpconn/proto/h1"
	"github.com/gogama/httpconn/proto/h2"
)

// A Conn drives all I/O for one established connection: it moves bytes
// between the transport and the protocol implementation, takes newly
// submitted requests from the dispatch channel, and delivers responses
// to their futures. Nothing submitted through the connection's
// SendRequest makes progress unless the Conn is running, so in most
// cases Run should be started on its own goroutine immediately after
// the handshake.
//
// A Conn is either an HTTP/1.1 or an HTTP/2 connection, chosen once at
// handshake time and never changed afterward.
type Conn struct {
	h1 *h1.Dispatcher
	h2 *h2.Client
}

// Run drives the connection to completion. It returns nil once the
// connection has cleanly finished all outstanding work and has nothing
// left to do, and the unrecoverable transport or protocol fault
// otherwise. Run never retries; retry is a policy for the layer above,
// built on the retryable send.
//
// When driving ends, the transport is shut down and any requests still
// waiting are resolved with a cancellation error, never left to hang.
func (c *Conn) Run(ctx context.Context) error {
	if c.h1 != nil {
		return c.h1.Run(ctx, true)
	}
	return c.h2.Run(ctx)
}

// RunWithoutShutdown drives the connection exactly like Run but leaves
// the transport open when driving completes. Use it when the
// connection is expected to end in an HTTP upgrade, after which the
// transport will be reclaimed through Parts and used for a different
// protocol. For HTTP/2 connections, which have no upgrade hand-off,
// RunWithoutShutdown is identical to Run.
func (c *Conn) RunWithoutShutdown(ctx context.Context) error {
	if c.h1 != nil {
		return c.h1.Run(ctx, false)
	}
	return c.h2.Run(ctx)
}

// Parts are the deconstructed remains of an HTTP/1.1 connection.
type Parts struct {
	// Conn is the transport originally handed to the handshake,
	// ownership of which returns to the caller.
	Conn net.Conn
	// ReadBuf holds bytes that were read from the transport but not
	// consumed as HTTP. If the connection ended in an upgrade, these
	// are the first bytes of the new protocol, sent by the peer
	// bundled with the final HTTP response.
	ReadBuf []byte
}

// Parts returns the transport and any unconsumed read-ahead bytes.
// Call it only after the driver has returned, normally from
// RunWithoutShutdown following an upgrade response.
//
// Only HTTP/1.1 connections can be taken apart. Calling Parts on an
// HTTP/2 connection is a programming error and panics: the
// multiplexer's internal state cannot be safely externalized.
func (c *Conn) Parts() Parts {
	if c.h1 == nil {
		panic("httpconn: Parts called on an HTTP/2 connection")
	}
	conn, buf := c.h1.Parts()
	return Parts{Conn: conn, ReadBuf: buf}
}
