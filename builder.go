// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package httpconn

import (
	"errors"
	"net"

	"github.com/gogama/httpconn/dispatch"
	"github.com/gogama/httpconn/proto/h1"
	"github.com/gogama/httpconn/proto/h2"
)

// An Executor runs a fire-and-forget asynchronous task. It is required
// only for HTTP/2 connections, whose stream state must advance
// independently of any single response. The default executor runs each
// task on its own goroutine.
type Executor = h2.Executor

// A Logger receives debug-level connection events. Implementations
// include *log.Logger from the standard library. A nil Logger
// discards all events.
type Logger interface {
	Printf(format string, args ...interface{})
}

// A Builder configures and establishes HTTP client connections. Create
// one with New, adjust it with the chainable setters, then call
// Handshake once per connection. The builder's configuration is copied
// by value into each handshake, so a Builder may be reused and later
// mutation does not affect connections already established.
type Builder struct {
	exec      Executor
	logger    Logger
	noBatch   bool
	titleCase bool
	http2     bool
}

// New creates a connection builder with default options: HTTP/1.1,
// write batching enabled, header keys serialized as stored, and a
// goroutine-per-task executor.
func New() *Builder {
	return &Builder{}
}

// Executor sets the executor used to spawn HTTP/2 per-stream tasks.
func (b *Builder) Executor(exec Executor) *Builder {
	b.exec = exec
	return b
}

// Logger sets the logger for debug-level connection events.
func (b *Builder) Logger(logger Logger) *Builder {
	b.logger = logger
	return b
}

// WriteBatching controls whether HTTP/1.1 request head and body are
// written as a vectored write (enabled, the default) or flattened into
// one contiguous buffer and written with a single Write call.
func (b *Builder) WriteBatching(enabled bool) *Builder {
	b.noBatch = !enabled
	return b
}

// TitleCaseHeaders controls whether HTTP/1.1 header keys are forced to
// canonical Title-Case on the wire, including keys stored in
// non-canonical form. Default is false.
func (b *Builder) TitleCaseHeaders(enabled bool) *Builder {
	b.titleCase = enabled
	return b
}

// HTTP2Only controls whether the handshake establishes an HTTP/2
// connection instead of HTTP/1.1. Default is false.
func (b *Builder) HTTP2Only(enabled bool) *Builder {
	b.http2 = enabled
	return b
}

// Handshake binds the configured protocol to conn and returns the
// caller-facing submission handle together with the connection driver.
// The driver performs all I/O for the connection and must be run,
// typically on its own goroutine, before any submitted request can
// make progress:
//
//	tx, cc, err := httpconn.New().Handshake(conn)
//	if err != nil {
//		...
//	}
//	go cc.Run(context.Background())
//	res, err := tx.SendRequest(req).Wait(ctx)
//
// Handshake consumes conn: the driver owns it exclusively from this
// point (for HTTP/1.1, until it is reclaimed through Conn.Parts after
// an upgrade). Handshake itself performs no I/O.
func (b *Builder) Handshake(conn net.Conn) (*SendRequest, *Conn, error) {
	return b.handshake(conn, true)
}

// handshakeNoUpgrades is a fast path for callers that will never
// reclaim the transport: the HTTP/1.1 driver skips upgrade
// bookkeeping, treats a 101 response as a protocol fault, and does not
// support Parts.
func (b *Builder) handshakeNoUpgrades(conn net.Conn) (*SendRequest, *Conn, error) {
	return b.handshake(conn, false)
}

func (b *Builder) handshake(conn net.Conn, upgrades bool) (*SendRequest, *Conn, error) {
	if conn == nil {
		return nil, nil, errors.New("httpconn: nil conn")
	}

	logf := func(string, ...interface{}) {}
	if b.logger != nil {
		logf = b.logger.Printf
	}

	tx, rx := dispatch.Channel()
	cc := &Conn{}
	if b.http2 {
		exec := b.exec
		if exec == nil {
			exec = func(task func()) { go task() }
		}
		cc.h2 = h2.NewClient(conn, rx, exec, h2.Config{Logf: logf})
	} else {
		cc.h1 = h1.NewDispatcher(conn, rx, h1.Config{
			TitleCaseHeaders: b.titleCase,
			WriteBatching:    !b.noBatch,
			Upgrades:         upgrades,
			Logf:             logf,
		})
	}

	return &SendRequest{tx: tx, logf: logf}, cc, nil
}

// Handshake binds a default-configured connection to conn. It is a
// shortcut for New().Handshake(conn).
func Handshake(conn net.Conn) (*SendRequest, *Conn, error) {
	return New().Handshake(conn)
}
