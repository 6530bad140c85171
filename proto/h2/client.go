// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package h2 implements the HTTP/2 side of a client connection by
// binding a dispatch channel to the stream multiplexer from
// golang.org/x/net/http2. The multiplexer owns all flow control and
// stream state; this package only moves envelopes between the channel
// and the multiplexer.
package h2

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/http2"

	"github.com/gogama/httpconn/dispatch"
)

// An Executor runs a fire-and-forget asynchronous task. HTTP/2 needs
// one because stream state advances independently of any single
// response: each round trip is spawned as its own task.
type Executor func(task func())

// A Client drives one HTTP/2 client connection. Unlike the HTTP/1.1
// dispatcher it has no one-in-flight limit: every envelope taken from
// the channel becomes an independent concurrent stream.
//
// HTTP/2 connections are not decomposable; there is no Parts
// equivalent, because the multiplexer's internal state cannot be
// safely externalized.
type Client struct {
	rx   *dispatch.Receiver
	conn net.Conn
	exec Executor
	cfg  Config
}

// Config carries the connection-level options the client needs.
type Config struct {
	// Logf, if non-nil, receives debug-level driver events.
	Logf func(format string, args ...interface{})
}

// NewClient creates an HTTP/2 client connection driver over conn,
// taking envelopes from rx and spawning per-stream work on exec. It
// performs no I/O; the connection preface is written only inside Run.
func NewClient(conn net.Conn, rx *dispatch.Receiver, exec Executor, cfg Config) *Client {
	return &Client{
		rx:   rx,
		conn: conn,
		exec: exec,
		cfg:  cfg,
	}
}

// Run drives the connection until the dispatch channel is closed and
// every in-flight round trip has resolved. Each envelope's round trip
// runs as its own task on the executor, so responses resolve in
// whatever order the peer produces them.
//
// Run returns nil on clean completion. It returns the handshake error
// if the connection preface fails, or the context error if ctx ends
// driving early; in both cases pending envelopes are resolved rather
// than left to hang.
func (c *Client) Run(ctx context.Context) error {
	tr := &http2.Transport{AllowHTTP: true}
	cc, err := tr.NewClientConn(c.conn)
	if err != nil {
		c.rx.Shutdown(err)
		_ = c.conn.Close()
		return err
	}

	var wg sync.WaitGroup
	for {
		env, recvErr := c.rx.Recv(ctx)
		if recvErr == dispatch.ErrClosed {
			break
		}
		if recvErr != nil {
			c.rx.Shutdown(recvErr)
			// Abort in-flight streams before waiting on them: their
			// round trips must fail and resolve their envelopes even
			// if the peer never answers.
			_ = cc.Close()
			wg.Wait()
			_ = c.conn.Close()
			return recvErr
		}

		if !cc.CanTakeNewRequest() {
			c.logf("multiplexer cannot take new request, canceling")
			env.Cancel(&dispatch.CanceledError{Reason: "connection is shutting down"})
			continue
		}

		wg.Add(1)
		c.exec(func() {
			defer wg.Done()
			res, rtErr := cc.RoundTrip(normalize(env.Request()))
			if rtErr != nil {
				env.Fail(rtErr)
				return
			}
			env.Deliver(res)
		})
	}

	wg.Wait()
	// Graceful shutdown waits for still-streaming response bodies.
	err = cc.Shutdown(ctx)
	_ = c.conn.Close()
	return err
}

// normalize fills in the URL fields the multiplexer derives the
// :scheme and :authority pseudo-headers from, so that requests built
// with origin-form targets (a path plus a Host field, as HTTP/1.1
// allows) still multiplex correctly.
func normalize(req *http.Request) *http.Request {
	if req.URL != nil && req.URL.Scheme != "" && req.URL.Host != "" {
		return req
	}
	out := req.Clone(req.Context())
	if out.URL == nil {
		out.URL = &url.URL{Path: "/"}
	}
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	if out.URL.Host == "" {
		out.URL.Host = req.Host
	}
	return out
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.cfg.Logf != nil {
		c.cfg.Logf(format, args...)
	}
}
