// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package h1

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogama/httpconn/dispatch"
)

// peer reads full HTTP/1.1 requests off conn and answers each with the
// next scripted raw response.
func peer(t *testing.T, conn net.Conn, responses ...string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		br := bufio.NewReader(conn)
		for _, raw := range responses {
			if err := discardRequest(br); err != nil {
				done <- err
				return
			}
			if _, err := io.WriteString(conn, raw); err != nil {
				done <- err
				return
			}
		}
	}()
	return done
}

func discardRequest(br *bufio.Reader) error {
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if i := strings.IndexByte(line, ':'); i > 0 &&
			strings.EqualFold(strings.TrimSpace(line[:i]), "Content-Length") {
			contentLength, err = strconv.Atoi(strings.TrimSpace(line[i+1:]))
			if err != nil {
				return err
			}
		}
	}
	_, err := io.CopyN(discard{}, br, int64(contentLength))
	return err
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func getRequest(t *testing.T, target string) *http.Request {
	req, err := http.NewRequest("GET", "http://example.com"+target, nil)
	require.NoError(t, err)
	return req
}

func TestDispatcherSingleExchange(t *testing.T) {
	client, server := net.Pipe()
	peerDone := peer(t, server, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi")

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	slot, ok := tx.TrySend(getRequest(t, "/"), false)
	require.True(t, ok)
	tx.Close()

	require.NoError(t, d.Run(context.Background(), true))
	require.NoError(t, <-peerDone)

	r := <-slot
	require.NoError(t, r.Err)
	assert.Equal(t, 200, r.Res.StatusCode)
	assert.Equal(t, int64(2), r.Res.ContentLength)
}

func TestDispatcherUpgradeParts(t *testing.T) {
	client, server := net.Pipe()
	peerDone := peer(t, server,
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: proto9\r\nConnection: Upgrade\r\n\r\ntail-bytes")

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	slot, ok := tx.TrySend(getRequest(t, "/upgrade"), false)
	require.True(t, ok)

	require.NoError(t, d.Run(context.Background(), false))
	require.NoError(t, <-peerDone)

	r := <-slot
	require.NoError(t, r.Err)
	assert.Equal(t, 101, r.Res.StatusCode)

	conn, leftover := d.Parts()
	assert.Same(t, client, conn, "handshake transport comes back out")
	assert.Equal(t, "tail-bytes", string(leftover))

	// The transport must still be usable: it was not shut down.
	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(server, buf); err == nil {
			_, _ = server.Write([]byte("pong"))
		}
	}()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestDispatcherUpgradeUnsupported(t *testing.T) {
	client, server := net.Pipe()
	_ = peer(t, server, "HTTP/1.1 101 Switching Protocols\r\n\r\n")

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true})

	slot, ok := tx.TrySend(getRequest(t, "/"), false)
	require.True(t, ok)

	err := d.Run(context.Background(), true)
	assert.Equal(t, ErrUpgradeUnsupported, err)

	r := <-slot
	assert.Equal(t, ErrUpgradeUnsupported, r.Err)

	assert.Panics(t, func() { d.Parts() })
}

func TestDispatcherPeerClose(t *testing.T) {
	client, server := net.Pipe()
	peerDone := peer(t, server, "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	slot, ok := tx.TrySend(getRequest(t, "/"), false)
	require.True(t, ok)

	// Driving ends cleanly after the close-flagged exchange even
	// though the sender side never closed.
	require.NoError(t, d.Run(context.Background(), true))
	require.NoError(t, <-peerDone)

	r := <-slot
	require.NoError(t, r.Err)
	assert.True(t, r.Res.Close)
	assert.True(t, tx.IsClosed())
}

func TestDispatcherTransportFault(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		br := bufio.NewReader(server)
		_ = discardRequest(br)
		// Tear the transport down mid-response.
		_, _ = io.WriteString(server, "HTTP/1.1 200 OK\r\nContent-Le")
		_ = server.Close()
	}()

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	slot, ok := tx.TrySend(getRequest(t, "/"), false)
	require.True(t, ok)

	err := d.Run(context.Background(), true)
	require.Error(t, err)

	r := <-slot
	assert.Equal(t, err, r.Err, "pending response resolves with the driver's terminal error")
}

func TestDispatcherDroppedSlotStillCompletes(t *testing.T) {
	client, server := net.Pipe()
	peerDone := peer(t, server,
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\na",
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nb")

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background(), true) }()

	// First send's slot is deliberately discarded.
	_, ok := tx.TrySend(getRequest(t, "/1"), false)
	require.True(t, ok)

	require.NoError(t, tx.Ready(context.Background()))
	slot2, ok := tx.TrySend(getRequest(t, "/2"), false)
	require.True(t, ok)
	tx.Close()

	r := <-slot2
	require.NoError(t, r.Err)
	assert.Equal(t, 200, r.Res.StatusCode)

	require.NoError(t, <-runDone)
	require.NoError(t, <-peerDone)
}

func TestDispatcherCancelMidExchange(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		// Read the request, then go silent.
		br := bufio.NewReader(server)
		_ = discardRequest(br)
	}()

	tx, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx, true) }()

	slot, ok := tx.TrySend(getRequest(t, "/stalled"), false)
	require.True(t, ok)

	// Let the exchange reach the blocked response read, then cancel.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver ignored cancellation during a blocked read")
	}

	r := <-slot
	assert.Error(t, r.Err, "in-flight envelope must resolve when driving ends")
}

func TestDispatcherPartsBeforeRun(t *testing.T) {
	client, _ := net.Pipe()
	_, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})
	assert.PanicsWithValue(t, "h1: Parts called before Run returned", func() { d.Parts() })
}

func TestDispatcherContextCancel(t *testing.T) {
	client, _ := net.Pipe()
	_, rx := dispatch.Channel()
	d := NewDispatcher(client, rx, Config{WriteBatching: true, Upgrades: true})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx, true) }()

	cancel()
	select {
	case err := <-runDone:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not observe cancellation")
	}
}
