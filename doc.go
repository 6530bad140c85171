// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package httpconn provides the connection-level engine of an HTTP
client: given a single established byte stream, it negotiates HTTP/1.1
versus HTTP/2 and returns a handle for submitting requests paired with
a driver that performs all I/O for that connection.

Dialing, TLS, connection pooling, and retry policy are deliberately not
handled at this level. httpconn is the building block those layers are
built on: a pool holds many handles, decides which connection a request
goes to, and uses the retryable send to move a request that could not
be accepted onto another connection.

Establish a connection by handshaking over a net.Conn you already own,
then run the driver and use the handle:

	tx, cc, err := httpconn.Handshake(conn)
	if err != nil {
		...
	}
	go cc.Run(context.Background())

	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	res, err := tx.SendRequest(req).Wait(ctx)

For configuration, build the connection through a Builder:

	tx, cc, err := httpconn.New().
		TitleCaseHeaders(true).
		WriteBatching(false).
		Handshake(conn)

An HTTP/1.1 connection accepts one request at a time: a send while the
previous response is unresolved fails immediately with ErrConnNotReady
instead of blocking or queueing. Observe capacity with IsReady, or wait
for it with WhenReady. An HTTP/2 connection multiplexes: convert the
handle with HTTP2 and clone it freely, and each clone submits
concurrently with no cross-request ordering.

After an HTTP/1.1 upgrade response (101 Switching Protocols), reclaim
the transport, together with any bytes of the new protocol the peer
sent bundled with the response, by driving the connection with
RunWithoutShutdown and then calling Parts.
*/
package httpconn
