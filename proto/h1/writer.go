// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package h1

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// errMissingHost is returned when a request carries neither a Host
// field nor a URL host. Unlike a pooled client, a connection-level
// sender cannot derive the authority from anywhere else.
var errMissingHost = errors.New("h1: request has no Host")

// encodeRequest serializes the request head into hdr and fully reads
// the request body into body. Bodies are buffered before writing so
// every request is framed with a computed Content-Length; chunked
// request framing is not produced, and a caller-supplied
// Transfer-Encoding header is discarded.
func encodeRequest(req *http.Request, titleCase bool) (hdr, body []byte, err error) {
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	if host == "" {
		return nil, nil, errMissingHost
	}

	target := "/"
	if req.URL != nil {
		if r := req.URL.RequestURI(); r != "" {
			target = r
		}
	}

	if req.Body != nil {
		body, err = ioutil.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(host)
	b.WriteString("\r\n")
	for k, vv := range req.Header {
		if skipHeader(k) {
			continue
		}
		if titleCase {
			k = textproto.CanonicalMIMEHeaderKey(k)
		}
		for _, v := range vv {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	if req.Body != nil {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(body)))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	return []byte(b.String()), body, nil
}

// skipHeader reports whether the key is controlled by the encoder and
// must not be copied from the caller's header map: Host and
// Content-Length are written by the encoder itself, and bodies are
// always framed with a computed Content-Length, so a caller-supplied
// Transfer-Encoding would conflict with that framing.
func skipHeader(k string) bool {
	return strings.EqualFold(k, "Host") ||
		strings.EqualFold(k, "Content-Length") ||
		strings.EqualFold(k, "Transfer-Encoding")
}

// writeRequest encodes req and writes it to w. With batching enabled,
// the head and body are handed to the kernel as a vectored write
// (net.Buffers); otherwise they are flattened into one contiguous
// buffer and written with a single Write call.
func writeRequest(w io.Writer, req *http.Request, titleCase, batched bool) error {
	hdr, body, err := encodeRequest(req, titleCase)
	if err != nil {
		return fmt.Errorf("h1: encode request: %w", err)
	}
	if len(body) == 0 {
		_, err = w.Write(hdr)
	} else if batched {
		bufs := net.Buffers{hdr, body}
		_, err = bufs.WriteTo(w)
	} else {
		flat := make([]byte, 0, len(hdr)+len(body))
		flat = append(flat, hdr...)
		flat = append(flat, body...)
		_, err = w.Write(flat)
	}
	if err != nil {
		return fmt.Errorf("h1: write request: %w", err)
	}
	return nil
}
