// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package h1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

const maxLineBytes = 8 << 10

var (
	errMalformedResponse = errors.New("h1: malformed response")
	errLineTooLong       = errors.New("h1: header line exceeds size limit")
)

// readResponse reads one complete HTTP/1.x response from br, including
// its body, which is fully buffered into the returned response. method
// is the request method the response answers; it changes body framing
// (a HEAD response never has a body).
//
// Responses without a body by definition (1xx, 204, 304) leave br
// positioned at the first byte after the header block, which for a 101
// response is the first byte of the upgraded protocol.
//
// Interim responses (1xx other than 101) are not the final response to
// the exchange; they are consumed and skipped, and reading continues
// until the final response arrives. 101 terminates an exchange like a
// final response because the connection stops being HTTP afterward.
func readResponse(br *bufio.Reader, method string) (*http.Response, error) {
	var (
		proto, reason string
		code          int
		header        http.Header
	)
	for {
		var err error
		proto, code, reason, err = readStatusLine(br)
		if err != nil {
			return nil, err
		}
		header, err = readHeaders(br)
		if err != nil {
			return nil, err
		}
		if code >= 100 && code < 200 && code != 101 {
			continue
		}
		break
	}

	res := &http.Response{
		Status:        fmt.Sprintf("%d %s", code, reason),
		StatusCode:    code,
		Proto:         proto,
		Header:        header,
		ContentLength: -1,
	}
	if major, minor, ok := http.ParseHTTPVersion(proto); ok {
		res.ProtoMajor, res.ProtoMinor = major, minor
	}
	res.Close = closeRequested(res)

	switch {
	case noResponseBody(code, method):
		res.Body = ioutil.NopCloser(strings.NewReader(""))
		res.ContentLength = 0
	case chunkedEncoding(header):
		body, err := readChunkedBody(br)
		if err != nil {
			return nil, err
		}
		res.Body = ioutil.NopCloser(bytes.NewReader(body))
		res.ContentLength = int64(len(body))
	case header.Get("Content-Length") != "":
		n, err := strconv.ParseInt(strings.TrimSpace(header.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("h1: bad Content-Length %q", header.Get("Content-Length"))
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("h1: read body: %w", err)
		}
		res.Body = ioutil.NopCloser(bytes.NewReader(body))
		res.ContentLength = n
	default:
		// Close-delimited: everything until EOF is the body, and the
		// connection cannot carry another exchange.
		body, err := ioutil.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("h1: read body: %w", err)
		}
		res.Body = ioutil.NopCloser(bytes.NewReader(body))
		res.ContentLength = int64(len(body))
		res.Close = true
	}

	return res, nil
}

func readStatusLine(br *bufio.Reader) (proto string, code int, reason string, err error) {
	line, err := readLine(br)
	if err != nil {
		return "", 0, "", err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return "", 0, "", errMalformedResponse
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return "", 0, "", errMalformedResponse
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

func readHeaders(br *bufio.Reader) (http.Header, error) {
	h := make(http.Header)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, errMalformedResponse
		}
		h.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if sb.Len() > maxLineBytes {
			return "", errLineTooLong
		}
	}
}

// readChunkedBody decodes a chunked transfer-encoded body, consuming
// the terminal zero-size chunk and any trailers.
func readChunkedBody(br *bufio.Reader) ([]byte, error) {
	var body bytes.Buffer
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("h1: bad chunk size %q", line)
		}
		if n == 0 {
			// Trailers, then the final empty line.
			for {
				l, err := readLine(br)
				if err != nil {
					return nil, err
				}
				if l == "" {
					return body.Bytes(), nil
				}
			}
		}
		if _, err := io.CopyN(&body, br, n); err != nil {
			return nil, err
		}
		if crlf, err := br.ReadByte(); err != nil || crlf != '\r' {
			return nil, errMalformedResponse
		}
		if lf, err := br.ReadByte(); err != nil || lf != '\n' {
			return nil, errMalformedResponse
		}
	}
}

func noResponseBody(code int, method string) bool {
	return code < 200 || code == 204 || code == 304 || method == http.MethodHead
}

func chunkedEncoding(h http.Header) bool {
	for _, v := range h[textproto.CanonicalMIMEHeaderKey("Transfer-Encoding")] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

func closeRequested(res *http.Response) bool {
	if res.ProtoMajor == 1 && res.ProtoMinor == 0 {
		return !strings.EqualFold(res.Header.Get("Connection"), "keep-alive")
	}
	return strings.EqualFold(res.Header.Get("Connection"), "close")
}
