// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package httpconn

import (
	"errors"

	"github.com/gogama/httpconn/dispatch"
)

// A CanceledError indicates a request whose submission was canceled
// before a response could be produced: either the connection was not
// ready to accept it, or the connection was torn down while the
// request was still waiting to reach the wire.
//
// A CanceledError never means the request provably reached the peer,
// which is what makes the retryable send safe to resubmit on another
// connection.
type CanceledError = dispatch.CanceledError

// ErrConnNotReady is the cancellation returned when a request is
// submitted while the connection cannot accept one: the previous
// HTTP/1.1 exchange still occupies the connection's single slot, or
// the connection is closed.
var ErrConnNotReady = &CanceledError{Reason: "connection was not ready"}

// IsCanceled reports whether err, or any error it wraps, is a
// CanceledError. Requests failed with a canceled error did not reach
// the wire and may be resubmitted on a different connection.
func IsCanceled(err error) bool {
	var ce *CanceledError
	return errors.As(err, &ce)
}
