// Copyright 2021 The httpconn Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package dispatch

import "net/http"

// An UnboundedSender is a cloneable submission end with no capacity
// limit, used for multiplexed (HTTP/2) connections where many requests
// may be in flight at once. All clones write into the same logical
// channel; the receiver observes closure only when every clone has
// been closed.
//
// Each individual clone is safe to use from its own goroutine; the
// underlying channel serializes enqueues.
type UnboundedSender struct {
	ch *channel
}

// TrySend enqueues req. It never blocks, and fails only if the channel
// is closed, leaving req in the caller's hands. On success it returns
// the one-shot slot on which the result will arrive.
func (u *UnboundedSender) TrySend(req *http.Request, retryable bool) (<-chan Result, bool) {
	return u.ch.trySend(req, retryable, false)
}

// IsReady reports whether a TrySend would be accepted, which for an
// unbounded sender means only that the channel is still open.
func (u *UnboundedSender) IsReady() bool {
	return u.ch.isReady(false)
}

// IsClosed reports whether the channel has been closed by either end.
func (u *UnboundedSender) IsClosed() bool {
	return u.ch.isClosed()
}

// Clone returns a new independent sender into the same channel.
func (u *UnboundedSender) Clone() *UnboundedSender {
	u.ch.addSender()
	return &UnboundedSender{ch: u.ch}
}

// Close closes this clone. The channel itself closes once every clone
// is closed.
func (u *UnboundedSender) Close() {
	u.ch.closeSender()
}
