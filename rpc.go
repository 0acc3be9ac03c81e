// Package capnweb implements the Cap'n Web object-capability RPC
// protocol: promise-pipelined calls over newline-delimited JSON arrays,
// backed by refcounted import/export tables, an IL plan runner for
// batched capability-side transforms, a nested-capability graph, and
// resumable session state.
package capnweb

import (
	"context"
	"log"
)

// RpcSession drives one peer connection's line-oriented exchange: it
// decodes each line into a Message, applies it to the underlying
// Session, and encodes any synchronous reply back out. Generalizes the
// teacher's RpcSession (rpc.go), which wired SessionData's ad hoc maps
// directly into HandleMessage; here all protocol state lives in
// Session and this type is just the wire-framing shim around it.
type RpcSession struct {
	session *Session
}

// NewRpcSession creates a line-oriented session wrapper around target,
// which answers at bootstrap capability ID 0.
func NewRpcSession(target RpcTarget) *RpcSession {
	return &RpcSession{session: NewSession(target)}
}

// Session exposes the underlying protocol engine, for callers that
// need direct access to Push, Snapshot/Restore, or Abort.
func (s *RpcSession) Session() *Session { return s.session }

// HandleMessage decodes one wire-protocol line, applies it, and
// returns the encoded reply line, or "" if the message produces no
// direct reply (push, release, abort all reply asynchronously or not
// at all).
func (s *RpcSession) HandleMessage(ctx context.Context, line string) (string, error) {
	return applyLine(ctx, s.session, line)
}

// OnOpen logs session start. Kept for symmetry with the teacher's
// OnOpen/OnClose pair even though Session itself needs no reset step
// (a fresh Session is constructed per connection).
func (s *RpcSession) OnOpen() {
	log.Printf("capnweb: session %s opened", s.session.ID)
}

// OnClose logs session teardown.
func (s *RpcSession) OnClose() {
	log.Printf("capnweb: session %s closed", s.session.ID)
}
