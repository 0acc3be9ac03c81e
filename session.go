package capnweb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Session engine (C5). Generalizes the teacher's RpcSession/SessionData
// (rpc.go) from a single lazy-pipeline map into the full
// push/pull/resolve/reject/release/abort state machine of spec.md §4.4,
// built on the real import/export tables (tables.go) instead of the
// teacher's ad hoc PendingResults/PendingOperations maps.

// SessionState is the session-level lifecycle (spec.md §4.4).
type SessionState int32

const (
	StateRunning SessionState = iota
	StateAborting
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAborting:
		return "aborting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrSessionTerminated is returned by any operation attempted after the
// session has reached its terminal state.
var ErrSessionTerminated = NewError(ErrCanceled, "session is terminated")

// VariableStateManager tracks named scratch variables a capability
// implementation can stash between calls within a session. Grounded in
// capnweb-core/src/protocol/variable_state.rs's VariableStateManager
// (supplemented feature: the distilled spec.md doesn't mention named
// session variables, but the original implementation carries them).
type VariableStateManager struct {
	mu         sync.RWMutex
	vars       map[string]Value
	maxVars    int
	maxNameLen int
}

// NewVariableStateManager returns a manager bounded at 256 variables
// with names up to 128 bytes, matching the limits asserted by the
// Rust original's validation tests.
func NewVariableStateManager() *VariableStateManager {
	return &VariableStateManager{vars: make(map[string]Value), maxVars: 256, maxNameLen: 128}
}

// SetVariable stores v under name, validating name shape and the
// manager's capacity bounds.
func (m *VariableStateManager) SetVariable(name string, v Value) error {
	if name == "" {
		return NewError(ErrBadRequest, "variable name must not be empty")
	}
	if len(name) > m.maxNameLen {
		return NewErrorf(ErrBadRequest, "variable name exceeds %d bytes", m.maxNameLen)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.vars[name]; !exists && len(m.vars) >= m.maxVars {
		return NewErrorf(ErrBadRequest, "session variable limit reached (%d)", m.maxVars)
	}
	m.vars[name] = v
	return nil
}

// GetVariable returns the named variable, if set.
func (m *VariableStateManager) GetVariable(name string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	return v, ok
}

// DeleteVariable removes the named variable, returning false if it was
// not set.
func (m *VariableStateManager) DeleteVariable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vars[name]; !ok {
		return false
	}
	delete(m.vars, name)
	return true
}

// ClearVariables removes every stored variable, returning the count
// removed.
func (m *VariableStateManager) ClearVariables() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.vars)
	m.vars = make(map[string]Value)
	return n
}

// Session owns one peer connection's full protocol state: ID
// allocation, import/export tables, the capability registry and
// nested-capability graph, the IL plan runner, session variables, and
// the lifecycle state machine. Spec.md §4.4 (C5).
type Session struct {
	ID uuid.UUID

	Allocator *IDAllocator
	Imports   *ImportTable
	Exports   *ExportTableT
	Graph     *CapabilityGraph
	Runner    *PlanRunner
	Variables *VariableStateManager

	// Outbox carries messages the session wants to send the peer
	// asynchronously (server-initiated pushes, queued releases),
	// independent of the synchronous pull request/response exchange.
	Outbox chan Message

	bootstrap   RpcTarget
	pullLimiter *rate.Limiter
	pullTimeout time.Duration

	// capNodes/exportNodes track each exported capability's node in
	// Graph, so the same RpcTarget exported more than once shares one
	// node (ref-counted per spec.md §4.6) instead of the graph sitting
	// unexercised beside the import/export tables.
	capNodesMu  sync.Mutex
	capNodes    map[RpcTarget]uuid.UUID
	exportNodes map[int64]uuid.UUID

	state int32 // SessionState, accessed atomically
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithPullRateLimit overrides the default pull rate limit (100/s,
// burst 50). Bursty batch-RPC callers that pull many pipelined results
// in one request need a higher burst.
func WithPullRateLimit(r rate.Limit, burst int) SessionOption {
	return func(s *Session) { s.pullLimiter = rate.NewLimiter(r, burst) }
}

// WithPullTimeout overrides the default per-pull deadline (30s,
// spec.md §4.4/§8 scenario S6): the wall-clock bound after which a
// pull whose target import never resolves is rejected with ErrTimeout
// instead of blocking forever.
func WithPullTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.pullTimeout = d }
}

// NewSession creates a session rooted at bootstrap, which is installed
// in the import table at ID 0 and so answers to pipeline, call and
// capref alike (spec.md's bootstrap capability, ids.go's reserved slot).
func NewSession(bootstrap RpcTarget, opts ...SessionOption) *Session {
	s := &Session{
		ID:          uuid.New(),
		Allocator:   NewIDAllocator(),
		Runner:      NewPlanRunner(),
		Variables:   NewVariableStateManager(),
		Outbox:      make(chan Message, 256),
		bootstrap:   bootstrap,
		pullLimiter: rate.NewLimiter(100, 50),
		pullTimeout: 30 * time.Second,
		capNodes:    make(map[RpcTarget]uuid.UUID),
		exportNodes: make(map[int64]uuid.UUID),
		state:       int32(StateRunning),
	}
	s.Imports = NewImportTable(func(id int64) { s.enqueueRelease(id) })
	s.Exports = NewExportTable(func(id int64) { s.releaseExportedCapabilityNode(id) })
	s.Graph = NewCapabilityGraph(func(id uuid.UUID, target RpcTarget) {})
	if bootstrap != nil {
		_ = s.Imports.Insert(0, newStubEntry(bootstrap))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st SessionState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Capability implements CapabilityResolver, looking a capability up by
// sign-routed ID: non-negative IDs (0, the bootstrap, included)
// resolve against the import table, negative IDs against the export
// table. This is Open Question decision #4 (DESIGN.md): rather than
// assign pull/release IDs a fixed directional meaning, every ID is
// routed by its sign to whichever table owns that half of the ID
// space, since the import/export partition already guarantees
// disjointness.
func (s *Session) Capability(id int64) (RpcTarget, bool) {
	entry, ok := s.lookupEntry(id)
	if !ok {
		return nil, false
	}
	v, err, settled := entry.Peek()
	if !settled || err != nil || v.Kind != VStub {
		return nil, false
	}
	return v.Stub, true
}

func (s *Session) lookupEntry(id int64) (*ImportEntry, bool) {
	if IsImportID(id) {
		return s.Imports.Get(id)
	}
	return s.Exports.Get(id)
}

func (s *Session) releaseTableFor(id int64) *RefTable {
	if IsImportID(id) {
		return s.Imports.RefTable
	}
	return s.Exports.RefTable
}

func (s *Session) evalContext() *EvalContext {
	return &EvalContext{Imports: s.Imports, Capabilities: s, Runner: s.Runner}
}

// ApplyMessage advances the session's state machine by one incoming
// wire message, returning a synchronous reply (resolve/reject for a
// pull) or nil when the message has no direct reply (push, release,
// abort — these surface asynchronously via Outbox, or not at all).
func (s *Session) ApplyMessage(ctx context.Context, msg Message) (*Message, error) {
	if s.State() == StateTerminated {
		return nil, ErrSessionTerminated
	}

	switch msg.Kind {
	case MsgPush:
		s.handlePush(ctx, msg.Expr)
		return nil, nil

	case MsgPull:
		return s.handlePull(ctx, msg.ID)

	case MsgResolve:
		s.settleEntry(ctx, msg.ID, msg.Expr, false)
		return nil, nil

	case MsgReject:
		s.settleEntry(ctx, msg.ID, msg.Expr, true)
		return nil, nil

	case MsgRelease:
		return nil, s.handleRelease(msg.ReleaseIDs)

	case MsgAbort:
		s.handleAbort(ctx, msg.Expr)
		return nil, nil

	default:
		return nil, NewErrorf(ErrBadRequest, "unknown message kind")
	}
}

// handlePush allocates the next import ID and evaluates expr in the
// background, so a pull arriving before evaluation completes suspends
// on the pending entry instead of racing it — this is what makes
// promise pipelining possible: the peer can reference this import's
// result in a later push before the result exists.
func (s *Session) handlePush(ctx context.Context, expr *WireExpression) int64 {
	id := s.Allocator.NextImportID()
	entry := newPendingEntry()
	if err := s.Imports.Insert(id, entry); err != nil {
		entry.Reject(err)
		return id
	}
	go func() {
		v, err := Evaluate(ctx, expr, s.evalContext())
		if err != nil {
			entry.Reject(err)
			return
		}
		entry.Resolve(v)
	}()
	return id
}

// handlePull blocks (bounded by ctx, the pull rate limiter, and the
// per-pull deadline) until the target entry settles, then renders it
// back onto the wire as a resolve or reject message. Spec.md §4.4: a
// pull has an implementation-defined upper time bound (default 30s)
// after which a timeout reject is sent and the waiter dropped; §8
// scenario S6 requires exactly one such reject, never a hang.
func (s *Session) handlePull(ctx context.Context, id int64) (*Message, error) {
	if err := s.pullLimiter.Wait(ctx); err != nil {
		return nil, NewErrorf(ErrTimeout, "pull rate limit: %v", err)
	}

	entry, ok := s.lookupEntry(id)
	if !ok {
		expr := s.valueToExpr(ErrorValue(NewErrorf(ErrNotFound, "unknown id: %d", id)))
		return &Message{Kind: MsgReject, ID: id, Expr: &expr}, nil
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, s.pullTimeout)
	defer cancel()

	v, err := entry.Wait(deadlineCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			expr := s.valueToExpr(ErrorValue(NewErrorf(ErrTimeout, "pull %d timed out after %s", id, s.pullTimeout)))
			return &Message{Kind: MsgReject, ID: id, Expr: &expr}, nil
		}
		expr := s.valueToExpr(ErrorValue(AsProtoError(err)))
		return &Message{Kind: MsgReject, ID: id, Expr: &expr}, nil
	}
	if v.IsError() {
		expr := s.valueToExpr(v)
		return &Message{Kind: MsgReject, ID: id, Expr: &expr}, nil
	}

	expr := s.valueToExpr(v)
	return &Message{Kind: MsgResolve, ID: id, Expr: &expr}, nil
}

// settleEntry fulfills an entry this session is itself waiting on (an
// answer to a pull we sent out), evaluating the peer's expression
// first so any nested imports/capabilities it carries resolve too.
func (s *Session) settleEntry(ctx context.Context, id int64, expr *WireExpression, isReject bool) {
	entry, ok := s.lookupEntry(id)
	if !ok {
		return
	}
	v, err := Evaluate(ctx, expr, s.evalContext())
	if err != nil {
		entry.Reject(err)
		return
	}
	if isReject {
		if v.IsError() {
			entry.Reject(v.Err)
		} else {
			entry.Reject(NewError(ErrInternal, "peer rejected without an error value"))
		}
		return
	}
	entry.Resolve(v)
}

// handleRelease decrements one reference per listed ID in whichever
// table owns it (Open Question decision #1: the list form, one
// decrement per occurrence).
func (s *Session) handleRelease(ids []int64) error {
	for _, id := range ids {
		table := s.releaseTableFor(id)
		if _, err := table.ReleaseRef(id); err != nil && err != ErrUnknownID {
			return err
		}
	}
	return nil
}

// handleAbort terminates the session unilaterally: every pending entry
// is rejected with the peer's abort reason and no further messages are
// accepted. Spec.md §4.4: abort is terminal, never answered.
func (s *Session) handleAbort(ctx context.Context, expr *WireExpression) {
	s.setState(StateAborting)
	v, err := Evaluate(ctx, expr, s.evalContext())
	var reason error
	if err != nil {
		reason = err
	} else if v.IsError() {
		reason = v.Err
	} else {
		reason = NewError(ErrCanceled, "session aborted by peer")
	}
	s.rejectAllPending(reason)
	s.setState(StateTerminated)
}

// Abort terminates the session locally, rejecting all pending entries
// and queuing an outbound abort message carrying reason.
func (s *Session) Abort(reason *ProtoError) {
	if s.State() == StateTerminated {
		return
	}
	s.setState(StateAborting)
	s.rejectAllPending(reason)
	s.setState(StateTerminated)

	stack := (*string)(nil)
	if reason.Stack != "" {
		st := reason.Stack
		stack = &st
	}
	expr := ErrorExpr(string(reason.Type), reason.Message, stack)
	s.enqueueOutbound(Message{Kind: MsgAbort, Expr: &expr})
}

func (s *Session) rejectAllPending(reason error) {
	for _, id := range s.Imports.Ids() {
		if e, ok := s.Imports.Get(id); ok {
			e.Reject(reason)
		}
	}
	for _, id := range s.Exports.Ids() {
		if e, ok := s.Exports.Get(id); ok {
			e.Reject(reason)
		}
	}
}

// Push sends a value to the peer proactively (a server-initiated
// notification outside the request/response pull cycle), allocating
// an export ID for any capability the value carries.
func (s *Session) Push(v Value) {
	expr := s.valueToExpr(v)
	s.enqueueOutbound(Message{Kind: MsgPush, Expr: &expr})
}

func (s *Session) enqueueOutbound(msg Message) {
	select {
	case s.Outbox <- msg:
	default:
		go func() { s.Outbox <- msg }()
	}
}

func (s *Session) enqueueRelease(id int64) {
	s.enqueueOutbound(Message{Kind: MsgRelease, ReleaseIDs: []int64{id}})
}

// exportCapability registers target under a fresh export ID so it can
// be referenced by the peer via a "export" wire form, and records it
// in the nested-capability graph (C7): the same target exported more
// than once shares one graph node with its refcount bumped, rather
// than minting an unrelated node per export.
func (s *Session) exportCapability(target RpcTarget) int64 {
	id := s.Allocator.NextExportID()
	_ = s.Exports.Insert(id, newStubExportEntry(target))

	s.capNodesMu.Lock()
	nodeID, tracked := s.capNodes[target]
	if tracked {
		s.capNodesMu.Unlock()
		_ = s.Graph.AddRef(nodeID)
	} else {
		s.capNodesMu.Unlock()
		nodeID = s.Graph.AddRoot(target, CapabilityMetadata{TypeName: fmt.Sprintf("%T", target)})
		s.capNodesMu.Lock()
		s.capNodes[target] = nodeID
		s.capNodesMu.Unlock()
	}

	s.capNodesMu.Lock()
	s.exportNodes[id] = nodeID
	s.capNodesMu.Unlock()
	return id
}

// releaseExportedCapabilityNode drops the export table's reference to
// an exported capability's graph node when the peer's release drives
// that export's refcount to zero; when the node's own refcount
// reaches zero it, and any descendants a capability factory attached
// beneath it, are torn down (spec.md §4.6 cascade disposal).
func (s *Session) releaseExportedCapabilityNode(exportID int64) {
	s.capNodesMu.Lock()
	nodeID, ok := s.exportNodes[exportID]
	delete(s.exportNodes, exportID)
	s.capNodesMu.Unlock()
	if !ok {
		return
	}
	_ = s.Graph.ReleaseRef(nodeID)
	if _, stillLive := s.Graph.Get(nodeID); !stillLive {
		s.capNodesMu.Lock()
		for target, id := range s.capNodes {
			if id == nodeID {
				delete(s.capNodes, target)
				break
			}
		}
		s.capNodesMu.Unlock()
	}
}

// valueToExpr is the inverse of Evaluate: it renders a resolved Value
// back onto the wire, minting export IDs for any capability reached
// along the way.
func (s *Session) valueToExpr(v Value) WireExpression {
	switch v.Kind {
	case VNull:
		return NullExpr()
	case VBool:
		return BoolExpr(v.Bool)
	case VNumber:
		return NumberExpr(v.Number)
	case VString:
		return StringExpr(v.Str)
	case VArray:
		items := make([]WireExpression, len(v.Array))
		for i, e := range v.Array {
			items[i] = s.valueToExpr(e)
		}
		return ArrayExpr(items)
	case VObject:
		fields := make(map[string]WireExpression, len(v.Object))
		for k, e := range v.Object {
			fields[k] = s.valueToExpr(e)
		}
		return ObjectExpr(fields)
	case VDate:
		return DateExpr(timeToMillis(v.Date))
	case VError:
		var stack *string
		if v.Err.Stack != "" {
			st := v.Err.Stack
			stack = &st
		}
		return ErrorExpr(string(v.Err.Type), v.Err.Message, stack)
	case VStub:
		return ExportExpr(s.exportCapability(v.Stub), false)
	case VPromise:
		// A settled promise is rendered inline as its value (or its
		// error); an unsettled one becomes an internal error value rather
		// than a dangling wire promise with no session-tracked ID.
		if resolved, err, settled := v.Promise.Peek(); settled {
			if err != nil {
				return s.valueToExpr(ErrorValue(AsProtoError(err)))
			}
			return s.valueToExpr(resolved)
		}
		return s.valueToExpr(ErrorValue(NewError(ErrInternal, "promise value was not settled before serialization")))
	default:
		return NullExpr()
	}
}

// Snapshot captures enough session state to resume later via
// resume.go's ResumeTokenManager: ID cursors and session variables.
// Live import/export entries are not portable across a reconnect (the
// capabilities and pending promises they reference belong to this
// connection) so they are intentionally excluded, matching
// resume_tokens_coverage_tests.rs's test names around "partial state".
type Snapshot struct {
	SessionID uuid.UUID
	Cursors   IDCursors
	Variables map[string]Value
}

// Snapshot returns a point-in-time copy of resumable session state.
func (s *Session) Snapshot() Snapshot {
	s.Variables.mu.RLock()
	vars := make(map[string]Value, len(s.Variables.vars))
	for k, v := range s.Variables.vars {
		vars[k] = v
	}
	s.Variables.mu.RUnlock()
	return Snapshot{SessionID: s.ID, Cursors: s.Allocator.Snapshot(), Variables: vars}
}

// Restore reinstates session state captured by Snapshot, used when a
// session resumes from a token (spec.md §4.7).
func (s *Session) Restore(snap Snapshot) {
	s.ID = snap.SessionID
	s.Allocator.Restore(snap.Cursors)
	s.Variables.mu.Lock()
	for k, v := range snap.Variables {
		s.Variables.vars[k] = v
	}
	s.Variables.mu.Unlock()
}
