package resolver

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/resolver/protocol"
	"github.com/driftdb/driftdb/pkg/stores"
)

// WireSession speaks the resolver protocol over a byte stream and
// presents it to the engine as a ResolverSession. One session serves
// one resolver peer; merges run through it sequentially. A session that
// failed or was disconnected stays closed, and every later call
// completes with a channel-closed status.
type WireSession struct {
	conn   io.ReadWriteCloser
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	logger zerolog.Logger

	// writeMu serializes frames onto the stream; instruction replies and
	// a new Resolve may race otherwise.
	writeMu sync.Mutex

	mu      sync.Mutex
	mergeID string
	queue   []*engine.ResolverRequest
	waiter  func(stores.Status, *engine.ResolverRequest)
	closed  bool
	onError func(error)

	readDone chan struct{}
}

// NewWireSession wraps conn in a session and starts reading frames from
// it. The session owns conn and closes it on Disconnect or failure.
func NewWireSession(conn io.ReadWriteCloser, logger zerolog.Logger) *WireSession {
	s := &WireSession{
		conn:     conn,
		enc:      protocol.NewEncoder(conn),
		dec:      protocol.NewDecoder(conn),
		logger:   logger.With().Str("component", "wire-session").Logger(),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Resolve implements engine.ResolverSession. It opens a merge on the
// wire and hands back the session itself as the instruction provider.
func (s *WireSession) Resolve(left, right, ancestor engine.Snapshot, conflicts []engine.ConflictInfo, done func(stores.Status, engine.ResultProvider)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go done(stores.StatusChannelClosed, nil)
		return
	}
	mergeID := uuid.New().String()
	s.mergeID = mergeID
	// Drop instructions left over from an abandoned merge.
	s.queue = nil
	s.mu.Unlock()

	req := &protocol.ResolveRequest{
		MergeID:   mergeID,
		Left:      wireSnapshot(left),
		Right:     wireSnapshot(right),
		Ancestor:  wireAncestor(ancestor),
		Conflicts: wireConflicts(conflicts),
	}

	s.writeMu.Lock()
	err := s.enc.EncodeResolve(req)
	s.writeMu.Unlock()
	if err != nil {
		s.fail(fmt.Errorf("failed to send resolve: %w", err))
		go done(stores.StatusChannelClosed, nil)
		return
	}

	s.logger.Debug().
		Str("merge_id", mergeID).
		Int("conflicts", len(conflicts)).
		Msg("merge opened on the wire")
	go done(stores.StatusOK, s)
}

// Next implements engine.ResultProvider. It hands out the resolver's
// instructions in arrival order, parking until one arrives.
func (s *WireSession) Next(done func(stores.Status, *engine.ResolverRequest)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go done(stores.StatusChannelClosed, nil)
		return
	}
	if len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		go done(stores.StatusOK, req)
		return
	}
	if s.waiter != nil {
		s.mu.Unlock()
		go done(stores.StatusIllegalState, nil)
		return
	}
	s.waiter = done
	s.mu.Unlock()
}

// Disconnect implements engine.ResultProvider. It severs the stream;
// the peer interprets that as abandoning the merge.
func (s *WireSession) Disconnect() {
	s.fail(nil)
}

// SetOnError registers a callback for session-level failures.
func (s *WireSession) SetOnError(cb func(error)) {
	s.mu.Lock()
	s.onError = cb
	s.mu.Unlock()
}

// Close severs the stream and waits for the read loop to drain.
func (s *WireSession) Close() error {
	s.fail(nil)
	<-s.readDone
	return nil
}

func (s *WireSession) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := s.dec.Decode()
		if err != nil {
			s.fail(err)
			return
		}

		switch msg.Type {
		case protocol.MessageTypeMerge:
			var req protocol.MergeRequest
			if err := protocol.ParseData(msg.Data, &req); err != nil {
				s.fail(fmt.Errorf("malformed merge frame: %w", err))
				return
			}
			if err := req.Validate(); err != nil {
				s.fail(fmt.Errorf("invalid merge frame: %w", err))
				return
			}
			if !s.deliver(req.MergeID, msg.Type, engine.RequestMerge, engineDecisions(req.Decisions)) {
				return
			}

		case protocol.MessageTypeMergeNonConflicting:
			var req protocol.MergeNonConflictingRequest
			if err := protocol.ParseData(msg.Data, &req); err != nil {
				s.fail(fmt.Errorf("malformed merge_non_conflicting frame: %w", err))
				return
			}
			if !s.deliver(req.MergeID, msg.Type, engine.RequestMergeNonConflicting, nil) {
				return
			}

		case protocol.MessageTypeDone:
			var req protocol.DoneRequest
			if err := protocol.ParseData(msg.Data, &req); err != nil {
				s.fail(fmt.Errorf("malformed done frame: %w", err))
				return
			}
			if !s.deliver(req.MergeID, msg.Type, engine.RequestDone, nil) {
				return
			}

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				s.fail(fmt.Errorf("malformed error frame: %w", err))
				return
			}
			s.fail(fmt.Errorf("resolver reported %s: %s", errMsg.Code, errMsg.Message))
			return

		default:
			s.fail(fmt.Errorf("unexpected %s frame from resolver", msg.Type))
			return
		}
	}
}

// deliver routes one decoded instruction to the merge client. It
// reports false when the session must stop reading.
func (s *WireSession) deliver(mergeID string, msgType protocol.MessageType, kind engine.RequestKind, decisions []engine.MergeDecision) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if mergeID != s.mergeID {
		s.mu.Unlock()
		s.fail(fmt.Errorf("instruction for unknown merge %s", mergeID))
		return false
	}

	req := &engine.ResolverRequest{
		Kind:      kind,
		Decisions: decisions,
		Respond: func(st stores.Status) {
			s.respond(mergeID, msgType, st)
		},
	}

	if w := s.waiter; w != nil {
		s.waiter = nil
		s.mu.Unlock()
		w(stores.StatusOK, req)
		return true
	}
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	return true
}

// respond acknowledges one instruction on the wire.
func (s *WireSession) respond(mergeID string, inReplyTo protocol.MessageType, st stores.Status) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.writeMu.Lock()
	err := s.enc.EncodeStatus(&protocol.StatusReply{
		MergeID:   mergeID,
		InReplyTo: inReplyTo,
		Status:    string(st),
	})
	s.writeMu.Unlock()
	if err != nil {
		s.fail(fmt.Errorf("failed to send status: %w", err))
	}
}

// fail closes the session once. A nil error is a deliberate local
// disconnect; anything else is surfaced through the error callback.
func (s *WireSession) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	w := s.waiter
	s.waiter = nil
	cb := s.onError
	s.mu.Unlock()

	_ = s.conn.Close()

	if w != nil {
		w(stores.StatusChannelClosed, nil)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warn().Err(err).Msg("resolver session failed")
		if cb != nil {
			cb(engine.NewPermanentError("resolver session failed", err).WithCode(engine.ErrCodeResolverFailed))
		}
	} else {
		s.logger.Debug().Msg("resolver session closed")
	}
}
