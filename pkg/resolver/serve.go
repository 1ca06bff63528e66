package resolver

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/resolver/protocol"
	"github.com/driftdb/driftdb/pkg/stores"
)

// Decider produces the wire decision for one conflicted key. Returning
// nil leaves the key to the non-conflicting sweep, which keeps whatever
// the fold order put in the journal.
type Decider func(protocol.Conflict) (*protocol.Decision, error)

// LastOneWins decides every conflict in favor of the right side. The
// engine orders merge inputs by commit timestamp, so the right side is
// always the younger head.
func LastOneWins() Decider {
	return func(c protocol.Conflict) (*protocol.Decision, error) {
		return &protocol.Decision{Key: c.Key, Source: protocol.SourceRight}, nil
	}
}

// ServeConfig configures one serving loop.
type ServeConfig struct {
	// Decide is consulted once per conflict. Required.
	Decide Decider

	// Logger receives per-merge progress at debug level.
	Logger zerolog.Logger
}

// Serve answers merges on conn until the peer closes the stream. Each
// merge is handled to completion before the next RESOLVE is read: the
// decided keys go out as one MERGE batch, then the non-conflicting
// sweep, then DONE, each acknowledged by the peer. A failed decision is
// reported as an ERROR frame and ends the session, which the peer
// treats as abandoning the merge.
func Serve(conn io.ReadWriter, cfg ServeConfig) error {
	if cfg.Decide == nil {
		return errors.New("serve config needs a decider")
	}
	srv := &server{
		enc:    protocol.NewEncoder(conn),
		dec:    protocol.NewDecoder(conn),
		decide: cfg.Decide,
		logger: cfg.Logger.With().Str("component", "resolver-serve").Logger(),
	}
	for {
		req, err := srv.dec.DecodeResolve()
		if err != nil {
			if errors.Is(err, io.EOF) {
				srv.logger.Debug().Msg("peer closed the session")
				return nil
			}
			return fmt.Errorf("failed to read resolve: %w", err)
		}
		if err := srv.serveMerge(req); err != nil {
			return err
		}
	}
}

type server struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	decide Decider
	logger zerolog.Logger
}

func (s *server) serveMerge(req *protocol.ResolveRequest) error {
	log := s.logger.With().Str("merge_id", req.MergeID).Logger()
	log.Debug().
		Str("left", req.Left.CommitID).
		Str("right", req.Right.CommitID).
		Int("conflicts", len(req.Conflicts)).
		Msg("merge received")

	decisions := make([]protocol.Decision, 0, len(req.Conflicts))
	for _, conflict := range req.Conflicts {
		decision, err := s.decide(conflict)
		if err != nil {
			_ = s.enc.EncodeError(&protocol.ErrorMessage{
				MergeID: req.MergeID,
				Code:    "DECIDE_FAILED",
				Message: err.Error(),
				Details: map[string]string{"key": conflict.Key},
			})
			return fmt.Errorf("failed to decide key %q: %w", conflict.Key, err)
		}
		if decision == nil {
			continue
		}
		decisions = append(decisions, *decision)
	}

	if len(decisions) > 0 {
		if err := s.enc.EncodeMerge(&protocol.MergeRequest{
			MergeID:   req.MergeID,
			Decisions: decisions,
		}); err != nil {
			return fmt.Errorf("failed to send merge: %w", err)
		}
		if err := s.awaitOK(req.MergeID, protocol.MessageTypeMerge); err != nil {
			return err
		}
	}

	if err := s.enc.EncodeMergeNonConflicting(&protocol.MergeNonConflictingRequest{
		MergeID: req.MergeID,
	}); err != nil {
		return fmt.Errorf("failed to send merge_non_conflicting: %w", err)
	}
	if err := s.awaitOK(req.MergeID, protocol.MessageTypeMergeNonConflicting); err != nil {
		return err
	}

	if err := s.enc.EncodeDone(&protocol.DoneRequest{MergeID: req.MergeID}); err != nil {
		return fmt.Errorf("failed to send done: %w", err)
	}
	if err := s.awaitOK(req.MergeID, protocol.MessageTypeDone); err != nil {
		return err
	}

	log.Debug().Int("decisions", len(decisions)).Msg("merge finished")
	return nil
}

func (s *server) awaitOK(mergeID string, inReplyTo protocol.MessageType) error {
	reply, err := s.dec.DecodeStatus()
	if err != nil {
		return fmt.Errorf("failed to read status for %s: %w", inReplyTo, err)
	}
	if reply.MergeID != mergeID {
		return fmt.Errorf("status for unknown merge %s", reply.MergeID)
	}
	if reply.Status != string(stores.StatusOK) {
		return fmt.Errorf("%s rejected with %s: %s", inReplyTo, reply.Status, reply.Message)
	}
	return nil
}
