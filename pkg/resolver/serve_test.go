package resolver

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/driftdb/driftdb/pkg/resolver/protocol"
	"github.com/driftdb/driftdb/pkg/stores"
)

func resolveFrame(mergeID string) *protocol.ResolveRequest {
	return &protocol.ResolveRequest{
		MergeID: mergeID,
		Left:    protocol.Snapshot{CommitID: "left", Timestamp: 20},
		Right:   protocol.Snapshot{CommitID: "right", Timestamp: 30},
		Conflicts: []protocol.Conflict{{
			Key:   "settings/theme",
			Left:  &protocol.ValueState{ObjectID: "o1", Priority: "eager", Value: []byte("light")},
			Right: &protocol.ValueState{ObjectID: "o2", Priority: "eager", Value: []byte("dark")},
		}},
	}
}

func ackOK(t *testing.T, enc *protocol.Encoder, mergeID string, inReplyTo protocol.MessageType) {
	t.Helper()
	err := enc.EncodeStatus(&protocol.StatusReply{
		MergeID:   mergeID,
		InReplyTo: inReplyTo,
		Status:    string(stores.StatusOK),
	})
	if err != nil {
		t.Fatalf("failed to ack %s: %v", inReplyTo, err)
	}
}

func TestServeAnswersMergeLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientConn, serverConn := net.Pipe()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(serverConn, ServeConfig{Decide: LastOneWins(), Logger: zerolog.Nop()})
	}()

	enc := protocol.NewEncoder(clientConn)
	dec := protocol.NewDecoder(clientConn)
	if err := enc.EncodeResolve(resolveFrame("m-1")); err != nil {
		t.Fatalf("failed to send resolve: %v", err)
	}

	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeMerge {
		t.Fatalf("first frame = %v (%v), want MERGE", msg, err)
	}
	var merge protocol.MergeRequest
	if err := protocol.ParseData(msg.Data, &merge); err != nil {
		t.Fatalf("failed to parse merge: %v", err)
	}
	if merge.MergeID != "m-1" || len(merge.Decisions) != 1 {
		t.Fatalf("merge = %+v", merge)
	}
	if d := merge.Decisions[0]; d.Key != "settings/theme" || d.Source != protocol.SourceRight {
		t.Fatalf("decision = %+v, want the later head's state", d)
	}
	ackOK(t, enc, "m-1", protocol.MessageTypeMerge)

	msg, err = dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeMergeNonConflicting {
		t.Fatalf("second frame = %v (%v), want MERGE_NON_CONFLICTING", msg, err)
	}
	ackOK(t, enc, "m-1", protocol.MessageTypeMergeNonConflicting)

	msg, err = dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeDone {
		t.Fatalf("third frame = %v (%v), want DONE", msg, err)
	}
	ackOK(t, enc, "m-1", protocol.MessageTypeDone)

	clientConn.Close()
	if err := <-serveErr; err != nil {
		t.Fatalf("serve returned %v, want clean end", err)
	}
}

func TestServeSkipsMergeWhenNothingDecided(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientConn, serverConn := net.Pipe()

	abstain := func(protocol.Conflict) (*protocol.Decision, error) { return nil, nil }
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(serverConn, ServeConfig{Decide: abstain, Logger: zerolog.Nop()})
	}()

	enc := protocol.NewEncoder(clientConn)
	dec := protocol.NewDecoder(clientConn)
	if err := enc.EncodeResolve(resolveFrame("m-2")); err != nil {
		t.Fatalf("failed to send resolve: %v", err)
	}

	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeMergeNonConflicting {
		t.Fatalf("first frame = %v (%v), want MERGE_NON_CONFLICTING", msg, err)
	}
	ackOK(t, enc, "m-2", protocol.MessageTypeMergeNonConflicting)

	msg, err = dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeDone {
		t.Fatalf("second frame = %v (%v), want DONE", msg, err)
	}
	ackOK(t, enc, "m-2", protocol.MessageTypeDone)

	clientConn.Close()
	if err := <-serveErr; err != nil {
		t.Fatalf("serve returned %v, want clean end", err)
	}
}

func TestServeReportsDecideFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientConn, serverConn := net.Pipe()

	broken := func(protocol.Conflict) (*protocol.Decision, error) {
		return nil, errors.New("no rule matches")
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(serverConn, ServeConfig{Decide: broken, Logger: zerolog.Nop()})
	}()

	enc := protocol.NewEncoder(clientConn)
	dec := protocol.NewDecoder(clientConn)
	if err := enc.EncodeResolve(resolveFrame("m-3")); err != nil {
		t.Fatalf("failed to send resolve: %v", err)
	}

	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeError {
		t.Fatalf("frame = %v (%v), want ERROR", msg, err)
	}
	var errMsg protocol.ErrorMessage
	if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
		t.Fatalf("failed to parse error: %v", err)
	}
	if errMsg.Code != "DECIDE_FAILED" || errMsg.Details["key"] != "settings/theme" {
		t.Fatalf("error = %+v", errMsg)
	}

	clientConn.Close()
	err = <-serveErr
	if err == nil || !strings.Contains(err.Error(), "no rule matches") {
		t.Fatalf("serve returned %v, want the decide failure", err)
	}
}

func TestServeStopsWhenInstructionRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientConn, serverConn := net.Pipe()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(serverConn, ServeConfig{Decide: LastOneWins(), Logger: zerolog.Nop()})
	}()

	enc := protocol.NewEncoder(clientConn)
	dec := protocol.NewDecoder(clientConn)
	if err := enc.EncodeResolve(resolveFrame("m-4")); err != nil {
		t.Fatalf("failed to send resolve: %v", err)
	}

	if msg, err := dec.Decode(); err != nil || msg.Type != protocol.MessageTypeMerge {
		t.Fatalf("frame = %v (%v), want MERGE", msg, err)
	}
	err := enc.EncodeStatus(&protocol.StatusReply{
		MergeID:   "m-4",
		InReplyTo: protocol.MessageTypeMerge,
		Status:    string(stores.StatusKeyNotFound),
	})
	if err != nil {
		t.Fatalf("failed to reject merge: %v", err)
	}

	clientConn.Close()
	err = <-serveErr
	if err == nil || !strings.Contains(err.Error(), string(stores.StatusKeyNotFound)) {
		t.Fatalf("serve returned %v, want the rejection", err)
	}
}

func TestServeRequiresDecider(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	if err := Serve(serverConn, ServeConfig{Logger: zerolog.Nop()}); err == nil {
		t.Fatal("serve without a decider should fail")
	}
}
