package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestResolveRoundTrip(t *testing.T) {
	req := &ResolveRequest{
		MergeID: "merge-1",
		Left: Snapshot{
			CommitID:   "left-commit",
			Parents:    []string{"base-commit"},
			Timestamp:  20,
			Generation: 2,
			Entries:    []Entry{{Key: "settings/theme", ObjectID: "obj-l", Priority: "eager"}},
		},
		Right: Snapshot{
			CommitID:   "right-commit",
			Parents:    []string{"base-commit"},
			Timestamp:  30,
			Generation: 2,
			Entries:    []Entry{{Key: "settings/theme", ObjectID: "obj-r", Priority: "eager"}},
		},
		Ancestor: &Snapshot{
			CommitID:   "base-commit",
			Timestamp:  10,
			Generation: 1,
			Entries:    []Entry{{Key: "settings/theme", ObjectID: "obj-a", Priority: "eager"}},
		},
		Conflicts: []Conflict{
			{
				Key:      "settings/theme",
				Left:     &ValueState{ObjectID: "obj-l", Value: []byte("light")},
				Right:    &ValueState{ObjectID: "obj-r", Value: []byte("dark")},
				Ancestor: &ValueState{ObjectID: "obj-a", Value: []byte("system")},
			},
		},
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeResolve(req); err != nil {
		t.Fatalf("EncodeResolve() error = %v", err)
	}

	got, err := NewDecoder(&buf).DecodeResolve()
	if err != nil {
		t.Fatalf("DecodeResolve() error = %v", err)
	}
	if got.MergeID != req.MergeID {
		t.Errorf("MergeID = %q, want %q", got.MergeID, req.MergeID)
	}
	if got.Left.CommitID != "left-commit" || got.Right.CommitID != "right-commit" {
		t.Errorf("snapshots = %q/%q, want left-commit/right-commit", got.Left.CommitID, got.Right.CommitID)
	}
	if got.Ancestor == nil || got.Ancestor.CommitID != "base-commit" {
		t.Errorf("ancestor = %+v, want base-commit", got.Ancestor)
	}
	if len(got.Conflicts) != 1 || string(got.Conflicts[0].Right.Value) != "dark" {
		t.Errorf("conflicts = %+v, want the right payload intact", got.Conflicts)
	}
}

func TestInstructionExchange(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	merge := &MergeRequest{
		MergeID: "merge-1",
		Decisions: []Decision{
			{Key: "settings/theme", Source: SourceRight},
			{Key: "settings/motd", Source: SourceNew, Value: []byte("hello"), Priority: "lazy"},
		},
	}
	if err := enc.EncodeMerge(merge); err != nil {
		t.Fatalf("EncodeMerge() error = %v", err)
	}
	if err := enc.EncodeMergeNonConflicting(&MergeNonConflictingRequest{MergeID: "merge-1"}); err != nil {
		t.Fatalf("EncodeMergeNonConflicting() error = %v", err)
	}
	if err := enc.EncodeDone(&DoneRequest{MergeID: "merge-1"}); err != nil {
		t.Fatalf("EncodeDone() error = %v", err)
	}

	dec := NewDecoder(&buf)
	wantTypes := []MessageType{MessageTypeMerge, MessageTypeMergeNonConflicting, MessageTypeDone}
	for _, want := range wantTypes {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if msg.Type != want {
			t.Fatalf("message type = %s, want %s", msg.Type, want)
		}
		if want == MessageTypeMerge {
			var got MergeRequest
			if err := ParseData(msg.Data, &got); err != nil {
				t.Fatalf("ParseData() error = %v", err)
			}
			if len(got.Decisions) != 2 || got.Decisions[0].Source != SourceRight {
				t.Fatalf("decisions = %+v", got.Decisions)
			}
		}
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Fatalf("Decode() after last frame = %v, want io.EOF", err)
	}
}

func TestStatusReplies(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	if err := enc.EncodeStatus(&StatusReply{MergeID: "merge-1", InReplyTo: MessageTypeMerge, Status: "ok"}); err != nil {
		t.Fatalf("EncodeStatus() error = %v", err)
	}

	reply, err := NewDecoder(&buf).DecodeStatus()
	if err != nil {
		t.Fatalf("DecodeStatus() error = %v", err)
	}
	if reply.Status != "ok" || reply.InReplyTo != MessageTypeMerge {
		t.Fatalf("reply = %+v", reply)
	}

	// An ERROR frame in place of a STATUS surfaces as an error.
	buf.Reset()
	if err := enc.EncodeError(&ErrorMessage{Code: "RESOLVER_FAILED", Message: "script crashed"}); err != nil {
		t.Fatalf("EncodeError() error = %v", err)
	}
	if _, err := NewDecoder(&buf).DecodeStatus(); err == nil {
		t.Fatal("DecodeStatus() on an ERROR frame should fail")
	}
}

func TestDecoderRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "invalid json", input: `{invalid json`},
		{name: "empty line", input: ``},
		{name: "unknown type", input: `{"type":"BOGUS","timestamp":"2026-01-01T00:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			if _, err := dec.Decode(); err == nil {
				t.Error("Decode() should have failed")
			}
		})
	}
}

func TestDecodeResolveRejectsWrongType(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).EncodeDone(&DoneRequest{MergeID: "merge-1"}); err != nil {
		t.Fatalf("EncodeDone() error = %v", err)
	}
	if _, err := NewDecoder(&buf).DecodeResolve(); err == nil {
		t.Fatal("DecodeResolve() on a DONE frame should fail")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		check   func() error
		wantErr bool
	}{
		{
			name:    "resolve without merge id",
			check:   (&ResolveRequest{Left: Snapshot{CommitID: "l"}, Right: Snapshot{CommitID: "r"}}).Validate,
			wantErr: true,
		},
		{
			name:    "resolve without right commit",
			check:   (&ResolveRequest{MergeID: "m", Left: Snapshot{CommitID: "l"}}).Validate,
			wantErr: true,
		},
		{
			name:    "decision with unknown source",
			check:   (&Decision{Key: "k", Source: "coin-flip"}).Validate,
			wantErr: true,
		},
		{
			name:    "decision without key",
			check:   (&Decision{Source: SourceLeft}).Validate,
			wantErr: true,
		},
		{
			name:    "valid new-value decision",
			check:   (&Decision{Key: "k", Source: SourceNew, Value: []byte("v")}).Validate,
			wantErr: false,
		},
		{
			name:    "merge with bad decision",
			check:   (&MergeRequest{MergeID: "m", Decisions: []Decision{{Key: "k", Source: "x"}}}).Validate,
			wantErr: true,
		},
		{
			name:    "status without status",
			check:   (&StatusReply{MergeID: "m"}).Validate,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
