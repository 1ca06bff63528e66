package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Encoder writes protocol frames to an io.Writer.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one frame to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeResolve sends a RESOLVE frame.
func (e *Encoder) EncodeResolve(req *ResolveRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid resolve request: %w", err)
	}
	return e.Encode(MessageTypeResolve, req)
}

// EncodeMerge sends a MERGE frame.
func (e *Encoder) EncodeMerge(req *MergeRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid merge request: %w", err)
	}
	return e.Encode(MessageTypeMerge, req)
}

// EncodeMergeNonConflicting sends a MERGE_NON_CONFLICTING frame.
func (e *Encoder) EncodeMergeNonConflicting(req *MergeNonConflictingRequest) error {
	return e.Encode(MessageTypeMergeNonConflicting, req)
}

// EncodeDone sends a DONE frame.
func (e *Encoder) EncodeDone(req *DoneRequest) error {
	return e.Encode(MessageTypeDone, req)
}

// EncodeStatus sends a STATUS frame.
func (e *Encoder) EncodeStatus(reply *StatusReply) error {
	if err := reply.Validate(); err != nil {
		return fmt.Errorf("invalid status reply: %w", err)
	}
	return e.Encode(MessageTypeStatus, reply)
}

// EncodeError sends an ERROR frame.
func (e *Encoder) EncodeError(errMsg *ErrorMessage) error {
	return e.Encode(MessageTypeError, errMsg)
}

// Decoder reads protocol frames from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Conflict payloads travel inline, so frames can get large.
	const maxCapacity = 10 * 1024 * 1024 // 10 MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next frame from the input stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// DecodeResolve reads a frame and requires it to be a RESOLVE.
func (d *Decoder) DecodeResolve() (*ResolveRequest, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if msg.Type != MessageTypeResolve {
		return nil, fmt.Errorf("expected RESOLVE message, got %s", msg.Type)
	}

	var req ResolveRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resolve request: %w", err)
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolve request: %w", err)
	}

	return &req, nil
}

// DecodeStatus reads a frame and requires it to be a STATUS.
func (d *Decoder) DecodeStatus() (*StatusReply, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case MessageTypeStatus:
	case MessageTypeError:
		var errMsg ErrorMessage
		if err := json.Unmarshal(msg.Data, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
		return nil, fmt.Errorf("peer reported error: %s - %s", errMsg.Code, errMsg.Message)
	default:
		return nil, fmt.Errorf("expected STATUS message, got %s", msg.Type)
	}

	var reply StatusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status reply: %w", err)
	}

	if err := reply.Validate(); err != nil {
		return nil, fmt.Errorf("invalid status reply: %w", err)
	}

	return &reply, nil
}

// ParseData parses a frame's data into a specific type.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
