// Package protocol implements the CoreMQ wire codec: newline-delimited JSON
// frames, one command or response per line.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxFrameSize bounds a single wire frame. The server drops a connection
// whose line exceeds it; there is no way to resynchronize mid-line on a
// stream that ignores the bound.
const MaxFrameSize = 1 << 20

// Command types accepted from clients. Replicate and ReplicateRequest are
// internal and only honored on authorized cluster/replicant connections.
const (
	CmdSubscribe        = "subscribe"
	CmdUnsubscribe      = "unsubscribe"
	CmdPublish          = "publish"
	CmdFetchHistory     = "fetch_history"
	CmdSubscribeAll     = "subscribe_all"
	CmdStatus           = "status"
	CmdReplicateRequest = "replicate_request"
	CmdReplicate        = "replicate"
)

// Response frame types sent by the broker.
const (
	RespWelcome = "welcome"
	RespAck     = "ack"
	RespError   = "error"
	RespMessage = "message"
	RespHistory = "history"
	RespStatus  = "status"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)
)

// Message is the wire and history representation of one published message.
// Payload is carried as raw JSON and never interpreted by the broker.
type Message struct {
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin"`
	Sender    string          `json:"sender,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// Command is a decoded client or peer frame. Fields beyond Type are populated
// depending on the command.
type Command struct {
	Type    string          `json:"type"`
	Queue   string          `json:"queue,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	// Node carries the declared node identity on replicate_request.
	Node string `json:"node,omitempty"`
	// Replication fields, set only on replicate frames.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Response is an outbound broker frame.
type Response struct {
	Type string `json:"type"`
	// Welcome fields.
	ConnectionID string `json:"connection_id,omitempty"`
	Server       string `json:"server,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	// Ack and error fields.
	Info   string `json:"info,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Message delivery fields.
	Queue     string          `json:"queue,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	// History fields.
	Messages []Message `json:"messages,omitempty"`
	// Status fields.
	Connections int      `json:"connections,omitempty"`
	Queues      int      `json:"queues,omitempty"`
	Peers       []string `json:"peers,omitempty"`
}

// DecodeCommand parses one frame line. The trailing newline must already be
// stripped by the caller.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if len(line) > MaxFrameSize {
		return cmd, ErrFrameTooLarge
	}
	if err := json.Unmarshal(line, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if cmd.Type == "" {
		return cmd, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	}
	return cmd, nil
}

// EncodeResponse renders a response frame including the trailing newline.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", resp.Type, err)
	}
	return append(data, '\n'), nil
}

// EncodeCommand renders a command frame including the trailing newline. Used
// by the replication client side of a peer link.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Type, err)
	}
	return append(data, '\n'), nil
}

// ValidateQueueName enforces the queue naming rules: non-empty and no spaces.
func ValidateQueueName(queue string) error {
	if len(queue) < 1 {
		return errors.New("queue name must be at least one character in length")
	}
	if strings.Contains(queue, " ") {
		return errors.New("queue name must not contain spaces")
	}
	return nil
}

// MessageFrame builds the delivery frame for one message.
func MessageFrame(m Message) Response {
	return Response{
		Type:      RespMessage,
		Queue:     m.Queue,
		Payload:   m.Payload,
		Origin:    m.Origin,
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
	}
}

// ReplicateFrame builds the peer-link command carrying one message.
func ReplicateFrame(m Message) Command {
	return Command{
		Type:      CmdReplicate,
		Queue:     m.Queue,
		Payload:   m.Payload,
		Origin:    m.Origin,
		Sender:    m.Sender,
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
	}
}
