package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the current wire protocol version. Messages carrying any other
// version are discarded by the receiver, never answered.
const Version = 1

// Op identifies a wire message kind.
type Op string

const (
	OpInstall          Op = "i"
	OpAbort            Op = "a"
	OpData             Op = "d"
	OpEnd              Op = "e"
	OpJoin             Op = "j"
	OpGetTableSchema   Op = "tg"
	OpTableSchemaReply Op = "tr"
)

var validOps = map[Op]struct{}{
	OpInstall:          {},
	OpAbort:            {},
	OpData:             {},
	OpEnd:              {},
	OpJoin:             {},
	OpGetTableSchema:   {},
	OpTableSchemaReply: {},
}

var (
	// ErrVersionMismatch marks a well-formed message from a peer speaking a
	// different protocol version. The caller drops it silently.
	ErrVersionMismatch = errors.New("protocol: version mismatch")

	// ErrMalformed marks a message that could not be decoded. The caller
	// drops it and logs; decode failures are never reported to the sender.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Message is the wire envelope, one structured document per chat message.
// Field presence depends on Op; see Validate.
type Message struct {
	V  int `json:"v"`
	Op Op  `json:"op"`

	// ProgramID addresses one program instance (ops i, a, d, e, j).
	ProgramID string `json:"uuid,omitempty"`

	// Identity is the installer-chosen execution identity (op i).
	Identity string `json:"id,omitempty"`

	// Source is the program source text (op i).
	Source string `json:"c,omitempty"`

	// Flow addresses one data channel inside the instance (ops d, e).
	Flow string `json:"f,omitempty"`

	// Data is a marshaled payload value (op d).
	Data json.RawMessage `json:"d,omitempty"`

	// Err carries a remote-reported error (ops a, tr).
	Err *Error `json:"err,omitempty"`

	// Table names the requested table (op tg).
	Table string `json:"t,omitempty"`

	// ReqID correlates a schema request with its reply (ops tg, tr).
	ReqID int64 `json:"#,omitempty"`

	// Types and Args carry a schema answer (op tr). They are parallel lists.
	Types []string `json:"types,omitempty"`
	Args  []string `json:"args,omitempty"`
}

// Encode stamps the current protocol version and serializes the message.
func Encode(msg Message) ([]byte, error) {
	msg.V = Version
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Decode parses one inbound wire document. A version mismatch is reported as
// ErrVersionMismatch, every other failure wraps ErrMalformed.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.V != Version {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, msg.V, Version)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the required fields for the message's op.
func (m Message) Validate() error {
	if _, ok := validOps[m.Op]; !ok {
		return fmt.Errorf("%w: unsupported op %q", ErrMalformed, m.Op)
	}
	switch m.Op {
	case OpInstall:
		if m.ProgramID == "" || m.Identity == "" || m.Source == "" {
			return fmt.Errorf("%w: install requires uuid, id and c", ErrMalformed)
		}
	case OpAbort, OpJoin:
		if m.ProgramID == "" {
			return fmt.Errorf("%w: %s requires uuid", ErrMalformed, m.Op)
		}
	case OpData:
		if m.ProgramID == "" || m.Flow == "" || len(m.Data) == 0 {
			return fmt.Errorf("%w: data requires uuid, f and d", ErrMalformed)
		}
	case OpEnd:
		if m.ProgramID == "" || m.Flow == "" {
			return fmt.Errorf("%w: end requires uuid and f", ErrMalformed)
		}
	case OpGetTableSchema:
		if m.Table == "" || m.ReqID == 0 {
			return fmt.Errorf("%w: schema request requires t and #", ErrMalformed)
		}
	case OpTableSchemaReply:
		if m.ReqID == 0 {
			return fmt.Errorf("%w: schema reply requires #", ErrMalformed)
		}
	}
	return nil
}
