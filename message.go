package alljoyn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// MsgType classifies a protocol message.
type MsgType uint8

const (
	MsgInvalid MsgType = iota
	MsgMethodCall
	MsgMethodReturn
	MsgError
	MsgSignal
)

func (t MsgType) String() string {
	switch t {
	case MsgMethodCall:
		return "METHOD_CALL"
	case MsgMethodReturn:
		return "METHOD_RETURN"
	case MsgError:
		return "ERROR"
	case MsgSignal:
		return "SIGNAL"
	default:
		return "INVALID"
	}
}

// MsgFlags are per-message header flags.
type MsgFlags uint8

const (
	// FlagNoReplyExpected marks a fire-and-forget method call. Errors for
	// such calls are logged and dropped instead of generating a reply.
	FlagNoReplyExpected MsgFlags = 1 << 0
	// FlagEncrypted marks a message whose payload arrived encrypted. The
	// crypto itself lives outside this package; the flag drives the
	// security checks in the dispatch core.
	FlagEncrypted MsgFlags = 1 << 1
)

// Message is one protocol message: a method call, method return, error
// reply, or signal. The payload is immutable once built; the serial fields
// may be rewritten while the message is still queued locally.
type Message struct {
	Type        MsgType
	Serial      uint32
	ReplySerial uint32
	Sender      string
	Destination string
	Path        string
	Iface       string
	Member      string
	Signature   string
	Flags       MsgFlags
	SessionID   SessionID

	// Error messages only.
	ErrorName        string
	ErrorDescription string

	payload []byte

	argMu       sync.Mutex
	args        []any
	unmarshaled bool
}

func init() {
	// Basic argument types cross the codec boundary as interface values
	// and must be registered up front. Applications sending custom types
	// register them with RegisterArgType.
	gob.Register("")
	gob.Register(int(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(uint16(0))
	gob.Register(uint32(0))
	gob.Register(uint64(0))
	gob.Register(byte(0))
	gob.Register(false)
	gob.Register(float64(0))
	gob.Register([]any(nil))
	gob.Register([]string(nil))
	gob.Register(map[string]string(nil))
	gob.Register(SessionOpts{})
}

// RegisterArgType registers a concrete argument type with the codec so it
// can travel inside a Message payload.
func RegisterArgType(v any) {
	gob.Register(v)
}

// NewMethodCall builds a method call message. The signature describes the
// arguments, one letter per argument (see checkSignature).
func NewMethodCall(dest, path, iface, member, signature string, args ...any) (*Message, error) {
	if err := checkSignature(signature, args); err != nil {
		return nil, err
	}
	payload, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:        MsgMethodCall,
		Destination: dest,
		Path:        path,
		Iface:       iface,
		Member:      member,
		Signature:   signature,
		payload:     payload,
	}, nil
}

// NewSignal builds a signal message. An empty destination broadcasts.
func NewSignal(dest, path, iface, member, signature string, args ...any) (*Message, error) {
	if err := checkSignature(signature, args); err != nil {
		return nil, err
	}
	payload, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:        MsgSignal,
		Destination: dest,
		Path:        path,
		Iface:       iface,
		Member:      member,
		Signature:   signature,
		payload:     payload,
	}, nil
}

// ReplyMsg builds the method return for a call, addressed back to the
// caller. The reply inherits the encrypted flag of the call so encrypted
// conversations stay encrypted end to end.
func (m *Message) ReplyMsg(signature string, args ...any) (*Message, error) {
	if err := checkSignature(signature, args); err != nil {
		return nil, err
	}
	payload, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:        MsgMethodReturn,
		ReplySerial: m.Serial,
		Destination: m.Sender,
		Sender:      m.Destination,
		Signature:   signature,
		Flags:       m.Flags & FlagEncrypted,
		SessionID:   m.SessionID,
		payload:     payload,
	}, nil
}

// ErrorMsg builds an error reply for a call, addressed back to the caller.
func (m *Message) ErrorMsg(name, description string) *Message {
	return &Message{
		Type:             MsgError,
		ReplySerial:      m.Serial,
		Destination:      m.Sender,
		Sender:           m.Destination,
		ErrorName:        name,
		ErrorDescription: description,
		SessionID:        m.SessionID,
	}
}

// errorMsgForSerial synthesizes a local error message for an outstanding
// call serial. Used for reply timeouts and shutdown, where there is no
// inbound message to reply to. Sender and destination are both the local
// endpoint so the message loops back through the normal reply path.
func errorMsgForSerial(localName string, serial uint32, name, description string) *Message {
	return &Message{
		Type:             MsgError,
		ReplySerial:      serial,
		Sender:           localName,
		Destination:      localName,
		ErrorName:        name,
		ErrorDescription: description,
	}
}

// UnmarshalArgs decodes the payload and validates it against the expected
// signature ("*" accepts anything). Decoding happens once; later calls
// revalidate the cached arguments.
func (m *Message) UnmarshalArgs(signature string) ([]any, error) {
	m.argMu.Lock()
	defer m.argMu.Unlock()
	if !m.unmarshaled {
		args, err := unmarshalArgs(m.payload)
		if err != nil {
			return nil, err
		}
		m.args = args
		m.unmarshaled = true
	}
	if signature != "*" {
		if err := checkSignature(signature, m.args); err != nil {
			return nil, err
		}
	}
	return m.args, nil
}

// Description renders a short human-readable summary for log output.
func (m *Message) Description() string {
	switch m.Type {
	case MsgError:
		return fmt.Sprintf("%s(%s) reply-serial=%d", m.Type, m.ErrorName, m.ReplySerial)
	case MsgMethodReturn:
		return fmt.Sprintf("%s reply-serial=%d", m.Type, m.ReplySerial)
	default:
		return fmt.Sprintf("%s %s.%s at %s serial=%d", m.Type, m.Iface, m.Member, m.Path, m.Serial)
	}
}

func marshalArgs(args []any) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalArgs(payload []byte) ([]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var args []any
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	return args, nil
}

// checkSignature validates args against a signature string, one letter per
// argument: s string, b bool, y byte, q uint16, u uint32, t uint64, i int,
// d float64, a []any, v anything.
func checkSignature(signature string, args []any) error {
	if len(signature) != len(args) {
		return ErrSignatureMismatch
	}
	for i := 0; i < len(signature); i++ {
		ok := false
		switch signature[i] {
		case 's':
			_, ok = args[i].(string)
		case 'b':
			_, ok = args[i].(bool)
		case 'y':
			_, ok = args[i].(byte)
		case 'q':
			_, ok = args[i].(uint16)
		case 'u':
			_, ok = args[i].(uint32)
		case 't':
			_, ok = args[i].(uint64)
		case 'i':
			_, ok = args[i].(int)
		case 'd':
			_, ok = args[i].(float64)
		case 'a':
			_, ok = args[i].([]any)
		case 'v':
			ok = true
		default:
			return &BadArgError{N: i + 1}
		}
		if !ok {
			return &BadArgError{N: i + 1}
		}
	}
	return nil
}
