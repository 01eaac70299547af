package protocol

import (
    "github.com/nikitaeverywhere/ws-radio/pkg/protocol/codec"
)

// Envelope is the wire unit exchanged over a transport: one serialized
// envelope per frame. All fields are optional; presence discriminates the
// message kind. Ids are >= 1, so zero means "absent" for CB and RB.
type Envelope struct {
    // A is the action/event name; present on requests and events.
    A string `json:"a,omitempty"`
    // CB is the sender's callback id; present when the sender wants a reply.
    CB uint64 `json:"cb,omitempty"`
    // RB is the reply-to id; present when this message is the reply to an
    // earlier envelope that carried CB. CB and RB never co-occur.
    RB uint64 `json:"rb,omitempty"`
    // D is the application payload, any serializable value.
    D any `json:"d,omitempty"`
}

// IsReply reports whether the envelope is a reply to an earlier callback id.
func (e *Envelope) IsReply() bool { return e.RB != 0 }

// IsEvent reports whether the envelope carries an action name.
func (e *Envelope) IsEvent() bool { return e.A != "" }

// IsEmpty reports whether the envelope routes nowhere; dispatching it is a no-op.
func (e *Envelope) IsEmpty() bool { return e.A == "" && e.RB == 0 }

// EncodeFrame serializes the envelope into a single wire frame.
func (e *Envelope) EncodeFrame(c codec.Codec) ([]byte, error) {
    return c.Marshal(e)
}

// DecodeFrame parses one wire frame. Malformed or non-object input yields the
// empty envelope, never an error.
func DecodeFrame(c codec.Codec, frame []byte) Envelope {
    var e Envelope
    if err := c.Unmarshal(frame, &e); err != nil {
        return Envelope{}
    }
    return e
}

// EndAction is the action name of the final envelope sent by End.
const EndAction = "end"

// EndPayload is the payload of the terminal EndAction envelope.
type EndPayload struct {
    Error   bool   `json:"error"`
    Message string `json:"message"`
    Status  int    `json:"status"`
}
