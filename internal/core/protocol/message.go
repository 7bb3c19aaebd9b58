package protocol

import (
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Message is one framed unit on the wire. Structured content lives in Request,
// any other content type is kept as an opaque blob in Raw.
type Message struct {
	Header   Header
	Sequence uint32
	Request  Request
	Raw      []byte

	contentType string
	encoded     []byte
}

// NewMessage wraps a structured request.
func NewMessage(req Request) *Message {
	return &Message{Request: req, contentType: ContentTypeJSON}
}

// NewRawMessage wraps an opaque payload of the given content type.
func NewRawMessage(contentType string, data []byte) *Message {
	return &Message{Raw: data, contentType: contentType}
}

// IsResponse reports the response flag of the structured content.
func (m *Message) IsResponse() bool {
	return m.Request != nil && m.Request.IsResponse()
}

// Action returns the request kind, false for opaque content.
func (m *Message) Action() (Action, bool) {
	if m.Request == nil {
		return 0, false
	}
	return m.Request.Action(), true
}

// ContentType returns the declared content type.
func (m *Message) ContentType() string {
	if m.contentType == "" {
		return m.Header.ContentType
	}
	return m.contentType
}

// SetSequence changes the sequence number. The next Encode must be forced for
// the frame to pick it up.
func (m *Message) SetSequence(seq uint32) {
	m.Sequence = seq
}

// Encode returns the frame bytes. The header is always rebuilt from the current
// content length and sequence number; a cached frame is reused unless force is set.
func (m *Message) Encode(force bool) ([]byte, error) {
	if !force && m.encoded != nil {
		return m.encoded, nil
	}

	var (
		content []byte
		err     error
	)
	contentType := m.ContentType()
	if m.Request != nil {
		content, err = EncodeRequest(m.Request)
		if err != nil {
			return nil, err
		}
		contentType = ContentTypeJSON
	} else {
		if contentType == "" || contentType == ContentTypeJSON {
			return nil, errors.Wrap(ErrInvalidRequest, "raw message needs a non-json content type")
		}
		content = m.Raw
	}

	m.Header = Header{
		ByteOrder:       NativeByteOrder(),
		ContentLength:   len(content),
		ContentType:     contentType,
		ContentEncoding: EncodingUTF8,
		SequenceNumber:  m.Sequence,
	}
	hdr, err := json.Marshal(m.Header)
	if err != nil {
		return nil, errors.Wrap(err, "encode header")
	}
	if len(hdr) > MaxHeaderLen {
		return nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", len(hdr))
	}

	frame := make([]byte, ProtoHeaderLen+len(hdr)+len(content))
	binary.BigEndian.PutUint16(frame, uint16(len(hdr)))
	copy(frame[ProtoHeaderLen:], hdr)
	copy(frame[ProtoHeaderLen+len(hdr):], content)

	m.encoded = frame
	return frame, nil
}

func (m *Message) String() string {
	if m.Request == nil {
		return m.ContentType() + "#" + strconv.FormatUint(uint64(m.Sequence), 10)
	}
	s := m.Request.Action().String() + "#" + strconv.FormatUint(uint64(m.Sequence), 10)
	if m.IsResponse() {
		s += "(response)"
	}
	return s
}

// Decode parses exactly one complete frame.
func Decode(frame []byte) (*Message, error) {
	f := NewFramer(len(frame))
	msgs, err := f.Feed(frame)
	if err != nil {
		return nil, err
	}
	if len(msgs) != 1 || f.Buffered() != 0 {
		return nil, NewProtocolError(ErrorCodeProtocolViolation, "expected exactly one frame", ErrIncompleteFrame).
			WithContext("messages", len(msgs)).
			WithContext("buffered", f.Buffered())
	}
	return msgs[0], nil
}
