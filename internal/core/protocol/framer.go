package protocol

import (
	"encoding/binary"
	"strconv"
)

type framerState uint8

const (
	stateProtoHeader framerState = iota
	stateHeader
	stateContent
)

// Framer is the incremental decoder fed by the multiplexer. Each phase only
// advances once enough bytes have accumulated, so a frame may arrive in any
// number of pieces.
type Framer struct {
	buf              []byte
	state            framerState
	headerLen        int
	header           Header
	maxContentLength int
}

// NewFramer creates a framer rejecting payloads larger than maxContentLength.
// A non-positive limit selects DefaultMaxContentLength.
func NewFramer(maxContentLength int) *Framer {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Framer{maxContentLength: maxContentLength}
}

// Buffered returns the number of received bytes not yet part of a message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Feed appends data and returns every message it completed. After an error
// the framer must be discarded along with its connection.
func (f *Framer) Feed(data []byte) ([]*Message, error) {
	f.buf = append(f.buf, data...)

	var out []*Message
	for {
		switch f.state {
		case stateProtoHeader:
			if len(f.buf) < ProtoHeaderLen {
				return out, nil
			}
			f.headerLen = int(binary.BigEndian.Uint16(f.buf))
			f.consume(ProtoHeaderLen)
			f.state = stateHeader

		case stateHeader:
			if len(f.buf) < f.headerLen {
				return out, nil
			}
			hdr, err := DecodeHeader(f.buf[:f.headerLen])
			if err != nil {
				return out, err
			}
			if hdr.ContentLength > f.maxContentLength {
				return out, NewProtocolError(ErrorCodeFrameTooLarge,
					"content length "+strconv.Itoa(hdr.ContentLength)+" exceeds limit", ErrFrameTooLarge)
			}
			f.header = hdr
			f.consume(f.headerLen)
			f.state = stateContent

		case stateContent:
			if len(f.buf) < f.header.ContentLength {
				return out, nil
			}
			msg, err := f.decodeContent(f.buf[:f.header.ContentLength])
			if err != nil {
				return out, err
			}
			f.consume(f.header.ContentLength)
			f.state = stateProtoHeader
			f.header = Header{}
			f.headerLen = 0
			out = append(out, msg)
		}
	}
}

func (f *Framer) decodeContent(content []byte) (*Message, error) {
	if f.header.ContentType != ContentTypeJSON {
		msg := NewRawMessage(f.header.ContentType, append([]byte(nil), content...))
		msg.Header, msg.Sequence = f.header, f.header.SequenceNumber
		return msg, nil
	}

	msg := &Message{
		Header:      f.header,
		Sequence:    f.header.SequenceNumber,
		contentType: f.header.ContentType,
	}
	if !isUTF8(f.header.ContentEncoding) {
		return nil, NewProtocolError(ErrorCodeUnsupportedEncoding,
			"unsupported encoding "+strconv.Quote(f.header.ContentEncoding), ErrUnsupportedEncoding)
	}

	req, err := DecodeRequest(content)
	if err != nil {
		return nil, err
	}
	msg.Request = req
	return msg, nil
}

func (f *Framer) consume(n int) {
	rest := len(f.buf) - n
	if rest == 0 {
		f.buf = f.buf[:0]
		return
	}
	copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}
