package protocol

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ProtoHeaderLen is the size of the big-endian header length prefix.
	ProtoHeaderLen = 2
	// MaxHeaderLen is the largest header the prefix can describe.
	MaxHeaderLen = math.MaxUint16

	ContentTypeJSON = "text/json"
	ContentTypeRaw  = "binary/custom"
	EncodingUTF8    = "utf-8"

	// DefaultMaxContentLength bounds the payload a peer may announce.
	DefaultMaxContentLength = 16 << 20
)

// Header is the structured block between the length prefix and the payload.
type Header struct {
	ByteOrder       string `json:"byte_order"`
	ContentLength   int    `json:"content_length"`
	ContentType     string `json:"content_type"`
	ContentEncoding string `json:"content_encoding"`
	SequenceNumber  uint32 `json:"sequence_number"`
}

var requiredHeaders = []string{
	"byte_order",
	"content_length",
	"content_type",
	"content_encoding",
	"sequence_number",
}

var nativeByteOrder = func() string {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return "little"
	}
	return "big"
}()

// NativeByteOrder returns the tag this host writes into byte_order.
func NativeByteOrder() string {
	return nativeByteOrder
}

// DecodeHeader parses the structured header and checks every required field
// is present before anything else looks at it.
func DecodeHeader(data []byte) (Header, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Header{}, NewProtocolError(ErrorCodeInvalidHeader, "malformed header", errors.Wrap(ErrInvalidHeader, err.Error()))
	}

	for _, name := range requiredHeaders {
		if _, ok := fields[name]; !ok {
			return Header{}, NewProtocolError(ErrorCodeMissingField, "missing header '"+name+"'", ErrMissingHeader).
				WithContext("field", name)
		}
	}

	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return Header{}, NewProtocolError(ErrorCodeInvalidHeader, "malformed header field", errors.Wrap(ErrInvalidHeader, err.Error()))
	}
	if hdr.ContentLength < 0 {
		return Header{}, NewProtocolError(ErrorCodeInvalidHeader, "negative content length", ErrInvalidHeader)
	}
	return hdr, nil
}

func isUTF8(encoding string) bool {
	switch strings.ToLower(encoding) {
	case "utf-8", "utf8":
		return true
	default:
		return false
	}
}
