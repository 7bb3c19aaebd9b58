package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHardware() HardwareProfile {
	return HardwareProfile{
		NumCPU:   4,
		CPUSpeed: 3200,
		RAM:      16 << 30,
		GPU:      &GPUInfo{HasGPU: true, VRAMTotal: 8 << 30, ClockSpeed: 1800},
	}
}

func mustRequests(t *testing.T) []Request {
	t.Helper()
	id := uuid.New()

	hs, err := NewHandshake(id, testHardware())
	require.NoError(t, err)
	hsResp, err := NewHandshakeResponse(id, HardwareProfile{NumCPU: 8})
	require.NoError(t, err)
	metric, err := NewMetricRequest(1.5, "hardware_metrics")
	require.NoError(t, err)
	metricResp, err := NewMetricResponse(metric, []MetricRow{{PID: 42, CPU: 12.5, Memory: 1024, Samples: 3}})
	require.NoError(t, err)
	comp, err := NewComponentRequest(
		[]string{"game-server", "game-client"},
		[]ComponentSteps{{"start"}, {"pair", "ready"}},
		[]map[string]any{{"server_port": "25565"}, {"remote_ip": "10.0.0.2"}},
	)
	require.NoError(t, err)
	compResp, err := NewComponentResponse(comp, []ComponentResult{PIDResult(4242), StatusResult("PAIRED"), StatusResult("READY")})
	require.NoError(t, err)
	errReport, err := NewErrorReport("something broke")
	require.NoError(t, err)

	return []Request{
		NewPing(),
		NewAck(),
		hs,
		hsResp,
		NewExit(),
		metric,
		metricResp,
		comp,
		compResp,
		errReport,
	}
}

func TestRoundTripEveryAction(t *testing.T) {
	for i, req := range mustRequests(t) {
		msg := NewMessage(req)
		msg.SetSequence(uint32(i))

		frame, err := msg.Encode(false)
		require.NoError(t, err, req.Action().String())

		decoded, err := Decode(frame)
		require.NoError(t, err, req.Action().String())

		assert.Equal(t, req, decoded.Request, req.Action().String())
		assert.Equal(t, uint32(i), decoded.Sequence)
		assert.Equal(t, uint32(i), decoded.Header.SequenceNumber)
		assert.Equal(t, ContentTypeJSON, decoded.Header.ContentType)
		assert.Equal(t, EncodingUTF8, decoded.Header.ContentEncoding)
		assert.Equal(t, NativeByteOrder(), decoded.Header.ByteOrder)
		assert.Equal(t, req.IsResponse(), decoded.IsResponse())
	}
}

func TestFrameLayout(t *testing.T) {
	msg := NewMessage(NewExit())
	msg.SetSequence(7)
	frame, err := msg.Encode(false)
	require.NoError(t, err)

	hdrLen := int(binary.BigEndian.Uint16(frame))
	var hdr map[string]any
	require.NoError(t, json.Unmarshal(frame[ProtoHeaderLen:ProtoHeaderLen+hdrLen], &hdr))
	for _, key := range requiredHeaders {
		assert.Contains(t, hdr, key)
	}
	assert.EqualValues(t, 7, hdr["sequence_number"])

	content := frame[ProtoHeaderLen+hdrLen:]
	assert.EqualValues(t, len(content), hdr["content_length"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(content, &body))
	assert.EqualValues(t, ActionExit, body["action"])
	assert.Equal(t, false, body["response"])
}

func TestEncodeCachesUntilForced(t *testing.T) {
	msg := NewMessage(NewPing())
	msg.SetSequence(1)
	first, err := msg.Encode(false)
	require.NoError(t, err)

	msg.SetSequence(2)
	stale, err := msg.Encode(false)
	require.NoError(t, err)
	assert.Equal(t, first, stale)

	fresh, err := msg.Encode(true)
	require.NoError(t, err)
	decoded, err := Decode(fresh)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), decoded.Sequence)
}

func TestFragmentedDelivery(t *testing.T) {
	comp, err := NewComponentStart("worker", map[string]any{"slot": "a"})
	require.NoError(t, err)
	msg := NewMessage(comp)
	msg.SetSequence(99)
	frame, err := msg.Encode(false)
	require.NoError(t, err)

	whole, err := NewFramer(0).Feed(frame)
	require.NoError(t, err)
	require.Len(t, whole, 1)

	t.Run("byte at a time", func(t *testing.T) {
		f := NewFramer(0)
		var got []*Message
		for i := range frame {
			msgs, err := f.Feed(frame[i : i+1])
			require.NoError(t, err)
			if i < len(frame)-1 {
				assert.Empty(t, msgs, "emitted early at byte %d", i)
			}
			got = append(got, msgs...)
		}
		require.Len(t, got, 1)
		assert.Equal(t, whole[0].Request, got[0].Request)
		assert.Equal(t, whole[0].Header, got[0].Header)
		assert.Zero(t, f.Buffered())
	})

	t.Run("split at header boundary", func(t *testing.T) {
		hdrEnd := ProtoHeaderLen + int(binary.BigEndian.Uint16(frame))
		f := NewFramer(0)
		msgs, err := f.Feed(frame[:hdrEnd])
		require.NoError(t, err)
		assert.Empty(t, msgs)

		msgs, err = f.Feed(frame[hdrEnd:])
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, whole[0].Request, msgs[0].Request)
	})

	t.Run("two frames in one read", func(t *testing.T) {
		second := NewMessage(NewExit())
		second.SetSequence(100)
		frame2, err := second.Encode(false)
		require.NoError(t, err)

		buf := append(append([]byte{}, frame...), frame2...)
		f := NewFramer(0)
		msgs, err := f.Feed(buf[:len(buf)-3])
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		msgs, err = f.Feed(buf[len(buf)-3:])
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, ActionExit, msgs[0].Request.Action())
		assert.Equal(t, uint32(100), msgs[0].Sequence)
	})
}

func TestPartialPayloadWaitsForRemainder(t *testing.T) {
	payload := make([]byte, 37)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := NewRawMessage(ContentTypeRaw, payload)
	frame, err := msg.Encode(false)
	require.NoError(t, err)

	contentStart := len(frame) - 37
	f := NewFramer(0)

	msgs, err := f.Feed(frame[:contentStart+10])
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 10, f.Buffered())

	msgs, err = f.Feed(frame[contentStart+10:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Request)
	assert.Equal(t, payload, msgs[0].Raw)
	assert.Equal(t, ContentTypeRaw, msgs[0].ContentType())
}

func rawFrame(header string, content string) []byte {
	frame := make([]byte, ProtoHeaderLen)
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	return append(frame, content...)
}

func TestMissingHeaderFieldIsProtocolError(t *testing.T) {
	hdr := `{"byte_order":"little","content_length":2,"content_type":"text/json","content_encoding":"utf-8"}`
	_, err := NewFramer(0).Feed(rawFrame(hdr, "{}"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingHeader)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, ErrorCodeMissingField, GetErrorCode(err))
}

func jsonFrame(encoding string, content string) []byte {
	hdr := fmt.Sprintf(`{"byte_order":"big","content_length":%d,"content_type":"text/json","content_encoding":%q,"sequence_number":0}`,
		len(content), encoding)
	return rawFrame(hdr, content)
}

func TestMalformedInputs(t *testing.T) {
	cases := map[string]struct {
		frame []byte
		want  error
	}{
		"header not json": {
			frame: rawFrame(`{nope`, ""),
			want:  ErrInvalidHeader,
		},
		"unknown action": {
			frame: jsonFrame("utf-8", `{"action":42}`),
			want:  ErrUnknownAction,
		},
		"missing action": {
			frame: jsonFrame("utf-8", `{}`),
			want:  ErrInvalidRequest,
		},
		"handshake without uuid": {
			frame: jsonFrame("utf-8", `{"action":2,"hw_stats":{},"response":false}`),
			want:  ErrInvalidRequest,
		},
		"metric without period": {
			frame: jsonFrame("utf-8", `{"action":4,"metrics":["cpu"],"response":false}`),
			want:  ErrInvalidRequest,
		},
		"unsupported encoding": {
			frame: jsonFrame("latin-1", `{"action":0}`),
			want:  ErrUnsupportedEncoding,
		},
		"negative sequence": {
			frame: rawFrame(`{"byte_order":"big","content_length":0,"content_type":"x","content_encoding":"utf-8","sequence_number":-1}`, ""),
			want:  ErrInvalidHeader,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewFramer(0).Feed(tc.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestFrameTooLarge(t *testing.T) {
	msg := NewRawMessage(ContentTypeRaw, make([]byte, 128))
	frame, err := msg.Encode(false)
	require.NoError(t, err)

	_, err = NewFramer(64).Feed(frame)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestConstructorsRejectMissingFields(t *testing.T) {
	_, err := NewHandshake(uuid.Nil, testHardware())
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewMetricRequest(1)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewMetricRequest(0, "cpu")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewComponentRequest(nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewComponentRequest([]string{"a"}, []ComponentSteps{{"start"}, {"start"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewComponentRequest([]string{"a"}, []ComponentSteps{{}}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewComponentRequest([]string{"a"}, []ComponentSteps{{"start"}}, []map[string]any{{}, {}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewErrorReport("")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewMessage(&Handshake{}).Encode(false)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestComponentWireShapes(t *testing.T) {
	data := []byte(`{"action":5,"response":false,"components":["a","b"],"component_actions":["start",["pair","ready"]]}`)
	req, err := DecodeRequest(data)
	require.NoError(t, err)

	comp := req.(*ComponentRequest)
	assert.Equal(t, []ComponentSteps{{"start"}, {"pair", "ready"}}, comp.Actions)
	assert.Empty(t, comp.ArgsFor(1))

	resp, err := DecodeRequest([]byte(`{"action":5,"response":true,"components":["a"],"component_actions":["start"],"results":[4242,"READY"]}`))
	require.NoError(t, err)
	results := resp.(*ComponentRequest).Results
	require.Len(t, results, 2)
	assert.True(t, results[0].IsPID())
	assert.Equal(t, 4242, results[0].PID)
	assert.Equal(t, "READY", results[1].String())

	encoded, err := json.Marshal(results)
	require.NoError(t, err)
	assert.JSONEq(t, `[4242,"READY"]`, string(encoded))
}

func TestRawContentPassthrough(t *testing.T) {
	msg := NewRawMessage("application/octet-stream", []byte{0, 1, 2, 0xff})
	frame, err := msg.Encode(false)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 0xff}, decoded.Raw)
	_, ok := decoded.Action()
	assert.False(t, ok)
	assert.False(t, decoded.IsResponse())

	_, err = NewRawMessage(ContentTypeJSON, []byte("{}")).Encode(false)
	assert.Error(t, err)
}
