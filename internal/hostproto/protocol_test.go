package hostproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClassifiesMessages(t *testing.T) {
	t.Run("reader list", func(t *testing.T) {
		in, err := Decode([]byte(`{"success":true,"readers":["ACR122U"],"count":1}`))
		require.NoError(t, err)
		assert.False(t, in.IsEvent())
		assert.True(t, in.Response.Success)
		assert.Equal(t, []string{"ACR122U"}, in.Response.Readers)
		assert.Nil(t, in.Response.Version)
	})

	t.Run("empty reader list is not absent", func(t *testing.T) {
		in, err := Decode([]byte(`{"success":true,"readers":[],"message":"No readers detected."}`))
		require.NoError(t, err)
		require.NotNil(t, in.Response.Readers)
		assert.Empty(t, in.Response.Readers)
		assert.Equal(t, "No readers detected.", in.Response.Message)
	})

	t.Run("reply without readers", func(t *testing.T) {
		in, err := Decode([]byte(`{"success":true,"message":"Stopped listening"}`))
		require.NoError(t, err)
		assert.Nil(t, in.Response.Readers)
	})

	t.Run("version", func(t *testing.T) {
		in, err := Decode([]byte(`{"success":true,"version":"1.2.0"}`))
		require.NoError(t, err)
		require.NotNil(t, in.Response.Version)
		assert.Equal(t, "1.2.0", *in.Response.Version)
	})

	t.Run("failure", func(t *testing.T) {
		in, err := Decode([]byte(`{"success":false,"error":"Invalid reader index: 3"}`))
		require.NoError(t, err)
		assert.False(t, in.Response.Success)
		assert.Equal(t, "Invalid reader index: 3", in.Response.Error)
	})

	t.Run("card event", func(t *testing.T) {
		in, err := Decode([]byte(`{"event":"card-detected","uid":"04A2B3C4","uidType":"7-byte"}`))
		require.NoError(t, err)
		assert.True(t, in.IsEvent())
		assert.Equal(t, EventCardDetected, in.Event)
		assert.Equal(t, CardEvent{UID: "04A2B3C4", UIDType: "7-byte"}, in.Card)
	})

	t.Run("error event", func(t *testing.T) {
		in, err := Decode([]byte(`{"event":"error","error":"Error reading card: reader removed"}`))
		require.NoError(t, err)
		assert.Equal(t, EventError, in.Event)
		assert.Equal(t, "Error reading card: reader removed", in.ErrorText)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := Decode([]byte(`{"success":`))
		assert.True(t, errors.Is(err, ErrInvalidMessage))
	})
}

func TestEncodeCommands(t *testing.T) {
	body, err := Encode(StartListening(0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"start-listening","readerIndex":0}`, string(body))

	body, err = Encode(ListReaders())
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"list-readers"}`, string(body))

	_, err = Encode(Command{})
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestLineCodec(t *testing.T) {
	codec, err := NewCodec(FramingLines, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCommand(codec, &buf, GetVersion()))
	assert.Equal(t, "{\"action\":\"get-version\"}\n", buf.String())

	r := bufio.NewReader(strings.NewReader("\n{\"success\":true,\"readers\":[\"A\",\"B\"]}\n{\"event\":\"card-detected\",\"uid\":\"01\"}"))
	first, err := ReadInbound(codec, r)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, first.Response.Readers)

	second, err := ReadInbound(codec, r)
	require.NoError(t, err)
	assert.Equal(t, "01", second.Card.UID)

	_, err = ReadInbound(codec, r)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestLineCodecRejectsOversized(t *testing.T) {
	codec, err := NewCodec(FramingLines, 16)
	require.NoError(t, err)
	r := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 64)+"\n"), 16)
	_, err = codec.ReadFrame(r)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestNativeCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec(FramingNative, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCommand(codec, &buf, StartListening(2)))
	require.Equal(t, 4+len(`{"action":"start-listening","readerIndex":2}`), buf.Len())

	body, err := codec.ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"start-listening","readerIndex":2}`, string(body))
}

func TestNativeCodecRejectsOversized(t *testing.T) {
	codec, err := NewCodec(FramingNative, 32)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.NativeEndian.PutUint32(lenBuf[:], 64)
	buf.Write(lenBuf[:])
	buf.Write(bytes.Repeat([]byte{'x'}, 64))

	_, err = codec.ReadFrame(bufio.NewReader(&buf))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingLines, f)

	f, err = ParseFraming("NATIVE")
	require.NoError(t, err)
	assert.Equal(t, FramingNative, f)

	_, err = ParseFraming("xml")
	assert.Error(t, err)
}
