package command

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_JSON(t *testing.T) {
	body := []byte(`{"v":1,"commands":[{"type":"log","id":"abc","args":{"message":"hi","n":2}}]}`)

	env, err := Decode("application/json; charset=utf-8", body)
	require.NoError(t, err)
	require.Equal(t, Version, env.Version)
	require.Len(t, env.Commands, 1)
	require.Equal(t, "log", env.Commands[0].Type)
	require.Equal(t, "abc", env.Commands[0].ID)
	require.Equal(t, "hi", env.Commands[0].Args["message"])
	require.Equal(t, float64(2), env.Commands[0].Args["n"])
}

func TestDecode_CBORRoundTrip(t *testing.T) {
	in := NewEnvelope(
		Command{Type: "print", Args: map[string]any{"text": "hello", "nested": map[string]any{"k": "v"}}},
	)

	data, err := Encode(CBOR, in)
	require.NoError(t, err)

	out, err := Decode(MediaTypeCBOR, data)
	require.NoError(t, err)
	require.Len(t, out.Commands, 1)
	require.Equal(t, "print", out.Commands[0].Type)
	require.Equal(t, "hello", out.Commands[0].Args["text"])

	nested, ok := out.Commands[0].Args["nested"].(map[string]any)
	require.True(t, ok, "nested args should decode as map[string]any, got %T", out.Commands[0].Args["nested"])
	require.Equal(t, "v", nested["k"])
}

func TestEncode_CBORIsDeterministic(t *testing.T) {
	env := NewEnvelope(Command{Type: "log", Args: map[string]any{"b": 1, "a": 2, "c": 3}})

	first, err := Encode(CBOR, env)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(CBOR, env)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDecode_EmptyBody(t *testing.T) {
	for _, body := range []string{"", "   \n"} {
		env, err := Decode(MediaTypeJSON, []byte(body))
		require.NoError(t, err)
		require.Equal(t, Version, env.Version)
		require.Empty(t, env.Commands)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     error
	}{
		{"unsupported version", MediaTypeJSON, `{"v":2,"commands":[]}`, ErrUnsupportedVersion},
		{"missing version", MediaTypeJSON, `{"commands":[]}`, ErrUnsupportedVersion},
		{"missing type", MediaTypeJSON, `{"v":1,"commands":[{"args":{}}]}`, ErrMissingType},
		{"script body", "text/javascript", `alert("hi")`, ErrUnsupportedMediaType},
		{"bad media type", ";;;", `{}`, ErrUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.contentType, []byte(tt.body))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode(MediaTypeJSON, []byte(`{"v":1,"commands":[`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to decode JSON envelope")
}

func TestEncode_EmptyEnvelopeHasCommandsArray(t *testing.T) {
	data, err := Encode(JSON, Envelope{Version: Version})
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1,"commands":[]}`, string(data))
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		accept string
		want   Codec
	}{
		{"", JSON},
		{"*/*", JSON},
		{"application/json", JSON},
		{"application/cbor", CBOR},
		{"application/json, application/cbor;q=0.9", CBOR},
		{"garbage;;", JSON},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			require.Equal(t, tt.want, Negotiate(tt.accept))
		})
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	require.Equal(t, JSON, c)

	c, err = ParseCodec(" CBOR ")
	require.NoError(t, err)
	require.Equal(t, CBOR, c)
	require.Equal(t, MediaTypeCBOR, c.MediaType())

	_, err = ParseCodec("xml")
	require.Error(t, err)
}

func TestNew_AssignsID(t *testing.T) {
	a := New("log", nil)
	b := New("log", nil)
	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID)
}
