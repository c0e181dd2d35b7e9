package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Media types understood by [Decode] and produced by [Encode].
const (
	MediaTypeJSON = "application/json"
	MediaTypeCBOR = "application/cbor"
)

// ErrUnsupportedMediaType is returned when a payload's content type maps to
// no known codec.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// Codec names a wire encoding for envelopes.
type Codec string

const (
	// JSON encodes envelopes as application/json.
	JSON Codec = "json"

	// CBOR encodes envelopes as application/cbor.
	CBOR Codec = "cbor"
)

// encMode produces Core Deterministic Encoding so identical envelopes encode
// to identical bytes.
var encMode cbor.EncMode

// decMode decodes any-typed values into map[string]any so args look the same
// regardless of which codec carried them.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("command: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("command: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseCodec converts a codec name ("json", "cbor") into a [Codec].
// An empty name selects [JSON].
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return "", fmt.Errorf("unknown codec %q (expected 'json' or 'cbor')", name)
	}
}

// MediaType returns the HTTP media type for the codec.
func (c Codec) MediaType() string {
	if c == CBOR {
		return MediaTypeCBOR
	}
	return MediaTypeJSON
}

// String returns the codec name.
func (c Codec) String() string {
	return string(c)
}

// CodecForMediaType maps a Content-Type header value to a [Codec].
// Parameters such as charset are ignored. An empty value selects [JSON].
func CodecForMediaType(contentType string) (Codec, error) {
	if strings.TrimSpace(contentType) == "" {
		return JSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}
	switch mediaType {
	case MediaTypeJSON, "text/json", "text/plain":
		return JSON, nil
	case MediaTypeCBOR:
		return CBOR, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
}

// Negotiate picks the codec for a response from a request's Accept header.
// CBOR is chosen only when explicitly listed; everything else gets JSON.
func Negotiate(accept string) Codec {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType == MediaTypeCBOR {
			return CBOR
		}
	}
	return JSON
}

// Encode serializes an envelope with the given codec.
func Encode(c Codec, env Envelope) ([]byte, error) {
	if env.Commands == nil {
		env.Commands = []Command{}
	}
	switch c {
	case CBOR:
		return encMode.Marshal(env)
	case JSON, "":
		return json.Marshal(env)
	default:
		return nil, fmt.Errorf("unknown codec %q", c)
	}
}

// Decode parses a response body into a validated [Envelope].
//
// The codec is chosen from contentType. A body that is empty (or only
// whitespace for JSON) decodes to an empty envelope of the current version,
// the equivalent of a poll that returned nothing to do.
func Decode(contentType string, body []byte) (Envelope, error) {
	codec, err := CodecForMediaType(contentType)
	if err != nil {
		return Envelope{}, err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return NewEnvelope(), nil
	}

	var env Envelope
	switch codec {
	case CBOR:
		if err := decMode.Unmarshal(body, &env); err != nil {
			return Envelope{}, fmt.Errorf("failed to decode CBOR envelope: %w", err)
		}
	default:
		if err := json.Unmarshal(body, &env); err != nil {
			return Envelope{}, fmt.Errorf("failed to decode JSON envelope: %w", err)
		}
	}

	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
