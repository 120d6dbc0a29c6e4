// Package codec serializes MCPMessage envelopes for cross-process
// transport. The encoding is a versioned JSON document; the decoder
// rejects unknown major versions instead of silently dropping fields, so
// independently deployed binaries fail loudly on incompatible envelopes.
package codec

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/BaSui01/mcpflow/types"
)

// Version is the envelope format version written by this binary.
// Decoders accept any minor revision of the same major.
const Version = "1.0"

// Codec marshals envelopes to and from a wire representation.
type Codec interface {
	ContentType() string
	Encode(msg *types.MCPMessage) ([]byte, error)
	Decode(data []byte) (*types.MCPMessage, error)
}

// wireEnvelope is the on-the-wire document: format version plus message.
type wireEnvelope struct {
	Version string            `json:"v"`
	Message *types.MCPMessage `json:"msg"`
}

type jsonCodec struct{}

// JSON returns the versioned JSON codec. Content-Type: application/json.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Encode(msg *types.MCPMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Version: Version, Message: msg})
}

func (jsonCodec) Decode(data []byte) (*types.MCPMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.NewError(types.ErrMalformedMessage, "decode envelope").WithCause(err)
	}
	if err := checkVersion(env.Version); err != nil {
		return nil, err
	}
	if env.Message == nil {
		return nil, types.NewError(types.ErrMalformedMessage, "envelope missing message")
	}
	if err := env.Message.Validate(); err != nil {
		return nil, err
	}
	return env.Message, nil
}

func checkVersion(v string) error {
	major, _, ok := strings.Cut(v, ".")
	if !ok {
		return types.NewError(types.ErrMalformedMessage, "envelope version "+strconv.Quote(v))
	}
	wantMajor, _, _ := strings.Cut(Version, ".")
	if major != wantMajor {
		return types.NewError(types.ErrMalformedMessage,
			"unsupported envelope major version "+strconv.Quote(v)+", want "+wantMajor+".x")
	}
	return nil
}
