package deepmem

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

type (
	// Codec encodes values to the byte payloads stored on the remote
	// servers and decodes them back. The wire format is invisible to
	// the rest of the client; entries written with one codec must be
	// read back with the same codec.
	Codec interface {
		Encode(value interface{}) ([]byte, error)
		Decode(data []byte) (interface{}, error)
	}

	msgpackCodec struct{}
	jsonCodec    struct{}
)

// NewMsgpackCodec creates the default codec, serializing values with
// vmihailenco/msgpack.
func NewMsgpackCodec() Codec {
	return &msgpackCodec{}
}

// NewJSONCodec creates a codec serializing values as JSON. Useful when
// entries are shared with readers in other languages.
func NewJSONCodec() Codec {
	return &jsonCodec{}
}

func (c *msgpackCodec) Encode(value interface{}) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (c *msgpackCodec) Decode(data []byte) (interface{}, error) {
	var value interface{}
	err := msgpack.Unmarshal(data, &value)
	return value, err
}

func (c *jsonCodec) Encode(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (c *jsonCodec) Decode(data []byte) (interface{}, error) {
	var value interface{}
	err := json.Unmarshal(data, &value)
	return value, err
}
