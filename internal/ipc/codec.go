package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes socket payloads.
type Codec interface {
	Name() string
	Flags() uint8
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Flags() uint8                       { return FlagJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Flags() uint8 { return 0 }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// Codecs by name.
var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecByName returns the codec called name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	}
	return nil, fmt.Errorf("ipc: unknown codec %q", name)
}

// codecFor picks the codec a message was encoded with.
func codecFor(flags uint8) Codec {
	if flags&FlagJSON != 0 {
		return JSON
	}
	return Msgpack
}

// canonicalJSON re-encodes a payload as JSON. The dispatcher works on JSON
// only, so msgpack requests are normalized before schema validation.
func canonicalJSON(c Codec, payload []byte) ([]byte, error) {
	if c == JSON {
		return payload, nil
	}
	var v any
	if err := c.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
