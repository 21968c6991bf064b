// Package serialization encodes values persisted by recall, such as fetch records.
package serialization

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// JSONType represents the serialization type for JSON format.
	JSONType = "json"
	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder reads a value from a stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder writes a value to a stream.
type Encoder interface {
	Encode(v any) error
}

// Codec pairs encoder and decoder constructors under a name.
type Codec struct {
	Name       string
	NewEncoder func(io.Writer) Encoder
	NewDecoder func(io.Reader) Decoder
}

// Marshal encodes v into a byte slice.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%s encode: %w", c.Name, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func (c Codec) Unmarshal(data []byte, v any) error {
	if err := c.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%s decode: %w", c.Name, err)
	}
	return nil
}

// JSON is the default codec.
var JSON = Codec{
	Name:       JSONType,
	NewEncoder: func(w io.Writer) Encoder { return json.NewEncoder(w) },
	NewDecoder: func(r io.Reader) Decoder { return json.NewDecoder(r) },
}

// Gob is the encoding/gob codec. Every value is written as a self-describing stream.
var Gob = Codec{
	Name:       GobType,
	NewEncoder: func(w io.Writer) Encoder { return gob.NewEncoder(w) },
	NewDecoder: func(r io.Reader) Decoder { return gob.NewDecoder(r) },
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	switch name {
	case JSONType, "":
		return JSON, nil
	case GobType:
		return Gob, nil
	default:
		return Codec{}, fmt.Errorf("unsupported serialization type: %s", name)
	}
}
