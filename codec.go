package persisted

import (
	"bytes"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Codec serializes cell values into store entries and decodes raw entries back
// into candidate values for schema validation. Encode and Decode must be
// inverses up to the candidate representation: for any value the schema
// accepts, Decode(Encode(v)) must parse back to a value deep-equal to v.
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(raw []byte) (any, error)
}

// JSONCodec is the default canonical serialization. Decoding preserves number
// precision via json.Number so the schema decides integer vs float semantics.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// YAMLCodec stores entries as YAML documents. Useful when entries double as
// human-edited files, e.g. with the file store.
type YAMLCodec struct{}

func (YAMLCodec) Name() string { return "yaml" }

func (YAMLCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (YAMLCodec) Decode(raw []byte) (any, error) {
	var out any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
