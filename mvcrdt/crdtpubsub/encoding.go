package crdtpubsub

import (
	"cmp"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/concordant/c-sudoku/mvcrdt/common"
	"github.com/concordant/c-sudoku/mvcrdt/crdt"
)

// Encoder encodes a value into a byte array.
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// Decoder decodes a byte array into the value pointed to by v.
type Decoder interface {
	Decode(data []byte, v any) error
}

// EncoderDecoder combines the Encoder and Decoder interfaces.
type EncoderDecoder interface {
	Encoder
	Decoder
}

// JSONEncoderDecoder implements EncoderDecoder using JSON encoding.
type JSONEncoderDecoder struct{}

// Encode encodes v into a JSON byte array.
func (ed *JSONEncoderDecoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes a JSON byte array into v.
func (ed *JSONEncoderDecoder) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Base64EncoderDecoder wraps the output of another EncoderDecoder in base64.
type Base64EncoderDecoder struct {
	underlying EncoderDecoder
}

// NewBase64EncoderDecoder creates a Base64EncoderDecoder. A nil underlying
// encoder defaults to JSON.
func NewBase64EncoderDecoder(underlying EncoderDecoder) *Base64EncoderDecoder {
	if underlying == nil {
		underlying = &JSONEncoderDecoder{}
	}
	return &Base64EncoderDecoder{underlying: underlying}
}

// Encode encodes v with the underlying encoder, then in base64.
func (ed *Base64EncoderDecoder) Encode(v any) ([]byte, error) {
	data, err := ed.underlying.Encode(v)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	return encoded, nil
}

// Decode decodes base64 data, then decodes the result into v.
func (ed *Base64EncoderDecoder) Decode(data []byte, v any) error {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(decoded, data)
	if err != nil {
		return err
	}
	return ed.underlying.Decode(decoded[:n], v)
}

// GetEncoderDecoder returns the EncoderDecoder for the specified format.
func GetEncoderDecoder(format EncodingFormat) (EncoderDecoder, error) {
	switch format {
	case EncodingFormatJSON:
		return &JSONEncoderDecoder{}, nil
	case EncodingFormatBase64:
		return NewBase64EncoderDecoder(&JSONEncoderDecoder{}), nil
	default:
		return nil, errors.Errorf("unsupported encoding format: %s", format)
	}
}

// EncodeState encodes a collection snapshot in the given format.
func EncodeState[K cmp.Ordered, T comparable](state crdt.CollectionState[K, T], format EncodingFormat) ([]byte, error) {
	ed, err := GetEncoderDecoder(format)
	if err != nil {
		return nil, err
	}
	data, err := ed.Encode(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode state")
	}
	return data, nil
}

// DecodeState decodes a collection snapshot encoded in the given format.
func DecodeState[K cmp.Ordered, T comparable](data []byte, format EncodingFormat) (crdt.CollectionState[K, T], error) {
	var state crdt.CollectionState[K, T]

	ed, err := GetEncoderDecoder(format)
	if err != nil {
		return state, err
	}
	if err := ed.Decode(data, &state); err != nil {
		return state, errors.Wrap(err, "failed to decode state")
	}
	return state, nil
}

// Envelope carries one collection snapshot between replicas.
type Envelope struct {
	// Origin is the replica that published the snapshot.
	Origin common.ReplicaID `json:"origin"`
	// Collection is the name of the collection.
	Collection string `json:"collection"`
	// Format is the encoding of Payload.
	Format EncodingFormat `json:"format"`
	// Payload is the encoded snapshot.
	Payload []byte `json:"payload"`
}

// NewEnvelope encodes state into an envelope published by origin.
func NewEnvelope[K cmp.Ordered, T comparable](origin common.ReplicaID, state crdt.CollectionState[K, T], format EncodingFormat) (*Envelope, error) {
	payload, err := EncodeState(state, format)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Origin:     origin,
		Collection: state.Name,
		Format:     format,
		Payload:    payload,
	}, nil
}

// Marshal encodes the envelope for a transport.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode envelope")
	}
	return data, nil
}

// UnmarshalEnvelope decodes an envelope received from a transport.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "failed to decode envelope")
	}
	if e.Origin.IsNil() {
		return nil, errors.Wrap(common.ErrInvalidSnapshot{Message: "envelope has no origin"}, "failed to decode envelope")
	}
	return &e, nil
}

// OpenEnvelope decodes the snapshot carried by e.
func OpenEnvelope[K cmp.Ordered, T comparable](e *Envelope) (crdt.CollectionState[K, T], error) {
	state, err := DecodeState[K, T](e.Payload, e.Format)
	if err != nil {
		return state, err
	}
	if state.Name != e.Collection {
		return state, common.ErrInvalidSnapshot{Message: "envelope collection " + e.Collection + " carries " + state.Name}
	}
	return state, nil
}
