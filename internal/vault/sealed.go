package vault

import "encoding/base64"

// Sealed is one encrypted credential field. A record slot is either absent
// (nil *Sealed) or a complete triple; there is no partially populated state.
type Sealed struct {
	Ciphertext string `bson:"ciphertext" json:"-"`
	IV         string `bson:"iv" json:"-"`
	Tag        string `bson:"tag" json:"-"`
}

// Validate reports ErrIncompleteTriple unless IV and tag are both present.
// An empty plaintext seals to an empty ciphertext, so Ciphertext may be "".
func (s Sealed) Validate() error {
	if s.IV == "" || s.Tag == "" {
		return ErrIncompleteTriple
	}
	return nil
}

// Encoding describes how plaintext is interpreted before sealing.
type Encoding string

const (
	// UTF8 treats plaintext as text.
	UTF8 Encoding = "utf8"
	// Base64 treats plaintext as standard base64 of the binary secret.
	Base64 Encoding = "base64"
)

// ParseEncoding maps a persisted key_encoding value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	e := Encoding(s)
	if !e.Valid() {
		return "", ErrUnknownEncoding
	}
	return e, nil
}

// Valid reports whether e is a supported encoding.
func (e Encoding) Valid() bool {
	return e == UTF8 || e == Base64
}

func (e Encoding) decode(plaintext string) ([]byte, error) {
	switch e {
	case UTF8:
		return []byte(plaintext), nil
	case Base64:
		// Only canonical text is accepted, so Unseal returns exactly what was sealed.
		raw, err := strict.DecodeString(plaintext)
		if err != nil || strict.EncodeToString(raw) != plaintext {
			return nil, ErrInvalidPlaintext
		}
		return raw, nil
	default:
		return nil, ErrUnknownEncoding
	}
}

func (e Encoding) encode(raw []byte) string {
	if e == Base64 {
		return base64.StdEncoding.EncodeToString(raw)
	}
	return string(raw)
}
