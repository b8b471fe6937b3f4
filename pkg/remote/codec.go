package remote

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/pierrec/lz4/v4"
)

// ErrCorruptPayload is returned when a payload cannot be decoded.
var ErrCorruptPayload = errors.New("corrupt payload")

// ErrNoIdentity is returned when decoding an encrypted payload without a key.
var ErrNoIdentity = errors.New("payload is encrypted but no identity is configured")

const (
	payloadMagic  = "LNG1"
	flagEncrypted = 1
	flagStored    = 2
	headerSize    = len(payloadMagic) + 1 + 4
)

// Codec encodes payloads as JSON, compresses them with LZ4 and optionally
// encrypts them with age. The header records the uncompressed size.
type Codec struct {
	recipients []age.Recipient
	identities []age.Identity
}

// NewCodec returns a codec. With no recipients payloads are not encrypted.
func NewCodec(recipients []age.Recipient, identities []age.Identity) *Codec {
	return &Codec{recipients: recipients, identities: identities}
}

// ParseKeys builds a codec from an age recipient string and an identity
// string; either may be empty.
func ParseKeys(recipient, identity string) (*Codec, error) {
	var (
		recipients []age.Recipient
		identities []age.Identity
	)

	if recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}

		recipients = append(recipients, r)
	}

	if identity != "" {
		ids, err := age.ParseIdentities(bytes.NewBufferString(identity))
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}

		identities = append(identities, ids...)
	}

	return NewCodec(recipients, identities), nil
}

// Encode marshals v into a payload.
func (c *Codec) Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))

	written, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	var flags byte

	body := compressed[:written]
	// Incompressible input yields 0; store it verbatim.
	if written == 0 {
		body = raw
		flags |= flagStored
	}

	if len(c.recipients) > 0 {
		flags |= flagEncrypted

		body, err = c.encrypt(body)
		if err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, payloadMagic...)
	out = append(out, flags)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(raw))) //nolint:gosec // payloads are far below 4 GiB.
	out = append(out, body...)

	return out, nil
}

// Decode unmarshals a payload produced by Encode into v.
func (c *Codec) Decode(data []byte, v any) error {
	if len(data) < headerSize || string(data[:len(payloadMagic)]) != payloadMagic {
		return fmt.Errorf("%w: bad header", ErrCorruptPayload)
	}

	flags := data[len(payloadMagic)]
	size := binary.LittleEndian.Uint32(data[len(payloadMagic)+1 : headerSize])
	body := data[headerSize:]

	if flags&flagEncrypted != 0 {
		var err error

		body, err = c.decrypt(body)
		if err != nil {
			return err
		}
	}

	raw := body

	if flags&flagStored == 0 {
		raw = make([]byte, size)

		n, err := lz4.UncompressBlock(body, raw)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptPayload, err)
		}

		raw = raw[:n]
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptPayload, err)
	}

	return nil
}

func (c *Codec) encrypt(body []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, c.recipients...)
	if err != nil {
		return nil, fmt.Errorf("create encrypted writer: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize encrypted payload: %w", err)
	}

	return buf.Bytes(), nil
}

func (c *Codec) decrypt(body []byte) ([]byte, error) {
	if len(c.identities) == 0 {
		return nil, ErrNoIdentity
	}

	r, err := age.Decrypt(bytes.NewReader(body), c.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted payload: %w", err)
	}

	return plain, nil
}
