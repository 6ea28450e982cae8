// Package codec derives ticket verification tags and encodes the compact
// payload string carried inside ticket QR codes.
//
// A payload has the form "<prefix>-<ticketID>-<tag>", e.g. "ENX-3f9a7c21-8f14e45fceea".
// The tag is a truncated SHA-256 over the ticket identity and a server-side
// secret, so a verifier holding the secret can check authenticity offline.
package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultPrefix    = "ENX"
	DefaultTagLength = 12

	MinTagLength = 8
	MaxTagLength = sha256.Size * 2

	separator      = "-"
	fieldSeparator = ":"
)

var (
	ErrInvalidFormat   = errors.New("invalid ticket payload format")
	ErrInvalidTicketID = errors.New("ticket id must be non-empty and must not contain '-'")
	ErrInvalidTag      = errors.New("tag must be non-empty and must not contain '-'")
)

// Decoded is the parsed form of a payload.
type Decoded struct {
	TicketID string
	Tag      string
}

type Codec struct {
	secret    []byte
	prefix    string
	tagLength int
}

type Option func(*Codec)

func WithPrefix(prefix string) Option {
	return func(c *Codec) { c.prefix = prefix }
}

func WithTagLength(n int) Option {
	return func(c *Codec) { c.tagLength = n }
}

// New builds a codec around secret. The secret is copied and never exposed again.
func New(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("codec: secret is empty")
	}
	c := &Codec{
		secret:    []byte(secret),
		prefix:    DefaultPrefix,
		tagLength: DefaultTagLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.prefix == "" || strings.Contains(c.prefix, separator) {
		return nil, fmt.Errorf("codec: invalid payload prefix %q", c.prefix)
	}
	if c.tagLength < MinTagLength || c.tagLength > MaxTagLength {
		return nil, fmt.Errorf("codec: tag length %d out of range [%d, %d]", c.tagLength, MinTagLength, MaxTagLength)
	}
	return c, nil
}

func (c *Codec) Prefix() string { return c.prefix }

func (c *Codec) TagLength() int { return c.tagLength }

// String keeps the secret out of %v and %+v output.
func (c *Codec) String() string {
	return fmt.Sprintf("codec(prefix=%s, tag_length=%d, secret=REDACTED)", c.prefix, c.tagLength)
}

func (c *Codec) GoString() string { return c.String() }

// ComputeTag returns the first TagLength hex characters of
// sha256(ticketID ":" eventID ":" holderID ":" secret).
func (c *Codec) ComputeTag(ticketID, eventID, holderID string) string {
	h := sha256.New()
	h.Write([]byte(ticketID))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(eventID))
	h.Write([]byte(fieldSeparator))
	h.Write([]byte(holderID))
	h.Write([]byte(fieldSeparator))
	h.Write(c.secret)
	return hex.EncodeToString(h.Sum(nil))[:c.tagLength]
}

func (c *Codec) EncodePayload(ticketID, tag string) (string, error) {
	if ticketID == "" || strings.Contains(ticketID, separator) {
		return "", ErrInvalidTicketID
	}
	if tag == "" || strings.Contains(tag, separator) {
		return "", ErrInvalidTag
	}
	return c.prefix + separator + ticketID + separator + tag, nil
}

// Payload computes the tag for a ticket and encodes it in one step.
func (c *Codec) Payload(ticketID, eventID, holderID string) (string, error) {
	return c.EncodePayload(ticketID, c.ComputeTag(ticketID, eventID, holderID))
}

// DecodePayload accepts exactly three non-empty '-' separated segments whose
// first segment is the configured prefix. Nothing else, whitespace included,
// is tolerated.
func (c *Codec) DecodePayload(payload string) (Decoded, error) {
	parts := strings.Split(payload, separator)
	if len(parts) != 3 || parts[0] != c.prefix || parts[1] == "" || parts[2] == "" {
		return Decoded{}, ErrInvalidFormat
	}
	return Decoded{TicketID: parts[1], Tag: parts[2]}, nil
}

// VerifyTag recomputes the tag and compares the full strings in constant time.
func (c *Codec) VerifyTag(ticketID, eventID, holderID, provided string) bool {
	expected := c.ComputeTag(ticketID, eventID, holderID)
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
