package zbdb

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Key is a domain object with an order-preserving byte encoding: for two keys
// of the same type, the byte-wise comparison of their encodings matches their
// domain order.
type Key interface {
	// Length returns the number of bytes Write produces.
	Length() int
	// Write encodes into buf, which holds at least Length bytes.
	Write(buf []byte)
	// Wrap decodes from buf. Implementations may alias buf, so the decoded
	// instance is only valid until the buffer is reused.
	Wrap(buf []byte) error
}

// Value has the same shape as Key without the ordering requirement.
type Value interface {
	Length() int
	Write(buf []byte)
	Wrap(buf []byte) error
}

// PrefixKey is a key that can decode itself from the front of a longer buffer,
// either because it has a fixed length or because its encoding is self-delimiting.
// Only such keys may lead a Composite.
type PrefixKey interface {
	Key
	// WrapPrefix decodes from the start of buf and returns the bytes consumed.
	WrapPrefix(buf []byte) (int, error)
}

func decodeError(typ string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrDecode, typ, want, got)
}

const (
	signBit64 = 1 << 63
	signBit32 = 1 << 31
)

// Long is an int64 key or value. The sign bit is flipped so negative numbers sort first.
type Long struct {
	Value int64
}

func (l *Long) Length() int { return 8 }

func (l *Long) Write(buf []byte) {
	binary.BigEndian.PutUint64(buf, uint64(l.Value)^signBit64)
}

func (l *Long) Wrap(buf []byte) error {
	if len(buf) != 8 {
		return decodeError("long", 8, len(buf))
	}
	_, err := l.WrapPrefix(buf)
	return err
}

func (l *Long) WrapPrefix(buf []byte) (int, error) {
	if len(buf) < 8 {
		return 0, decodeError("long", 8, len(buf))
	}
	l.Value = int64(binary.BigEndian.Uint64(buf) ^ signBit64)
	return 8, nil
}

// Int is the int32 form of Long.
type Int struct {
	Value int32
}

func (i *Int) Length() int { return 4 }

func (i *Int) Write(buf []byte) {
	binary.BigEndian.PutUint32(buf, uint32(i.Value)^signBit32)
}

func (i *Int) Wrap(buf []byte) error {
	if len(buf) != 4 {
		return decodeError("int", 4, len(buf))
	}
	_, err := i.WrapPrefix(buf)
	return err
}

func (i *Int) WrapPrefix(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, decodeError("int", 4, len(buf))
	}
	i.Value = int32(binary.BigEndian.Uint32(buf) ^ signBit32)
	return 4, nil
}

// Byte is a single unsigned byte.
type Byte struct {
	Value byte
}

func (b *Byte) Length() int      { return 1 }
func (b *Byte) Write(buf []byte) { buf[0] = b.Value }

func (b *Byte) Wrap(buf []byte) error {
	if len(buf) != 1 {
		return decodeError("byte", 1, len(buf))
	}
	b.Value = buf[0]
	return nil
}

func (b *Byte) WrapPrefix(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, decodeError("byte", 1, len(buf))
	}
	b.Value = buf[0]
	return 1, nil
}

// String is a self-delimiting string: every 0x00 is escaped as 0x00 0xff and
// the value ends with 0x00 0x01. Encodings sort like the strings themselves,
// so String can lead a Composite without breaking its order.
type String struct {
	Value string
}

const (
	stringEscape     = 0x00
	stringEscaped    = 0xff
	stringTerminator = 0x01
)

func (s *String) Length() int { return len(s.Value) + strings.Count(s.Value, "\x00") + 2 }

func (s *String) Write(buf []byte) {
	i := 0
	for j := 0; j < len(s.Value); j++ {
		c := s.Value[j]
		buf[i] = c
		i++
		if c == stringEscape {
			buf[i] = stringEscaped
			i++
		}
	}
	buf[i] = stringEscape
	buf[i+1] = stringTerminator
}

func (s *String) Wrap(buf []byte) error {
	n, err := s.WrapPrefix(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return decodeError("string", n, len(buf))
	}
	return nil
}

func (s *String) WrapPrefix(buf []byte) (int, error) {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if c != stringEscape {
			out = append(out, c)
			continue
		}
		if i+1 == len(buf) {
			break
		}
		switch buf[i+1] {
		case stringTerminator:
			s.Value = string(out)
			return i + 2, nil
		case stringEscaped:
			out = append(out, stringEscape)
			i++
		default:
			return 0, fmt.Errorf("%w: string has invalid escape 0x%02x at %d", ErrDecode, buf[i+1], i+1)
		}
	}
	return 0, fmt.Errorf("%w: string is not terminated", ErrDecode)
}

// RawString writes the string bytes unprefixed, so "a" is a byte prefix of "a1".
type RawString struct {
	Value string
}

func (s *RawString) Length() int      { return len(s.Value) }
func (s *RawString) Write(buf []byte) { copy(buf, s.Value) }

func (s *RawString) Wrap(buf []byte) error {
	s.Value = string(buf)
	return nil
}

// Bytes is a raw byte key or value. Wrap aliases the buffer.
type Bytes struct {
	Value []byte
}

func (b *Bytes) Length() int      { return len(b.Value) }
func (b *Bytes) Write(buf []byte) { copy(buf, b.Value) }

func (b *Bytes) Wrap(buf []byte) error {
	b.Value = buf
	return nil
}

// Nil is the value of set-like column families where only key presence matters.
// It is stored as a single zero byte.
type Nil struct{}

func (Nil) Length() int      { return 1 }
func (Nil) Write(buf []byte) { buf[0] = 0 }

func (Nil) Wrap(buf []byte) error {
	if len(buf) > 1 {
		return decodeError("nil", 1, len(buf))
	}
	return nil
}

// Composite concatenates two keys. Because First can find its own end, the
// composite orders by First, then by Second.
type Composite[F PrefixKey, S Key] struct {
	First  F
	Second S
}

// NewComposite returns a composite over the given key instances.
func NewComposite[F PrefixKey, S Key](first F, second S) *Composite[F, S] {
	return &Composite[F, S]{First: first, Second: second}
}

func (c *Composite[F, S]) Length() int {
	return c.First.Length() + c.Second.Length()
}

func (c *Composite[F, S]) Write(buf []byte) {
	c.First.Write(buf)
	c.Second.Write(buf[c.First.Length():])
}

func (c *Composite[F, S]) Wrap(buf []byte) error {
	n, err := c.First.WrapPrefix(buf)
	if err != nil {
		return err
	}
	return c.Second.Wrap(buf[n:])
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// CBORValue stores a Go value as canonical CBOR. Set encodes eagerly so that
// Length and Write cannot fail.
type CBORValue[T any] struct {
	value T
	enc   []byte
}

// Set replaces the value.
func (c *CBORValue[T]) Set(v T) error {
	enc, err := cborEnc.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	c.value, c.enc = v, enc
	return nil
}

// Get returns the last value set or decoded.
func (c *CBORValue[T]) Get() T {
	return c.value
}

func (c *CBORValue[T]) Length() int      { return len(c.enc) }
func (c *CBORValue[T]) Write(buf []byte) { copy(buf, c.enc) }

func (c *CBORValue[T]) Wrap(buf []byte) error {
	var v T
	if err := cborDec.Unmarshal(buf, &v); err != nil {
		return fmt.Errorf("%w: cbor value of %d bytes: %v", ErrDecode, len(buf), err)
	}
	c.value = v
	c.enc = append(c.enc[:0], buf...)
	return nil
}
