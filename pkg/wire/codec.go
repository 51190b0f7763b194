package wire

import (
	"context"
	"encoding/binary"
)

// The RFB wire protocol is entirely network-byte-order (big-endian);
// these helpers centralise that so no package hand-rolls shifts.

func (c *Conn) ReadUint8(ctx context.Context) (uint8, error) {
	b, err := c.ReadExact(ctx, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Conn) ReadUint16(ctx context.Context) (uint16, error) {
	b, err := c.ReadExact(ctx, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *Conn) ReadUint32(ctx context.Context) (uint32, error) {
	b, err := c.ReadExact(ctx, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *Conn) ReadInt32(ctx context.Context) (int32, error) {
	v, err := c.ReadUint32(ctx)
	return int32(v), err
}

func (c *Conn) WriteUint8(v uint8) error  { return c.WriteExact([]byte{v}) }
func (c *Conn) WriteUint16(v uint16) error {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return c.WriteExact(b)
}
func (c *Conn) WriteUint32(v uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return c.WriteExact(b)
}
func (c *Conn) WriteInt32(v int32) error { return c.WriteUint32(uint32(v)) }

// PutUint16 / PutUint32 append big-endian encodings of v to out,
// shared by every encoding package building a wire rectangle body.
func PutUint16(out []byte, v uint16) []byte {
	return append(out, byte(v>>8), byte(v))
}
func PutUint32(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
func GetUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func GetUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
