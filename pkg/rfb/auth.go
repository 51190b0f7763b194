package rfb

import (
	"context"
	"crypto/des"
	"crypto/rand"

	"github.com/LibVNC/libvncserver-sub002/pkg/rfberr"
)

const challengeSize = 16

// reverseBits mirrors the VNC-Auth key-derivation quirk: each byte of
// the password is used bit-reversed before keying DES, a historical
// accident of the reference implementation's bit ordering that every
// compatible client/server must reproduce exactly.
func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out <<= 1
		out |= b & 1
		b >>= 1
	}
	return out
}

// desKey derives the 8-byte DES key from a password: the first 8
// bytes, zero-padded, each bit-reversed.
func desKey(password string) []byte {
	key := make([]byte, 8)
	copy(key, password)
	for i := range key {
		key[i] = reverseBits(key[i])
	}
	return key
}

// encryptChallenge DES-encrypts a 16-byte challenge in two independent
// 8-byte ECB blocks, as the VNC-Auth scheme requires (not CBC: each
// block uses the same key and ignores the other block's ciphertext).
func encryptChallenge(password string, challenge []byte) ([]byte, error) {
	block, err := des.NewCipher(desKey(password))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(challenge))
	for off := 0; off < len(challenge); off += des.BlockSize {
		block.Encrypt(out[off:off+des.BlockSize], challenge[off:off+des.BlockSize])
	}
	return out, nil
}

// runVNCAuth drives the VNC-Auth challenge/response: a random 16-byte
// challenge is sent, the client's 16-byte response is compared against
// every password in the file (full-access first, since a view-only
// match should never grant full access when both happen to match).
// Returns the matched password's view-only flag.
func (c *Client) runVNCAuth(ctx context.Context) (viewOnly bool, err error) {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return false, rfberr.New(rfberr.Auth, "runVNCAuth", "generate challenge", err)
	}
	if err := c.conn.WriteExact(challenge); err != nil {
		return false, rfberr.New(rfberr.Transport, "runVNCAuth", "write challenge", err)
	}
	response, err := c.conn.ReadExact(ctx, challengeSize)
	if err != nil {
		return false, rfberr.New(rfberr.Transport, "runVNCAuth", "read response", err)
	}

	if c.server.cfg.Passwords == nil {
		return false, rfberr.New(rfberr.Auth, "runVNCAuth", "no password file configured", nil)
	}
	for i, pw := range c.server.cfg.Passwords.Passwords {
		expect, err := encryptChallenge(pw, challenge)
		if err != nil {
			return false, rfberr.New(rfberr.Auth, "runVNCAuth", "derive expected response", err)
		}
		if bytesEqual(expect, response) {
			return i >= c.server.cfg.Passwords.ViewOnlyBoundary, nil
		}
	}
	return false, rfberr.New(rfberr.Auth, "runVNCAuth", "challenge-response mismatch", nil)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SecurityResult codes, per the public protocol document.
const (
	securityResultOK     = 0
	securityResultFailed = 1
)

// writeSecurityResult writes the 6.1.3 SecurityResult message. For
// minor >= 8 and a failure, it also writes the length-prefixed UTF-8
// reason string the original implementation sends.
func (c *Client) writeSecurityResult(ok bool, reason string) error {
	status := uint32(securityResultOK)
	if !ok {
		status = securityResultFailed
	}
	if err := c.conn.WriteUint32(status); err != nil {
		return err
	}
	if ok || c.minor < 8 {
		return nil
	}
	b := []byte(reason)
	if err := c.conn.WriteUint32(uint32(len(b))); err != nil {
		return err
	}
	return c.conn.WriteExact(b)
}
