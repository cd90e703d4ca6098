// Package codec implements the byte-evolving symmetric cipher spoken by
// Pit Boss WiFi control boards, the time-bucketed key derivation used for
// RPC authentication, and the forgiving hex codec the firmware expects.
package codec

import (
	"crypto/rand"
	"math"
)

// FileDecodeKey is the base key for decrypting the password blob served
// at /extconfig.json.
var FileDecodeKey = []byte{0xa9, 0x5b, 0x3c, 0x17, 0x62, 0xd8, 0x4e, 0xf1}

// RPCAuthKeyBase is the base key from which per-time-bucket RPC auth keys
// are derived.
var RPCAuthKeyBase = []byte{0x2f, 0x91, 0x64, 0x0b, 0xc5, 0x78, 0x1a, 0xe3}

// padMarker separates random padding from payload. Padding bytes are
// remapped so the marker stays unique within the prefix.
const padMarker = 0xff

// Apply runs the evolving-key cipher over data and returns the result.
//
// When paddingLen > 0 the payload is prefixed with paddingLen random bytes
// followed by a single 0xff marker before encryption. Each processed byte
// mutates the key slot the next byte will use; rpcMode selects whether the
// evolution feeds on the XORed output or on the input byte. When
// paddingLen == 0 and rpcMode is false the call is a file-style decrypt:
// everything up to and including the first 0xff in the output is stripped.
func Apply(data, key []byte, paddingLen int, rpcMode bool) []byte {
	k := make([]byte, len(key))
	copy(k, key)

	payload := data
	if paddingLen > 0 {
		buf := make([]byte, paddingLen, paddingLen+1+len(data))
		rand.Read(buf)
		for i, b := range buf {
			if b == padMarker {
				buf[i] = padMarker - 1
			}
		}
		buf = append(buf, padMarker)
		buf = append(buf, data...)
		payload = buf
	}

	out := make([]byte, len(payload))
	for i, b := range payload {
		out[i] = b ^ k[i%len(k)]
		src := b
		if paddingLen > 0 || rpcMode {
			src = out[i]
		}
		slot := (i + 1) % len(k)
		k[slot] = byte(int(k[slot]^src) + i)
	}

	if paddingLen == 0 && !rpcMode {
		for i, b := range out {
			if b == padMarker {
				return out[i+1:]
			}
		}
	}
	return out
}

// DeriveKey derives an 8-byte cipher key from base, seeded by the time
// bucket t. The base list is consumed one element at a time, the pick
// position and the mixing seed both evolving with each removal.
func DeriveKey(base []byte, t int64) []byte {
	list := make([]byte, len(base))
	copy(list, base)

	out := make([]byte, 0, len(base))
	l := int(t)
	for len(list) > 1 {
		p := l % len(list)
		removed := list[p]
		list = append(list[:p], list[p+1:]...)
		out = append(out, byte(int(removed)^l))
		l = (l*int(removed) + int(removed)) % 256
	}
	return append(out, list[0])
}

// TimeBucket maps a grill uptime in seconds to the 10-second auth bucket.
// Uptimes beyond 31 bits wrap onto a single day so the bucket stays
// representable on the MCU side.
func TimeBucket(uptimeSeconds int64) int64 {
	safe := uptimeSeconds - 5
	if safe < 0 {
		safe = 0
	}
	if safe > math.MaxInt32 {
		safe %= 86400
	}
	return safe / 10
}

// DecodeHex converts a hex string to bytes, two nibbles at a time.
// Unrecognised nibbles contribute zero rather than failing; the firmware
// occasionally pads blobs with garbage characters.
func DecodeHex(s string) []byte {
	out := make([]byte, 0, len(s)/2)
	for i := 0; i+1 < len(s); i += 2 {
		out = append(out, nibble(s[i])<<4|nibble(s[i+1]))
	}
	return out
}

// EncodeHex converts bytes to their lowercase hex representation.
func EncodeHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, v := range b {
		out = append(out, digits[v>>4], digits[v&0x0f])
	}
	return string(out)
}

func nibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
