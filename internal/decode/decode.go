// Package decode turns raw Modbus register payloads into numeric values
// according to a per-meter encoding specification.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrLengthMismatch      = errors.New("payload length mismatch")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// Kind is the primitive family of an encoding.
type Kind int

const (
	Uint Kind = iota
	Int
	Float
)

func (k Kind) String() string {
	switch k {
	case Uint:
		return "uint"
	case Int:
		return "int"
	case Float:
		return "float"
	}
	return "unknown"
}

// Spec is a parsed encoding: primitive kind plus byte width.
// It is resolved once when a meter definition is loaded, never per decode.
type Spec struct {
	Kind  Kind
	Width int // bytes: 1, 2, 4 or 8 for ints; 4 or 8 for floats
}

func (s Spec) String() string {
	return fmt.Sprintf("%s%d", s.Kind, s.Width*8)
}

// ParseSpec accepts struct-style format codes (B, b, H, h, I, i, L, l, Q, q,
// f, d) as well as spelled-out names (uint16, int32, float32, ...).
func ParseSpec(s string) (Spec, error) {
	switch s {
	case "B":
		return Spec{Uint, 1}, nil
	case "b":
		return Spec{Int, 1}, nil
	case "H":
		return Spec{Uint, 2}, nil
	case "h":
		return Spec{Int, 2}, nil
	case "I", "L":
		return Spec{Uint, 4}, nil
	case "i", "l":
		return Spec{Int, 4}, nil
	case "Q":
		return Spec{Uint, 8}, nil
	case "q":
		return Spec{Int, 8}, nil
	case "f":
		return Spec{Float, 4}, nil
	case "d":
		return Spec{Float, 8}, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8":
		return Spec{Uint, 1}, nil
	case "int8":
		return Spec{Int, 1}, nil
	case "uint16":
		return Spec{Uint, 2}, nil
	case "int16":
		return Spec{Int, 2}, nil
	case "uint32":
		return Spec{Uint, 4}, nil
	case "int32":
		return Spec{Int, 4}, nil
	case "uint64":
		return Spec{Uint, 8}, nil
	case "int64":
		return Spec{Int, 8}, nil
	case "float32":
		return Spec{Float, 4}, nil
	case "float64":
		return Spec{Float, 8}, nil
	}
	return Spec{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
}

// WordOrder is the ordering of 16-bit registers when several compose one
// value. Bytes inside each register are always big-endian per the Modbus
// wire format; the flag only reorders whole words.
type WordOrder int

const (
	BigEndian WordOrder = iota
	LittleEndian
)

func (o WordOrder) String() string {
	if o == LittleEndian {
		return "little"
	}
	return "big"
}

// ParseWordOrder accepts the spellings commonly seen in meter list files.
// An empty string means big-endian.
func ParseWordOrder(s string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", ">", "big", "true", "1", "yes":
		return BigEndian, nil
	case "<", "little", "false", "0", "no":
		return LittleEndian, nil
	}
	return BigEndian, fmt.Errorf("invalid word order %q", s)
}

// Decode interprets raw register bytes as the value described by spec.
// raw must hold exactly wordCount registers of two bytes each; the spec
// width must account for all of them. Scaling is the caller's business.
func Decode(raw []byte, wordCount int, order WordOrder, spec Spec) (float64, error) {
	if len(raw) != wordCount*2 {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(raw), wordCount*2)
	}
	if spec.Width != len(raw) {
		return 0, fmt.Errorf("%w: %s needs %d bytes, payload has %d", ErrUnsupportedEncoding, spec, spec.Width, len(raw))
	}

	b := raw
	if order == LittleEndian && wordCount > 1 {
		b = reverseWords(raw)
	}

	switch spec.Kind {
	case Uint:
		switch spec.Width {
		case 2:
			return float64(binary.BigEndian.Uint16(b)), nil
		case 4:
			return float64(binary.BigEndian.Uint32(b)), nil
		case 8:
			return float64(binary.BigEndian.Uint64(b)), nil
		}
	case Int:
		switch spec.Width {
		case 2:
			return float64(int16(binary.BigEndian.Uint16(b))), nil
		case 4:
			return float64(int32(binary.BigEndian.Uint32(b))), nil
		case 8:
			return float64(int64(binary.BigEndian.Uint64(b))), nil
		}
	case Float:
		switch spec.Width {
		case 4:
			return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
		case 8:
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, spec)
}

// reverseWords returns a copy with the 16-bit words in reverse order.
// Bytes within each word stay put.
func reverseWords(in []byte) []byte {
	out := make([]byte, len(in))
	n := len(in) / 2
	for i := 0; i < n; i++ {
		j := n - 1 - i
		out[i*2] = in[j*2]
		out[i*2+1] = in[j*2+1]
	}
	return out
}
