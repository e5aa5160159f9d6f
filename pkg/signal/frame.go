// Package signal defines the multi-channel [Frame], the unit of transfer
// between acquisition producers and consumers, together with the wire codec
// shared by every source (little-endian 32-bit words, channel-major) and the
// bounded drop-oldest [Queue] that links producer and consumer.
package signal

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// DefaultSensitivity converts raw MEMS codec units to pascals: the standard
// array microphones produce -26 dBFS for 104 dB SPL (3.17 Pa) on a 24-bit
// signed scale.
var DefaultSensitivity = 1.0 / (float64(1<<23) * math.Pow(10, -26.0/20) / 3.17)

// Datatype selects the sample representation a source emits.
type Datatype int

const (
	// DatatypeUnknown means no datatype was configured.
	DatatypeUnknown Datatype = iota
	// DatatypeInt32 emits structured frames of native int32 codec units.
	DatatypeInt32
	// DatatypeFloat32 emits structured frames of calibrated float32 samples
	// (codec units multiplied by the sensitivity constant).
	DatatypeFloat32
	// DatatypeRawInt32 emits the raw little-endian int32 buffer untouched.
	DatatypeRawInt32
	// DatatypeRawFloat32 emits a raw little-endian buffer of calibrated
	// float32 samples.
	DatatypeRawFloat32
)

// ParseDatatype converts the textual form used in configs and the remote
// protocol ("int32", "float32", "bint32", "bfloat32") into a Datatype.
func ParseDatatype(s string) (Datatype, error) {
	switch s {
	case "int32":
		return DatatypeInt32, nil
	case "float32":
		return DatatypeFloat32, nil
	case "bint32":
		return DatatypeRawInt32, nil
	case "bfloat32":
		return DatatypeRawFloat32, nil
	}
	return DatatypeUnknown, fmt.Errorf("signal: unknown datatype %q", s)
}

// String returns the textual form accepted by [ParseDatatype].
func (d Datatype) String() string {
	switch d {
	case DatatypeInt32:
		return "int32"
	case DatatypeFloat32:
		return "float32"
	case DatatypeRawInt32:
		return "bint32"
	case DatatypeRawFloat32:
		return "bfloat32"
	}
	return "unknown"
}

// Structured reports whether the datatype carries decoded samples rather
// than a raw byte buffer.
func (d Datatype) Structured() bool {
	return d == DatatypeInt32 || d == DatatypeFloat32
}

// Frame is one fixed-length block of samples across all active channels.
// Samples are stored channel-major: sample s of channel c sits at index
// c*Length+s. Exactly one of I32, F32 or Raw is populated, according to the
// session datatype.
type Frame struct {
	Channels int
	Length   int

	// Timestamp marks the capture time of the frame's first sample.
	Timestamp time.Time

	I32 []int32
	F32 []float32
	Raw []byte
}

// Words returns the number of 32-bit words a frame of this shape carries.
func (f *Frame) Words() int { return f.Channels * f.Length }

// Channel returns the samples of output row c when the frame is structured
// as int32. The returned slice aliases the frame buffer.
func (f *Frame) Channel(c int) []int32 {
	return f.I32[c*f.Length : (c+1)*f.Length]
}

// ChannelF32 returns the samples of output row c when the frame is
// structured as float32. The returned slice aliases the frame buffer.
func (f *Frame) ChannelF32(c int) []float32 {
	return f.F32[c*f.Length : (c+1)*f.Length]
}

// DecodeInt32LE decodes a raw little-endian int32 buffer of exactly
// channels*length words. A size mismatch means the stream is corrupt.
func DecodeInt32LE(raw []byte, channels, length int) ([]int32, error) {
	want := channels * length * 4
	if len(raw) != want {
		return nil, fmt.Errorf("signal: binary frame is %d bytes, want %d (%d channels x %d samples)",
			len(raw), want, channels, length)
	}
	out := make([]int32, channels*length)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// DecodeFloat32LE decodes a raw little-endian float32 buffer. The buffer
// must hold a whole number of channel rows; length is derived from the
// buffer size (the final chunk of a range replay may be short).
func DecodeFloat32LE(raw []byte, channels int) ([]float32, int, error) {
	if len(raw)%4 != 0 || (len(raw)/4)%channels != 0 {
		return nil, 0, fmt.Errorf("signal: float32 buffer of %d bytes does not divide into %d channel rows",
			len(raw), channels)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, len(out) / channels, nil
}

// EncodeInt32LE encodes samples as little-endian bytes, the inverse of
// [DecodeInt32LE].
func EncodeInt32LE(samples []int32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(s))
	}
	return out
}

// EncodeFloat32LE encodes samples as little-endian bytes.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Calibrate converts codec units to calibrated float32 samples.
func Calibrate(units []int32, sensitivity float64) []float32 {
	out := make([]float32, len(units))
	for i, u := range units {
		out[i] = float32(float64(u) * sensitivity)
	}
	return out
}

// Quantize converts calibrated float32 samples back to codec units, the
// inverse of [Calibrate].
func Quantize(samples []float32, sensitivity float64) []int32 {
	out := make([]int32, len(samples))
	for i, s := range samples {
		out[i] = int32(float64(s) / sensitivity)
	}
	return out
}

// FromUnits builds a frame of the requested datatype from decoded codec
// units (channel-major, channels*length entries).
func FromUnits(units []int32, channels, length int, dt Datatype, sensitivity float64, ts time.Time) Frame {
	f := Frame{Channels: channels, Length: length, Timestamp: ts}
	switch dt {
	case DatatypeInt32:
		f.I32 = units
	case DatatypeFloat32:
		f.F32 = Calibrate(units, sensitivity)
	case DatatypeRawInt32:
		f.Raw = EncodeInt32LE(units)
	case DatatypeRawFloat32:
		f.Raw = EncodeFloat32LE(Calibrate(units, sensitivity))
	}
	return f
}
