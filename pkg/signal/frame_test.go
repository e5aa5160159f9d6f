package signal_test

import (
	"math"
	"testing"
	"time"

	"github.com/acoustio/beamline/pkg/signal"
)

func TestParseDatatype(t *testing.T) {
	for _, name := range []string{"int32", "float32", "bint32", "bfloat32"} {
		dt, err := signal.ParseDatatype(name)
		if err != nil {
			t.Fatalf("ParseDatatype(%q): %v", name, err)
		}
		if got := dt.String(); got != name {
			t.Errorf("round trip: got %q, want %q", got, name)
		}
	}
	if _, err := signal.ParseDatatype("int64"); err == nil {
		t.Error("expected error for unknown datatype")
	}
}

func TestDecodeInt32LERejectsShortBuffer(t *testing.T) {
	raw := make([]byte, 4*5) // 5 words
	if _, err := signal.DecodeInt32LE(raw, 2, 3); err == nil {
		t.Fatal("expected size mismatch error for 5 words vs 2x3")
	}
}

func TestInt32RoundTrip(t *testing.T) {
	units := []int32{0, 1, -1, math.MaxInt32, math.MinInt32, 123456}
	raw := signal.EncodeInt32LE(units)
	got, err := signal.DecodeInt32LE(raw, 2, 3)
	if err != nil {
		t.Fatalf("DecodeInt32LE: %v", err)
	}
	for i := range units {
		if got[i] != units[i] {
			t.Errorf("word %d: got %d, want %d", i, got[i], units[i])
		}
	}
}

func TestDecodeFloat32LEDerivesLength(t *testing.T) {
	samples := []float32{1, 2, 3, 4, 5, 6}
	raw := signal.EncodeFloat32LE(samples)
	got, length, err := signal.DecodeFloat32LE(raw, 2)
	if err != nil {
		t.Fatalf("DecodeFloat32LE: %v", err)
	}
	if length != 3 {
		t.Errorf("derived length: got %d, want 3", length)
	}
	if got[5] != 6 {
		t.Errorf("sample 5: got %v, want 6", got[5])
	}

	// A buffer that does not divide into channel rows is corrupt.
	if _, _, err := signal.DecodeFloat32LE(raw[:20], 2); err == nil {
		t.Error("expected error for 5 words over 2 channels")
	}
}

func TestCalibrateQuantizeInverse(t *testing.T) {
	units := []int32{100000, -100000, 42}
	back := signal.Quantize(signal.Calibrate(units, signal.DefaultSensitivity), signal.DefaultSensitivity)
	for i := range units {
		// One codec unit of tolerance for the float32 round trip.
		if diff := back[i] - units[i]; diff < -1 || diff > 1 {
			t.Errorf("unit %d: got %d, want %d", i, back[i], units[i])
		}
	}
}

func TestFromUnitsShapes(t *testing.T) {
	units := []int32{1, 2, 3, 4, 5, 6}

	f := signal.FromUnits(units, 2, 3, signal.DatatypeInt32, signal.DefaultSensitivity, time.Time{})
	if f.I32 == nil || f.F32 != nil || f.Raw != nil {
		t.Error("int32 frame populated the wrong buffer")
	}
	if got := f.Channel(1); got[0] != 4 {
		t.Errorf("channel 1 sample 0: got %d, want 4", got[0])
	}

	f = signal.FromUnits(units, 2, 3, signal.DatatypeRawInt32, signal.DefaultSensitivity, time.Time{})
	if f.Raw == nil || len(f.Raw) != 24 {
		t.Errorf("raw int32 frame: got %d bytes, want 24", len(f.Raw))
	}

	f = signal.FromUnits(units, 2, 3, signal.DatatypeFloat32, signal.DefaultSensitivity, time.Time{})
	if f.F32 == nil {
		t.Fatal("float32 frame missing F32 buffer")
	}
	want := float32(float64(6) * signal.DefaultSensitivity)
	if got := f.ChannelF32(1)[2]; got != want {
		t.Errorf("calibrated sample: got %v, want %v", got, want)
	}
}
