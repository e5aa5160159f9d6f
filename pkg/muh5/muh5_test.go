package muh5_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/acoustio/beamline/pkg/muh5"
)

func testInfo() muh5.Info {
	return muh5.Info{
		DatasetDuration:   0.1,
		DatasetLength:     100,
		DatasetCapacity:   4,
		ChannelsNumber:    3,
		SamplingFrequency: 1000,
		Datatype:          "int32",
		Mems:              []int{0, 1, 2},
		Comment:           "bench capture",
	}
}

// frame builds a channel-major frame of length samples whose value encodes
// the channel and the absolute sample index, starting at start.
func frame(channels, length, start int) []int32 {
	units := make([]int32, channels*length)
	for c := 0; c < channels; c++ {
		for s := 0; s < length; s++ {
			units[c*length+s] = int32(c*100000 + start + s)
		}
	}
	return units
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := muh5.NewWriter(dir, testInfo())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	t0 := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	start := 0
	for start < 250 {
		if err := w.Append(frame(3, 64, start), t0.Add(time.Duration(start)*time.Millisecond)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		start += 64
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := muh5.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	info := r.Info()
	if info.DatasetNumber != 2 {
		t.Fatalf("got %d datasets, want 2 (partial buffers must be discarded)", info.DatasetNumber)
	}
	if info.ChannelsNumber != 3 || info.DatasetLength != 100 {
		t.Errorf("geometry = %dx%d, want 3x100", info.ChannelsNumber, info.DatasetLength)
	}
	if info.SamplingFrequency != 1000 {
		t.Errorf("sampling frequency = %v, want 1000", info.SamplingFrequency)
	}
	if info.Comment != "bench capture" {
		t.Errorf("comment = %q", info.Comment)
	}
	if len(info.Mems) != 3 || info.Mems[0] != 0 || info.Mems[2] != 2 {
		t.Errorf("mems = %v, want [0 1 2]", info.Mems)
	}
	if want := 2 * info.DatasetDuration; info.Duration != want {
		t.Errorf("duration = %v, want %v", info.Duration, want)
	}

	for d := 0; d < 2; d++ {
		samples, _, err := r.Dataset(d)
		if err != nil {
			t.Fatalf("Dataset(%d): %v", d, err)
		}
		for c := 0; c < 3; c++ {
			for s := 0; s < 100; s++ {
				want := int32(c*100000 + d*100 + s)
				if got := samples[c*100+s]; got != want {
					t.Fatalf("dataset %d channel %d sample %d = %d, want %d", d, c, s, got, want)
				}
			}
		}
	}
}

func TestWriterSplitsFramesAcrossDatasets(t *testing.T) {
	dir := t.TempDir()
	info := testInfo()
	w, err := muh5.NewWriter(dir, info)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// One 150-sample frame fills dataset 0 and half of dataset 1; the
	// second frame completes it.
	t0 := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := w.Append(frame(3, 150, 0), t0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(frame(3, 150, 150), t0.Add(150*time.Millisecond)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := muh5.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.DatasetCount() != 3 {
		t.Fatalf("got %d datasets, want 3", r.DatasetCount())
	}

	// The second dataset starts 100 samples into the first frame, so its
	// timestamp must be the frame time advanced by 100/fs seconds.
	_, ts0, err := r.Dataset(0)
	if err != nil {
		t.Fatalf("Dataset(0): %v", err)
	}
	_, ts1, err := r.Dataset(1)
	if err != nil {
		t.Fatalf("Dataset(1): %v", err)
	}
	if math.Abs(ts0-unix(t0)) > 1e-6 {
		t.Errorf("dataset 0 ts = %v, want %v", ts0, unix(t0))
	}
	if want := unix(t0) + 100.0/1000.0; math.Abs(ts1-want) > 1e-6 {
		t.Errorf("dataset 1 ts = %v, want %v", ts1, want)
	}

	samples, _, err := r.Dataset(1)
	if err != nil {
		t.Fatalf("Dataset(1): %v", err)
	}
	if got, want := samples[0], int32(100); got != want {
		t.Errorf("dataset 1 channel 0 starts at %d, want %d", got, want)
	}
	if got, want := samples[2*100+99], int32(2*100000+199); got != want {
		t.Errorf("dataset 1 channel 2 ends at %d, want %d", got, want)
	}
}

func TestWriterRotatesAtCapacity(t *testing.T) {
	dir := t.TempDir()
	info := testInfo()
	info.DatasetCapacity = 2

	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	w, err := muh5.NewWriter(dir, info, muh5.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Capacity+1 datasets: the third flush must land in a second file.
	for i := 0; i < 3; i++ {
		if err := w.Append(frame(3, 100, i*100), clock); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	secondPath := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "muh5-*"+muh5.FileExt))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("got %d container files, want 2: %v", len(paths), paths)
	}

	first, err := muh5.Open(paths[0])
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	defer first.Close()
	if first.DatasetCount() != 2 {
		t.Errorf("first file holds %d datasets, want 2", first.DatasetCount())
	}

	second, err := muh5.Open(secondPath)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	defer second.Close()
	if second.DatasetCount() != 1 {
		t.Errorf("second file holds %d datasets, want 1", second.DatasetCount())
	}
	samples, _, err := second.Dataset(0)
	if err != nil {
		t.Fatalf("Dataset(0): %v", err)
	}
	if got, want := samples[0], int32(200); got != want {
		t.Errorf("second file starts at sample %d, want %d", got, want)
	}
}

func TestWriterCompression(t *testing.T) {
	dir := t.TempDir()
	info := testInfo()
	info.Compression = true

	w, err := muh5.NewWriter(dir, info)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(frame(3, 100, 0), time.Now()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := muh5.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if !r.Info().Compression {
		t.Fatal("compression attribute not persisted")
	}
	samples, _, err := r.Dataset(0)
	if err != nil {
		t.Fatalf("Dataset(0): %v", err)
	}
	if got, want := samples[100+5], int32(100005); got != want {
		t.Errorf("channel 1 sample 5 = %d, want %d", got, want)
	}
}

func TestReaderSignal(t *testing.T) {
	dir := t.TempDir()
	w, err := muh5.NewWriter(dir, testInfo())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(frame(3, 200, 0), time.Now()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := muh5.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	out, err := r.Signal([]int{2, 0}, 0.5)
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if len(out) != 2 || len(out[0]) != 200 {
		t.Fatalf("signal shape = %dx%d, want 2x200", len(out), len(out[0]))
	}
	if got, want := out[0][10], float32(0.5*float64(2*100000+10)); got != want {
		t.Errorf("row 2 sample 10 = %v, want %v", got, want)
	}
	if got, want := out[1][150], float32(0.5*150); got != want {
		t.Errorf("row 0 sample 150 = %v, want %v", got, want)
	}

	if _, err := r.Signal([]int{3}, 1); err == nil {
		t.Error("Signal accepted out-of-range row")
	}
}

func TestIsContainer(t *testing.T) {
	dir := t.TempDir()
	w, err := muh5.NewWriter(dir, testInfo())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !muh5.IsContainer(path) {
		t.Errorf("IsContainer(%q) = false, want true", path)
	}

	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("not a capture"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if muh5.IsContainer(other) {
		t.Errorf("IsContainer(%q) = true, want false", other)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+muh5.FileExt)
	if err := os.WriteFile(path, []byte("XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := muh5.Open(path)
	var ferr *muh5.FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("Open returned %v, want *FormatError", err)
	}
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
