package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/acoustio/beamline/pkg/antenna"
	"github.com/acoustio/beamline/pkg/muh5"
	"github.com/acoustio/beamline/pkg/signal"
)

// FileReplay is a backend that replays recorded container files at the
// acquisition cadence. It accepts a single file or a directory, in which
// case every container found is replayed in name order. Channel
// availability is re-evaluated per file, so a directory may mix captures
// of different array configurations as long as each one carries the
// requested channels.
type FileReplay struct {
	path  string
	paced bool
	log   *slog.Logger
}

// FileReplayOption is a functional option for configuring a [FileReplay].
type FileReplayOption func(*FileReplay)

// WithoutReplayPacing disables the real-time cadence so the input is
// replayed as fast as possible. Useful in tests.
func WithoutReplayPacing() FileReplayOption {
	return func(b *FileReplay) { b.paced = false }
}

// WithReplayLogger sets the logger for replay events.
func WithReplayLogger(log *slog.Logger) FileReplayOption {
	return func(b *FileReplay) { b.log = log }
}

// NewFileReplay creates a replay backend for the container file or
// directory at path.
func NewFileReplay(path string, opts ...FileReplayOption) *FileReplay {
	b := &FileReplay{path: path, paced: true, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements [Backend].
func (b *FileReplay) Name() string { return "file" }

// Stream implements [Backend]. Datasets are stitched across file
// boundaries; when the input runs out the final partial frame is
// zero-padded and the stream completes, unless looping is enabled.
func (b *FileReplay) Stream(ctx context.Context, sink *Sink) error {
	st := sink.Settings()
	files, err := b.collect()
	if err != nil {
		return err
	}

	total, err := countSamples(files)
	if err != nil {
		return err
	}
	skip := int64(float64(total) * st.Start / 100)

	asm := newAssembler(st, sink, b.paced)
	for {
		for _, path := range files {
			if err := b.replayFile(ctx, path, asm, &skip); err != nil {
				return err
			}
		}
		if !st.Loop {
			break
		}
		skip = 0
	}
	return asm.finish(ctx)
}

// collect resolves the input path into a sorted list of container files.
func (b *FileReplay) collect() ([]string, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return nil, &ConfigError{Field: "path", Reason: err.Error()}
	}
	if !fi.IsDir() {
		if !muh5.IsContainer(b.path) {
			return nil, &ConfigError{Field: "path", Reason: fmt.Sprintf("%s is not a container file", b.path)}
		}
		return []string{b.path}, nil
	}

	entries, err := os.ReadDir(b.path)
	if err != nil {
		return nil, &ConfigError{Field: "path", Reason: err.Error()}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(b.path, e.Name())
		if muh5.IsContainer(p) {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, &ConfigError{Field: "path", Reason: fmt.Sprintf("no container files under %s", b.path)}
	}
	sort.Strings(files)
	return files, nil
}

func countSamples(files []string) (int64, error) {
	var total int64
	for _, path := range files {
		r, err := muh5.Open(path)
		if err != nil {
			return 0, err
		}
		info := r.Info()
		total += int64(info.DatasetNumber) * int64(info.DatasetLength)
		r.Close()
	}
	return total, nil
}

func (b *FileReplay) replayFile(ctx context.Context, path string, asm *assembler, skip *int64) error {
	r, err := muh5.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	info := r.Info()

	rows, err := replaySelection(asm.settings, info)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	// The capture dictates the sampling frequency; the session's value is
	// advisory for file sources.
	if info.SamplingFrequency != asm.settings.SamplingFrequency {
		b.log.Warn("adopting the file's sampling frequency",
			"path", path, "file", info.SamplingFrequency, "session", asm.settings.SamplingFrequency)
		asm.settings.SamplingFrequency = info.SamplingFrequency
		asm.pace = nil
	}

	for d := 0; d < r.DatasetCount(); d++ {
		if *skip >= int64(info.DatasetLength) {
			*skip -= int64(info.DatasetLength)
			continue
		}
		samples, ts, err := r.Dataset(d)
		if err != nil {
			return err
		}
		offset := int(*skip)
		*skip = 0
		if err := asm.consume(ctx, samples, info.DatasetLength, rows, ts, offset); err != nil {
			return err
		}
	}
	return nil
}

// replaySelection maps the session's active channels onto the rows a
// particular file delivers.
func replaySelection(st *Settings, info muh5.Info) ([]int, error) {
	wantCounter := st.Layout.Counter && !st.Layout.CounterSkip
	haveCounter := info.Counter && !info.CounterSkip
	if wantCounter && !haveCounter {
		return nil, &ConfigError{Field: "channels", Reason: "counter channel requested but not recorded"}
	}
	if st.Layout.Status && !info.Status {
		return nil, &ConfigError{Field: "channels", Reason: "status channel requested but not recorded"}
	}

	layout := antenna.ChannelLayout{
		AvailableMics:    info.Mems,
		ActiveMics:       st.Layout.ActiveMics,
		AvailableAnalogs: info.Analogs,
		ActiveAnalogs:    st.Layout.ActiveAnalogs,
		Counter:          haveCounter,
		CounterSkip:      !wantCounter,
		Status:           st.Layout.Status,
	}
	rows, _, err := layout.RowSelection()
	if err != nil {
		return nil, &ConfigError{Field: "channels", Reason: err.Error()}
	}
	return rows, nil
}

// assembler builds fixed-length output frames from dataset slices that
// rarely align with frame boundaries.
type assembler struct {
	settings *Settings
	sink     *Sink
	paced    bool
	pace     *pacer // built on first emit so frequency adoption is in effect

	buf  []int32 // channel-major, channels x FrameLength
	fill int
	ts   float64 // capture time of the first buffered sample
}

func newAssembler(st *Settings, sink *Sink, paced bool) *assembler {
	return &assembler{
		settings: st,
		sink:     sink,
		paced:    paced,
		buf:      make([]int32, st.Layout.ChannelCount()*st.FrameLength),
	}
}

// consume copies dataset samples starting at offset into frames, emitting
// each one as it fills. rows maps output rows to dataset rows; ts is the
// capture time of the dataset's first sample.
func (a *assembler) consume(ctx context.Context, samples []int32, datasetLen int, rows []int, ts float64, offset int) error {
	st := a.settings
	for offset < datasetLen {
		if a.fill == 0 {
			a.ts = ts + float64(offset)/st.SamplingFrequency
		}
		n := min(datasetLen-offset, st.FrameLength-a.fill)
		for out, src := range rows {
			copy(a.buf[out*st.FrameLength+a.fill:], samples[src*datasetLen+offset:src*datasetLen+offset+n])
		}
		a.fill += n
		offset += n

		if a.fill == st.FrameLength {
			if err := a.emit(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *assembler) emit(ctx context.Context) error {
	st := a.settings
	ts := time.Unix(0, int64(a.ts*float64(time.Second)))
	// Clone the accumulation buffer: int32 frames alias the units slice.
	f := signal.FromUnits(slices.Clone(a.buf), st.Layout.ChannelCount(), st.FrameLength, st.Datatype, st.Sensitivity, ts)
	if err := a.sink.Deliver(f); err != nil {
		return err
	}
	a.fill = 0

	if !a.paced {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return nil
	}
	if a.pace == nil {
		a.pace = newPacer(st.pacing(DefaultFilePacingFraction))
	}
	return a.pace.wait(ctx)
}

// finish zero-pads and emits a partially filled final frame.
func (a *assembler) finish(ctx context.Context) error {
	if a.fill == 0 {
		return nil
	}
	st := a.settings
	for r := 0; r < st.Layout.ChannelCount(); r++ {
		clear(a.buf[r*st.FrameLength+a.fill : (r+1)*st.FrameLength])
	}
	a.fill = st.FrameLength
	return a.emit(ctx)
}
