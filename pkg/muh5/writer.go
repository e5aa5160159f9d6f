package muh5

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Writer persists frames into rotating container files. Incoming samples
// accumulate in a dataset-sized buffer; each time the buffer fills, one
// dataset record is appended and the file's dataset count and duration
// attributes are updated in place. When a file reaches its dataset
// capacity the writer closes it and opens a fresh one.
//
// Datasets are fixed length. Samples still buffered when the writer is
// closed do not form a complete dataset and are discarded.
type Writer struct {
	dir  string
	info Info
	now  func() time.Time

	f          *os.File
	path       string
	dataOffset int

	buf      []int32 // channel-major, ChannelsNumber x DatasetLength
	bufFill  int     // samples per channel currently buffered
	bufTS    float64 // timestamp of the first buffered sample
	dsIndex  int     // next dataset index in the current file
	fileSeq  int
	datasets int64
	bytes    int64

	scratch []byte
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the wall clock used for file naming and creation
// timestamps.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter creates a writer storing containers under dir. The directory is
// created if needed and the first file is opened immediately. The info
// template must carry the dataset geometry and channel configuration; the
// per-file attributes (timestamp, date, dataset count, duration) are managed
// by the writer.
func NewWriter(dir string, info Info, opts ...WriterOption) (*Writer, error) {
	if info.DatasetLength <= 0 {
		return nil, fmt.Errorf("muh5: dataset length must be positive, got %d", info.DatasetLength)
	}
	if info.ChannelsNumber <= 0 {
		return nil, fmt.Errorf("muh5: channels number must be positive, got %d", info.ChannelsNumber)
	}
	if info.DatasetCapacity <= 0 {
		return nil, fmt.Errorf("muh5: dataset capacity must be positive, got %d", info.DatasetCapacity)
	}
	if info.Compression && (info.GzipLevel < gzip.BestSpeed || info.GzipLevel > gzip.BestCompression) {
		info.GzipLevel = gzip.DefaultCompression
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("muh5: create storage directory: %w", err)
	}

	w := &Writer{
		dir:  dir,
		info: info,
		now:  time.Now,
		buf:  make([]int32, info.ChannelsNumber*info.DatasetLength),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openFile() error {
	ts := w.now()
	name := fmt.Sprintf("muh5-%s%s", ts.Format("20060102-150405"), FileExt)
	path := filepath.Join(w.dir, name)
	if _, err := os.Stat(path); err == nil {
		// Rotation within the same wall-clock second.
		w.fileSeq++
		name = fmt.Sprintf("muh5-%s-%d%s", ts.Format("20060102-150405"), w.fileSeq, FileExt)
		path = filepath.Join(w.dir, name)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("muh5: create container file: %w", err)
	}

	info := w.info
	info.Timestamp = float64(ts.UnixNano()) / float64(time.Second)
	info.Date = ts.Format("2006-01-02 15:04:05")
	info.DatasetNumber = 0
	info.Duration = 0

	offset, err := writeHeader(f, &info)
	if err != nil {
		f.Close()
		return fmt.Errorf("muh5: write container header: %w", err)
	}

	w.f = f
	w.path = path
	w.dataOffset = offset
	w.dsIndex = 0
	w.bufFill = 0
	return nil
}

// Path returns the path of the container file currently being written.
func (w *Writer) Path() string { return w.path }

// Datasets returns the total number of datasets flushed across all files.
func (w *Writer) Datasets() int64 { return w.datasets }

// Bytes returns the total payload bytes written across all files.
func (w *Writer) Bytes() int64 { return w.bytes }

// Append stores one frame of channel-major samples. units holds
// ChannelsNumber rows of frameLength samples each; ts is the time of the
// frame's first sample. Frames that straddle a dataset boundary are split,
// the remainder carrying a timestamp advanced by the consumed sample count.
func (w *Writer) Append(units []int32, ts time.Time) error {
	channels := w.info.ChannelsNumber
	if len(units)%channels != 0 {
		return fmt.Errorf("muh5: frame size %d not divisible by %d channels", len(units), channels)
	}
	frameLen := len(units) / channels

	fs := w.info.SamplingFrequency
	tsec := float64(ts.UnixNano()) / float64(time.Second)
	offset := 0
	for offset < frameLen {
		if w.bufFill == 0 {
			w.bufTS = tsec + float64(offset)/fs
		}
		n := min(frameLen-offset, w.info.DatasetLength-w.bufFill)
		for c := 0; c < channels; c++ {
			src := units[c*frameLen+offset : c*frameLen+offset+n]
			copy(w.buf[c*w.info.DatasetLength+w.bufFill:], src)
		}
		w.bufFill += n
		offset += n

		if w.bufFill == w.info.DatasetLength {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush appends the buffered dataset to the current file, rotating to a new
// file first when the current one is at capacity.
func (w *Writer) flush() error {
	if w.dsIndex >= w.info.DatasetCapacity {
		if err := w.f.Close(); err != nil {
			return fmt.Errorf("muh5: close container file: %w", err)
		}
		if err := w.openFile(); err != nil {
			return err
		}
	}

	payload := w.encodePayload()
	head := make([]byte, 20)
	copy(head[0:4], datasetMagic[:])
	binary.LittleEndian.PutUint32(head[4:8], uint32(w.dsIndex))
	binary.LittleEndian.PutUint64(head[8:16], math.Float64bits(w.bufTS))
	binary.LittleEndian.PutUint32(head[16:20], uint32(len(payload)))

	if _, err := w.f.Write(head); err != nil {
		return fmt.Errorf("muh5: write dataset record: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("muh5: write dataset payload: %w", err)
	}

	w.dsIndex++
	w.datasets++
	w.bytes += int64(len(head) + len(payload))
	w.bufFill = 0

	// Keep the root attributes consistent after every dataset so a file is
	// readable even if the recording is cut short.
	var scratch [12]byte
	binary.LittleEndian.PutUint32(scratch[0:4], uint32(w.dsIndex))
	if _, err := w.f.WriteAt(scratch[0:4], offDatasetNumber); err != nil {
		return fmt.Errorf("muh5: update dataset count: %w", err)
	}
	duration := float64(w.dsIndex) * w.info.DatasetDuration
	binary.LittleEndian.PutUint64(scratch[0:8], math.Float64bits(duration))
	if _, err := w.f.WriteAt(scratch[0:8], offDuration); err != nil {
		return fmt.Errorf("muh5: update duration: %w", err)
	}
	return nil
}

func (w *Writer) encodePayload() []byte {
	raw := make([]byte, len(w.buf)*4)
	for i, v := range w.buf {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	if !w.info.Compression {
		return raw
	}
	w.scratch = w.scratch[:0]
	zw, _ := gzip.NewWriterLevel(sliceWriter{&w.scratch}, w.info.GzipLevel)
	zw.Write(raw)
	zw.Close()
	return w.scratch
}

// Close finishes the current file. A partially filled dataset buffer is
// discarded; only complete datasets are ever persisted.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("muh5: close container file: %w", err)
	}
	return nil
}

type sliceWriter struct{ buf *[]byte }

func (s sliceWriter) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}
