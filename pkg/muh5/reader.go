package muh5

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
)

// Reader provides random access to the datasets of a container file.
type Reader struct {
	f       *os.File
	path    string
	info    *Info
	offsets []int64 // file offset of each dataset record
}

// Open reads the root attributes of the container at path and indexes its
// dataset records. The index is built by scanning, so files whose recording
// was cut short are still fully readable.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("muh5: open container: %w", err)
	}
	info, headerSize, err := readHeader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{f: f, path: path, info: info}
	if err := r.index(int64(headerSize)); err != nil {
		f.Close()
		return nil, err
	}
	// Reflect what the file actually holds, not what the writer last
	// recorded before being interrupted.
	info.DatasetNumber = len(r.offsets)
	info.Duration = float64(len(r.offsets)) * info.DatasetDuration
	return r, nil
}

func (r *Reader) index(offset int64) error {
	head := make([]byte, 20)
	for {
		_, err := r.f.ReadAt(head, offset)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("muh5: scan datasets: %w", err)
		}
		if [4]byte(head[0:4]) != datasetMagic {
			return &FormatError{Path: r.path, Reason: fmt.Sprintf("corrupt dataset record at offset %d", offset)}
		}
		size := int64(binary.LittleEndian.Uint32(head[16:20]))
		r.offsets = append(r.offsets, offset)
		offset += 20 + size
	}
}

// Info returns the root attribute block. DatasetNumber and Duration reflect
// the scanned record count.
func (r *Reader) Info() Info { return *r.info }

// DatasetCount returns the number of datasets in the file.
func (r *Reader) DatasetCount() int { return len(r.offsets) }

// Dataset returns dataset i as channel-major int32 samples
// (ChannelsNumber rows of DatasetLength each) together with the timestamp
// of its first sample, in unix seconds.
func (r *Reader) Dataset(i int) ([]int32, float64, error) {
	if i < 0 || i >= len(r.offsets) {
		return nil, 0, fmt.Errorf("muh5: dataset index %d out of range [0,%d)", i, len(r.offsets))
	}
	head := make([]byte, 20)
	if _, err := r.f.ReadAt(head, r.offsets[i]); err != nil {
		return nil, 0, fmt.Errorf("muh5: read dataset record: %w", err)
	}
	ts := math.Float64frombits(binary.LittleEndian.Uint64(head[8:16]))
	size := int(binary.LittleEndian.Uint32(head[16:20]))

	payload := make([]byte, size)
	if _, err := r.f.ReadAt(payload, r.offsets[i]+20); err != nil {
		return nil, 0, fmt.Errorf("muh5: read dataset payload: %w", err)
	}
	if r.info.Compression {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, 0, &FormatError{Path: r.path, Reason: fmt.Sprintf("dataset %d: bad gzip payload", i)}
		}
		payload, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, 0, &FormatError{Path: r.path, Reason: fmt.Sprintf("dataset %d: bad gzip payload", i)}
		}
	}

	want := r.info.ChannelsNumber * r.info.DatasetLength * 4
	if len(payload) != want {
		return nil, 0, &FormatError{Path: r.path, Reason: fmt.Sprintf("dataset %d: payload is %d bytes, want %d", i, len(payload), want)}
	}
	samples := make([]int32, r.info.ChannelsNumber*r.info.DatasetLength)
	for j := range samples {
		samples[j] = int32(binary.LittleEndian.Uint32(payload[j*4:]))
	}
	return samples, ts, nil
}

// Signal extracts the given channel rows across every dataset, concatenated
// in time order and scaled by sensitivity. Pass a sensitivity of 1 for raw
// quantization units.
func (r *Reader) Signal(rows []int, sensitivity float64) ([][]float32, error) {
	for _, row := range rows {
		if row < 0 || row >= r.info.ChannelsNumber {
			return nil, fmt.Errorf("muh5: channel row %d out of range [0,%d)", row, r.info.ChannelsNumber)
		}
	}
	total := len(r.offsets) * r.info.DatasetLength
	out := make([][]float32, len(rows))
	for i := range out {
		out[i] = make([]float32, 0, total)
	}
	for d := 0; d < len(r.offsets); d++ {
		samples, _, err := r.Dataset(d)
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			chunk := samples[row*r.info.DatasetLength : (row+1)*r.info.DatasetLength]
			for _, v := range chunk {
				out[i] = append(out[i], float32(float64(v)*sensitivity))
			}
		}
	}
	return out, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
