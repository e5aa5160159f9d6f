// Package muh5 implements the segmented binary container used to persist
// multi-channel acquisitions: a self-describing root header followed by
// fixed-length, time-contiguous datasets of int32 samples.
//
// A container file holds one root attribute block (creation time, dataset
// geometry, channel configuration, sampling frequency, free-text comment)
// and up to its dataset capacity of numbered dataset records, each tagged
// with the timestamp of its first sample. Recordings longer than one file
// rotate to a new file; reconstruction across files is the reader's job.
// The attribute set and the per-dataset grouping are the compatibility
// boundary with external tooling and must not change.
package muh5

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// FileExt is the extension of container files.
const FileExt = ".muh5"

// Magic bytes identifying a container file and a dataset record.
var (
	fileMagic    = [4]byte{'M', 'U', 'H', '5'}
	datasetMagic = [4]byte{'D', 'S', 'E', 'T'}
)

const formatVersion = 1

// Header flag bits.
const (
	flagCounter     = 1 << 0
	flagCounterSkip = 1 << 1
	flagStatus      = 1 << 2
	flagCompression = 1 << 3
)

// Fixed offsets of the two attributes that mutate while a file is being
// written. Everything else in a container is append-only.
const (
	offDatasetNumber = 12
	offDuration      = 48
	fixedHeaderSize  = 64
)

// FormatError reports a file that is not a recognizable container or is
// missing required root attributes.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("muh5: %s: %s", e.Path, e.Reason)
}

// Info is the root attribute block of a container file.
type Info struct {
	// Timestamp is the file creation time as unix seconds.
	Timestamp float64
	// Date is the human-readable form of Timestamp.
	Date string

	// DatasetDuration is the time span of one dataset in seconds.
	DatasetDuration float64
	// DatasetLength is the number of samples per channel in one dataset.
	DatasetLength int
	// DatasetNumber is how many datasets the file holds so far.
	DatasetNumber int
	// DatasetCapacity is how many datasets the file may hold before the
	// writer rotates to a new file.
	DatasetCapacity int

	ChannelsNumber    int
	SamplingFrequency float64
	// Duration is DatasetNumber * DatasetDuration in seconds.
	Duration float64
	// Datatype is the textual sample representation ("int32", …).
	Datatype string

	// Mems and Analogs are the active channel id lists, in output order.
	Mems    []int
	Analogs []int

	Counter     bool
	CounterSkip bool
	Status      bool

	// Compression enables per-dataset gzip compression of the payload.
	Compression bool
	// GzipLevel is the gzip level used when Compression is set (1-9).
	GzipLevel int

	Comment string
}

// writeHeader encodes the root attribute block. The returned byte count is
// the offset of the first dataset record.
func writeHeader(w io.Writer, info *Info) (int, error) {
	var flags uint16
	if info.Counter {
		flags |= flagCounter
	}
	if info.CounterSkip {
		flags |= flagCounterSkip
	}
	if info.Status {
		flags |= flagStatus
	}
	if info.Compression {
		flags |= flagCompression
	}

	variable := encodeVariable(info)
	headerSize := fixedHeaderSize + len(variable)

	fixed := make([]byte, fixedHeaderSize)
	copy(fixed[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(fixed[4:6], formatVersion)
	binary.LittleEndian.PutUint16(fixed[6:8], flags)
	binary.LittleEndian.PutUint32(fixed[8:12], uint32(headerSize))
	binary.LittleEndian.PutUint32(fixed[offDatasetNumber:], uint32(info.DatasetNumber))
	binary.LittleEndian.PutUint32(fixed[16:20], uint32(info.DatasetCapacity))
	binary.LittleEndian.PutUint32(fixed[20:24], uint32(info.DatasetLength))
	binary.LittleEndian.PutUint32(fixed[24:28], uint32(info.ChannelsNumber))
	binary.LittleEndian.PutUint32(fixed[28:32], uint32(info.GzipLevel))
	binary.LittleEndian.PutUint64(fixed[32:40], math.Float64bits(info.SamplingFrequency))
	binary.LittleEndian.PutUint64(fixed[40:48], math.Float64bits(info.DatasetDuration))
	binary.LittleEndian.PutUint64(fixed[offDuration:], math.Float64bits(info.Duration))
	binary.LittleEndian.PutUint64(fixed[56:64], math.Float64bits(info.Timestamp))

	if _, err := w.Write(fixed); err != nil {
		return 0, err
	}
	if _, err := w.Write(variable); err != nil {
		return 0, err
	}
	return headerSize, nil
}

func encodeVariable(info *Info) []byte {
	var buf []byte
	buf = appendIDList(buf, info.Mems)
	buf = appendIDList(buf, info.Analogs)
	buf = appendString(buf, info.Datatype)
	buf = appendString(buf, info.Date)
	buf = appendString(buf, info.Comment)
	return buf
}

func appendIDList(buf []byte, ids []int) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(id)))
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readHeader decodes the root attribute block from the start of r.
func readHeader(r io.Reader, path string) (*Info, int, error) {
	fixed := make([]byte, fixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, 0, &FormatError{Path: path, Reason: "file too short for container header"}
	}
	if [4]byte(fixed[0:4]) != fileMagic {
		return nil, 0, &FormatError{Path: path, Reason: "not a container file (bad magic)"}
	}
	if v := binary.LittleEndian.Uint16(fixed[4:6]); v != formatVersion {
		return nil, 0, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported container version %d", v)}
	}

	flags := binary.LittleEndian.Uint16(fixed[6:8])
	headerSize := int(binary.LittleEndian.Uint32(fixed[8:12]))

	info := &Info{
		DatasetNumber:     int(binary.LittleEndian.Uint32(fixed[offDatasetNumber:])),
		DatasetCapacity:   int(binary.LittleEndian.Uint32(fixed[16:20])),
		DatasetLength:     int(binary.LittleEndian.Uint32(fixed[20:24])),
		ChannelsNumber:    int(binary.LittleEndian.Uint32(fixed[24:28])),
		GzipLevel:         int(binary.LittleEndian.Uint32(fixed[28:32])),
		SamplingFrequency: math.Float64frombits(binary.LittleEndian.Uint64(fixed[32:40])),
		DatasetDuration:   math.Float64frombits(binary.LittleEndian.Uint64(fixed[40:48])),
		Duration:          math.Float64frombits(binary.LittleEndian.Uint64(fixed[offDuration:])),
		Timestamp:         math.Float64frombits(binary.LittleEndian.Uint64(fixed[56:64])),
		Counter:           flags&flagCounter != 0,
		CounterSkip:       flags&flagCounterSkip != 0,
		Status:            flags&flagStatus != 0,
		Compression:       flags&flagCompression != 0,
	}

	variable := make([]byte, headerSize-fixedHeaderSize)
	if _, err := io.ReadFull(r, variable); err != nil {
		return nil, 0, &FormatError{Path: path, Reason: "truncated container header"}
	}
	var ok bool
	if info.Mems, variable, ok = takeIDList(variable); !ok {
		return nil, 0, &FormatError{Path: path, Reason: "malformed mems attribute"}
	}
	if info.Analogs, variable, ok = takeIDList(variable); !ok {
		return nil, 0, &FormatError{Path: path, Reason: "malformed analogs attribute"}
	}
	if info.Datatype, variable, ok = takeString(variable); !ok {
		return nil, 0, &FormatError{Path: path, Reason: "malformed datatype attribute"}
	}
	if info.Date, variable, ok = takeString(variable); !ok {
		return nil, 0, &FormatError{Path: path, Reason: "malformed date attribute"}
	}
	if info.Comment, _, ok = takeString(variable); !ok {
		return nil, 0, &FormatError{Path: path, Reason: "malformed comment attribute"}
	}

	if info.DatasetLength <= 0 || info.ChannelsNumber <= 0 {
		return nil, 0, &FormatError{Path: path, Reason: "missing dataset geometry attributes"}
	}
	return info, headerSize, nil
}

func takeIDList(buf []byte) ([]int, []byte, bool) {
	if len(buf) < 4 {
		return nil, nil, false
	}
	n := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) < n*4 {
		return nil, nil, false
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = int(int32(binary.LittleEndian.Uint32(buf[i*4:])))
	}
	return ids, buf[n*4:], true
}

func takeString(buf []byte) (string, []byte, bool) {
	if len(buf) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, false
	}
	return string(buf[:n]), buf[n:], true
}

// IsContainer reports whether the file at path starts with the container
// magic. Used to filter directories during replay.
func IsContainer(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic == fileMagic
}
