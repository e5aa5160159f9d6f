package antenna

import (
	"fmt"
	"slices"
)

// ChannelID identifies one channel of the array. Microphones and analog
// inputs are numbered independently, each from 0 upwards.
type ChannelID = int

// ChannelLayout tracks which channels a source makes available and which of
// them the consumer activated. The order of the active lists defines the row
// order of output frames; it is never sorted.
//
// Besides microphones and analog inputs a source may carry two auxiliary
// channels: a sample counter (always the first channel of the stream when
// present) and a status channel (always the last). The counter can be
// present in the source but dropped from the output by setting CounterSkip.
type ChannelLayout struct {
	AvailableMics    []ChannelID
	ActiveMics       []ChannelID
	AvailableAnalogs []ChannelID
	ActiveAnalogs    []ChannelID

	// Counter reports whether the source delivers a counter channel.
	Counter bool
	// CounterSkip drops the counter channel from the output stream.
	// It only makes sense when Counter is true.
	CounterSkip bool
	// Status reports whether the source delivers a status channel.
	Status bool
}

// SequentialIDs returns the list [0, 1, …, n-1], the usual numbering of a
// full array.
func SequentialIDs(n int) []ChannelID {
	ids := make([]ChannelID, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// Validate checks the active/available subset invariants.
func (l *ChannelLayout) Validate() error {
	for _, m := range l.ActiveMics {
		if !slices.Contains(l.AvailableMics, m) {
			return fmt.Errorf("antenna: active mic %d is not available on the array", m)
		}
	}
	for _, a := range l.ActiveAnalogs {
		if !slices.Contains(l.AvailableAnalogs, a) {
			return fmt.Errorf("antenna: active analog %d is not available on the array", a)
		}
	}
	if len(l.ActiveMics) == 0 {
		return fmt.Errorf("antenna: no activated microphones")
	}
	return nil
}

// ChannelCount returns the number of channels in the output stream: active
// mics, active analogs, the counter unless skipped, and the status channel.
func (l *ChannelLayout) ChannelCount() int {
	n := len(l.ActiveMics) + len(l.ActiveAnalogs)
	if l.Counter && !l.CounterSkip {
		n++
	}
	if l.Status {
		n++
	}
	return n
}

// AvailableChannelCount returns the number of channels the source delivers
// before any selection is applied.
func (l *ChannelLayout) AvailableChannelCount() int {
	n := len(l.AvailableMics) + len(l.AvailableAnalogs)
	if l.Counter {
		n++
	}
	if l.Status {
		n++
	}
	return n
}

// RowSelection maps the source's channel rows to output rows. Entry i of the
// returned slice is the source row index of output row i, so applying the
// selection preserves the order of the active lists exactly. Source rows are
// laid out as: counter (if present), available mics in their listed order,
// available analogs in their listed order, status (if present).
//
// The returned identity flag is true when the selection is a no-op copy.
func (l *ChannelLayout) RowSelection() (rows []int, identity bool, err error) {
	offset := 0
	if l.Counter {
		if !l.CounterSkip {
			rows = append(rows, 0)
		}
		offset = 1
	}
	for _, m := range l.ActiveMics {
		i := slices.Index(l.AvailableMics, m)
		if i < 0 {
			return nil, false, fmt.Errorf("antenna: active mic %d is not available on the array", m)
		}
		rows = append(rows, offset+i)
	}
	offset += len(l.AvailableMics)
	for _, a := range l.ActiveAnalogs {
		i := slices.Index(l.AvailableAnalogs, a)
		if i < 0 {
			return nil, false, fmt.Errorf("antenna: active analog %d is not available on the array", a)
		}
		rows = append(rows, offset+i)
	}
	offset += len(l.AvailableAnalogs)
	if l.Status {
		rows = append(rows, offset)
	}

	identity = len(rows) == l.AvailableChannelCount()
	for i, r := range rows {
		if r != i {
			identity = false
			break
		}
	}
	return rows, identity, nil
}
