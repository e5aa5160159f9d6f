package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/acoustio/beamline/internal/resilience"
	"github.com/acoustio/beamline/pkg/signal"
)

// ErrRangeOverflow reports a requested replay range that extends past the
// end of the stored file.
var ErrRangeOverflow = errors.New("source: requested range extends past the end of the file")

// DBReplay is a backend that streams a stored acquisition from the archive
// database over HTTP. The server extracts the requested channels and time
// range; the body is a little-endian float32 stream of frame-sized,
// channel-major chunks. Output pacing is best effort: the network transfer
// already bounds the rate, and a lagging stream is never slowed further.
type DBReplay struct {
	host   string
	fileID int
	token  string
	client *http.Client
}

// DBReplayOption is a functional option for configuring a [DBReplay].
type DBReplayOption func(*DBReplay)

// WithDBToken sets the token sent in the Authorization header.
func WithDBToken(token string) DBReplayOption {
	return func(b *DBReplay) { b.token = token }
}

// WithDBClient overrides the HTTP client, e.g. to set timeouts.
func WithDBClient(c *http.Client) DBReplayOption {
	return func(b *DBReplay) { b.client = c }
}

// NewDBReplay creates a backend replaying stored file fileID from the
// archive at host.
func NewDBReplay(host string, fileID int, opts ...DBReplayOption) *DBReplay {
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	b := &DBReplay{host: host, fileID: fileID, client: http.DefaultClient}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements [Backend].
func (b *DBReplay) Name() string { return "db" }

// dbFileInfo is the metadata document the archive serves per stored file.
type dbFileInfo struct {
	Duration          float64 `json:"duration"`
	SamplingFrequency float64 `json:"sampling_frequency"`
	Mems              []int   `json:"mems"`
	Analogs           []int   `json:"analogs"`
	Counter           bool    `json:"counter"`
	CounterSkip       bool    `json:"counter_skip"`
	Status            bool    `json:"status"`
}

// Stream implements [Backend].
func (b *DBReplay) Stream(ctx context.Context, sink *Sink) error {
	st := sink.Settings()

	info, err := b.fileInfo(ctx)
	if err != nil {
		return err
	}
	ids, err := b.channelIDs(st, info)
	if err != nil {
		return err
	}

	start := info.Duration * st.Start / 100
	end := info.Duration
	if st.Duration > 0 {
		end = start + st.Duration.Seconds()
		if end >= info.Duration {
			return fmt.Errorf("%w: start %.3fs + duration %.3fs reaches past file duration %.3fs",
				ErrRangeOverflow, start, st.Duration.Seconds(), info.Duration)
		}
	}

	for {
		if err := b.streamRange(ctx, sink, ids, start, end); err != nil {
			return err
		}
		if !st.Loop {
			return nil
		}
	}
}

func (b *DBReplay) fileInfo(ctx context.Context) (*dbFileInfo, error) {
	url := fmt.Sprintf("%ssourcefile/%d/", b.host, b.fileID)
	resp, err := b.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info dbFileInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("source: decode file metadata: %w", err)
	}
	if info.SamplingFrequency == 0 || info.Duration == 0 {
		return nil, &ProtocolError{Op: "metadata", Reason: "file metadata is missing duration or sampling frequency"}
	}
	return &info, nil
}

// channelIDs builds the channel list for the range query. The archive
// numbers the stored rows absolutely: the counter, when recorded, occupies
// id 0 and shifts every other channel up by one.
func (b *DBReplay) channelIDs(st *Settings, info *dbFileInfo) ([]int, error) {
	wantCounter := st.Layout.Counter && !st.Layout.CounterSkip
	haveCounter := info.Counter && !info.CounterSkip
	if wantCounter && !haveCounter {
		return nil, &ConfigError{Field: "channels", Reason: "counter channel requested but not stored"}
	}
	if st.Layout.Status && !info.Status {
		return nil, &ConfigError{Field: "channels", Reason: "status channel requested but not stored"}
	}
	for _, m := range st.Layout.ActiveMics {
		if !slices.Contains(info.Mems, m) {
			return nil, &ConfigError{Field: "channels", Reason: fmt.Sprintf("mic %d not stored in file %d", m, b.fileID)}
		}
	}
	for _, a := range st.Layout.ActiveAnalogs {
		if !slices.Contains(info.Analogs, a) {
			return nil, &ConfigError{Field: "channels", Reason: fmt.Sprintf("analog %d not stored in file %d", a, b.fileID)}
		}
	}

	shift := 0
	if haveCounter {
		shift = 1
	}
	var ids []int
	if wantCounter {
		ids = append(ids, 0)
	}
	for _, m := range st.Layout.ActiveMics {
		ids = append(ids, m+shift)
	}
	for _, a := range st.Layout.ActiveAnalogs {
		ids = append(ids, a+shift+len(info.Mems))
	}
	if st.Layout.Status {
		ids = append(ids, shift+len(info.Mems)+len(info.Analogs))
	}
	return ids, nil
}

func (b *DBReplay) streamRange(ctx context.Context, sink *Sink, ids []int, start, end float64) error {
	st := sink.Settings()
	channels := len(ids)

	csv := make([]string, len(ids))
	for i, id := range ids {
		csv[i] = strconv.Itoa(id)
	}
	url := fmt.Sprintf("%ssourcefile/%d/range/%s/%s/channels/0/0/?channels=%s",
		b.host, b.fileID,
		strconv.FormatFloat(start, 'f', -1, 64),
		strconv.FormatFloat(end, 'f', -1, 64),
		strings.Join(csv, ","))

	resp, err := b.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rowBytes := channels * 4
	chunkBytes := st.FrameLength * rowBytes
	if n := resp.ContentLength; n >= 0 && (n%int64(chunkBytes))%int64(rowBytes) != 0 {
		return &ProtocolError{Op: "range", Reason: fmt.Sprintf(
			"body of %d bytes does not hold whole channel rows (%d channels)", n, channels)}
	}

	now := time.Now()
	pace := newPacer(st.pacing(DefaultDBPacingFraction))
	frameIdx := 0
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("source: read range stream: %w", err)
		}
		if n%rowBytes != 0 {
			return &ProtocolError{Op: "range", Reason: "stream truncated mid-row"}
		}

		samples, length, derr := signal.DecodeFloat32LE(buf[:n], channels)
		if derr != nil {
			return derr
		}
		if length < st.FrameLength {
			samples = padFrame(samples, channels, length, st.FrameLength)
		}

		ts := now.Add(time.Duration(frameIdx) * st.FrameDuration())
		if err := deliverFloat(sink, samples, channels, ts); err != nil {
			return err
		}
		frameIdx++

		// Best-effort pacing: the transfer itself usually runs near real
		// time, so only the residual is slept off.
		if err := pace.wait(ctx); err != nil {
			return err
		}
		if err == io.ErrUnexpectedEOF {
			return nil
		}
	}
}

// get issues an authorized GET and retries transient failures. Client
// errors (4xx) are never retried: a bad token or missing file will not
// heal on its own.
func (b *DBReplay) get(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	err := resilience.Retry(ctx, resilience.RetryConfig{Name: "archive"}, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.Permanent(err)
		}
		if b.token != "" {
			req.Header.Set("Authorization", "Token "+b.token)
		}
		r, err := b.client.Do(req)
		if err != nil {
			return fmt.Errorf("source: archive request: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			perr := &ProtocolError{Op: "http", Reason: fmt.Sprintf("archive returned %s for %s", r.Status, url)}
			if r.StatusCode >= 400 && r.StatusCode < 500 {
				return resilience.Permanent(perr)
			}
			return perr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// padFrame zero-extends a short final chunk to the full frame length,
// keeping the channel-major layout intact.
func padFrame(samples []float32, channels, length, frameLen int) []float32 {
	out := make([]float32, channels*frameLen)
	for c := 0; c < channels; c++ {
		copy(out[c*frameLen:], samples[c*length:(c+1)*length])
	}
	return out
}

// deliverFloat wraps calibrated samples in a frame of the configured
// datatype.
func deliverFloat(sink *Sink, samples []float32, channels int, ts time.Time) error {
	st := sink.Settings()
	f := signal.Frame{Channels: channels, Length: st.FrameLength, Timestamp: ts}
	switch st.Datatype {
	case signal.DatatypeFloat32:
		f.F32 = samples
	case signal.DatatypeInt32:
		f.I32 = signal.Quantize(samples, st.Sensitivity)
	case signal.DatatypeRawFloat32:
		f.Raw = signal.EncodeFloat32LE(samples)
	case signal.DatatypeRawInt32:
		f.Raw = signal.EncodeInt32LE(signal.Quantize(samples, st.Sensitivity))
	}
	return sink.Deliver(f)
}
