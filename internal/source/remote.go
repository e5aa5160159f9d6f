package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/acoustio/beamline/internal/resilience"
	"github.com/acoustio/beamline/pkg/signal"
)

// receiverClock is the base clock of the acquisition hardware; the clock
// divider sent in run settings derives the sampling frequency from it.
const receiverClock = 500000

// defaultMasterGrace is how long a master keeps its connection open after
// the start acknowledgement so the receiver sees the acquisition held.
const defaultMasterGrace = 2 * time.Second

// ProtocolError reports a violation of the receiver protocol or an error
// status sent by the remote end.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("source: %s: %s", e.Op, e.Reason)
}

// RemoteMode selects how a [Remote] backend engages the receiver.
type RemoteMode string

const (
	// ModeRun starts an exclusive acquisition with locally configured
	// settings.
	ModeRun RemoteMode = "run"
	// ModeMaster starts an acquisition other consumers may listen to.
	ModeMaster RemoteMode = "master"
	// ModeListen attaches to an acquisition started by a master, adopting
	// its settings.
	ModeListen RemoteMode = "listen"
)

// message is the envelope of every text message on a receiver connection.
type message struct {
	Type     string          `json:"type"`
	Request  string          `json:"request,omitempty"`
	Response string          `json:"response,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Settings *wireSettings   `json:"settings,omitempty"`
}

// wireSettings is the acquisition settings block of run and master
// requests, and of the acknowledgement a listener adopts.
type wireSettings struct {
	Mems              []int   `json:"mems"`
	Analogs           []int   `json:"analogs"`
	Counter           bool    `json:"counter"`
	CounterSkip       bool    `json:"counter_skip"`
	Status            bool    `json:"status"`
	ClockDiv          int     `json:"clockdiv"`
	SamplingFrequency float64 `json:"sampling_frequency"`
	Datatype          string  `json:"datatype"`
	MemsInitWait      int     `json:"mems_init_wait"`
	Duration          float64 `json:"duration"`
	FrameLength       int     `json:"frame_length"`

	// Host-side recording is requested through flat h5_* settings keys,
	// not a nested block.
	H5Recording       bool    `json:"h5_recording,omitempty"`
	H5RootDir         string  `json:"h5_rootdir,omitempty"`
	H5DatasetDuration float64 `json:"h5_dataset_duration,omitempty"`
	H5FileDuration    float64 `json:"h5_file_duration,omitempty"`
	H5Compressing     bool    `json:"h5_compressing,omitempty"`
	H5CompressionAlgo string  `json:"h5_compression_algo,omitempty"`
	H5GzipLevel       int     `json:"h5_gzip_level,omitempty"`
}

// H5PassThrough asks the receiver host to record the acquisition on its own
// storage while streaming.
type H5PassThrough struct {
	RootDir         string
	DatasetDuration float64
	FileDuration    float64
	Compression     bool
	GzipLevel       int
}

// isError reports whether m is an error status and extracts its text.
func (m *message) isError() (string, bool) {
	if m.Type != "status" || m.Response != "error" {
		return "", false
	}
	var text string
	if len(m.Message) > 0 {
		if err := json.Unmarshal(m.Message, &text); err != nil {
			text = string(m.Message)
		}
	}
	if text == "" {
		text = "receiver reported an error"
	}
	return text, true
}

// Remote is a backend that streams frames from a receiver host over a
// websocket connection. Run mode starts an acquisition with the session
// settings and consumes its stream; master mode starts a shared acquisition
// and detaches without consuming; listen mode attaches to a running master
// and adopts the master's settings.
type Remote struct {
	url  string
	mode RemoteMode
	h5   *H5PassThrough

	grace time.Duration
	log   *slog.Logger
}

// RemoteOption is a functional option for configuring a [Remote].
type RemoteOption func(*Remote)

// WithH5PassThrough asks the receiver host to record the run on its own
// storage. Only meaningful for run and master modes.
func WithH5PassThrough(h5 *H5PassThrough) RemoteOption {
	return func(r *Remote) { r.h5 = h5 }
}

// WithMasterGrace overrides the delay a master keeps its connection open
// after a clean end. Useful in tests.
func WithMasterGrace(d time.Duration) RemoteOption {
	return func(r *Remote) { r.grace = d }
}

// WithRemoteLogger sets the logger for protocol events.
func WithRemoteLogger(log *slog.Logger) RemoteOption {
	return func(r *Remote) { r.log = log }
}

// NewRemote creates a receiver backend for the websocket endpoint at url.
func NewRemote(url string, mode RemoteMode, opts ...RemoteOption) *Remote {
	r := &Remote{
		url:   url,
		mode:  mode,
		grace: defaultMasterGrace,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements [Backend].
func (r *Remote) Name() string { return "remote/" + string(r.mode) }

// Stream implements [Backend]. A cancellation does not tear the connection
// down: the backend sends a halt request and keeps draining frames, counted
// as lost rather than delivered, until the receiver acknowledges.
func (r *Remote) Stream(ctx context.Context, sink *Sink) error {
	st := sink.Settings()

	// The connection must outlive ctx to complete the halt handshake.
	ioCtx := context.WithoutCancel(ctx)
	var conn *websocket.Conn
	err := resilience.Retry(ctx, resilience.RetryConfig{Name: "receiver dial"}, func(context.Context) error {
		c, _, err := websocket.Dial(ioCtx, r.url, nil)
		if err != nil {
			return fmt.Errorf("source: dial receiver: %w", err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")
	conn.SetReadLimit(-1)

	if err := awaitGreeting(ioCtx, conn); err != nil {
		return err
	}

	channels := st.Layout.ChannelCount()
	switch r.mode {
	case ModeRun:
		req := message{Type: "request", Request: "run", Settings: r.runSettings(st)}
		if err := writeJSON(ioCtx, conn, &req); err != nil {
			return err
		}
	case ModeMaster:
		req := message{Type: "request", Request: "master", Settings: r.runSettings(st)}
		if err := writeJSON(ioCtx, conn, &req); err != nil {
			return err
		}
		return r.handOff(ctx, ioCtx, conn)
	case ModeListen:
		if err := writeJSON(ioCtx, conn, &message{Type: "request", Request: "listen"}); err != nil {
			return err
		}
		adopted, err := r.awaitListenAck(ioCtx, conn, st)
		if err != nil {
			return err
		}
		channels = adopted
	default:
		return &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown remote mode %q", r.mode)}
	}

	err = r.consume(ctx, ioCtx, conn, sink, channels)
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// handOff finishes a master start without attaching to the data stream:
// the acquisition belongs to the listeners. The connection is held open
// for a short grace period after the acknowledgement, then released.
func (r *Remote) handOff(ctx, ioCtx context.Context, conn *websocket.Conn) error {
	if _, err := readStatus(ioCtx, conn, "master"); err != nil {
		return err
	}
	r.log.Info("master acquisition started, detaching", "grace", r.grace)
	select {
	case <-time.After(r.grace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSettings converts session settings to the wire block of a run or
// master request.
func (r *Remote) runSettings(st *Settings) *wireSettings {
	ws := &wireSettings{
		Mems:              st.Layout.ActiveMics,
		Analogs:           st.Layout.ActiveAnalogs,
		Counter:           st.Layout.Counter,
		CounterSkip:       st.Layout.CounterSkip,
		Status:            st.Layout.Status,
		ClockDiv:          int(receiverClock/st.SamplingFrequency) - 1,
		SamplingFrequency: st.SamplingFrequency,
		Datatype:          signal.DatatypeInt32.String(),
		MemsInitWait:      1000,
		Duration:          st.Duration.Seconds(),
		FrameLength:       st.FrameLength,
	}
	if r.h5 != nil {
		ws.H5Recording = true
		ws.H5RootDir = r.h5.RootDir
		ws.H5DatasetDuration = r.h5.DatasetDuration
		ws.H5FileDuration = r.h5.FileDuration
		if r.h5.Compression {
			ws.H5Compressing = true
			ws.H5CompressionAlgo = "gzip"
			ws.H5GzipLevel = r.h5.GzipLevel
		}
	}
	return ws
}

// awaitListenAck reads the listen acknowledgement and adopts the master's
// acquisition settings. Locally configured values that a listener cannot
// control are dropped with a warning.
func (r *Remote) awaitListenAck(ctx context.Context, conn *websocket.Conn, st *Settings) (int, error) {
	msg, err := readStatus(ctx, conn, "listen")
	if err != nil {
		return 0, err
	}
	var ack struct {
		Settings wireSettings `json:"settings"`
	}
	if err := json.Unmarshal(msg.Message, &ack); err != nil {
		return 0, &ProtocolError{Op: "listen", Reason: "acknowledgement carries no settings"}
	}
	master := ack.Settings
	if master.FrameLength <= 0 || master.SamplingFrequency <= 0 {
		return 0, &ProtocolError{Op: "listen", Reason: "master settings incomplete"}
	}

	if st.SamplingFrequency != DefaultSamplingFrequency && st.SamplingFrequency != master.SamplingFrequency {
		r.log.Warn("listen mode ignores the local sampling frequency",
			"local", st.SamplingFrequency, "master", master.SamplingFrequency)
	}
	if st.FrameLength != DefaultFrameLength && st.FrameLength != master.FrameLength {
		r.log.Warn("listen mode ignores the local frame length",
			"local", st.FrameLength, "master", master.FrameLength)
	}

	st.SamplingFrequency = master.SamplingFrequency
	st.FrameLength = master.FrameLength
	st.Layout.AvailableMics = master.Mems
	st.Layout.ActiveMics = master.Mems
	st.Layout.AvailableAnalogs = master.Analogs
	st.Layout.ActiveAnalogs = master.Analogs
	st.Layout.Counter = master.Counter
	st.Layout.CounterSkip = master.CounterSkip
	st.Layout.Status = master.Status

	return st.Layout.ChannelCount(), nil
}

// consume reads the frame stream. When ctx is canceled it sends one halt
// request and keeps draining until the receiver acknowledges with a halt
// ack or a completed status.
func (r *Remote) consume(ctx context.Context, ioCtx context.Context, conn *websocket.Conn, sink *Sink, channels int) error {
	st := sink.Settings()

	var haltOnce sync.Once
	halted := make(chan struct{})
	sendHalt := func() {
		haltOnce.Do(func() {
			close(halted)
			if err := writeJSON(ioCtx, conn, &message{Type: "request", Request: "halt"}); err != nil {
				r.log.Warn("halt request failed", "err", err)
			}
		})
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sendHalt()
		case <-watchDone:
		}
	}()

	isHalted := func() bool {
		select {
		case <-halted:
			return true
		default:
			return false
		}
	}

	for {
		kind, raw, err := conn.Read(ioCtx)
		if err != nil {
			if isHalted() {
				// The receiver may close instead of acknowledging.
				return ctx.Err()
			}
			return fmt.Errorf("source: read stream: %w", err)
		}

		switch kind {
		case websocket.MessageBinary:
			if isHalted() {
				sink.Discard()
				continue
			}
			f, err := decodeFrame(raw, channels, st)
			if err != nil {
				return err
			}
			if err := sink.Deliver(f); err != nil {
				return err
			}

		case websocket.MessageText:
			var msg message
			if err := json.Unmarshal(raw, &msg); err != nil {
				r.log.Warn("discarding unparseable receiver message", "err", err)
				continue
			}
			if text, bad := msg.isError(); bad {
				return &ProtocolError{Op: string(r.mode), Reason: text}
			}
			if msg.Response == "completed" {
				return nil
			}
			if msg.Request == "halt" && msg.Response == "ok" {
				return ctx.Err()
			}
		}
	}
}

// decodeFrame converts one binary stream message to a frame of the session
// datatype. The wire always carries little-endian int32 words.
func decodeFrame(raw []byte, channels int, st *Settings) (signal.Frame, error) {
	ts := time.Now()
	switch st.Datatype {
	case signal.DatatypeRawInt32:
		if len(raw) != channels*st.FrameLength*4 {
			return signal.Frame{}, &ProtocolError{Op: "stream", Reason: fmt.Sprintf(
				"binary message of %d bytes, want %d", len(raw), channels*st.FrameLength*4)}
		}
		return signal.Frame{Channels: channels, Length: st.FrameLength, Timestamp: ts, Raw: raw}, nil
	default:
		units, err := signal.DecodeInt32LE(raw, channels, st.FrameLength)
		if err != nil {
			return signal.Frame{}, &ProtocolError{Op: "stream", Reason: err.Error()}
		}
		return signal.FromUnits(units, channels, st.FrameLength, st.Datatype, st.Sensitivity, ts), nil
	}
}

// awaitGreeting reads the status message a receiver sends on connect.
func awaitGreeting(ctx context.Context, conn *websocket.Conn) error {
	kind, raw, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("source: read greeting: %w", err)
	}
	if kind != websocket.MessageText {
		return &ProtocolError{Op: "greeting", Reason: "receiver sent binary data before the greeting"}
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &ProtocolError{Op: "greeting", Reason: "unparseable greeting"}
	}
	if text, bad := msg.isError(); bad {
		return &ProtocolError{Op: "greeting", Reason: text}
	}
	if msg.Type != "status" || msg.Response != "ok" {
		return &ProtocolError{Op: "greeting", Reason: fmt.Sprintf("unexpected greeting %s", raw)}
	}
	return nil
}

// readStatus reads text messages until a status for the given request
// arrives, failing on error statuses.
func readStatus(ctx context.Context, conn *websocket.Conn, request string) (*message, error) {
	for {
		kind, raw, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("source: read status: %w", err)
		}
		if kind != websocket.MessageText {
			continue
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if text, bad := msg.isError(); bad {
			return nil, &ProtocolError{Op: request, Reason: text}
		}
		if msg.Type == "status" && msg.Request == request {
			return &msg, nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg *message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("source: write request: %w", err)
	}
	return nil
}
