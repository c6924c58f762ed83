// Package bus implements the persistent, auto-reconnecting agent bus (C2):
// a framed binary RPC between the control plane and each agent, carrying
// status, commands, and log/metric streams across reconnects and
// control-plane restarts (spec.md §4.2).
package bus

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	state "github.com/monadicus/snops-core/internal/store"
)

// Tag identifies the payload type of one frame. Values are fixed by
// spec.md §6's wire protocol table.
type Tag byte

const (
	TagHandshake  Tag = 1
	TagCmd        Tag = 2
	TagResp       Tag = 3
	TagEvent      Tag = 4
	TagPing       Tag = 5
	TagPong       Tag = 6
	TagCancel     Tag = 7
	TagAuthFailed Tag = 8
)

// maxFrameSize bounds a single frame's payload to guard against a
// corrupted length prefix requesting an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// WriteFrame writes one length-prefixed, tagged frame: a 4-byte
// big-endian length (tag + payload), the tag byte, then payload.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("bus: frame payload %d exceeds max %d", len(payload), maxFrameSize)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(tag)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("bus: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("bus: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame, returning its tag and raw payload.
func ReadFrame(r io.Reader) (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("bus: empty frame (missing tag)")
	}
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("bus: frame length %d exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("bus: read frame body: %w", err)
	}
	return Tag(body[0]), body[1:], nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("bus: encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("bus: decode %T: %w", v, err)
	}
	return nil
}

// Handshake is sent by the agent on connect (spec.md §4.2).
type Handshake struct {
	AgentID          string
	Nonce            string
	Version          uint32
	ModeFlags        state.ModeFlags
	Labels           []string
	LocalPKAvailable bool
	ExternalAddr     string
	InternalAddrs    []string
	Token            []byte
}

// HandshakeAck is the control plane's handshake response.
type HandshakeAck struct {
	Accepted             bool
	RejectReason          string
	Generation            uint64
	LastKnownTargetState *state.TargetState
	ResumeEventSeq        uint64
}

// OpKind is the closed set of control-plane -> agent operations (spec.md
// §4.2).
type OpKind string

const (
	OpSetTargetState OpKind = "SetTargetState"
	OpKill           OpKind = "Kill"
	OpSetLogLevel    OpKind = "SetLogLevel"
	OpGetStatus      OpKind = "GetStatus"
	OpCannonTx       OpKind = "CannonTx"
	OpAuthorize      OpKind = "Authorize"
	OpExecute        OpKind = "Execute"
)

// Command is one control-plane -> agent RPC. Only the fields relevant to
// Op are populated; this flat-struct shape (rather than an interface sum)
// keeps the gob schema stable across versions, matching spec.md §3's
// "[ADDED] Wire-level representations" note.
type Command struct {
	ReqID string
	Op    OpKind

	// SetTargetState
	Target state.TargetState

	// SetLogLevel
	LogLevel string

	// CannonTx
	TxBytes           []byte
	BroadcastEndpoint string

	// Authorize
	Program string
	Fn      string
	Inputs  []string
	KeyRef  string
	Seed    []byte

	// Execute
	AuthBytes     []byte
	QueryEndpoint string

	// DeadlineUnixNano is 0 for no deadline, else the absolute time by
	// which the recipient must respond (spec.md §5 "every outbound
	// command carries a deadline").
	DeadlineUnixNano int64
}

// ResponseStatus is the closed set of Response outcomes.
type ResponseStatus string

const (
	StatusOK        ResponseStatus = "OK"
	StatusErr       ResponseStatus = "Err"
	StatusCancelled ResponseStatus = "Cancelled"
	StatusTimeout   ResponseStatus = "Timeout"
)

// Response answers a Command by ReqID; responses may arrive out of order
// (spec.md §4.2).
type Response struct {
	ReqID      string
	Status     ResponseStatus
	Observed   state.ObservedState
	ErrKind    string
	ErrMessage string
	Result     []byte
}

// AgentEventKind discriminates the agent -> control-plane fire-and-forget
// telemetry carried by EventFrame (spec.md §4.2 "ReportStatus" / "Metric" /
// "Log").
type AgentEventKind string

const (
	AgentEventStatus AgentEventKind = "Status"
	AgentEventMetric AgentEventKind = "Metric"
	AgentEventLog    AgentEventKind = "Log"
)

// EventFrame is the agent -> control-plane Event message: ReportStatus,
// Metric, and Log all flow through it, rate-limited on the agent side
// (ReportStatus to once per 250ms, per spec.md §4.2).
type EventFrame struct {
	Kind        AgentEventKind
	Observed    state.ObservedState // Kind == AgentEventStatus
	MetricName  string              // Kind == AgentEventMetric
	MetricValue float64             // Kind == AgentEventMetric
	LogLine     string              // Kind == AgentEventLog
}

// Cancel asks the recipient to stop producing a result for ReqID
// (spec.md §4.2 "Cancellation").
type Cancel struct {
	ReqID string
}

// AuthFailedMsg is sent immediately before the control plane closes a
// connection whose handshake token failed MAC verification.
type AuthFailedMsg struct {
	Reason string
}

func encodeHandshake(h Handshake) ([]byte, error)   { return gobEncode(h) }
func decodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	err := gobDecode(b, &h)
	return h, err
}

func encodeHandshakeAck(h HandshakeAck) ([]byte, error) { return gobEncode(h) }
func decodeHandshakeAck(b []byte) (HandshakeAck, error) {
	var h HandshakeAck
	err := gobDecode(b, &h)
	return h, err
}

func encodeCommand(c Command) ([]byte, error) { return gobEncode(c) }
func decodeCommand(b []byte) (Command, error) {
	var c Command
	err := gobDecode(b, &c)
	return c, err
}

func encodeResponse(r Response) ([]byte, error) { return gobEncode(r) }
func decodeResponse(b []byte) (Response, error) {
	var r Response
	err := gobDecode(b, &r)
	return r, err
}

func encodeEvent(e EventFrame) ([]byte, error) { return gobEncode(e) }
func decodeEvent(b []byte) (EventFrame, error) {
	var e EventFrame
	err := gobDecode(b, &e)
	return e, err
}

func encodeCancel(c Cancel) ([]byte, error) { return gobEncode(c) }
func decodeCancel(b []byte) (Cancel, error) {
	var c Cancel
	err := gobDecode(b, &c)
	return c, err
}

func encodeAuthFailed(a AuthFailedMsg) ([]byte, error) { return gobEncode(a) }
func decodeAuthFailed(b []byte) (AuthFailedMsg, error) {
	var a AuthFailedMsg
	err := gobDecode(b, &a)
	return a, err
}
