// Package protocol defines the JSON frames exchanged on /v1/guide/live.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/argonauts-live/pkg/guide/prompt"
)

const (
	ProtocolVersion1 = "1"

	EncodingF32LE    = "f32le"
	EncodingPCMS16LE = "pcm_s16le"
)

// Control operations.
const (
	OpMute        = "mute"
	OpUnmute      = "unmute"
	OpToggleMute  = "toggle_mute"
	OpVideoOn     = "video_on"
	OpVideoOff    = "video_off"
	OpToggleVideo = "toggle_video"
	OpDisconnect  = "disconnect"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloAuth struct {
	GatewayAPIKey string `json:"gateway_api_key,omitempty"`
}

// HelloCapabilities is what the client can capture.
type HelloCapabilities struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type ClientHello struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	Auth            *HelloAuth          `json:"auth,omitempty"`
	UserID          string              `json:"user_id,omitempty"`
	Capabilities    HelloCapabilities   `json:"capabilities"`
	AudioIn         AudioFormat         `json:"audio_in"`
	Context         *prompt.GameContext `json:"context,omitempty"`
}

// RedactedForLog drops credentials from the hello.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"protocol_version": h.ProtocolVersion,
		"user_id":          h.UserID,
		"capabilities":     h.Capabilities,
		"audio_in":         h.AudioIn,
		"has_context":      h.Context != nil,
		"has_gateway_key":  h.Auth != nil && strings.TrimSpace(h.Auth.GatewayAPIKey) != "",
	}
}

type ClientAudio struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ClientText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientVideoFrame struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "text":
		var msg ClientText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text frame", "")
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, badRequest("text.text is required", "text")
		}
		return msg, nil
	case "video_frame":
		var msg ClientVideoFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid video_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("video_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case OpMute, OpUnmute, OpToggleMute, OpVideoOn, OpVideoOff, OpToggleVideo, OpDisconnect:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if !msg.Capabilities.Audio {
		return badRequest("hello.capabilities.audio must be true", "capabilities.audio")
	}
	switch strings.TrimSpace(msg.AudioIn.Encoding) {
	case EncodingF32LE, EncodingPCMS16LE:
	case "":
		return badRequest("hello.audio_in.encoding is required", "audio_in.encoding")
	default:
		return unsupported("unsupported audio_in encoding", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels <= 0 {
		return badRequest("hello.audio_in.channels must be > 0", "audio_in.channels")
	}
	return nil
}

type HelloAckLimits struct {
	MaxJSONMessageBytes int64 `json:"max_json_message_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxVideoFPS         int   `json:"max_video_fps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
	MaxSessionMS        int64 `json:"max_session_ms,omitempty"`
}

type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	AudioIn         AudioFormat     `json:"audio_in"`
	AudioOut        AudioFormat     `json:"audio_out"`
	Tools           []string        `json:"tools,omitempty"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

type ServerStatus struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	State        string `json:"state"`
	Muted        bool   `json:"muted"`
	VideoEnabled bool   `json:"video_enabled"`
	HasVideo     bool   `json:"has_video"`
}

type ServerTranscript struct {
	Type        string `json:"type"`
	TurnID      string `json:"turn_id"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ServerPlaybackChunk asks the client to start playing DataB64 StartInMS
// milliseconds after it arrives.
type ServerPlaybackChunk struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	StartInMS    int64  `json:"start_in_ms"`
	DurationMS   int64  `json:"duration_ms"`
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	DataB64      string `json:"data_b64"`
}

type ServerPlaybackStop struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type ServerToolCall struct {
	Type   string         `json:"type"`
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

type Achievement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Points      int    `json:"points,omitempty"`
}

type ServerAchievements struct {
	Type  string        `json:"type"`
	Items []Achievement `json:"items"`
}

type ServerError struct {
	Type    string         `json:"type"`
	Scope   string         `json:"scope,omitempty"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Close   bool           `json:"close,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
