package gateway

// clientFrame is the superset shape of every client→server message (spec
// §6). Only the fields relevant to Type are populated on any given frame.
type clientFrame struct {
	Type        string  `json:"type"`
	JWT         string  `json:"jwt,omitempty"`
	Audio       string  `json:"audio,omitempty"`
	Timestamp   float64 `json:"timestamp,omitempty"`
	AudioLength int     `json:"audio_length,omitempty"`
}

// serverFrame is the superset shape of every server→client message. Fields
// are omitempty so each constructor below only fills what that frame type
// needs.
type serverFrame struct {
	Type string `json:"type"`

	CallID    string         `json:"call_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Config    map[string]any `json:"config,omitempty"`

	Text       string  `json:"text,omitempty"`
	Codec      string  `json:"codec,omitempty"`
	Audio      string  `json:"audio,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	FrameMs    int     `json:"frame_size_ms,omitempty"`
	FrameNum   int     `json:"frame_number,omitempty"`
	TotalFrames int    `json:"total_frames,omitempty"`

	LatencyMs float64 `json:"latency_ms,omitempty"`

	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

const (
	frameAudioChunk = "audio_chunk"
	frameBargeIn    = "barge_in"
	frameStop       = "stop"
	framePing       = "ping"
)

const (
	outConnected         = "connected"
	outSTTStarted         = "stt_started"
	outSTTFinal           = "stt_final"
	outLLMToken           = "llm_token"
	outLLMComplete        = "llm_complete"
	outTTSAudio           = "tts_audio"
	outTTSComplete        = "tts_complete"
	outBargeInAck         = "barge_in_ack"
	outPong               = "pong"
	outRateLimitExceeded  = "rate_limit_exceeded"
	outAuthError          = "auth_error"
	outProviderError      = "provider_error"
	outError              = "error"
)
