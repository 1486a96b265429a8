package transport

// Wire payload shapes for the five stream.* notifications (spec.md §6).
// These mirror the worker RPC's notification payloads exactly; only the
// control envelope (controlEnvelope in transport.go) is this core's own
// invention.

type wireTokenItem struct {
	Token   string `json:"token"`
	TokenID *int64 `json:"token_id,omitempty"`
}

type wireChunk struct {
	StreamID       string          `json:"stream_id"`
	Token          string          `json:"token"`
	TokenID        *int64          `json:"token_id,omitempty"`
	Logprob        *float64        `json:"logprob,omitempty"`
	CumulativeText *string         `json:"cumulative_text,omitempty"`
	IsFinal        bool            `json:"is_final,omitempty"`
	Tokens         []wireTokenItem `json:"tokens,omitempty"`
}

type wireStats struct {
	StreamID         string  `json:"stream_id"`
	TokensGenerated  int64   `json:"tokens_generated"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TotalTime        float64 `json:"total_time"`
}

type wireStreamEvent struct {
	StreamID string `json:"stream_id"`
	Event    string `json:"event"` // start | completed | cancelled
}

type wireStreamError struct {
	StreamID string `json:"stream_id"`
	Message  string `json:"message"`
}

// GenerateRequest is the payload of the `generate` worker RPC method
// (spec.md §6).
type GenerateRequest struct {
	ModelID           string   `json:"model_id"`
	Prompt            any      `json:"prompt"`
	StreamID          string   `json:"stream_id"`
	Streaming         bool     `json:"streaming"`
	MaxTokens         *int64   `json:"max_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	StopTokenIDs      []int64  `json:"stop_token_ids,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Guidance          any      `json:"guidance,omitempty"`
	DraftModel        *string  `json:"draft_model,omitempty"`
	PromptTokens      []int64  `json:"prompt_tokens,omitempty"`
}

// BatchGenerateRequest is the payload of `batch_generate`.
type BatchGenerateRequest struct {
	Requests []GenerateRequest `json:"requests"`
}

// LoadModelRequest/Response are the payloads of `load_model`.
type LoadModelRequest struct {
	ModelID string         `json:"model_id"`
	Options map[string]any `json:"options,omitempty"`
}

type LoadModelResponse struct {
	ModelID       string `json:"model_id"`
	State         string `json:"state"`
	ContextLength int    `json:"context_length"`
	VocabSize     *int   `json:"vocab_size,omitempty"`
	Revision      string `json:"revision,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	Dtype         string `json:"dtype,omitempty"`
}

// CancelRequest is the payload of `cancel`.
type CancelRequest struct {
	StreamID string `json:"stream_id"`
}

// WorkerMetrics is the payload of `get_worker_metrics`'s response.
type WorkerMetrics struct {
	ActiveRequests int64 `json:"active_requests"`
	TotalRequests  int64 `json:"total_requests"`
}

// RuntimeInfo is the payload of `runtime/info`'s response.
type RuntimeInfo struct {
	Capabilities []string `json:"capabilities"`
}
