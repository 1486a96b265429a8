// Package gwmodel holds the value types shared across the gateway core's
// components (spec.md §3, Data Model). None of these types own a mutex or a
// goroutine; ownership and synchronization live in the owning component.
package gwmodel

import "time"

// Modality is the kind of generation a model supports.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityVision Modality = "vision"
)

// ModelDescriptor is the immutable record created by a successful LoadModel
// and destroyed by UnloadModel or supervisor shutdown.
type ModelDescriptor struct {
	ID            string
	Family        string
	Modality      Modality
	ContextLength int
	Quantization  string
	Dtype         string
	Revision      string
}

// WorkerStatus is the lifecycle state of one runtime worker process.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerFailed   WorkerStatus = "failed"
)

// StreamStatus is the lifecycle state of one generation stream.
type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamCompleted StreamStatus = "completed"
	StreamErrored   StreamStatus = "errored"
	StreamTimedOut  StreamStatus = "timedout"
	StreamCancelled StreamStatus = "cancelled"
)

// Terminal reports whether a status is one of the terminal states, set
// exactly once per spec.md §3's StreamEntry invariant.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StreamCompleted, StreamErrored, StreamTimedOut, StreamCancelled:
		return true
	default:
		return false
	}
}

// StreamID globally identifies one generation. Minted once, never reused
// within a process.
type StreamID string

// StreamChunk is one token event delivered for a stream.
type StreamChunk struct {
	StreamID       StreamID
	Token          string
	TokenID        *int64
	Logprob        *float64
	CumulativeText *string
	IsFinal        bool
}

// StreamStats is the terminal (or periodic) statistics event for a stream.
type StreamStats struct {
	StreamID         StreamID
	TokensGenerated  int64
	TokensPerSecond  float64
	TimeToFirstToken float64 // seconds
	TotalTime        float64 // seconds
}

// Priority is one of the five SLA tiers, 0 = most urgent.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
	numPriorities = 5
)

// Valid reports whether p is one of the five defined tiers.
func (p Priority) Valid() bool { return p >= PriorityUrgent && p < numPriorities }

// NumPriorities is the fixed tier count (0..4).
const NumPriorities = numPriorities

// RequestMetadata accompanies every SchedulableRequest (spec.md §3).
type RequestMetadata struct {
	ID              string
	Priority        Priority
	OriginalPriority Priority
	QueuedAt        time.Time
	EstimatedTokens *int64
	Deadline        *time.Time
	AgingBumps      int
	TenantID        string
}

// PromptKind discriminates the three accepted prompt shapes (spec.md §4.5).
type PromptKind int

const (
	PromptText PromptKind = iota
	PromptTokenIDs
	PromptTemplate
)

// PromptTemplateBody is the `{ text, variables }` shape; variables are
// scalar-only (string, finite number, bool) per the Design Note banning
// code-construction acceleration.
type PromptTemplateBody struct {
	Text      string
	Variables map[string]any
}

// Prompt is the union of the three accepted prompt shapes.
type Prompt struct {
	Kind     PromptKind
	Text     string
	TokenIDs []int64
	Template *PromptTemplateBody
}

// StructuredOutput carries the caller's guidance request through to the
// generate RPC; the core never validates the schema itself (spec.md §4.5).
type StructuredOutput struct {
	Format string
	Schema any
	Mode   string // "json_schema" | "xml"
}

// GenerateParams is the caller-facing input to CreateGenerator/Generate.
type GenerateParams struct {
	ModelID             string
	Prompt              Prompt
	MaxTokens           *int64
	Temperature         *float64
	TopP                *float64
	PresencePenalty     *float64
	FrequencyPenalty    *float64
	RepetitionPenalty   *float64
	StopSequences       []string
	StopTokenIDs        []int64
	Seed                *int64
	Structured          *StructuredOutput
	DraftModel          *string
}
