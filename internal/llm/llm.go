// Package llm defines the narrow completion contract the stage processors
// need from a language model provider.
package llm

import "context"

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEnd       StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a single-turn completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the text the model produced.
type Response struct {
	Text       string
	StopReason StopReason
	Usage      Usage
}

// Provider completes a single-turn prompt.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
