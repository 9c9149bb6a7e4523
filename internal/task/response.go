package task

import (
	"time"
)

// DefaultConfidence is reported when an agent gives no confidence of its own.
const DefaultConfidence = 0.8

// Metadata describes how a response was produced.
type Metadata struct {
	Confidence     float64 `json:"confidence"`
	ProcessingTime int64   `json:"processingTimeMs"`
	ModelUsed      string  `json:"modelUsed,omitempty"`
}

// Response is the result of one task attempt by one agent.
type Response struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Err      error          `json:"-"`
	Metadata Metadata       `json:"metadata"`
}

// Succeeded builds a successful response.
func Succeeded(data map[string]any, confidence float64, model string, elapsed time.Duration) Response {
	return Response{
		Success: true,
		Data:    data,
		Metadata: Metadata{
			Confidence:     ClampConfidence(confidence),
			ProcessingTime: elapsed.Milliseconds(),
			ModelUsed:      model,
		},
	}
}

// Failed builds a failed response carrying err.
func Failed(err error, elapsed time.Duration) Response {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Response{
		Success: false,
		Error:   msg,
		Err:     err,
		Metadata: Metadata{
			ProcessingTime: elapsed.Milliseconds(),
		},
	}
}

// ClampConfidence forces c into [0,1].
func ClampConfidence(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
