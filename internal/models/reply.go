package models

// Mode tells which path produced a reply.
type Mode string

const (
	ModeGrounded  Mode = "grounded"
	ModeGeneral   Mode = "general"
	ModeNoContext Mode = "no_context"
	ModeFailed    Mode = "failed"
)

// FailureCode classifies a failed reply so callers never parse message text.
type FailureCode string

const (
	FailureCredentialMissing FailureCode = "credential_missing"
	FailureEmbedding         FailureCode = "embedding_service"
	FailureLLM               FailureCode = "llm_service"
	FailureInvalidRequest    FailureCode = "invalid_request"
	FailureInternal          FailureCode = "internal"
)

// Failure is the structured error carried by a reply.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// Reply is the outcome of one question: an answer with its sources, or a failure.
type Reply struct {
	Query   string   `json:"query"`
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
	Mode    Mode     `json:"mode"`
	Failure *Failure `json:"failure,omitempty"`
}

// Failed reports whether the reply carries an error instead of an answer.
func (r Reply) Failed() bool {
	return r.Failure != nil
}
