package models

import (
	"errors"
	"fmt"
)

var (
	// ErrExtraction signals a byte stream that is not a readable document container.
	ErrExtraction = errors.New("document extraction failed")
	// ErrUnsupportedFormat signals a file extension no extractor handles.
	ErrUnsupportedFormat = fmt.Errorf("unsupported document format: %w", ErrExtraction)
	// ErrEmbeddingService signals a transport, quota or response failure of the embedding provider.
	ErrEmbeddingService = errors.New("embedding service error")
	// ErrLLMService signals a transport, auth, quota or response failure of the language model.
	ErrLLMService = errors.New("language model service error")
	// ErrCorruptIndex signals a persisted index that cannot be read back.
	ErrCorruptIndex = errors.New("corrupt index")
	// ErrUntrustedLoad signals a load of persisted data the caller did not opt into.
	ErrUntrustedLoad = errors.New("loading persisted index data requires explicit trust")
	// ErrCredentialMissing signals that no API key was configured for a hosted provider.
	ErrCredentialMissing = errors.New("credential missing")
	// ErrUnknownDocument signals a document name that has no index in the session.
	ErrUnknownDocument = errors.New("unknown document")
)
