package models

// Page is the extracted text of one page (or sheet) of a document.
type Page struct {
	Number int
	Text   string
}

// Document is an upload between extraction and indexing. Only the index
// built from Chunks outlives it.
type Document struct {
	Name   string
	Text   string
	Pages  int
	Chunks []string
}

// RetrievedChunk is one search hit with the document it came from.
type RetrievedChunk struct {
	Document   string  `json:"document"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the in-memory conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
