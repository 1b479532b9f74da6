package models

const (
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`

	// GeneralKnowledgeSource labels answers produced without retrieved context.
	GeneralKnowledgeSource = "general knowledge"

	// CannotFindAnswer is returned without a model call when retrieval is empty
	// and the session is configured to decline.
	CannotFindAnswer = "I cannot find the answer to this question in the selected documents."
)

var (
	// GroundedSystemTemplate takes the output language.
	GroundedSystemTemplate = `You are a helpful assistant answering questions about the user's documents.
Answer only from the provided context. If the answer is not contained in the context, say that you cannot find it in the provided documents instead of guessing.
Respond in %s.`

	// GroundedUserTemplate takes the joined context and the question.
	GroundedUserTemplate = `Context:
%s

Question: %s`

	// GeneralSystemTemplate takes the output language.
	GeneralSystemTemplate = `You are a helpful assistant. No documents were selected, so answer the question from general knowledge.
Respond in %s.`

	// CondenseQuestionTemplate takes the formatted chat history and the follow-up question.
	CondenseQuestionTemplate = `Given the following conversation and a follow up question, rephrase the follow up question to be a standalone question, in its original language.

Chat History:
%s
Follow Up Input: %s
Standalone question:`

	// ContextPromptTemplate takes the whole document and one of its chunks.
	ContextPromptTemplate = `<document>
%s
</document>
Here is the chunk we want to situate within the whole document
<chunk>
%s
</chunk>
Please give a short succinct context to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk. Answer only with the succinct context and nothing else.
`
)
