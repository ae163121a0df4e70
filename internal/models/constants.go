package models

const (
	ThinkTag         = `(?s)<think>.*?</think>`
	ContextSeparator = "\n---\n"

	// metadata keys stored alongside every index record
	MetaSource  = "source"
	MetaOrdinal = "ordinal"
	MetaFormat  = "format"
	MetaHash    = "content_hash"
)

// FallbackAnswer is returned whenever no retrieved passage supports an answer.
const FallbackAnswer = "I cannot find the relevant information in the documents."

var (
	ContextualizePrompt = "Given a chat history and the latest user question " +
		"which might reference context in the chat history, " +
		"formulate a standalone question which can be understood " +
		"without the chat history. Do NOT answer the question, " +
		"just reformulate it if needed and otherwise return it as is."

	AnswerPromptTemplate = `You are an expert AI consultant. Your goal is to provide deep, well-structured, and comprehensive answers based on the context.

Guidelines:
- **Structure**: Use Markdown headers (###), bullet points, and bold text to organize your answer.
- **Detail**: Explain concepts thoroughly using the retrieved information.
- **Objectivity**: Stick strictly to the context. If the answer is missing, say '` + FallbackAnswer + `'
- **Citations**: If possible, reference specific sections from the context.

Context:
%s`
)

// SupportedExtensions lists the document formats the loader understands.
var SupportedExtensions = map[string]string{
	".txt":      "text",
	".md":       "markdown",
	".markdown": "markdown",
	".pdf":      "pdf",
	".docx":     "docx",
	".pptx":     "pptx",
	".xlsx":     "xlsx",
}
