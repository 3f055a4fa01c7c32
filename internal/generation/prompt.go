// Package generation asks a hosted chat model to answer a question from
// retrieved document context.
package generation

import (
	"fmt"
	"strings"

	"github.com/kalambet/nyanta/internal/chunking"
)

// SystemDirective constrains the model to the supplied context. It is fixed:
// answers must stay grounded in the user's own documents.
const SystemDirective = `You are a helpful AI assistant that answers questions based on provided context.

Rules:
1. Only use information from the provided context
2. If the context doesn't contain the answer, say "I don't have enough information to answer that"
3. Cite your sources by mentioning the relevant parts of the context
4. Be concise but complete`

// BuildContext labels each chunk with its rank, origin and chunk id and
// joins them in the given order. Duplicates are kept.
func BuildContext(chunks []chunking.Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		source := c.Source
		if source == "" {
			source = "Unknown"
		}
		parts[i] = fmt.Sprintf("[Source %d: %s, Chunk %d]\n%s\n", i+1, source, c.ChunkID, c.Text)
	}
	return strings.Join(parts, "\n")
}

// systemMessage appends the context block to the directive.
func systemMessage(docContext string) string {
	var sb strings.Builder
	sb.WriteString(SystemDirective)
	sb.WriteString("\n\nContext:\n")
	sb.WriteString(docContext)
	return sb.String()
}
