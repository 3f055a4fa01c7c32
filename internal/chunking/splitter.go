package chunking

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, lines, words, runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter is a recursive character splitter. It splits on the coarsest
// separator present in the text, recursing with finer separators for pieces
// still longer than Size, then merges neighbouring pieces back up to Size
// runes keeping roughly Overlap runes of trailing context between chunks.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

// Split returns the chunks of text. Whitespace-only chunks are dropped.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.Separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := ""
	var finer []string
	for i, candidate := range separators {
		if candidate == "" {
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			finer = separators[i+1:]
			break
		}
	}

	var out, pending []string
	for _, piece := range splitOn(text, sep) {
		if runeLen(piece) < s.Size {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			out = append(out, s.merge(pending, sep)...)
			pending = nil
		}
		if len(finer) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, finer)...)
		}
	}
	if len(pending) > 0 {
		out = append(out, s.merge(pending, sep)...)
	}
	return out
}

// merge packs pieces into chunks of at most Size runes, carrying the tail of
// each chunk into the next while it fits within Overlap.
func (s *Splitter) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var chunks, current []string
	total := 0

	for _, p := range pieces {
		n := runeLen(p)
		if total+n+joinCost(current, sepLen) > s.Size && len(current) > 0 {
			if c := joinChunk(current, sep); c != "" {
				chunks = append(chunks, c)
			}
			for total > s.Overlap || (total > 0 && total+n+joinCost(current, sepLen) > s.Size) {
				total -= runeLen(current[0])
				if len(current) > 1 {
					total -= sepLen
				}
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
		if len(current) > 1 {
			total += sepLen
		}
	}
	if c := joinChunk(current, sep); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}

func joinCost(current []string, sepLen int) int {
	if len(current) == 0 {
		return 0
	}
	return sepLen
}

func joinChunk(pieces []string, sep string) string {
	return strings.TrimSpace(strings.Join(pieces, sep))
}

func splitOn(text, sep string) []string {
	var parts []string
	if sep == "" {
		parts = make([]string, 0, runeLen(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
	} else {
		parts = strings.Split(text, sep)
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
