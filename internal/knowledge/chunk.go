package knowledge

import "strings"

// Chunk splits text into windows of size runes where consecutive windows
// share overlap runes. The final window ends at the end of text. Blank text
// yields no chunks.
func Chunk(text string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
