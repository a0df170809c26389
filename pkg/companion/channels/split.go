package channels

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage cuts text into chunks of at most maxLen bytes, preferring a
// newline in the second half of a chunk and never splitting a UTF-8 rune.
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen || maxLen <= 0 {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		if cutAt == 0 {
			_, cutAt = utf8.DecodeRuneInString(text)
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// A reply split over several platform messages is tracked under one
// composite id: the individual ids joined by commas.
const idSeparator = ","

// JoinIDs builds the composite id of a split reply.
func JoinIDs(ids []string) string {
	return strings.Join(ids, idSeparator)
}

// SplitIDs returns the platform ids contained in a composite id.
func SplitIDs(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, idSeparator)
}
