package util

import "strings"

// Wrap is the number of characters help texts are wrapped at.
const Wrap int = 72

// WrapString wraps text at Wrap characters.
func WrapString(text string) string {
	var (
		lines   []string
		current strings.Builder
	)

	for _, word := range strings.Fields(text) {
		if current.Len() > 0 && current.Len()+1+len(word) > Wrap {
			lines = append(lines, current.String())
			current.Reset()
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}

		current.WriteString(word)
	}

	if current.Len() > 0 {
		lines = append(lines, current.String())
	}

	return strings.Join(lines, "\n")
}
