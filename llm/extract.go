package llm

import (
	"fmt"
	"strings"
)

// ExtractJSON returns the largest balanced {...} region of an LLM reply.
// Markdown code fences are stripped first. Models occasionally wrap the
// object in prose or emit several objects; taking the largest balanced
// region recovers the payload in both cases.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	best := ""
	for i := 0; i < len(content); i++ {
		if content[i] != '{' {
			continue
		}
		end := findObjectEnd(content, i)
		if end == -1 {
			continue
		}
		if end-i > len(best) {
			best = content[i:end]
		}
		// Skip past this object; nested objects are already covered by it.
		i = end - 1
	}

	if best == "" {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return best, nil
}

// findObjectEnd finds the end of a balanced JSON object starting at start.
// Returns the index one past the closing brace, or -1.
func findObjectEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
