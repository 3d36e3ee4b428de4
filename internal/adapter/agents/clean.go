package agents

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// CleanJSONResponse strips the markdown wrapping LLMs tend to put
// around JSON and extracts the first balanced object or array from
// mixed content.
func CleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)
	return extractBalanced(response)
}

// extractBalanced returns the first balanced {...} or [...] span,
// ignoring braces inside string literals.
func extractBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// parseJSONWithReask runs the call/clean/parse loop the LLM agents
// share: on a malformed response it re-asks once with the parse error
// appended so the model can correct itself.
func parseJSONWithReask(ctx domain.Context, c *ChatClient, systemPrompt, userPrompt string, maxTokens int, parse func(string) error) error {
	var lastErr error
	prompt := userPrompt
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := c.ChatJSON(ctx, systemPrompt, prompt, maxTokens)
		if err != nil {
			return err
		}
		if err := parse(CleanJSONResponse(raw)); err == nil {
			return nil
		} else {
			lastErr = err
			prompt = userPrompt + "\n\nYour previous response was not valid JSON (" + err.Error() + "). Respond with only the JSON object."
		}
	}
	return fmt.Errorf("%w: malformed agent response: %v", domain.ErrAgentFailure, lastErr)
}
