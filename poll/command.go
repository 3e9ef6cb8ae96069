package poll

import "strings"

// DefaultCommandPrefix is the chat command viewers type to vote, e.g. "!투표 2".
const DefaultCommandPrefix = "!투표"

// ParseCommand extracts the ballot argument from a chat message of the form
// "<prefix> <argument>". Whitespace between prefix and argument is optional
// and surrounding whitespace is trimmed. ok is false when content does not
// start with prefix or the argument is empty.
func ParseCommand(content, prefix string) (arg string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", false
	}
	arg = strings.TrimSpace(content[len(prefix):])
	return arg, arg != ""
}
