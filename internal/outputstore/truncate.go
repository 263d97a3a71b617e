package outputstore

import "strings"

// SplitLines splits text into lines, keeping each line ending. A final
// line without a newline is still a line.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// TruncateLines keeps at most limit lines of text. A negative limit
// keeps everything; zero keeps nothing. The flag reports whether any
// line was dropped.
func TruncateLines(text string, limit int) (string, bool) {
	if limit < 0 {
		return text, false
	}
	if limit == 0 {
		return "", text != ""
	}
	lines := SplitLines(text)
	if len(lines) <= limit {
		return text, false
	}
	return strings.Join(lines[:limit], ""), true
}
