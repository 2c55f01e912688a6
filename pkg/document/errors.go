package document

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConfigError describes a configuration document that could not be loaded.
type ConfigError struct {
	// File is the document name or path.
	File string `json:"file"`

	// Line is the 1-based line of the failure, 0 when unknown.
	Line int `json:"line,omitempty"`

	// Column is the 1-based column of the failure, 0 when unknown.
	Column int `json:"column,omitempty"`

	// Snippet shows the lines surrounding the failure with the failing line marked.
	Snippet string `json:"snippet,omitempty"`

	// Message is the human-readable cause.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.File)
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ":%d", e.Column)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Snippet != "" {
		b.WriteString("\n")
		b.WriteString(e.Snippet)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

var yamlLocation = regexp.MustCompile(`line (\d+)(?:,? column (\d+))?:?\s*`)

// newParseError converts a yaml.v3 error into a located ConfigError.
func newParseError(file string, data []byte, err error) *ConfigError {
	msg := strings.TrimPrefix(err.Error(), "yaml: ")
	cerr := &ConfigError{File: file, Message: msg, Err: err}

	if m := yamlLocation.FindStringSubmatch(msg); m != nil {
		cerr.Line, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			cerr.Column, _ = strconv.Atoi(m[2])
		}
		cerr.Message = strings.TrimSpace(yamlLocation.ReplaceAllString(msg, ""))
		cerr.Snippet = snippet(data, cerr.Line)
	}
	return cerr
}

// snippet returns up to two lines of context on either side of line, with the
// failing line marked by "-->".
func snippet(data []byte, line int) string {
	lines := strings.Split(string(data), "\n")
	if line < 1 || line > len(lines) {
		return ""
	}

	start := max(line-2, 1)
	end := min(line+2, len(lines))
	width := len(strconv.Itoa(end))

	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := "   "
		if i == line {
			marker = "-->"
		}
		fmt.Fprintf(&b, "%s %*d | %s\n", marker, width, i, lines[i-1])
	}
	return strings.TrimRight(b.String(), "\n")
}
