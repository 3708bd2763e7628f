package config

import (
	"fmt"
	"strings"
	"time"
)

// ParsedDocument is one or more CUE sources unified and decoded to plain Go
// values. Data is nil whenever Errors is set.
type ParsedDocument struct {
	Data        map[string]interface{} `json:"data,omitempty"`
	SourceFiles []string               `json:"source_files"`
	ParsedAt    time.Time              `json:"parsed_at"`
	Errors      ValidationErrors       `json:"errors,omitempty"`
}

// ValidationError locates one CUE error. Path is the dotted field path,
// e.g. functions.etl.image.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" && !strings.Contains(e.Message, e.Path) {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	if len(es) == 1 {
		return es[0].Error()
	}
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d errors: %s", len(es), strings.Join(msgs, "; "))
}
