package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CUEParser reads CUE documents. Every file is compiled on its own and the
// results are unified, so files may constrain each other's fields but not
// reference each other's identifiers.
type CUEParser struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// Parse parses CUE files and directories. Problems in the sources are
// reported on the document; the error is reserved for IO failures.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedDocument, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var files []string
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		found, err := cueFiles(source)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	doc := &ParsedDocument{SourceFiles: files, ParsedAt: time.Now()}
	var unified cue.Value
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		val := cp.ctx.CompileBytes(content, cue.Filename(file))
		if err := val.Err(); err != nil {
			doc.Errors = append(doc.Errors, convertCUEErrors(err)...)
			continue
		}
		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}
	if len(doc.Errors) > 0 {
		return doc, nil
	}

	return cp.finish(doc, unified), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedDocument, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	doc := &ParsedDocument{SourceFiles: []string{"inline"}, ParsedAt: time.Now()}
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		doc.Errors = convertCUEErrors(err)
		return doc, nil
	}
	return cp.finish(doc, val), nil
}

// finish validates the unified value and decodes it. Definitions and hidden
// fields are dropped by Decode.
func (cp *CUEParser) finish(doc *ParsedDocument, val cue.Value) *ParsedDocument {
	if !val.Exists() {
		doc.Data = map[string]interface{}{}
		return doc
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		doc.Errors = convertCUEErrors(err)
		return doc
	}

	var data map[string]interface{}
	if err := val.Decode(&data); err != nil {
		doc.Errors = convertCUEErrors(err)
		return doc
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	doc.Data = data
	return doc
}

// ExportJSON renders a parsed document as indented JSON.
func ExportJSON(doc *ParsedDocument) ([]byte, error) {
	if len(doc.Errors) > 0 {
		return nil, doc.Errors
	}
	return json.MarshalIndent(doc.Data, "", "  ")
}

func cueFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if (path != dir && strings.HasPrefix(d.Name(), ".")) || d.Name() == "cue.mod" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// convertCUEErrors flattens a CUE error list.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}

	return out
}
