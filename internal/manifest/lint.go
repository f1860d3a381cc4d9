package manifest

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Severity grades a lint issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// LintIssue is one problem found in a manifest line.
type LintIssue struct {
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (i LintIssue) String() string {
	return fmt.Sprintf("L%d %s: %s", i.Line, i.Severity, i.Message)
}

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "manifest.schema.json"

var (
	lintSchemaOnce sync.Once
	lineSchema     *jsonschema.Schema
	dateSchema     *jsonschema.Schema
	lintSchemaErr  error
)

// lintSchemas compiles the line schema and the creation-date subschema,
// which is checked on its own because a bad date is only a warning.
func lintSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	lintSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(manifestSchemaURL, bytes.NewReader(manifestSchemaJSON)); err != nil {
			lintSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		if lineSchema, lintSchemaErr = compiler.Compile(manifestSchemaURL); lintSchemaErr != nil {
			lintSchemaErr = fmt.Errorf("compile schema: %w", lintSchemaErr)
			return
		}
		if dateSchema, lintSchemaErr = compiler.Compile(manifestSchemaURL + "#/definitions/creationDate"); lintSchemaErr != nil {
			lintSchemaErr = fmt.Errorf("compile creation-date schema: %w", lintSchemaErr)
		}
	})
	return lineSchema, dateSchema, lintSchemaErr
}

// Lint checks every line of a manifest against the entry schema, then
// checks what the schema cannot express: boxes inside the image, one
// metadata object per box and class-map keys 0..N-1. The error is non-nil
// only when r cannot be read or the schema does not compile.
func Lint(r io.Reader) ([]LintIssue, error) {
	lineSch, dateSch, err := lintSchemas()
	if err != nil {
		return nil, err
	}
	var issues []LintIssue
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		issues = append(issues, lintLine(n, line, lineSch, dateSch)...)
	}
	if err := sc.Err(); err != nil {
		return issues, fmt.Errorf("read manifest: %w", err)
	}
	return issues, nil
}

func lintLine(n int, line string, lineSch, dateSch *jsonschema.Schema) []LintIssue {
	var issues []LintIssue
	fail := func(sev Severity, format string, args ...any) {
		issues = append(issues, LintIssue{Line: n, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		fail(SeverityError, "json parse error: %v", err)
		return issues
	}

	if err := lineSch.Validate(v); err != nil {
		for _, leaf := range schemaLeaves(err) {
			fail(SeverityError, "%s: %s", instancePath(leaf.InstanceLocation), leaf.Message)
		}
		return issues
	}

	var e Entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		fail(SeverityError, "decode entry: %v", err)
		return issues
	}
	if err := dateSch.Validate(e.Metadata.CreationDate); err != nil {
		fail(SeverityWarning, "creation-date should be ISO-8601 with trailing Z: %q", e.Metadata.CreationDate)
	}

	size := e.BoundingBox.ImageSize[0]
	if size.Width > 0 && size.Height > 0 {
		for k, b := range e.BoundingBox.Annotations {
			if b.Left+b.Width > size.Width || b.Top+b.Height > size.Height {
				fail(SeverityError, "box[%d] out of bounds W%d H%d -> (%d, %d, %d, %d)",
					k, size.Width, size.Height, b.Left, b.Top, b.Width, b.Height)
			}
		}
	}
	if objs, anns := len(e.Metadata.Objects), len(e.BoundingBox.Annotations); objs != anns {
		fail(SeverityError, "metadata has %d objects for %d annotations", objs, anns)
	}
	if !sequentialKeys(e.Metadata.ClassMap) {
		keys := make([]string, 0, len(e.Metadata.ClassMap))
		for k := range e.Metadata.ClassMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fail(SeverityError, "class-map keys should be 0..N-1: %v", keys)
	}
	return issues
}

// schemaLeaves flattens a validation error into its innermost causes.
func schemaLeaves(err error) []*jsonschema.ValidationError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []*jsonschema.ValidationError{{Message: err.Error()}}
	}
	var out []*jsonschema.ValidationError
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, e)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func instancePath(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}

func sequentialKeys(m map[string]string) bool {
	for i := 0; i < len(m); i++ {
		if _, ok := m[strconv.Itoa(i)]; !ok {
			return false
		}
	}
	return true
}
