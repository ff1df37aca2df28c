// Package validation implements the pre-deployment file validator.
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"dt-go/internal/deploy"
)

// DefaultMaxFileSize bounds the size of files accepted for deployment.
const DefaultMaxFileSize = 10 << 20 // 10 MiB

// textExtensions are the file types the validator can inspect beyond basic
// filesystem checks. Anything else passes with a warning.
var textExtensions = map[string]bool{
	".go":     true,
	".md":     true,
	".txt":    true,
	".json":   true,
	".yaml":   true,
	".yml":    true,
	".toml":   true,
	".ini":    true,
	".conf":   true,
	".config": true,
	".xml":    true,
}

// Validator checks files against project standards before deployment. A
// failing file blocks execution; warnings are recorded but do not block.
type Validator struct {
	maxFileSize int64
}

// New creates a Validator. maxFileSize <= 0 selects DefaultMaxFileSize.
func New(maxFileSize int64) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Validator{maxFileSize: maxFileSize}
}

var _ deploy.Validator = (*Validator)(nil)

// Validate inspects a single file. Rule violations are reported in the
// result; the error return is reserved for faults in the validator itself.
func (v *Validator) Validate(path string) (*deploy.ValidationResult, error) {
	result := &deploy.ValidationResult{Status: deploy.ValidationPass}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(result, "FileExistence", "file not found: "+path), nil
		}
		return fail(result, "FileExistence", fmt.Sprintf("cannot stat file: %v", err)), nil
	}
	if !info.Mode().IsRegular() {
		return fail(result, "FileType", "not a regular file: "+path), nil
	}
	if info.Size() > v.maxFileSize {
		return fail(result, "FileSize",
			fmt.Sprintf("file is %d bytes, limit is %d", info.Size(), v.maxFileSize)), nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !textExtensions[ext] {
		warn(result, "FileType", "unsupported file type for validation: "+ext)
		return result, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fail(result, "FileReadability", fmt.Sprintf("could not read file: %v", err)), nil
	}
	if !utf8.Valid(content) {
		return fail(result, "Encoding", "file is not valid UTF-8"), nil
	}

	if ext == ".md" {
		checkHeadings(result, string(content))
	}

	return result, nil
}

// checkHeadings flags markdown heading levels that jump by more than one.
func checkHeadings(result *deploy.ValidationResult, content string) {
	prev := 0
	for i, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, "#") {
			continue
		}
		level := 0
		for _, c := range line {
			if c != '#' {
				break
			}
			level++
		}
		if prev > 0 && level > prev+1 {
			result.Warnings = append(result.Warnings, deploy.Diagnostic{
				Line:    i + 1,
				Message: fmt.Sprintf("heading level jumps from %d to %d", prev, level),
				Rule:    "HeadingHierarchy",
			})
			if result.Status == deploy.ValidationPass {
				result.Status = deploy.ValidationWarning
			}
		}
		prev = level
	}
}

func fail(result *deploy.ValidationResult, rule, message string) *deploy.ValidationResult {
	result.Status = deploy.ValidationFail
	result.Errors = append(result.Errors, deploy.Diagnostic{Message: message, Rule: rule})
	return result
}

func warn(result *deploy.ValidationResult, rule, message string) {
	result.Warnings = append(result.Warnings, deploy.Diagnostic{Message: message, Rule: rule})
	if result.Status == deploy.ValidationPass {
		result.Status = deploy.ValidationWarning
	}
}
