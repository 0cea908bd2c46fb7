package work

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/GoCodeAlone/planwright/task"
)

// CreateArtifact writes a new file. Inputs: path, content, overwrite.
type CreateArtifact struct{ Fs afero.Fs }

func (h *CreateArtifact) Kind() task.Kind { return task.KindCreateArtifact }

func (h *CreateArtifact) Execute(_ context.Context, t *task.Task) (map[string]any, error) {
	path, err := inputPath(t, "path")
	if err != nil {
		return nil, err
	}
	content, err := inputString(t, "content", false)
	if err != nil {
		return nil, err
	}
	exists, err := afero.Exists(h.Fs, path)
	if err != nil {
		return nil, err
	}
	if exists && !inputBool(t, "overwrite") {
		return nil, fmt.Errorf("%s already exists", path)
	}
	if err := ensureDir(h.Fs, path); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(h.Fs, path, []byte(content), 0o640); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{"path": path, "bytes": len(content), "created": !exists}, nil
}

// ModifyArtifact edits an existing file. Inputs: path plus exactly one of
// content (replace the file), append, or replace {old, new}.
type ModifyArtifact struct{ Fs afero.Fs }

func (h *ModifyArtifact) Kind() task.Kind { return task.KindModifyArtifact }

func (h *ModifyArtifact) Execute(_ context.Context, t *task.Task) (map[string]any, error) {
	path, err := inputPath(t, "path")
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(h.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	current := string(data)
	replacements := 0

	switch {
	case t.Inputs["content"] != nil:
		if current, err = inputString(t, "content", true); err != nil {
			return nil, err
		}
	case t.Inputs["append"] != nil:
		extra, err := inputString(t, "append", true)
		if err != nil {
			return nil, err
		}
		current += extra
	case t.Inputs["replace"] != nil:
		spec, ok := t.Inputs["replace"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("input %q must be an object with old and new", "replace")
		}
		oldStr, _ := spec["old"].(string)
		newStr, _ := spec["new"].(string)
		if oldStr == "" {
			return nil, fmt.Errorf("replace.old is required")
		}
		replacements = strings.Count(current, oldStr)
		if replacements == 0 {
			return nil, fmt.Errorf("%s: %q not found", path, oldStr)
		}
		current = strings.ReplaceAll(current, oldStr, newStr)
	default:
		return nil, fmt.Errorf("one of content, append or replace is required")
	}

	if err := afero.WriteFile(h.Fs, path, []byte(current), 0o640); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{"path": path, "bytes": len(current), "replacements": replacements}, nil
}

// ComposeUnit concatenates existing files into one. Inputs: path, parts
// (list of paths), separator (default newline).
type ComposeUnit struct{ Fs afero.Fs }

func (h *ComposeUnit) Kind() task.Kind { return task.KindComposeUnit }

func (h *ComposeUnit) Execute(ctx context.Context, t *task.Task) (map[string]any, error) {
	path, err := inputPath(t, "path")
	if err != nil {
		return nil, err
	}
	rawParts, ok := t.Inputs["parts"].([]any)
	if !ok || len(rawParts) == 0 {
		return nil, fmt.Errorf("input %q must be a non-empty list of paths", "parts")
	}
	sep := "\n"
	if s, ok := t.Inputs["separator"].(string); ok {
		sep = s
	}

	var b strings.Builder
	for i, raw := range rawParts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("parts[%d] must be a string", i)
		}
		data, err := afero.ReadFile(h.Fs, part)
		if err != nil {
			return nil, fmt.Errorf("read part %s: %w", part, err)
		}
		if i > 0 {
			b.WriteString(sep)
		}
		b.Write(data)
	}
	if err := ensureDir(h.Fs, path); err != nil {
		return nil, err
	}
	if err := afero.WriteFile(h.Fs, path, []byte(b.String()), 0o640); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return map[string]any{"path": path, "parts": len(rawParts), "bytes": b.Len()}, nil
}
