package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const readFileCap = 64 * 1024

// safePath resolves a user-supplied path inside root, rejecting absolute
// paths and traversal out of the jail.
func safePath(root, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path required")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	joined := filepath.Join(root, p)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return joined, nil
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct{ root string }

func NewReadFileTool(root string) *ReadFileTool { return &ReadFileTool{root: root} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a text file from the workspace." }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Workspace-relative path."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path, err := safePath(t.root, strArg(args, "path"))
	if err != nil {
		return ErrorResult("read_file: " + err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult("read_file: " + err.Error()).WithError(err)
	}
	content := string(data)
	if len(content) > readFileCap {
		content = content[:readFileCap] + "\n[truncated]"
	}
	return NewResult(content)
}

// WriteFileTool writes a file inside the workspace.
type WriteFileTool struct{ root string }

func NewWriteFileTool(root string) *WriteFileTool { return &WriteFileTool{root: root} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write a text file into the workspace." }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Workspace-relative path."},
			"content": map[string]any{"type": "string", "description": "File content."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path, err := safePath(t.root, strArg(args, "path"))
	if err != nil {
		return ErrorResult("write_file: " + err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult("write_file: " + err.Error()).WithError(err)
	}
	content := strArg(args, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return ErrorResult("write_file: " + err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), strArg(args, "path")))
}

// DeleteFileTool removes a single file inside the workspace.
type DeleteFileTool struct{ root string }

func NewDeleteFileTool(root string) *DeleteFileTool { return &DeleteFileTool{root: root} }

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file from the workspace." }
func (t *DeleteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Workspace-relative path."},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) Execute(_ context.Context, args map[string]any) *Result {
	path, err := safePath(t.root, strArg(args, "path"))
	if err != nil {
		return ErrorResult("delete_file: " + err.Error())
	}
	info, err := os.Stat(path)
	if err != nil {
		return ErrorResult("delete_file: " + err.Error()).WithError(err)
	}
	if info.IsDir() {
		return ErrorResult("delete_file: refusing to delete a directory")
	}
	if err := os.Remove(path); err != nil {
		return ErrorResult("delete_file: " + err.Error()).WithError(err)
	}
	return NewResult("deleted " + strArg(args, "path"))
}

// ListDirTool lists a workspace directory.
type ListDirTool struct{ root string }

func NewListDirTool(root string) *ListDirTool { return &ListDirTool{root: root} }

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List files in a workspace directory." }
func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Workspace-relative directory, default '.'"},
		},
	}
}

func (t *ListDirTool) Execute(_ context.Context, args map[string]any) *Result {
	rel := strArg(args, "path")
	if rel == "" {
		rel = "."
	}
	path, err := safePath(t.root, rel)
	if err != nil {
		return ErrorResult("list_dir: " + err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult("list_dir: " + err.Error()).WithError(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(strings.Join(names, "\n"))
}
