package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// maxFindResults bounds find_files output.
const maxFindResults = 2000

// FileTools provides read-only access to a project workspace.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
// If workspacePath is empty, file tools will be disabled.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// resolvePath converts a path to an absolute path within the workspace.
// Returns an error if the path would escape the workspace.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	absPath := filepath.Clean(path)
	if !filepath.IsAbs(absPath) {
		absPath = filepath.Join(workspaceAbs, absPath)
	}

	rel, err := filepath.Rel(workspaceAbs, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

// Read reads a file. offset is a 1-based line number; limit caps the
// number of lines returned.
func (ft *FileTools) Read(_ context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)
	if offset <= 0 && limit <= 0 {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	startLine := 0
	if offset > 0 {
		startLine = offset - 1
	}
	if startLine >= len(lines) {
		return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
	}
	endLine := len(lines)
	if limit > 0 && startLine+limit < endLine {
		endLine = startLine + limit
	}

	content = strings.Join(lines[startLine:endLine], "\n")
	if startLine > 0 || endLine < len(lines) {
		content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", startLine+1, endLine, len(lines), content)
	}
	return content, nil
}

// List lists a directory. Directories carry a trailing slash.
func (ft *FileTools) List(_ context.Context, path string) ([]string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

// Find walks the workspace and returns slash-separated relative paths
// matching pattern, e.g. "**/*.go". Hidden directories are skipped.
func (ft *FileTools) Find(ctx context.Context, pattern string) ([]string, error) {
	root, err := ft.resolvePath(".")
	if err != nil {
		return nil, err
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var result []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if g.Match(rel) {
			result = append(result, rel)
			if len(result) >= maxFindResults {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	return result, nil
}

// SetFileTools registers the workspace tools. Disabled tools are not
// registered.
func (r *Registry) SetFileTools(ft *FileTools) {
	if ft == nil || !ft.Enabled() {
		return
	}

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace. Large files come back summarized with a content_id for expand_memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the workspace root",
				},
				"offset": map[string]any{
					"type":        "number",
					"description": "Optional: first line to read, 1-based",
				},
				"limit": map[string]any{
					"type":        "number",
					"description": "Optional: maximum number of lines",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			return ft.Read(ctx, path, intArg(args, "offset"), intArg(args, "limit"))
		},
	})

	r.Register(&Tool{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory relative to the workspace root. Default: the root",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := ft.List(ctx, path)
			if err != nil {
				return "", err
			}
			return strings.Join(entries, "\n"), nil
		},
	})

	r.Register(&Tool{
		Name:        "find_files",
		Description: "Find workspace files by glob pattern, e.g. **/*.go or cmd/*/main.go.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{
					"type":        "string",
					"description": "Glob pattern over slash-separated relative paths",
				},
			},
			"required": []string{"pattern"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern := stringArg(args, "pattern")
			if pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}
			paths, err := ft.Find(ctx, pattern)
			if err != nil {
				return "", err
			}
			if len(paths) == 0 {
				return "No files match " + pattern, nil
			}
			return strings.Join(paths, "\n"), nil
		},
	})
}
