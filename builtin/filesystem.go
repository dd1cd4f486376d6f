package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/petal-labs/sandbox/tool"
)

// ServiceFilesystem is the server name of the filesystem tool.
const ServiceFilesystem = "filesystem"

// FilesystemOptions configures a Filesystem.
type FilesystemOptions struct {
	// AllowedDirectories bound every operation. Missing directories are
	// created. Defaults to DefaultAllowedDirectories.
	AllowedDirectories []string
	Logger             *slog.Logger
}

// Filesystem reads and writes files inside a fixed set of directories.
type Filesystem struct {
	allowed []string
	logger  *slog.Logger
}

var _ Tool = (*Filesystem)(nil)

// NewFilesystem creates the allowed directories and returns the tool.
func NewFilesystem(opts FilesystemOptions) (*Filesystem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dirs := opts.AllowedDirectories
	if len(dirs) == 0 {
		dirs = DefaultAllowedDirectories()
	}

	f := &Filesystem{logger: logger}
	seen := map[string]struct{}{}
	for _, dir := range dirs {
		expanded, err := expandHome(dir)
		if err != nil {
			return nil, fmt.Errorf("builtin: allowed directory %q: %w", dir, err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("builtin: allowed directory %q: %w", dir, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("builtin: create allowed directory %q: %w", abs, err)
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("builtin: resolve allowed directory %q: %w", abs, err)
		}
		if _, dup := seen[real]; dup {
			continue
		}
		seen[real] = struct{}{}
		f.allowed = append(f.allowed, real)
	}
	return f, nil
}

// Service implements Tool.
func (f *Filesystem) Service() string { return ServiceFilesystem }

// AllowedDirectories returns the resolved allowed directories.
func (f *Filesystem) AllowedDirectories() []string {
	return append([]string(nil), f.allowed...)
}

// Execute implements Tool.
func (f *Filesystem) Execute(_ context.Context, action string, params map[string]any) any {
	if params == nil {
		params = map[string]any{}
	}
	switch action {
	case "read_file":
		return f.readFile(params)
	case "read_multiple_files":
		return f.readMultipleFiles(params)
	case "write_file":
		return f.writeFile(params)
	case "edit_file":
		return f.editFile(params)
	case "create_directory":
		return f.createDirectory(params)
	case "list_directory":
		return f.listDirectory(params)
	case "directory_tree":
		return f.directoryTree(params)
	case "move_file":
		return f.moveFile(params)
	case "search_files":
		return f.searchFiles(params)
	case "get_file_info":
		return f.getFileInfo(params)
	case "list_allowed_directories":
		return "Allowed directories:\n" + strings.Join(f.allowed, "\n")
	default:
		return errorf("unknown filesystem action %q", action)
	}
}

// ValidatePath resolves raw and checks that it lies inside an allowed
// directory. Relative paths are taken from the first allowed directory.
// For paths that do not exist yet the nearest existing ancestor is
// resolved instead.
func (f *Filesystem) ValidatePath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("path is required")
	}
	expanded, err := expandHome(raw)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) && len(f.allowed) > 0 {
		expanded = filepath.Join(f.allowed[0], expanded)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}

	real, err := filepath.EvalSymlinks(abs)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		if _, lerr := os.Lstat(abs); lerr == nil {
			return "", fmt.Errorf("cannot resolve symlink target of %s", abs)
		}
		real, err = resolveMissing(abs)
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}

	if !f.contains(real) {
		return "", fmt.Errorf("access denied - path outside allowed directories: %s not in %s",
			abs, strings.Join(f.allowed, ", "))
	}
	return real, nil
}

// resolveMissing resolves the deepest existing ancestor of abs and appends
// the missing components.
func resolveMissing(abs string) (string, error) {
	var missing []string
	current := abs
	for {
		parent := filepath.Dir(current)
		missing = append([]string{filepath.Base(current)}, missing...)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		if _, err := os.Lstat(parent); err == nil {
			real, err := filepath.EvalSymlinks(parent)
			if err != nil {
				return "", fmt.Errorf("parent directory of %s: %w", abs, err)
			}
			return filepath.Join(append([]string{real}, missing...)...), nil
		}
		current = parent
	}
}

func (f *Filesystem) contains(real string) bool {
	for _, dir := range f.allowed {
		if real == dir || strings.HasPrefix(real, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (f *Filesystem) pathParam(params map[string]any, name string) (string, error) {
	raw, err := requiredString(params, name)
	if err != nil {
		return "", err
	}
	return f.ValidatePath(raw)
}

func (f *Filesystem) readFile(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	head, hasHead := intParam(params, "head")
	tail, hasTail := intParam(params, "tail")
	if hasHead && hasTail && head > 0 && tail > 0 {
		return errorf("cannot specify both head and tail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errorf("read %s: %v", path, err)
	}
	content := string(data)
	switch {
	case hasHead && head > 0:
		lines := strings.Split(content, "\n")
		if head < len(lines) {
			lines = lines[:head]
		}
		return strings.Join(lines, "\n")
	case hasTail && tail > 0:
		lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
		if tail < len(lines) {
			lines = lines[len(lines)-tail:]
		}
		return strings.Join(lines, "\n")
	}
	return content
}

func (f *Filesystem) readMultipleFiles(params map[string]any) any {
	paths := stringsParam(params, "paths")
	if len(paths) == 0 {
		return errorf("paths is required")
	}
	parts := make([]string, 0, len(paths))
	for _, raw := range paths {
		path, err := f.ValidatePath(raw)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s: Error - %v", raw, err))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s: Error - %v", raw, err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:\n%s\n", raw, data))
	}
	return strings.Join(parts, "\n---\n")
}

func (f *Filesystem) writeFile(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	content, ok := stringParam(params, "content")
	if !ok {
		return errorf("content is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errorf("create parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errorf("write %s: %v", path, err)
	}
	f.logger.Debug("builtin file written", "path", path, "bytes", len(content))
	return fmt.Sprintf("Successfully wrote to %s", path)
}

func (f *Filesystem) editFile(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	edits, err := parseEdits(params["edits"])
	if err != nil {
		return errorf("%v", err)
	}
	dryRun := boolParam(params, "dryRun") || boolParam(params, "dry_run")

	info, err := os.Stat(path)
	if err != nil {
		return errorf("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errorf("read %s: %v", path, err)
	}
	original := normalizeLineEndings(string(data))
	modified, err := applyEdits(original, edits)
	if err != nil {
		return errorf("%v", err)
	}
	diff, err := unifiedDiff(path, original, modified)
	if err != nil {
		return errorf("diff %s: %v", path, err)
	}
	if !dryRun {
		if err := os.WriteFile(path, []byte(modified), info.Mode().Perm()); err != nil {
			return errorf("write %s: %v", path, err)
		}
	}
	return "```diff\n" + diff + "```\n"
}

func (f *Filesystem) createDirectory(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errorf("create %s: %v", path, err)
	}
	return fmt.Sprintf("Successfully created directory %s", path)
}

func (f *Filesystem) listDirectory(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errorf("list %s: %v", path, err)
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		kind := "[FILE]"
		if entry.IsDir() {
			kind = "[DIR]"
		}
		lines = append(lines, kind+" "+entry.Name())
	}
	return strings.Join(lines, "\n")
}

// TreeEntry is one node of a directory_tree result.
type TreeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Children []TreeEntry `json:"children,omitempty"`
}

func (f *Filesystem) directoryTree(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	tree, err := buildTree(path)
	if err != nil {
		return errorf("tree %s: %v", path, err)
	}
	return tree
}

func buildTree(dir string) ([]TreeEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]TreeEntry, 0, len(entries))
	for _, entry := range entries {
		node := TreeEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			node.Type = "directory"
			children, err := buildTree(filepath.Join(dir, entry.Name()))
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		out = append(out, node)
	}
	return out, nil
}

func (f *Filesystem) moveFile(params map[string]any) any {
	source, err := f.pathParam(params, "source")
	if err != nil {
		return errorf("%v", err)
	}
	destination, err := f.pathParam(params, "destination")
	if err != nil {
		return errorf("%v", err)
	}
	if _, err := os.Lstat(destination); err == nil {
		return errorf("destination already exists: %s", destination)
	}
	if err := os.Rename(source, destination); err != nil {
		return errorf("move %s: %v", source, err)
	}
	return fmt.Sprintf("Successfully moved %s to %s", source, destination)
}

func (f *Filesystem) searchFiles(params map[string]any) any {
	root, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	pattern, err := requiredString(params, "pattern")
	if err != nil {
		return errorf("%v", err)
	}
	excludes := stringsParam(params, "excludePatterns")
	for _, p := range append([]string{pattern}, excludes...) {
		if hasGlobMeta(p) && !doublestar.ValidatePattern(p) {
			return errorf("invalid pattern %q", p)
		}
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable entries are skipped
			return nil
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, ex := range excludes {
			if matchPattern(ex, rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if matchPattern(pattern, rel) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return errorf("search %s: %v", root, err)
	}
	if len(matches) == 0 {
		return "No matches found"
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n")
}

// matchPattern treats plain text as a case-insensitive name substring and
// anything with glob syntax as a doublestar pattern against the relative
// path. Patterns without a slash also match the base name.
func matchPattern(pattern, rel string) bool {
	base := rel[strings.LastIndex(rel, "/")+1:]
	if !hasGlobMeta(pattern) {
		return strings.Contains(strings.ToLower(base), strings.ToLower(pattern))
	}
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, base)
		return ok
	}
	return false
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func (f *Filesystem) getFileInfo(params map[string]any) any {
	path, err := f.pathParam(params, "path")
	if err != nil {
		return errorf("%v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errorf("%v", err)
	}
	return map[string]any{
		"path":        path,
		"name":        info.Name(),
		"size":        info.Size(),
		"modified":    info.ModTime().UTC().Format(time.RFC3339),
		"isDirectory": info.IsDir(),
		"isFile":      info.Mode().IsRegular(),
		"permissions": fmt.Sprintf("%o", info.Mode().Perm()),
	}
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Descriptors implements Tool.
func (f *Filesystem) Descriptors() []tool.ToolDescriptor {
	return describe(ServiceFilesystem, filesystemActions)
}

var filesystemActions = []action{
	{
		name:        "read_file",
		description: "Read the complete contents of a file. Use head or tail to read only the first or last N lines.",
		schema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Path of the file to read"),
			"head": prop("integer", "Return only the first N lines"),
			"tail": prop("integer", "Return only the last N lines"),
		}),
	},
	{
		name:        "read_multiple_files",
		description: "Read several files at once. Failed reads are reported inline and do not stop the others.",
		schema: objectSchema([]string{"paths"}, map[string]any{
			"paths": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Paths of the files to read"},
		}),
	},
	{
		name:        "write_file",
		description: "Create a file or overwrite it with new content.",
		schema: objectSchema([]string{"path", "content"}, map[string]any{
			"path":    prop("string", "Path of the file to write"),
			"content": prop("string", "Content to write"),
		}),
	},
	{
		name:        "edit_file",
		description: "Apply text replacements to a file and return a unified diff of the change.",
		schema: objectSchema([]string{"path", "edits"}, map[string]any{
			"path": prop("string", "Path of the file to edit"),
			"edits": map[string]any{
				"type": "array",
				"items": objectSchema([]string{"oldText", "newText"}, map[string]any{
					"oldText": prop("string", "Text to search for"),
					"newText": prop("string", "Text to replace it with"),
				}),
			},
			"dryRun": prop("boolean", "Preview the diff without writing"),
		}),
	},
	{
		name:        "create_directory",
		description: "Create a directory, including missing parents.",
		schema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Directory to create"),
		}),
	},
	{
		name:        "list_directory",
		description: "List the entries of a directory, marked [FILE] or [DIR].",
		schema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Directory to list"),
		}),
	},
	{
		name:        "directory_tree",
		description: "Return a recursive tree of a directory.",
		schema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Root of the tree"),
		}),
	},
	{
		name:        "move_file",
		description: "Move or rename a file or directory. Fails if the destination exists.",
		schema: objectSchema([]string{"source", "destination"}, map[string]any{
			"source":      prop("string", "Path to move"),
			"destination": prop("string", "New path"),
		}),
	},
	{
		name:        "search_files",
		description: "Recursively search for files by name or glob pattern.",
		schema: objectSchema([]string{"path", "pattern"}, map[string]any{
			"path":    prop("string", "Directory to search"),
			"pattern": prop("string", "Name substring or glob pattern such as **/*.go"),
			"excludePatterns": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Glob patterns to skip",
			},
		}),
	},
	{
		name:        "get_file_info",
		description: "Return size, modification time and permissions of a file or directory.",
		schema: objectSchema([]string{"path"}, map[string]any{
			"path": prop("string", "Path to inspect"),
		}),
	},
	{
		name:        "list_allowed_directories",
		description: "List the directories this tool may access.",
		schema:      objectSchema(nil, map[string]any{}),
	},
}
