package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadFileBytes = 1 << 20 // refuse whole-file reads beyond 1MB

func (e *Executor) maxReadLines() int {
	if e.limits.MaxFileReadLines > 0 {
		return e.limits.MaxFileReadLines
	}
	return 200
}

func (e *Executor) readFile(env Env, rel string, startLine, endLine int) Result {
	if rel == "" {
		return Result{Err: fmt.Errorf("read_file needs a path")}
	}
	abs, err := resolvePath(env.WorkspaceRoot, rel)
	if err != nil {
		return Result{Err: err}
	}
	if isSensitive(rel) {
		return Result{Err: fmt.Errorf("%w: %q", ErrForbidden, rel)}
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Err: fmt.Errorf("%w: file %q", ErrNotFound, rel)}
		}
		return Result{Err: fmt.Errorf("stat %q: %w", rel, err)}
	}
	if info.IsDir() {
		return Result{Err: fmt.Errorf("%q is a directory, use list_directory", rel)}
	}
	if info.Size() > maxReadFileBytes && startLine == 0 {
		return Result{Err: fmt.Errorf("file %q is %dKB, specify a line range", rel, info.Size()/1024)}
	}

	f, err := os.Open(abs)
	if err != nil {
		return Result{Err: fmt.Errorf("open %q: %w", rel, err)}
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Result{Err: fmt.Errorf("read %q: %w", rel, err)}
	}

	total := len(lines)
	maxLines := e.maxReadLines()
	start := startLine
	if start < 1 {
		start = 1
	}
	end := endLine
	if end == 0 || end > total {
		end = total
	}
	if end-start+1 > maxLines {
		end = start + maxLines - 1
	}
	if start > total {
		return Result{Err: fmt.Errorf("start_line %d past end of file (%d lines)", start, total)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (lines %d-%d of %d)", rel, start, end, total)
	if end < total {
		b.WriteString(" [truncated: continue with start_line/end_line]")
	}
	b.WriteByte('\n')
	for _, line := range lines[start-1 : end] {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return Result{Output: b.String()}
}

func (e *Executor) listDirectory(env Env, rel string) Result {
	if rel == "" {
		rel = "."
	}
	abs, err := resolvePath(env.WorkspaceRoot, rel)
	if err != nil {
		return Result{Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Err: fmt.Errorf("%w: directory %q", ErrNotFound, rel)}
		}
		return Result{Err: fmt.Errorf("stat %q: %w", rel, err)}
	}
	if !info.IsDir() {
		return Result{Err: fmt.Errorf("%q is a file, use read_file", rel)}
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return Result{Err: fmt.Errorf("list %q: %w", rel, err)}
	}

	var dirs, files []string
	for _, entry := range entries {
		name := entry.Name()
		if _, skip := treeSkipDirs[name]; skip {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, name+"/")
		} else {
			size := int64(0)
			if fi, err := entry.Info(); err == nil {
				size = fi.Size()
			}
			files = append(files, fmt.Sprintf("%s (%s)", name, humanSize(size)))
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	var b strings.Builder
	fmt.Fprintf(&b, "%s/\n", rel)
	for _, d := range dirs {
		b.WriteString("  " + d + "\n")
	}
	for _, f := range files {
		b.WriteString("  " + f + "\n")
	}
	if len(dirs) == 0 && len(files) == 0 {
		b.WriteString("  (empty)\n")
	}
	return Result{Output: b.String()}
}

func (e *Executor) fileTree(env Env, rel string, depth int) Result {
	maxDepth := e.limits.MaxTreeDepth
	if maxDepth <= 0 {
		maxDepth = 4
	}
	if depth <= 0 || depth > maxDepth {
		depth = maxDepth
	}
	if rel == "" {
		rel = "."
	}
	abs, err := resolvePath(env.WorkspaceRoot, rel)
	if err != nil {
		return Result{Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Err: fmt.Errorf("%w: path %q", ErrNotFound, rel)}
		}
		return Result{Err: fmt.Errorf("stat %q: %w", rel, err)}
	}
	if !info.IsDir() {
		return Result{Err: fmt.Errorf("%q is not a directory", rel)}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s/ (depth %d)\n", rel, depth)
	buildTree(&b, abs, "", depth)
	return Result{Output: b.String()}
}

func buildTree(b *strings.Builder, dir, prefix string, depth int) {
	if depth <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(b, "%s(unreadable)\n", prefix)
		return
	}
	var names []os.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if _, skip := treeSkipDirs[name]; skip {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, entry)
	}
	for i, entry := range names {
		connector, extension := "├── ", "│   "
		if i == len(names)-1 {
			connector, extension = "└── ", "    "
		}
		if entry.IsDir() {
			fmt.Fprintf(b, "%s%s%s/\n", prefix, connector, entry.Name())
			// Never follow symlinked directories; a link out of the
			// workspace must not widen the tree.
			if entry.Type()&os.ModeSymlink == 0 {
				buildTree(b, filepath.Join(dir, entry.Name()), prefix+extension, depth-1)
			}
		} else {
			fmt.Fprintf(b, "%s%s%s\n", prefix, connector, entry.Name())
		}
	}
}

func humanSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	}
}
