package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const searchContextLines = 1

func (e *Executor) maxSearchResults() int {
	if e.limits.MaxSearchResults > 0 {
		return e.limits.MaxSearchResults
	}
	return 30
}

// searchText walks the workspace in-process. The query is never handed
// to a shell, so no quoting of user input can turn into syntax.
func (e *Executor) searchText(ctx context.Context, env Env, query string, isRegex bool, includeGlob string) Result {
	if query == "" {
		return Result{Err: fmt.Errorf("search_text needs a query")}
	}

	var re *regexp.Regexp
	if isRegex {
		var err error
		re, err = regexp.Compile("(?i)" + query)
		if err != nil {
			return Result{Err: fmt.Errorf("invalid regular expression: %w", err)}
		}
	}
	lowered := strings.ToLower(query)

	if includeGlob != "" {
		// Only the basename part of a glob like "src/**/*.go" matters.
		if idx := strings.LastIndex(includeGlob, "/"); idx >= 0 {
			includeGlob = includeGlob[idx+1:]
		}
		if includeGlob == "" || includeGlob == "**" {
			includeGlob = "*"
		}
	}

	root, err := resolvePath(env.WorkspaceRoot, ".")
	if err != nil {
		return Result{Err: err}
	}

	maxResults := e.maxSearchResults()
	count := 0
	var b strings.Builder

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if _, skip := treeSkipDirs[name]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if count >= maxResults {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || isSensitive(rel) {
			return nil
		}
		if includeGlob != "" {
			if ok, _ := filepath.Match(includeGlob, name); !ok {
				return nil
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer func() { _ = f.Close() }()

		var lines []string
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}

		for i, line := range lines {
			if count >= maxResults {
				return filepath.SkipAll
			}
			var matched bool
			if re != nil {
				matched = re.MatchString(line)
			} else {
				matched = strings.Contains(strings.ToLower(line), lowered)
			}
			if !matched {
				continue
			}
			count++
			fmt.Fprintf(&b, "%s:%d\n", rel, i+1)
			from := max(0, i-searchContextLines)
			to := min(len(lines), i+searchContextLines+1)
			for j := from; j < to; j++ {
				marker := " "
				if j == i {
					marker = ">"
				}
				fmt.Fprintf(&b, "%s %d: %s\n", marker, j+1, lines[j])
			}
			b.WriteString("---\n")
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return Result{Err: fmt.Errorf("%w: search_text", ErrTimeout)}
	}

	if count == 0 {
		return Result{Output: fmt.Sprintf("no matches for %q", query)}
	}
	out := b.String()
	if count >= maxResults {
		out += fmt.Sprintf("\n(stopped at %d results, narrow with include_pattern)", maxResults)
	}
	return Result{Output: fmt.Sprintf("%d match(es) for %q:\n%s", count, query, out)}
}
