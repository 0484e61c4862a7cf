package syncengine

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// builtinIgnorePatterns are always prepended to the ignore list, regardless
// of configuration. They cover artifacts created by iCloud itself and by
// macOS Finder that must never be synced as regular files.
var builtinIgnorePatterns = []string{
	`.*\.com-apple-bird.*`,
	`.*\.DS_Store`,
}

// Filter decides, for a POSIX-relative path, whether it participates in
// sync. It is built once at startup from an ignore list and an include
// list and is safe for concurrent use by multiple scanners.
type Filter struct {
	ignore  []*regexp.Regexp
	include []*regexp.Regexp
	logger  *slog.Logger
}

// NewFilter compiles ignore and include pattern lists into a Filter. Each
// pattern is anchored at the start of the path (left-anchored prefix
// match), per the matching semantics in the specification. Built-in ignore
// patterns are always included ahead of the caller-supplied ones.
func NewFilter(ignorePatterns, includePatterns []string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Filter{logger: logger}

	all := make([]string, 0, len(builtinIgnorePatterns)+len(ignorePatterns))
	all = append(all, builtinIgnorePatterns...)
	all = append(all, ignorePatterns...)

	for _, p := range all {
		re, err := compileAnchored(p)
		if err != nil {
			return nil, fmt.Errorf("compiling ignore pattern %q: %w", p, err)
		}

		f.ignore = append(f.ignore, re)
	}

	for _, p := range includePatterns {
		re, err := compileAnchored(p)
		if err != nil {
			return nil, fmt.Errorf("compiling include pattern %q: %w", p, err)
		}

		f.include = append(f.include, re)
	}

	return f, nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}

	return regexp.Compile(pattern)
}

// Accept reports whether path should participate in sync. An ignored
// folder should be pruned by the caller rather than merely skipped, since
// Accept has no notion of descendants.
func (f *Filter) Accept(path string) bool {
	for _, re := range f.ignore {
		if re.MatchString(path) {
			f.logger.Debug("filter: ignored", slog.String("path", path), slog.String("pattern", re.String()))
			return false
		}
	}

	if len(f.include) == 0 {
		return true
	}

	for _, re := range f.include {
		if re.MatchString(path) {
			return true
		}
	}

	f.logger.Debug("filter: not included", slog.String("path", path))

	return false
}

// LoadPatternFile reads one regex per line from path. Blank lines and lines
// starting with '#' are ignored. Returns nil, nil if path is empty.
func LoadPatternFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pattern file %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		patterns = append(patterns, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pattern file %s: %w", path, err)
	}

	return patterns, nil
}
