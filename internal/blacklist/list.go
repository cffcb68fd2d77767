package blacklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseList parses one library name per line. Blank lines and '#' comments
// are skipped, duplicates are dropped, case is kept.
func ParseList(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out, scanner.Err()
}

// ReadListFile parses the list file at path.
func ReadListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blacklist file: %w", err)
	}
	defer f.Close()

	list, err := ParseList(f)
	if err != nil {
		return nil, fmt.Errorf("read blacklist file %s: %w", path, err)
	}
	return list, nil
}

// SplitList splits a comma separated list, trimming blanks around entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
