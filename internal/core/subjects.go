package core

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ErrNoSubjects is returned when neither explicit ids nor a pattern yield a subject.
var ErrNoSubjects = errors.New("no subjects selected")

// ResolveSubjects builds the ordered subject list for a run.
//
// Explicit ids come first, in the order given. When pattern is non-empty the
// subdirectories of subjectsDir whose names match it are appended in sorted
// order. Hidden directories are never matched. Duplicates keep their first
// position.
func ResolveSubjects(subjectsDir string, explicit []string, pattern string) ([]string, error) {
	seen := make(map[string]struct{}, len(explicit))
	out := make([]string, 0, len(explicit))
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for i, id := range explicit {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("subject[%d] is empty", i)
		}
		if strings.ContainsRune(id, os.PathSeparator) || id == "." || id == ".." {
			return nil, fmt.Errorf("subject %q is not a plain directory name", id)
		}
		add(id)
	}

	if strings.TrimSpace(pattern) != "" {
		matched, err := matchSubjectDirs(subjectsDir, pattern)
		if err != nil {
			return nil, err
		}
		for _, id := range matched {
			add(id)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoSubjects
	}
	return out, nil
}

func matchSubjectDirs(subjectsDir, pattern string) ([]string, error) {
	if strings.TrimSpace(subjectsDir) == "" {
		return nil, errors.New("subject pattern requires a subjects directory")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", pattern, err)
	}
	entries, err := os.ReadDir(subjectsDir)
	if err != nil {
		return nil, fmt.Errorf("listing subjects directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if g.Match(name) {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
