// Package secrets resolves ${{ secrets.NAME }} references in step
// environment values. Secret material comes from the host process
// environment, never from the pipeline definition, and resolved
// values are redacted before step output is persisted.
package secrets

import (
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownSecret is returned when a referenced secret is not
// present in the store.
var ErrUnknownSecret = errors.New("unknown secret")

var refPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// HasRef reports whether the value contains a secret reference.
func HasRef(value string) bool {
	return refPattern.MatchString(value)
}

// Store resolves secret references and remembers every value it has
// handed out so logs can be scrubbed afterwards.
type Store struct {
	lookup func(name string) (string, bool)

	mu   sync.Mutex
	used map[string]string // name -> resolved value
}

// NewStore returns a store backed by the process environment.
func NewStore() *Store {
	return &Store{
		lookup: os.LookupEnv,
		used:   make(map[string]string),
	}
}

// NewStoreFromMap returns a store backed by a fixed map.
func NewStoreFromMap(values map[string]string) *Store {
	return &Store{
		lookup: func(name string) (string, bool) {
			v, ok := values[name]
			return v, ok
		},
		used: make(map[string]string),
	}
}

// Expand replaces every secret reference in value. A reference to a
// secret the store cannot resolve is an error: running a step with a
// silently empty credential only fails later and further away.
func (s *Store) Expand(value string) (string, error) {
	var missing string
	expanded := refPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		resolved, ok := s.lookup(name)
		if !ok {
			missing = name
			return match
		}
		s.mu.Lock()
		s.used[name] = resolved
		s.mu.Unlock()
		return resolved
	})
	if missing != "" {
		return "", errors.Wrap(ErrUnknownSecret, missing)
	}
	return expanded, nil
}

// Redact replaces every previously resolved secret value in text
// with a placeholder.
func (s *Store) Redact(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, value := range s.used {
		if value == "" {
			continue
		}
		text = strings.ReplaceAll(text, value, "***")
	}
	return text
}
