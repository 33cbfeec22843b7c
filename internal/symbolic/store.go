// Package symbolic keeps ground facts in a Mangle fact store and answers
// pattern queries over them.
package symbolic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

var (
	// ErrNotGround is returned when AddFact is given an atom with variables.
	ErrNotGround = errors.New("fact must not contain variables")
	ErrEmpty     = errors.New("empty fact or query")
)

// Store is a concurrency-safe set of ground atoms. It satisfies host.Facts.
type Store struct {
	facts factstore.FactStore
}

func NewStore() *Store {
	return &Store{facts: factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore())}
}

// AddFact parses fact as a Mangle atom and adds it. It reports false when
// the fact was already present.
func (s *Store) AddFact(ctx context.Context, fact string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	atom, err := parseAtom(fact)
	if err != nil {
		return false, err
	}
	for _, arg := range atom.Args {
		if _, ok := arg.(ast.Variable); ok {
			return false, fmt.Errorf("%w: %s", ErrNotGround, atom)
		}
	}
	return s.facts.Add(atom), nil
}

// QueryFacts returns matching facts, one per line in sorted order. The query
// is either a bare predicate name (all arities) or an atom whose variables
// match anything. No match yields an empty string.
func (s *Store) QueryFacts(ctx context.Context, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	matches, err := s.Match(query)
	if err != nil {
		return "", err
	}
	lines := make([]string, len(matches))
	for i, a := range matches {
		lines[i] = a.String() + "."
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

// Match returns the atoms matching query.
func (s *Store) Match(query string) ([]ast.Atom, error) {
	clean := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(query), "?"))
	clean = strings.TrimSuffix(clean, ".")
	if clean == "" {
		return nil, ErrEmpty
	}

	var out []ast.Atom
	collect := func(a ast.Atom) error {
		out = append(out, a)
		return nil
	}

	if !strings.Contains(clean, "(") {
		for _, sym := range s.facts.ListPredicates() {
			if sym.Symbol != clean {
				continue
			}
			if err := s.facts.GetFacts(ast.NewQuery(sym), collect); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	pattern, err := parseAtom(clean)
	if err != nil {
		return nil, err
	}
	err = s.facts.GetFacts(ast.NewQuery(pattern.Predicate), func(a ast.Atom) error {
		if matches(pattern, a) {
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	return s.facts.EstimateFactCount()
}

// Predicates lists the distinct predicate names in the store.
func (s *Store) Predicates() []string {
	seen := make(map[string]bool)
	var names []string
	for _, sym := range s.facts.ListPredicates() {
		if !seen[sym.Symbol] {
			seen[sym.Symbol] = true
			names = append(names, sym.Symbol)
		}
	}
	sort.Strings(names)
	return names
}

func parseAtom(s string) (ast.Atom, error) {
	clean := strings.TrimSuffix(strings.TrimSpace(s), ".")
	if clean == "" {
		return ast.Atom{}, ErrEmpty
	}
	atom, err := parse.Atom(clean)
	if err != nil {
		return ast.Atom{}, fmt.Errorf("parse atom %q: %w", s, err)
	}
	return atom, nil
}

// matches unifies pattern against a ground fact. Repeated variables must
// bind to equal terms; "_" matches anything.
func matches(pattern, fact ast.Atom) bool {
	if len(pattern.Args) != len(fact.Args) {
		return false
	}
	bound := make(map[string]ast.BaseTerm)
	for i, arg := range pattern.Args {
		switch p := arg.(type) {
		case ast.Variable:
			if p.Symbol == "_" {
				continue
			}
			if prev, ok := bound[p.Symbol]; ok {
				if !prev.Equals(fact.Args[i]) {
					return false
				}
				continue
			}
			bound[p.Symbol] = fact.Args[i]
		default:
			if !arg.Equals(fact.Args[i]) {
				return false
			}
		}
	}
	return true
}
