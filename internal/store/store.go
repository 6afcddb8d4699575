// Package store implements the durable triple store that owns every RDF
// statement in the engine. All other components interact through SPARQL text
// or the typed Insert/Remove/Match API; none of them hold graph references.
//
// The default backend is SQLite (modernc.org/sqlite, pure Go); passing
// ":memory:" selects an in-memory database for tests. Writes are serialized
// by a single mutex: the kernel is a single-writer system and the store
// enforces it regardless.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"kce/internal/logging"
	"kce/internal/rdf"
	"kce/internal/sparql"
)

// QueryError marks syntactically or semantically invalid query text.
type QueryError struct {
	Text string
	Err  error
}

func (e *QueryError) Error() string { return fmt.Sprintf("query error: %v", e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// ResultKind discriminates Query results.
type ResultKind int

const (
	ResultBindings ResultKind = iota
	ResultBool
	ResultGraph
)

// Result is the outcome of Query, shaped by the query form.
type Result struct {
	Kind     ResultKind
	Bool     bool
	Bindings []sparql.Binding
	Triples  []rdf.Triple
}

// Reasoner computes the forward-closure delta for the current graph contents.
// Wired by the engine so the store does not depend on the reasoning package.
type Reasoner func(g sparql.Graph) ([]rdf.Triple, error)

// Store is the knowledge layer's single owner of triples.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	path     string
	reasoner Reasoner
}

// Open opens (creating if needed) the store at path. ":memory:" yields a
// non-durable store for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the in-memory database lives on a single conn, and the
	// file-backed database has a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("store opened at %s", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the backing path (":memory:" for the test backend).
func (s *Store) Path() string { return s.path }

// SetReasoner installs the closure hook invoked by Reason.
func (s *Store) SetReasoner(r Reasoner) { s.reasoner = r }

// Insert appends triples, ignoring exact duplicates.
func (s *Store) Insert(triples []rdf.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO triples (s, p, o_kind, o_value, o_datatype, o_lang) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range triples {
		o := t.Object
		if _, err := stmt.Exec(t.Subject, t.Predicate, int(o.Kind), o.Value, o.Datatype, o.Lang); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert triple %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	logging.StoreDebug("inserted %d triples", len(triples))
	return nil
}

// Remove deletes triples. Missing statements are not an error.
func (s *Store) Remove(triples []rdf.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remove: %w", err)
	}
	stmt, err := tx.Prepare(`DELETE FROM triples WHERE s = ? AND p = ? AND o_kind = ? AND o_value = ? AND o_datatype = ? AND o_lang = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare remove: %w", err)
	}
	defer stmt.Close()
	for _, t := range triples {
		o := t.Object
		if _, err := stmt.Exec(t.Subject, t.Predicate, int(o.Kind), o.Value, o.Datatype, o.Lang); err != nil {
			tx.Rollback()
			return fmt.Errorf("remove triple %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove: %w", err)
	}
	return nil
}

// RemoveMatching deletes every triple with the given subject and predicate.
// Used for the overwrite semantics of update_entities.
func (s *Store) RemoveMatching(subject, predicate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM triples WHERE s = ? AND p = ?`, subject, predicate)
	if err != nil {
		return fmt.Errorf("remove (%s, %s, *): %w", subject, predicate, err)
	}
	return nil
}

// Match returns triples matching the given components; nil means wildcard.
// Object filtering is value-aware: an integer query term matches a
// double-typed stored term with the same value.
func (s *Store) Match(subj, pred *string, obj *rdf.Term) ([]rdf.Triple, error) {
	query := `SELECT s, p, o_kind, o_value, o_datatype, o_lang FROM triples`
	var conds []string
	var args []interface{}
	if subj != nil {
		conds = append(conds, "s = ?")
		args = append(args, *subj)
	}
	if pred != nil {
		conds = append(conds, "p = ?")
		args = append(args, *pred)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("match query: %w", err)
	}
	var out []rdf.Triple
	for rows.Next() {
		var t rdf.Triple
		var kind int
		if err := rows.Scan(&t.Subject, &t.Predicate, &kind, &t.Object.Value, &t.Object.Datatype, &t.Object.Lang); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("match scan: %w", err)
		}
		t.Object.Kind = rdf.TermKind(kind)
		if obj != nil && !rdf.SameValue(t.Object, *obj) {
			continue
		}
		out = append(out, t)
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("match rows: %w", err)
	}
	return out, nil
}

// Len returns the number of stored triples.
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM triples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count triples: %w", err)
	}
	return n, nil
}

// GetSingle returns the single object of (subject, property), nil if absent.
// When several values exist the lexically first is returned, matching the
// deterministic single-value convention used throughout the planner.
func (s *Store) GetSingle(subject, property string) (*rdf.Term, error) {
	matches, err := s.Match(&subject, &property, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	if len(matches) > 1 {
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].Object.Value < matches[j].Object.Value
		})
		logging.Get(logging.CategoryStore).Warn(
			"multiple values for <%s> <%s>; returning first of %d", subject, property, len(matches))
	}
	o := matches[0].Object
	return &o, nil
}

// Query parses and evaluates read query text, dispatching on its form.
func (s *Store) Query(text string) (Result, error) {
	q, err := sparql.ParseQuery(text)
	if err != nil {
		return Result{}, &QueryError{Text: text, Err: err}
	}
	switch q.Kind {
	case sparql.QueryAsk:
		ok, err := sparql.EvalAsk(s, q)
		if err != nil {
			return Result{}, &QueryError{Text: text, Err: err}
		}
		return Result{Kind: ResultBool, Bool: ok}, nil
	case sparql.QuerySelect:
		rows, err := sparql.EvalSelect(s, q)
		if err != nil {
			return Result{}, &QueryError{Text: text, Err: err}
		}
		return Result{Kind: ResultBindings, Bindings: rows}, nil
	case sparql.QueryDescribe:
		triples, err := sparql.EvalDescribe(s, q)
		if err != nil {
			return Result{}, &QueryError{Text: text, Err: err}
		}
		return Result{Kind: ResultGraph, Triples: triples}, nil
	default:
		triples, err := sparql.EvalConstruct(s, q)
		if err != nil {
			return Result{}, &QueryError{Text: text, Err: err}
		}
		return Result{Kind: ResultGraph, Triples: triples}, nil
	}
}

// Ask is a convenience wrapper for ASK text.
func (s *Store) Ask(text string) (bool, error) {
	res, err := s.Query(text)
	if err != nil {
		return false, err
	}
	if res.Kind != ResultBool {
		return false, &QueryError{Text: text, Err: fmt.Errorf("not an ASK query")}
	}
	return res.Bool, nil
}

// Update parses and executes update text, returning the changed-triple count.
func (s *Store) Update(text string) (int, error) {
	u, err := sparql.ParseUpdate(text)
	if err != nil {
		return 0, &QueryError{Text: text, Err: err}
	}
	n, err := sparql.EvalUpdate(s, u)
	if err != nil {
		return 0, &QueryError{Text: text, Err: err}
	}
	return n, nil
}

// Reason runs the installed forward-closure hook and inserts the delta.
// Idempotent: a second call on an unchanged graph inserts nothing.
func (s *Store) Reason() (int, error) {
	if s.reasoner == nil {
		return 0, nil
	}
	timer := logging.StartTimer(logging.CategoryReason, "Reason")
	defer timer.Stop()

	delta, err := s.reasoner(s)
	if err != nil {
		return 0, fmt.Errorf("reasoning: %w", err)
	}
	if len(delta) == 0 {
		return 0, nil
	}
	if err := s.Insert(delta); err != nil {
		return 0, fmt.Errorf("inserting inferred triples: %w", err)
	}
	logging.Reason("inserted %d inferred triples", len(delta))
	return len(delta), nil
}

// Serialize writes the whole graph as sorted N-Triples, for inspection and
// the query CLI.
func (s *Store) Serialize(w io.Writer) error {
	triples, err := s.Match(nil, nil, nil)
	if err != nil {
		return err
	}
	lines := make([]string, len(triples))
	for i, t := range triples {
		lines[i] = t.String()
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}
