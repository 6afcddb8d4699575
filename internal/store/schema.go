package store

import "fmt"

// Schema versions:
// v1: triples table with value-typed object columns and covering indexes
const currentSchemaVersion = 1

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS triples (
		s          TEXT NOT NULL,
		p          TEXT NOT NULL,
		o_kind     INTEGER NOT NULL,
		o_value    TEXT NOT NULL,
		o_datatype TEXT NOT NULL DEFAULT '',
		o_lang     TEXT NOT NULL DEFAULT '',
		UNIQUE (s, p, o_kind, o_value, o_datatype, o_lang)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_triples_sp ON triples (s, p)`,
	`CREATE INDEX IF NOT EXISTS idx_triples_p ON triples (p, o_value)`,
	`CREATE INDEX IF NOT EXISTS idx_triples_o ON triples (o_value)`,
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ddl := range schemaDDL {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("schema version stamp: %w", err)
		}
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	return nil
}
