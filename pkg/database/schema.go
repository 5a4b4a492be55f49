package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against the structure the
// store code expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a validator over db.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"users":              "identities and profiles",
	"rooms":              "conversation surfaces",
	"chat_roles":         "room access control",
	"messages":           "chat history",
	"rate_limit_buckets": "persistent rate limits",
	"schema_migrations":  "migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_rooms_kind":            "room kind filtering",
	"idx_chat_roles_user":       "roles by user",
	"idx_messages_room_created": "newest-first history",
	"idx_rate_limit_reset":      "bucket expiry",
}

var requiredColumns = map[string]map[string]string{
	"rooms": {
		"id":              "INTEGER",
		"slug":            "TEXT",
		"name":            "TEXT",
		"kind":            "TEXT",
		"direct_pair_key": "TEXT",
		"created_by":      "INTEGER",
	},
	"chat_roles": {
		"room_id":           "INTEGER",
		"user_id":           "INTEGER",
		"role":              "TEXT",
		"username_snapshot": "TEXT",
		"granted_by":        "INTEGER",
	},
	"messages": {
		"id":          "INTEGER",
		"room_slug":   "TEXT",
		"user_id":     "INTEGER",
		"username":    "TEXT",
		"content":     "TEXT",
		"profile_pic": "TEXT",
		"created_at":  "DATETIME",
	},
	"rate_limit_buckets": {
		"scope_key": "TEXT",
		"count":     "INTEGER",
		"reset_at":  "DATETIME",
	},
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the query indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints checks that the unique and check constraints reject
// bad rows. It writes inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO rooms (slug, name, kind) VALUES ('__check', 'check', 'bogus')`); err == nil {
		return fmt.Errorf("check constraint not enforced: rooms.kind")
	}
	if _, err := tx.Exec(`INSERT INTO rooms (slug, name, kind, direct_pair_key) VALUES ('__check_a', 'a', 'direct', '0:0')`); err != nil {
		return fmt.Errorf("failed to insert check room: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO rooms (slug, name, kind, direct_pair_key) VALUES ('__check_b', 'b', 'direct', '0:0')`); err == nil {
		return fmt.Errorf("unique constraint not enforced: rooms.direct_pair_key")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, want := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, want)
		}
	}
	return nil
}
