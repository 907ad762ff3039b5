package sqlite

const schema = `
-- Key-value documents (options, server list cache, recent servers)
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS update_kv_timestamp AFTER UPDATE ON kv
BEGIN
    UPDATE kv SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
END;
`

// runMigrations executes the database schema
func runMigrations(db *DB) error {
	_, err := db.db.Exec(schema)
	return err
}
