package store

// Schema contains the DDL of the evidence store.
const Schema = `
-- One row per (module, signal kind). state: 1 absent, 2 present (unknown is
-- never stored). confidence: 1 low, 2 medium, 3 high.
CREATE TABLE IF NOT EXISTS signal_verdicts (
    module_id   TEXT NOT NULL,
    signal_kind TEXT NOT NULL,
    state       INTEGER NOT NULL,
    confidence  INTEGER NOT NULL DEFAULT 0,
    epoch       TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    PRIMARY KEY (module_id, signal_kind)
);

-- Current epoch per module. A write or read under another epoch evicts the
-- module's verdicts and scan cursor first.
CREATE TABLE IF NOT EXISTS module_epochs (
    module_id  TEXT PRIMARY KEY,
    epoch      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Position of the batched content scan per module.
CREATE TABLE IF NOT EXISTS scan_cursors (
    module_id  TEXT PRIMARY KEY,
    cursor     TEXT NOT NULL DEFAULT '',
    epoch      TEXT NOT NULL,
    passes     INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`

// SchemaVersion is bumped when the meaning of stored verdicts changes. It is
// part of every epoch, so a bump discards all evidence.
const SchemaVersion = "1"

// Epoch returns the epoch of a module at version.
func Epoch(version string) string {
	return SchemaVersion + ":" + version
}
