package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	validity  INTEGER NOT NULL DEFAULT 0,
	cursor    TEXT NOT NULL DEFAULT '',
	synced_at DATETIME
);

CREATE TABLE IF NOT EXISTS envelopes (
	folder         TEXT NOT NULL REFERENCES folders(name) ON DELETE CASCADE,
	uid            INTEGER NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	from_name      TEXT,
	from_addr      TEXT,
	to_name        TEXT,
	to_addr        TEXT,
	date           DATETIME,
	size           INTEGER NOT NULL DEFAULT 0,
	flags          TEXT NOT NULL DEFAULT '[]',
	in_reply_to    TEXT NOT NULL DEFAULT '',
	has_attachment INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (folder, uid)
);

CREATE TABLE IF NOT EXISTS bodies (
	folder     TEXT NOT NULL,
	uid        INTEGER NOT NULL,
	state      TEXT NOT NULL DEFAULT 'absent'
		CHECK(state IN ('absent', 'headers', 'full')),
	raw        BLOB,
	fetched_at DATETIME,
	PRIMARY KEY (folder, uid),
	FOREIGN KEY (folder, uid) REFERENCES envelopes(folder, uid) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_leases (
	folder     TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_envelopes_date ON envelopes(folder, date);
CREATE INDEX IF NOT EXISTS idx_envelopes_message_id ON envelopes(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// latestSchemaVersion is the schema version this build writes and reads.
var latestSchemaVersion = migrations[len(migrations)-1].version
