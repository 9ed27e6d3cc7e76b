package db

// migration holds a single schema migration with its target version and SQL.
// Versions are forward-only: a migration is applied at most once and recorded
// in schema_migrations.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations, sequential from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS mailboxes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT UNIQUE NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	message_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox_id      INTEGER NOT NULL,
	message_ref     TEXT,
	from_address    TEXT NOT NULL,
	to_address      TEXT NOT NULL,
	subject         TEXT,
	text_body       TEXT,
	html_body       TEXT,
	headers_blob    TEXT NOT NULL DEFAULT '[]',
	raw_source      TEXT NOT NULL DEFAULT '',
	has_attachments INTEGER NOT NULL DEFAULT 0,
	is_read         INTEGER NOT NULL DEFAULT 0,
	received_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_mailbox_id ON messages(mailbox_id);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_message_ref ON messages(message_ref);

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   INTEGER NOT NULL,
	filename     TEXT NOT NULL,
	content_type TEXT,
	size         INTEGER NOT NULL DEFAULT 0,
	content      BLOB,
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT OR IGNORE INTO settings (key, value) VALUES ('smtp_port', '2500');
`,
	},
}
