package store

const schema = `
-- Decks group cards under a flat unique name.
CREATE TABLE IF NOT EXISTS decks (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

-- Sources are imported packages, keyed by the hash of their raw bytes.
CREATE TABLE IF NOT EXISTS sources (
    id      TEXT PRIMARY KEY,
    name    TEXT NOT NULL,
    created DATETIME NOT NULL
);

-- Templates are keyed by the hash of their rendering content.
CREATE TABLE IF NOT EXISTS templates (
    id        TEXT PRIMARY KEY,
    name      TEXT NOT NULL,
    source_id TEXT,
    front     TEXT NOT NULL,
    back      TEXT NOT NULL DEFAULT '',
    css       TEXT NOT NULL DEFAULT '',
    js        TEXT NOT NULL DEFAULT '',

    FOREIGN KEY(source_id) REFERENCES sources(id)
);

-- Notes are keyed by the hash of their canonicalized field data.
-- data and field_order are JSON objects with identical key sets.
CREATE TABLE IF NOT EXISTS notes (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    source_id   TEXT,
    data        TEXT NOT NULL,
    field_order TEXT NOT NULL,

    FOREIGN KEY(source_id) REFERENCES sources(id)
);

-- Media blobs are keyed by the hash of their bytes.
CREATE TABLE IF NOT EXISTS media (
    id        TEXT PRIMARY KEY,
    name      TEXT NOT NULL,
    source_id TEXT,
    data      BLOB NOT NULL,

    FOREIGN KEY(source_id) REFERENCES sources(id)
);

-- Cards are the only rows with a random identity. tag and stat are JSON.
CREATE TABLE IF NOT EXISTS cards (
    id          TEXT PRIMARY KEY,
    deck_id     TEXT NOT NULL,
    template_id TEXT,
    note_id     TEXT,
    front       TEXT NOT NULL,
    back        TEXT NOT NULL DEFAULT '',
    mnemonic    TEXT NOT NULL DEFAULT '',
    srs_level   INTEGER,
    next_review DATETIME,
    tag         TEXT NOT NULL DEFAULT '[]',
    created     DATETIME NOT NULL,
    modified    DATETIME,
    stat        TEXT
);
`
