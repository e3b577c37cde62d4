package store

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS vehicles (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    name            TEXT NOT NULL DEFAULT '',
    max_payload_kg  REAL NOT NULL DEFAULT 0,
    home_lat        REAL NOT NULL DEFAULT 0,
    home_lon        REAL NOT NULL DEFAULT 0,
    home_alt        REAL NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'IDLE',
    pos_lat         REAL,
    pos_lon         REAL,
    pos_alt         REAL,
    soc             REAL,
    mode            TEXT NOT NULL DEFAULT '',
    armed           INTEGER NOT NULL DEFAULT 0,
    last_telemetry  TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_vehicles_status ON vehicles(status);

CREATE TABLE IF NOT EXISTS missions (
    id              TEXT PRIMARY KEY,
    payload_kg      REAL NOT NULL DEFAULT 0,
    priority        TEXT NOT NULL DEFAULT 'normal',
    vehicle_id      TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'CREATED',
    distance_m      REAL NOT NULL DEFAULT 0,
    est_duration_s  REAL NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);

CREATE TABLE IF NOT EXISTS waypoints (
    mission_id  TEXT NOT NULL REFERENCES missions(id),
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    lat         REAL NOT NULL,
    lon         REAL NOT NULL,
    alt         REAL NOT NULL,
    hold_s      REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (mission_id, seq)
);

CREATE TABLE IF NOT EXISTS mission_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    mission_id  TEXT NOT NULL REFERENCES missions(id),
    status      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mission_history_mission ON mission_history(mission_id);
`
