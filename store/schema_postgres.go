package store

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS vehicles (
    seq             BIGSERIAL PRIMARY KEY,
    id              TEXT NOT NULL UNIQUE,
    name            TEXT NOT NULL DEFAULT '',
    max_payload_kg  DOUBLE PRECISION NOT NULL DEFAULT 0,
    home_lat        DOUBLE PRECISION NOT NULL DEFAULT 0,
    home_lon        DOUBLE PRECISION NOT NULL DEFAULT 0,
    home_alt        DOUBLE PRECISION NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'IDLE',
    pos_lat         DOUBLE PRECISION,
    pos_lon         DOUBLE PRECISION,
    pos_alt         DOUBLE PRECISION,
    soc             DOUBLE PRECISION,
    mode            TEXT NOT NULL DEFAULT '',
    armed           BOOLEAN NOT NULL DEFAULT FALSE,
    last_telemetry  TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_vehicles_status ON vehicles(status);

CREATE TABLE IF NOT EXISTS missions (
    id              TEXT PRIMARY KEY,
    payload_kg      DOUBLE PRECISION NOT NULL DEFAULT 0,
    priority        TEXT NOT NULL DEFAULT 'normal',
    vehicle_id      TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'CREATED',
    distance_m      DOUBLE PRECISION NOT NULL DEFAULT 0,
    est_duration_s  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);

CREATE TABLE IF NOT EXISTS waypoints (
    mission_id  TEXT NOT NULL REFERENCES missions(id),
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    lat         DOUBLE PRECISION NOT NULL,
    lon         DOUBLE PRECISION NOT NULL,
    alt         DOUBLE PRECISION NOT NULL,
    hold_s      DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (mission_id, seq)
);

CREATE TABLE IF NOT EXISTS mission_history (
    id          BIGSERIAL PRIMARY KEY,
    mission_id  TEXT NOT NULL REFERENCES missions(id),
    status      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mission_history_mission ON mission_history(mission_id);
`
