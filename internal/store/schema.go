package store

// Schema is the research database schema. All statements are idempotent
// so Migrate can run on every startup. Idempotency of writes is carried
// by the unique keys declared here, not by application-level locking.
const Schema = `
CREATE TABLE IF NOT EXISTS evaluations (
    id                TEXT PRIMARY KEY,
    symbol            TEXT NOT NULL,
    direction         TEXT NOT NULL,
    entry_price       REAL,
    stop_price        REAL,
    created_at        INTEGER NOT NULL,
    features          TEXT NOT NULL,
    ensemble          TEXT NOT NULL,
    weights_used      TEXT NOT NULL,
    guardrail_allowed INTEGER NOT NULL DEFAULT 0,
    prefilter_passed  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_evaluations_symbol_time
    ON evaluations(symbol, created_at);

CREATE TABLE IF NOT EXISTS model_outputs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    evaluation_id TEXT NOT NULL,
    provider      TEXT NOT NULL,
    raw_response  TEXT,
    compliant     INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    latency_ms    INTEGER NOT NULL DEFAULT 0,
    trade_score   REAL,
    component_risks TEXT,
    expected_rr   REAL,
    confidence    REAL,
    should_trade  INTEGER,
    reasoning     TEXT,
    model_version TEXT,
    prompt_hash   TEXT,
    token_count   INTEGER NOT NULL DEFAULT 0,
    response_id   TEXT,
    UNIQUE(evaluation_id, provider)
);

CREATE TABLE IF NOT EXISTS outcomes (
    evaluation_id TEXT PRIMARY KEY,
    trade_taken   INTEGER NOT NULL DEFAULT 0,
    decision_type TEXT NOT NULL,
    entry_price   REAL,
    exit_price    REAL,
    r_multiple    REAL,
    exit_reason   TEXT,
    recorded_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    order_id          INTEGER PRIMARY KEY,
    symbol            TEXT NOT NULL,
    side              TEXT NOT NULL,
    order_type        TEXT NOT NULL,
    quantity          REAL NOT NULL,
    limit_price       REAL,
    aux_price         REAL,
    trailing_percent  REAL,
    discretionary_amt REAL,
    time_in_force     TEXT,
    parent_order_id   INTEGER,
    oca_group         TEXT,
    oca_type          INTEGER NOT NULL DEFAULT 0,
    transmit          INTEGER NOT NULL DEFAULT 1,
    strategy_version  TEXT,
    order_source      TEXT,
    correlation_id    TEXT NOT NULL,
    evaluation_id     TEXT,
    journal_id        TEXT,
    status            TEXT NOT NULL DEFAULT 'PendingSubmit',
    filled_quantity   REAL NOT NULL DEFAULT 0,
    avg_fill_price    REAL,
    created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_correlation ON orders(correlation_id);

CREATE TABLE IF NOT EXISTS executions (
    exec_id        TEXT PRIMARY KEY,
    order_id       INTEGER NOT NULL,
    symbol         TEXT NOT NULL,
    side           TEXT NOT NULL,
    shares         REAL NOT NULL,
    price          REAL NOT NULL,
    cum_qty        REAL NOT NULL DEFAULT 0,
    avg_price      REAL NOT NULL DEFAULT 0,
    account        TEXT,
    commission     REAL,
    realized_pnl   REAL,
    executed_at    INTEGER NOT NULL,
    correlation_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_correlation ON executions(correlation_id);
CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id);

CREATE TABLE IF NOT EXISTS eval_execution_links (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    evaluation_id TEXT NOT NULL,
    order_id      INTEGER NOT NULL,
    exec_id       TEXT,
    link_type     TEXT NOT NULL,
    confidence    REAL NOT NULL,
    symbol        TEXT NOT NULL,
    direction     TEXT,
    created_at    INTEGER NOT NULL,
    UNIQUE(evaluation_id, order_id)
);

CREATE TABLE IF NOT EXISTS ensemble_weights (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    snapshot   TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS weight_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot   TEXT NOT NULL,
    reason     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`
