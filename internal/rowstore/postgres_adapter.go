package rowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/rowsync/engine/internal/hlc"
)

const (
	postgresRowsTable        = "rowsync_rows"
	postgresPendingOpsTable  = "rowsync_pending_ops"
	postgresKVTable          = "rowsync_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresAdapter is a durable StorageAdapter backed by three tables in a
// Postgres database: one row-store table keyed by (collection_id, id), one
// append-only pending-op log, and one flat key/value table. ApplyRows runs
// as a single transaction that locks every touched row with SELECT ... FOR
// UPDATE before deciding whether to write it, so a concurrent Query never
// observes a half-applied batch.
type PostgresAdapter struct {
	dsn       string
	namespace string
	openDB    sqlOpenFunc

	rowsTable    string
	pendingTable string
	kvTable      string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresAdapter builds an adapter bound to dsn and namespace. The
// connection and schema are created lazily on first use.
func NewPostgresAdapter(dsn string, namespace string) (*PostgresAdapter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || namespace == "" {
		return nil, ErrInvalidArgument
	}
	return &PostgresAdapter{
		dsn:          dsn,
		namespace:    namespace,
		openDB:       sql.Open,
		rowsTable:    postgresRowsTable,
		pendingTable: postgresPendingOpsTable,
		kvTable:      postgresKVTable,
	}, nil
}

func (a *PostgresAdapter) ensureReady() error {
	a.initOnce.Do(func() {
		db, err := a.openDB("postgres", a.dsn)
		if err != nil {
			a.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				collection_id TEXT NOT NULL,
				id TEXT NOT NULL,
				parent_id TEXT,
				data JSONB,
				tombstone BOOLEAN NOT NULL DEFAULT FALSE,
				tx_id TEXT,
				schema_version INTEGER,
				committed_timestamp_ms BIGINT NOT NULL DEFAULT 0,
				hlc_wall_ms BIGINT NOT NULL,
				hlc_counter BIGINT NOT NULL,
				hlc_device_id TEXT NOT NULL,
				PRIMARY KEY (collection_id, id)
			)`, postgresQuoteIdent(a.rowsTable)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (parent_id)`,
				postgresQuoteIdent(a.rowsTable+"_parent_idx"), postgresQuoteIdent(a.rowsTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				sequence BIGINT PRIMARY KEY,
				op_type TEXT NOT NULL,
				namespace TEXT NOT NULL,
				collection_id TEXT NOT NULL,
				id TEXT NOT NULL,
				parent_id TEXT,
				data JSONB,
				tx_id TEXT,
				schema_version INTEGER,
				hlc_wall_ms BIGINT NOT NULL,
				hlc_counter BIGINT NOT NULL,
				hlc_device_id TEXT NOT NULL
			)`, postgresQuoteIdent(a.pendingTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value JSONB NOT NULL
			)`, postgresQuoteIdent(a.kvTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				a.initErr = err
				return
			}
		}
		a.db = db
	})
	return a.initErr
}

func (a *PostgresAdapter) Query(ctx context.Context, filter QueryFilter) ([]Row, error) {
	if err := a.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}

	query := fmt.Sprintf(`
		SELECT namespace, collection_id, id, parent_id, data, tombstone, tx_id,
		       schema_version, committed_timestamp_ms, hlc_wall_ms, hlc_counter, hlc_device_id
		FROM %s
		WHERE namespace = $1
		  AND ($2 = '' OR collection_id = $2)
		  AND ($3 = '' OR id = $3)
		  AND ($4 = '' OR parent_id = $4)
		  AND (tombstone = FALSE OR $5 = TRUE)
		ORDER BY collection_id ASC, id ASC`, postgresQuoteIdent(a.rowsTable))

	parentID := ""
	if filter.ParentID != nil {
		parentID = *filter.ParentID
	}
	rows, err := a.db.QueryContext(ctx, query, a.namespace, filter.CollectionID, filter.ID, parentID, filter.IncludeTombstones)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (Row, error) {
	var row Row
	var parentID sql.NullString
	var data []byte
	var txID sql.NullString
	var schemaVersion sql.NullInt64
	if err := rows.Scan(&row.Namespace, &row.CollectionID, &row.ID, &parentID, &data, &row.Tombstone,
		&txID, &schemaVersion, &row.CommittedTimestampMs, &row.HLCTimestampMs, &row.HLCCounter, &row.HLCDeviceID); err != nil {
		return Row{}, err
	}
	if parentID.Valid {
		row.ParentID = &parentID.String
	}
	if len(data) > 0 {
		row.Data = json.RawMessage(data)
	}
	if txID.Valid {
		row.TxID = txID.String
	}
	if schemaVersion.Valid {
		v := int(schemaVersion.Int64)
		row.SchemaVersion = &v
	}
	return row, nil
}

func (a *PostgresAdapter) ApplyRows(ctx context.Context, incoming []Row) ([]ApplyOutcome, error) {
	for _, row := range incoming {
		if row.Namespace != a.namespace {
			return nil, &NamespaceMismatchError{Configured: a.namespace, Incoming: row.Namespace}
		}
	}
	if err := a.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`
		SELECT hlc_wall_ms, hlc_counter, hlc_device_id FROM %s
		WHERE namespace = $1 AND collection_id = $2 AND id = $3
		FOR UPDATE`, postgresQuoteIdent(a.rowsTable))
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (namespace, collection_id, id, parent_id, data, tombstone, tx_id,
		                 schema_version, committed_timestamp_ms, hlc_wall_ms, hlc_counter, hlc_device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (collection_id, id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			data = EXCLUDED.data,
			tombstone = EXCLUDED.tombstone,
			tx_id = EXCLUDED.tx_id,
			schema_version = EXCLUDED.schema_version,
			committed_timestamp_ms = EXCLUDED.committed_timestamp_ms,
			hlc_wall_ms = EXCLUDED.hlc_wall_ms,
			hlc_counter = EXCLUDED.hlc_counter,
			hlc_device_id = EXCLUDED.hlc_device_id`, postgresQuoteIdent(a.rowsTable))

	outcomes := make([]ApplyOutcome, 0, len(incoming))
	// pendingWrites tracks rows already decided-written earlier in this same
	// batch, since FOR UPDATE against the table alone would not see them
	// until the statement that inserted them commits.
	pendingWrites := map[rowKey]Row{}
	for _, row := range incoming {
		key := rowKey{CollectionID: row.CollectionID, ID: row.ID}
		var existing hlc.Clock
		found := false
		if staged, ok := pendingWrites[key]; ok {
			existing = staged.Clock()
			found = true
		} else {
			r := tx.QueryRowContext(ctx, selectQuery, a.namespace, row.CollectionID, row.ID)
			var wallMs int64
			var counter uint64
			var deviceID string
			scanErr := r.Scan(&wallMs, &counter, &deviceID)
			if scanErr == nil {
				existing = hlc.Clock{WallMs: wallMs, Counter: counter, DeviceID: deviceID}
				found = true
			} else if !errors.Is(scanErr, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, scanErr)
			}
		}

		written := !found || hlc.GreaterThan(row.Clock(), existing)
		if written {
			var parentID interface{}
			if row.ParentID != nil {
				parentID = *row.ParentID
			}
			var schemaVersion interface{}
			if row.SchemaVersion != nil {
				schemaVersion = *row.SchemaVersion
			}
			var data interface{}
			if row.Data != nil {
				data = []byte(row.Data)
			}
			if _, err := tx.ExecContext(ctx, upsertQuery, row.Namespace, row.CollectionID, row.ID, parentID,
				data, row.Tombstone, nullableString(row.TxID), schemaVersion, row.CommittedTimestampMs,
				row.HLCTimestampMs, row.HLCCounter, row.HLCDeviceID); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
			}
			pendingWrites[key] = row
		}

		outcomes = append(outcomes, ApplyOutcome{
			Written:              written,
			Namespace:            row.Namespace,
			CollectionID:         row.CollectionID,
			ID:                   row.ID,
			ParentID:             row.ParentID,
			Tombstone:            row.Tombstone,
			CommittedTimestampMs: row.CommittedTimestampMs,
			Clock:                row.Clock(),
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	committed = true
	return outcomes, nil
}

func (a *PostgresAdapter) AppendPending(ctx context.Context, ops []PendingOp) error {
	if err := a.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var last sql.NullInt64
	maxQuery := fmt.Sprintf("SELECT MAX(sequence) FROM %s", postgresQuoteIdent(a.pendingTable))
	if err := tx.QueryRowContext(ctx, maxQuery).Scan(&last); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	lastSeq := uint64(0)
	if last.Valid {
		lastSeq = uint64(last.Int64)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (sequence, op_type, namespace, collection_id, id, parent_id, data, tx_id,
		                 schema_version, hlc_wall_ms, hlc_counter, hlc_device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, postgresQuoteIdent(a.pendingTable))
	for _, op := range ops {
		if op.Sequence <= lastSeq {
			return fmt.Errorf("%w: pending sequence %d is not strictly increasing after %d", ErrInvalidArgument, op.Sequence, lastSeq)
		}
		lastSeq = op.Sequence

		var parentID interface{}
		if op.ParentID != nil {
			parentID = *op.ParentID
		}
		var schemaVersion interface{}
		if op.SchemaVersion != nil {
			schemaVersion = *op.SchemaVersion
		}
		var data interface{}
		if op.Data != nil {
			data = []byte(op.Data)
		}
		if _, err := tx.ExecContext(ctx, insertQuery, op.Sequence, string(op.Type), op.Namespace, op.CollectionID,
			op.ID, parentID, data, nullableString(op.TxID), schemaVersion, op.HLCTimestampMs, op.HLCCounter, op.HLCDeviceID); err != nil {
			return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	committed = true
	return nil
}

func (a *PostgresAdapter) GetPending(ctx context.Context, limit int) ([]PendingOp, error) {
	if err := a.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	query := fmt.Sprintf(`
		SELECT sequence, op_type, namespace, collection_id, id, parent_id, data, tx_id,
		       schema_version, hlc_wall_ms, hlc_counter, hlc_device_id
		FROM %s ORDER BY sequence ASC`, postgresQuoteIdent(a.pendingTable))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	defer rows.Close()

	out := make([]PendingOp, 0)
	for rows.Next() {
		var op PendingOp
		var opType string
		var parentID sql.NullString
		var data []byte
		var txID sql.NullString
		var schemaVersion sql.NullInt64
		if err := rows.Scan(&op.Sequence, &opType, &op.Namespace, &op.CollectionID, &op.ID, &parentID, &data,
			&txID, &schemaVersion, &op.HLCTimestampMs, &op.HLCCounter, &op.HLCDeviceID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
		}
		op.Type = PendingOpType(opType)
		if parentID.Valid {
			op.ParentID = &parentID.String
		}
		if len(data) > 0 {
			op.Data = json.RawMessage(data)
		}
		if txID.Valid {
			op.TxID = txID.String
		}
		if schemaVersion.Valid {
			v := int(schemaVersion.Int64)
			op.SchemaVersion = &v
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (a *PostgresAdapter) RemovePendingThrough(ctx context.Context, seqInclusive uint64) error {
	if err := a.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE sequence <= $1", postgresQuoteIdent(a.pendingTable))
	if _, err := a.db.ExecContext(ctx, query, seqInclusive); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

func (a *PostgresAdapter) PutKV(ctx context.Context, key string, value json.RawMessage) error {
	if err := a.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, postgresQuoteIdent(a.kvTable))
	if _, err := a.db.ExecContext(ctx, query, key, []byte(value)); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

func (a *PostgresAdapter) GetKV(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := a.ensureReady(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", postgresQuoteIdent(a.kvTable))
	var data []byte
	err := a.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return json.RawMessage(data), true, nil
}

func (a *PostgresAdapter) DeleteKV(ctx context.Context, key string) error {
	if err := a.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdent(a.kvTable))
	if _, err := a.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	return nil
}

// MaxPendingSequence returns MAX(sequence) over the rows currently in the
// durable pending log, or 0 once it has been emptied, for seeding an
// engine's counter on startup.
func (a *PostgresAdapter) MaxPendingSequence(ctx context.Context) (uint64, error) {
	if err := a.ensureReady(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	var last sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(sequence) FROM %s", postgresQuoteIdent(a.pendingTable))
	if err := a.db.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAdapterBackend, err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func (a *PostgresAdapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func postgresQuoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
