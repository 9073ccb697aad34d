package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/approval-engine/types"
)

const uniqueViolation = "23505"

// Schema is the DDL applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS approval_definitions (
	id         TEXT        NOT NULL,
	version    INTEGER     NOT NULL,
	name       TEXT        NOT NULL DEFAULT '',
	nodes      JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS approval_instances (
	id                 BIGINT      PRIMARY KEY,
	definition_id      TEXT        NOT NULL,
	definition_version INTEGER     NOT NULL,
	business_object_id TEXT        NOT NULL,
	initiator_id       TEXT        NOT NULL,
	current_node_id    TEXT        NOT NULL,
	status             TEXT        NOT NULL,
	pending            JSONB       NOT NULL,
	path               JSONB       NOT NULL,
	context            JSONB       NOT NULL,
	version            BIGINT      NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	FOREIGN KEY (definition_id, definition_version) REFERENCES approval_definitions (id, version)
);

CREATE TABLE IF NOT EXISTS approval_records (
	id                 BIGINT      PRIMARY KEY,
	instance_id        BIGINT      NOT NULL REFERENCES approval_instances (id),
	sequence           INTEGER     NOT NULL,
	node_id            TEXT        NOT NULL,
	actor_id           TEXT        NOT NULL,
	action             TEXT        NOT NULL,
	comment            TEXT        NOT NULL DEFAULT '',
	delegate_target_id TEXT        NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	resulting_status   TEXT        NOT NULL,
	resulting_node_id  TEXT        NOT NULL,
	UNIQUE (instance_id, sequence)
);
`

// PostgresStorage is a PostgreSQL-backed Storage using pgx/v5.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a store over an existing pool.
func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

// ConnectPostgres opens a pool for dsn and verifies connectivity.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStorage(pool), nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// SaveDefinition inserts a definition version.
func (s *PostgresStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	nodesJSON, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_definitions (id, version, name, nodes, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		def.ID, def.Version, def.Name, nodesJSON, def.CreatedAt,
	)
	if isUniqueViolation(err) {
		return definitionExists(def.ID, def.Version)
	}
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (s *PostgresStorage) scanDefinition(row pgx.Row, id string, version int) (types.Definition, error) {
	var def types.Definition
	var nodesJSON []byte
	err := row.Scan(&def.ID, &def.Version, &def.Name, &nodesJSON, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Definition{}, definitionNotFound(id, version)
	}
	if err != nil {
		return types.Definition{}, fmt.Errorf("query definition: %w", err)
	}
	if err := json.Unmarshal(nodesJSON, &def.Nodes); err != nil {
		return types.Definition{}, fmt.Errorf("unmarshal nodes: %w", err)
	}
	return def, nil
}

// GetDefinition retrieves one definition version.
func (s *PostgresStorage) GetDefinition(ctx context.Context, id string, version int) (types.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, version, name, nodes, created_at
		FROM approval_definitions
		WHERE id = $1 AND version = $2`,
		id, version,
	)
	return s.scanDefinition(row, id, version)
}

// LatestDefinition retrieves the highest definition version.
func (s *PostgresStorage) LatestDefinition(ctx context.Context, id string) (types.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, version, name, nodes, created_at
		FROM approval_definitions
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1`,
		id,
	)
	return s.scanDefinition(row, id, 0)
}

type instanceColumns struct {
	pending, path, context []byte
}

func marshalInstance(inst types.Instance) (instanceColumns, error) {
	var cols instanceColumns
	var err error
	pending := inst.Pending
	if pending == nil {
		pending = []string{}
	}
	if cols.pending, err = json.Marshal(pending); err != nil {
		return cols, fmt.Errorf("marshal pending: %w", err)
	}
	if cols.path, err = json.Marshal(inst.Path); err != nil {
		return cols, fmt.Errorf("marshal path: %w", err)
	}
	if cols.context, err = json.Marshal(inst.Context); err != nil {
		return cols, fmt.Errorf("marshal context: %w", err)
	}
	return cols, nil
}

// CreateInstance inserts a new instance.
func (s *PostgresStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	cols, err := marshalInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_instances (
			id, definition_id, definition_version, business_object_id, initiator_id,
			current_node_id, status, pending, path, context, version,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14
		)`,
		int64(inst.ID), inst.DefinitionID, inst.DefinitionVersion, inst.BusinessObjectID, inst.InitiatorID,
		inst.CurrentNodeID, inst.Status, cols.pending, cols.path, cols.context, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if isUniqueViolation(err) {
		return instanceExists(inst.ID)
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

const instanceColumnList = `
	id, definition_id, definition_version, business_object_id, initiator_id,
	current_node_id, status, pending, path, context, version,
	created_at, updated_at, completed_at`

func scanInstance(row pgx.Row) (types.Instance, error) {
	var inst types.Instance
	var rawID int64
	var cols instanceColumns

	if err := row.Scan(
		&rawID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.BusinessObjectID, &inst.InitiatorID,
		&inst.CurrentNodeID, &inst.Status, &cols.pending, &cols.path, &cols.context, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	); err != nil {
		return types.Instance{}, err
	}
	inst.ID = uint64(rawID)

	if err := json.Unmarshal(cols.pending, &inst.Pending); err != nil {
		return types.Instance{}, fmt.Errorf("unmarshal pending: %w", err)
	}
	if err := json.Unmarshal(cols.path, &inst.Path); err != nil {
		return types.Instance{}, fmt.Errorf("unmarshal path: %w", err)
	}
	if err := json.Unmarshal(cols.context, &inst.Context); err != nil {
		return types.Instance{}, fmt.Errorf("unmarshal context: %w", err)
	}
	return inst, nil
}

// GetInstance retrieves an instance by ID.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumnList+` FROM approval_instances WHERE id = $1`, int64(id))
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Instance{}, instanceNotFound(id)
	}
	if err != nil {
		return types.Instance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// PendingFor uses JSONB containment on the pending column.
func (s *PostgresStorage) PendingFor(ctx context.Context, userID string) ([]types.Instance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumnList+`
		FROM approval_instances
		WHERE status = $1 AND pending @> jsonb_build_array($2::text)
		ORDER BY id`,
		types.StatusRunning, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending instances: %w", err)
	}
	defer rows.Close()

	var out []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending instances: %w", err)
	}
	return out, nil
}

// Commit updates the instance with optimistic locking and inserts the record
// in the same transaction.
func (s *PostgresStorage) Commit(ctx context.Context, inst types.Instance, expectedVersion int64, record types.ApprovalRecord) error {
	cols, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE approval_instances SET
			current_node_id = $1,
			status = $2,
			pending = $3,
			path = $4,
			context = $5,
			version = $6,
			updated_at = $7,
			completed_at = $8
		WHERE id = $9 AND version = $10`,
		inst.CurrentNodeID, inst.Status, cols.pending, cols.path, cols.context,
		inst.Version, inst.UpdatedAt, inst.CompletedAt,
		int64(inst.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_instances WHERE id = $1)`, int64(inst.ID)).Scan(&exists); err != nil {
			return fmt.Errorf("check instance: %w", err)
		}
		if !exists {
			return instanceNotFound(inst.ID)
		}
		return versionConflict(inst.ID, expectedVersion)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_records (
			id, instance_id, sequence, node_id, actor_id, action, comment,
			delegate_target_id, created_at, resulting_status, resulting_node_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		int64(record.ID), int64(record.InstanceID), record.Sequence, record.NodeID, record.ActorID,
		record.Action, record.Comment, record.DelegateTargetID, record.Timestamp,
		record.ResultingStatus, record.ResultingNodeID,
	)
	if isUniqueViolation(err) {
		return versionConflict(inst.ID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetHistory retrieves the records of an instance ordered by sequence.
func (s *PostgresStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, sequence, node_id, actor_id, action, comment,
		       delegate_target_id, created_at, resulting_status, resulting_node_id
		FROM approval_records
		WHERE instance_id = $1
		ORDER BY sequence ASC`,
		int64(instanceID),
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []types.ApprovalRecord
	for rows.Next() {
		var rec types.ApprovalRecord
		var id, instID int64
		if err := rows.Scan(
			&id, &instID, &rec.Sequence, &rec.NodeID, &rec.ActorID, &rec.Action, &rec.Comment,
			&rec.DelegateTargetID, &rec.Timestamp, &rec.ResultingStatus, &rec.ResultingNodeID,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.ID, rec.InstanceID = uint64(id), uint64(instID)
		records = append(records, rec)
	}
	return records, rows.Err()
}
