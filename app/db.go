package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"huehub/models"

	"github.com/google/uuid"
)

// Event subjects
const (
	HueBridgeChanged   = "hue.bridge.changed"
	HueBridgeRemoved   = "hue.bridge.removed"
	HueResourceCreated = "hue.resource.created"
	HueResourceDeleted = "hue.resource.deleted"
)

var ErrResourceNotFound = errors.New("resource not found")

// Store persists what is needed to resume polling after a restart.
type Store interface {
	SaveBridge(ctx context.Context, bridge models.BridgeRecord) error
	LoadBridges(ctx context.Context) ([]models.BridgeRecord, error)
	DeleteBridge(ctx context.Context, id string) error
	CreateResource(ctx context.Context, resource models.ResourceRecord) (*models.ResourceRecord, error)
	DeleteResource(ctx context.Context, id uuid.UUID) error
	LoadResources(ctx context.Context) ([]models.ResourceRecord, error)
}

type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) SaveBridge(ctx context.Context, bridge models.BridgeRecord) error {
	query := `
        INSERT INTO hue_bridges (id, name, host, manufacturer, model, username, enabled, heartrate, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            host = EXCLUDED.host,
            manufacturer = EXCLUDED.manufacturer,
            model = EXCLUDED.model,
            username = EXCLUDED.username,
            enabled = EXCLUDED.enabled,
            heartrate = EXCLUDED.heartrate,
            updated_at = now()`

	_, err := s.db.ExecContext(ctx, query, bridge.ID, bridge.Name, bridge.Host, bridge.Manufacturer, bridge.Model,
		bridge.Username, bridge.Enabled, bridge.Heartrate)
	if err != nil {
		return fmt.Errorf("failed to save bridge %s: %w", bridge.ID, err)
	}
	return nil
}

func (s *PgStore) LoadBridges(ctx context.Context) ([]models.BridgeRecord, error) {
	query := `
        SELECT id, name, host, manufacturer, model, username, enabled, heartrate, updated_at
        FROM hue_bridges`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.BridgeRecord
	for rows.Next() {
		var b models.BridgeRecord
		if err := rows.Scan(&b.ID, &b.Name, &b.Host, &b.Manufacturer, &b.Model, &b.Username, &b.Enabled,
			&b.Heartrate, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bridge: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PgStore) DeleteBridge(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// child rows first
	if _, err := tx.ExecContext(ctx, `DELETE FROM hue_resources WHERE bridge_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete resources of bridge %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hue_bridges WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete bridge %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateResource stores resource under a fresh uuid. The bridge row is
// created when missing so a resource can be exposed before the first state
// change of its bridge was saved.
func (s *PgStore) CreateResource(ctx context.Context, resource models.ResourceRecord) (*models.ResourceRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bridgeQuery := `
        INSERT INTO hue_bridges (id, host)
        VALUES ($1, '')
        ON CONFLICT (id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, bridgeQuery, resource.BridgeID); err != nil {
		return nil, fmt.Errorf("failed to insert bridge: %w", err)
	}

	resource.UUID = uuid.New()
	resourceQuery := `
        INSERT INTO hue_resources (uuid, bridge_id, kind, resource_id, name)
        VALUES ($1, $2, $3, $4, $5)`
	_, err = tx.ExecContext(ctx, resourceQuery, resource.UUID, resource.BridgeID, resource.Kind, resource.ResourceID,
		resource.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to insert resource: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &resource, nil
}

func (s *PgStore) DeleteResource(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hue_resources WHERE uuid = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrResourceNotFound)
	}
	return nil
}

func (s *PgStore) LoadResources(ctx context.Context) ([]models.ResourceRecord, error) {
	query := `SELECT uuid, bridge_id, kind, resource_id, name FROM hue_resources`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ResourceRecord
	for rows.Next() {
		var r models.ResourceRecord
		if err := rows.Scan(&r.UUID, &r.BridgeID, &r.Kind, &r.ResourceID, &r.Name); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
