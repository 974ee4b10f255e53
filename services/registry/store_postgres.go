package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"deploycli/pkg/db"
	"deploycli/pkg/manifest"
)

type taskModel struct {
	ID          string            `gorm:"type:text;primaryKey"`
	Name        string            `gorm:"type:text;primaryKey"`
	Description string            `gorm:"type:text;not null;default:''"`
	Meta        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (taskModel) TableName() string { return "tasks" }

type taskRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Description string `db:"description"`
}

func (r taskRow) toTask() manifest.Task {
	return manifest.Task{ID: r.ID, Name: r.Name, Description: r.Description}
}

// PostgresRegistry stores records in the tasks table. Reads go through
// pgxscan, writes through gorm on the same pool.
type PostgresRegistry struct {
	pool  *pgxpool.Pool
	orm   *gorm.DB
	sqlDB *sql.DB
}

// NewPostgresRegistry migrates the schema and returns a registry on pool.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, err
	}
	orm, sqlDB, err := db.Gorm(pool)
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &PostgresRegistry{pool: pool, orm: orm, sqlDB: sqlDB}, nil
}

// Close releases the gorm handle. The pool stays open.
func (p *PostgresRegistry) Close() error {
	return p.sqlDB.Close()
}

func (p *PostgresRegistry) List(ctx context.Context) ([]manifest.Task, error) {
	var rows []taskRow
	err := db.Select(ctx, p.pool, &rows, `SELECT id, name, description FROM tasks ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]manifest.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTask())
	}
	return out, nil
}

func (p *PostgresRegistry) Get(ctx context.Context, id, name string) (manifest.Task, error) {
	var row taskRow
	err := db.Get(ctx, p.pool, &row, `SELECT id, name, description FROM tasks WHERE id = $1 AND name = $2`, id, name)
	if pgxscan.NotFound(err) {
		return manifest.Task{}, ErrNotFound
	}
	if err != nil {
		return manifest.Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.toTask(), nil
}

func (p *PostgresRegistry) Upsert(ctx context.Context, task manifest.Task) error {
	model := taskModel{
		ID:          task.ID,
		Name:        task.Name,
		Description: task.Description,
		Meta:        datatypes.JSONMap{"key": task.Key()},
	}

	return db.WithTimeout(ctx, db.DefaultTimeout, func(ctx context.Context) error {
		err := p.orm.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "meta", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		return nil
	})
}

func (p *PostgresRegistry) Remove(ctx context.Context, id, name string) error {
	return db.WithTimeout(ctx, db.DefaultTimeout, func(ctx context.Context) error {
		res := p.orm.WithContext(ctx).Where("id = ? AND name = ?", id, name).Delete(&taskModel{})
		if res.Error != nil {
			return fmt.Errorf("remove task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
