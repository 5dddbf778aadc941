package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"overlord/pkg/types"
)

// SQLConfig holds the metadata database connection settings.
type SQLConfig struct {
	Driver          string `yaml:"driver"` // mysql, postgres
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	Charset         string `yaml:"charset"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// taskRow is the persisted task payload. Seq preserves insertion order for
// deterministic replay.
type taskRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"uniqueIndex;size:255;not null"`
	Type      string `gorm:"size:64;not null"`
	Priority  int
	Intervals []byte `gorm:"type:blob"`
	Payload   []byte `gorm:"type:blob"`
	CreatedAt time.Time
}

func (taskRow) TableName() string { return "overlord_tasks" }

// taskStatusRow is one entry of a task's append-only status log.
type taskStatusRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"index;size:255;not null"`
	Code      string `gorm:"size:16;not null"`
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
}

func (taskStatusRow) TableName() string { return "overlord_task_status" }

// SQLTaskStorage stores tasks in a relational metadata database via gorm.
type SQLTaskStorage struct {
	db *gorm.DB
}

// OpenSQLTaskStorage connects to the metadata database and migrates the
// schema.
func OpenSQLTaskStorage(cfg *SQLConfig) (*SQLTaskStorage, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.Charset)
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	if err := db.AutoMigrate(&taskRow{}, &taskStatusRow{}); err != nil {
		return nil, fmt.Errorf("migrate metadata schema: %w", err)
	}

	return &SQLTaskStorage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLTaskStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert persists a new task with its initial status.
func (s *SQLTaskStorage) Insert(ctx context.Context, task *types.Task, status types.TaskStatus) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if status.TaskID != task.ID {
		return fmt.Errorf("status task id %q does not match task %q", status.TaskID, task.ID)
	}

	intervals, err := json.Marshal(task.Intervals)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&taskRow{}).Where("task_id = ?", task.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("insert %s: %w", task.ID, ErrTaskExists)
		}

		row := &taskRow{
			TaskID:    task.ID,
			Type:      task.Type,
			Priority:  task.Priority,
			Intervals: intervals,
			Payload:   task.Payload,
			CreatedAt: time.Now(),
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Create(&taskStatusRow{
			TaskID:    task.ID,
			Code:      string(status.Code),
			Error:     status.Error,
			CreatedAt: status.UpdatedAt,
		}).Error
	})
}

// SetStatus appends a status entry, enforcing monotonic transitions.
func (s *SQLTaskStorage) SetStatus(ctx context.Context, status types.TaskStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest taskStatusRow
		err := tx.Where("task_id = ?", status.TaskID).Order("seq DESC").First(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("set status %s: %w", status.TaskID, ErrTaskNotFound)
		}
		if err != nil {
			return err
		}

		current := types.TaskStatusCode(latest.Code)
		if current == status.Code {
			return nil
		}
		if !current.CanTransitionTo(status.Code) {
			return fmt.Errorf("set status %s: %s -> %s: %w",
				status.TaskID, current, status.Code, ErrStatusConflict)
		}

		return tx.Create(&taskStatusRow{
			TaskID:    status.TaskID,
			Code:      string(status.Code),
			Error:     status.Error,
			CreatedAt: status.UpdatedAt,
		}).Error
	})
}

// Task returns the immutable payload for the id.
func (s *SQLTaskStorage) Task(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("task_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rowToTask(&row)
}

// Status returns the latest status entry for the id.
func (s *SQLTaskStorage) Status(ctx context.Context, id string) (types.TaskStatus, error) {
	var row taskStatusRow
	err := s.db.WithContext(ctx).Where("task_id = ?", id).Order("seq DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.TaskStatus{}, fmt.Errorf("status %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return types.TaskStatus{}, err
	}
	return rowToStatus(&row), nil
}

// StatusHistory returns all status entries for the id, oldest first.
func (s *SQLTaskStorage) StatusHistory(ctx context.Context, id string) ([]types.TaskStatus, error) {
	var rows []taskStatusRow
	if err := s.db.WithContext(ctx).Where("task_id = ?", id).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("status history %s: %w", id, ErrTaskNotFound)
	}

	history := make([]types.TaskStatus, 0, len(rows))
	for i := range rows {
		history = append(history, rowToStatus(&rows[i]))
	}
	return history, nil
}

// latestStatuses loads the newest status entry of every task in one query.
// Replay runs this on each management pass, so it must not degrade into one
// lookup per task as history grows.
func (s *SQLTaskStorage) latestStatuses(ctx context.Context) (map[string]types.TaskStatus, error) {
	newest := s.db.Model(&taskStatusRow{}).
		Select("task_id AS tid, MAX(seq) AS max_seq").
		Group("task_id")

	var rows []taskStatusRow
	err := s.db.WithContext(ctx).Model(&taskStatusRow{}).
		Joins("JOIN (?) AS newest ON newest.tid = overlord_task_status.task_id AND newest.max_seq = overlord_task_status.seq", newest).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	latest := make(map[string]types.TaskStatus, len(rows))
	for i := range rows {
		latest[rows[i].TaskID] = rowToStatus(&rows[i])
	}
	return latest, nil
}

// ActiveTasks returns non-terminal tasks in insertion order.
func (s *SQLTaskStorage) ActiveTasks(ctx context.Context) ([]*types.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	latest, err := s.latestStatuses(ctx)
	if err != nil {
		return nil, err
	}

	var active []*types.Task
	for i := range rows {
		status, ok := latest[rows[i].TaskID]
		if !ok {
			return nil, fmt.Errorf("task %s has no status entry: %w", rows[i].TaskID, ErrTaskNotFound)
		}
		if status.Code.Terminal() {
			continue
		}
		task, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		active = append(active, task)
	}
	return active, nil
}

// CompleteStatuses returns latest statuses of terminal tasks in insertion order.
func (s *SQLTaskStorage) CompleteStatuses(ctx context.Context) ([]types.TaskStatus, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	latest, err := s.latestStatuses(ctx)
	if err != nil {
		return nil, err
	}

	var complete []types.TaskStatus
	for i := range rows {
		if status, ok := latest[rows[i].TaskID]; ok && status.Code.Terminal() {
			complete = append(complete, status)
		}
	}
	return complete, nil
}

func rowToTask(row *taskRow) (*types.Task, error) {
	var intervals []types.Interval
	if len(row.Intervals) > 0 {
		if err := json.Unmarshal(row.Intervals, &intervals); err != nil {
			return nil, fmt.Errorf("decode intervals for %s: %w", row.TaskID, err)
		}
	}
	return &types.Task{
		ID:        row.TaskID,
		Type:      row.Type,
		Priority:  row.Priority,
		Intervals: intervals,
		Payload:   row.Payload,
	}, nil
}

func rowToStatus(row *taskStatusRow) types.TaskStatus {
	return types.TaskStatus{
		TaskID:    row.TaskID,
		Code:      types.TaskStatusCode(row.Code),
		Error:     row.Error,
		UpdatedAt: row.CreatedAt,
	}
}
