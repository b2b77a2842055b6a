package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"

	"github.com/baobabichh/diabetic-diary/config"
	"github.com/baobabichh/diabetic-diary/models"
)

// Database wraps the MySQL connection holding FoodRecognitions rows.
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with exponential backoff retry
	var waitInterval = 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		} else {
			log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, err)
		}
		time.Sleep(waitInterval)
		if waitInterval < 30*time.Second {
			waitInterval *= 2
		}
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// NewDatabaseFromConn wraps an existing connection. Used by tests.
func NewDatabaseFromConn(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// GetDB returns the underlying connection for collaborators that need it.
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// CreateFoodRecognitionsTable creates the FoodRecognitions table if it doesn't exist
func (d *Database) CreateFoodRecognitionsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS FoodRecognitions (
		ID INT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		UserID INT UNSIGNED NOT NULL,
		PhotoPath VARCHAR(512) NOT NULL DEFAULT '',
		Status ENUM('1', '2', '3', '4') NOT NULL DEFAULT '1',
		ResultJson LONGTEXT,
		CreatedAt TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_food_recognitions_user (UserID),
		INDEX idx_food_recognitions_status (Status)
	)`

	_, err := d.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to create FoodRecognitions table: %w", err)
	}

	log.Info("FoodRecognitions table created/verified successfully")
	return nil
}

// columnExists checks if a column exists in a table
func (d *Database) columnExists(tableName, columnName string) (bool, error) {
	query := `
	SELECT COUNT(*)
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = DATABASE()
	AND TABLE_NAME = ?
	AND COLUMN_NAME = ?`

	var count int
	err := d.db.QueryRow(query, tableName, columnName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check if column exists: %w", err)
	}

	return count > 0, nil
}

// MigrateFoodRecognitionsTable adds columns introduced after the initial
// schema. Older deployments carried only UserID and Status.
func (d *Database) MigrateFoodRecognitionsTable() error {
	migrations := []struct {
		column string
		query  string
	}{
		{"PhotoPath", "ALTER TABLE FoodRecognitions ADD COLUMN PhotoPath VARCHAR(512) NOT NULL DEFAULT ''"},
		{"ResultJson", "ALTER TABLE FoodRecognitions ADD COLUMN ResultJson LONGTEXT"},
		{"CreatedAt", "ALTER TABLE FoodRecognitions ADD COLUMN CreatedAt TIMESTAMP DEFAULT CURRENT_TIMESTAMP"},
	}

	for _, m := range migrations {
		exists, err := d.columnExists("FoodRecognitions", m.column)
		if err != nil {
			return fmt.Errorf("failed to check if %s column exists: %w", m.column, err)
		}
		if exists {
			continue
		}
		log.Infof("Adding %s column to FoodRecognitions table...", m.column)
		if _, err := d.db.Exec(m.query); err != nil {
			return fmt.Errorf("failed to add %s column: %w", m.column, err)
		}
	}

	return nil
}

// CreateRequest inserts a new request in Waiting state and returns its id.
func (d *Database) CreateRequest(userID uint64) (uint64, error) {
	res, err := d.db.Exec(
		"INSERT INTO FoodRecognitions (UserID, Status) VALUES (?, ?)",
		userID, string(models.StatusWaiting),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert recognition request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("insert returned invalid id %d", id)
	}
	return uint64(id), nil
}

// SetPhotoPath records where the raw image was stored for a request.
func (d *Database) SetPhotoPath(id uint64, path string) error {
	_, err := d.db.Exec("UPDATE FoodRecognitions SET PhotoPath = ? WHERE ID = ?", path, id)
	if err != nil {
		return fmt.Errorf("failed to set photo path for request %d: %w", id, err)
	}
	return nil
}

// DeleteRequest removes a request row. Only the ingestion boundary calls
// this, as compensation when a later ingestion step fails.
func (d *Database) DeleteRequest(id uint64) error {
	_, err := d.db.Exec("DELETE FROM FoodRecognitions WHERE ID = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete request %d: %w", id, err)
	}
	return nil
}

// GetImagePath returns the stored image path for a request.
// sql.ErrNoRows passes through so callers can distinguish a missing row.
func (d *Database) GetImagePath(id uint64) (string, error) {
	var path string
	err := d.db.QueryRow("SELECT PhotoPath FROM FoodRecognitions WHERE ID = ?", id).Scan(&path)
	if err != nil {
		return "", err
	}
	return path, nil
}

// MarkProcessing transitions a request to Processing unless it already
// reached a terminal state.
func (d *Database) MarkProcessing(id uint64) error {
	_, err := d.db.Exec(
		"UPDATE FoodRecognitions SET Status = ? WHERE ID = ? AND Status NOT IN (?, ?)",
		string(models.StatusProcessing), id, string(models.StatusDone), string(models.StatusError),
	)
	if err != nil {
		return fmt.Errorf("failed to mark request %d processing: %w", id, err)
	}
	return nil
}

// MarkDone writes the normalized result and the Done status in a single
// atomic update. Re-running with an equivalent result is a safe overwrite,
// which keeps redelivered jobs idempotent.
func (d *Database) MarkDone(id uint64, resultJSON string) error {
	_, err := d.db.Exec(
		"UPDATE FoodRecognitions SET Status = ?, ResultJson = ? WHERE ID = ?",
		string(models.StatusDone), resultJSON, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark request %d done: %w", id, err)
	}
	return nil
}

// MarkError transitions a request to Error unless it already completed.
func (d *Database) MarkError(id uint64) error {
	_, err := d.db.Exec(
		"UPDATE FoodRecognitions SET Status = ? WHERE ID = ? AND Status != ?",
		string(models.StatusError), id, string(models.StatusDone),
	)
	if err != nil {
		return fmt.Errorf("failed to mark request %d errored: %w", id, err)
	}
	return nil
}

// GetStatus returns the current status of a request.
func (d *Database) GetStatus(id uint64) (models.Status, error) {
	var status string
	err := d.db.QueryRow("SELECT Status FROM FoodRecognitions WHERE ID = ?", id).Scan(&status)
	if err != nil {
		return "", err
	}
	return models.Status(status), nil
}

// GetResult returns the status and, when Done, the persisted result JSON.
func (d *Database) GetResult(id uint64) (models.Status, string, error) {
	var status string
	var result sql.NullString
	err := d.db.QueryRow("SELECT Status, ResultJson FROM FoodRecognitions WHERE ID = ?", id).Scan(&status, &result)
	if err != nil {
		return "", "", err
	}
	return models.Status(status), result.String, nil
}
