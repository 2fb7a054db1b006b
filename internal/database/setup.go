package database

import (
	"database/sql"
	"errors"
	"fmt"

	"clubchat/internal/models"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyReported = errors.New("message was already reported by this user")
)

type DB struct {
	sql   *sql.DB
	sugar *zap.SugaredLogger
}

func setPragmaValues(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// these next 2 extremely speed up performance of sqlite
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous = normal"); err != nil {
		return err
	}

	return nil
}

func readPragmaValues(db *sql.DB, sugar *zap.SugaredLogger) error {
	var foreignKeysValue bool
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeysValue)
	if err != nil {
		return err
	}
	if !foreignKeysValue {
		return errors.New("sqlite PRAGMA foreign_keys couldn't be enabled")
	}

	var journalModeValue string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalModeValue)
	if err != nil {
		return err
	}

	sugar.Debugf("sqlite PRAGMA foreign_keys: %t, journal_mode: %s", foreignKeysValue, journalModeValue)
	return nil
}

func Setup(cfg *models.ConfigFile, sugar *zap.SugaredLogger) (*DB, error) {
	if cfg.SelfContained {
		sugar.Infof("Connecting to database sqlite at %s...", cfg.SqlitePath)
		return OpenSqlite(cfg.SqlitePath, sugar)
	}

	sugar.Info("Connecting to database mysql/mariadb...")

	db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&clientFoundRows=true&timeout=10s", cfg.DbUser, cfg.DbPassword, cfg.DbAddress, cfg.DbPort, cfg.DbDatabase))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	if err := setupTables(db); err != nil {
		return nil, err
	}
	return &DB{sql: db, sugar: sugar}, nil
}

// OpenSqlite opens (and creates) the sqlite database at path, ":memory:"
// gives a private in-memory database.
func OpenSqlite(path string, sugar *zap.SugaredLogger) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// there can be sqlite busy errors if this is not set to 1
	db.SetMaxOpenConns(1)

	if err := setPragmaValues(db); err != nil {
		return nil, err
	}
	if err := readPragmaValues(db, sugar); err != nil {
		return nil, err
	}

	if err := setupTables(db); err != nil {
		return nil, err
	}
	return &DB{sql: db, sugar: sugar}, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func setupTables(db *sql.DB) error {
	var err error

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS users (
				id VARCHAR(32) PRIMARY KEY,
				email VARCHAR(64) NOT NULL UNIQUE,
				username VARCHAR(32) NOT NULL UNIQUE,
				avatar_path TEXT,
				password BINARY(60) NOT NULL
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS channels (
				id VARCHAR(32) PRIMARY KEY,
				name VARCHAR(64) NOT NULL,
				description TEXT,
				kind VARCHAR(16) NOT NULL,
				owner_id VARCHAR(32) NOT NULL,
				FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS channel_members (
				channel_id VARCHAR(32) NOT NULL,
				user_id VARCHAR(32) NOT NULL,
				allowed BOOLEAN NOT NULL,
				since BIGINT NOT NULL,
				PRIMARY KEY (channel_id, user_id),
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	// user_id is empty for system messages, so no foreign key on it
	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(32) PRIMARY KEY,
				channel_id VARCHAR(32) NOT NULL,
				user_id VARCHAR(32) NOT NULL,
				body TEXT NOT NULL,
				msg_type INTEGER NOT NULL,
				created_at BIGINT NOT NULL,
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS message_reports (
				message_id VARCHAR(32) NOT NULL,
				reporter_id VARCHAR(32) NOT NULL,
				reason TEXT,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (message_id, reporter_id),
				FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
				FOREIGN KEY (reporter_id) REFERENCES users(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	return nil
}
