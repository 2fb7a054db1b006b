package models

import (
	"errors"
	"fmt"
)

type ConfigFile struct {
	Address           string
	Port              string
	BehindProxy       bool
	TlsCert           string
	TlsKey            string
	Cors              bool
	PrintHttpRequests bool
	LogToFile         bool
	LogLevel          string
	JwtSecret         string
	SnowflakeWorkerID int64
	SelfContained     bool
	SqlitePath        string
	DbUser            string
	DbPassword        string
	DbAddress         string
	DbPort            string
	DbDatabase        string
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	ReportThreshold   int
}

func (cfg *ConfigFile) ApplyDefaults() {
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0"
	}
	if cfg.Port == "" {
		cfg.Port = "3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SqlitePath == "" {
		cfg.SqlitePath = "./database.db"
	}
	if cfg.RedisAddress == "" {
		cfg.RedisAddress = "localhost:6379"
	}
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = 3
	}
}

func (cfg *ConfigFile) Validate() error {
	if len(cfg.JwtSecret) < 16 {
		return errors.New("JwtSecret must be at least 16 characters long")
	}
	if (cfg.TlsCert == "") != (cfg.TlsKey == "") {
		return errors.New("TlsCert and TlsKey must be set together")
	}
	if !cfg.SelfContained && cfg.DbDatabase == "" {
		return errors.New("DbDatabase is required when SelfContained is false")
	}
	if cfg.SnowflakeWorkerID < 0 {
		return fmt.Errorf("SnowflakeWorkerID can't be negative, got %d", cfg.SnowflakeWorkerID)
	}
	return nil
}

func (cfg *ConfigFile) IsHttps() bool {
	return cfg.TlsCert != "" && cfg.TlsKey != ""
}
