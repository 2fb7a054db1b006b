package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"clubchat/internal/database"
	"clubchat/internal/handlers"
	"clubchat/internal/hub"
	"clubchat/internal/keyValue"
	"clubchat/internal/models"
	"clubchat/internal/snowflake"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func setupLogger(cfg *models.ConfigFile) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	if cfg.LogToFile {
		config.OutputPaths = append(config.OutputPaths, "app.log")
	}
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger.Sugar(), nil
}

func readConfigFile(path string) (*models.ConfigFile, error) {
	var cfg models.ConfigFile

	configFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer configFile.Close()

	bytes, err := io.ReadAll(configFile)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

func setupRedis(ctx context.Context, cfg *models.ConfigFile) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	err := rdb.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return rdb, nil
}

func main() {
	configPath := flag.String("config", "config.json", "path of the config file")
	flag.Parse()

	fmt.Println("Reading config file...")
	cfg, err := readConfigFile(*configPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	sugar, err := setupLogger(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer sugar.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Setup(cfg, sugar)
	if err != nil {
		sugar.Fatal(err)
	}
	defer db.Close()

	// self contained mode keeps pubsub and cache in process
	var redisClient *redis.Client
	if !cfg.SelfContained {
		sugar.Info("Connecting to redis...")
		redisClient, err = setupRedis(ctx, cfg)
		if err != nil {
			sugar.Fatal(err)
		}
		defer redisClient.Close()
	}

	ids, err := snowflake.New(cfg.SnowflakeWorkerID)
	if err != nil {
		sugar.Fatal(err)
	}

	h := handlers.New(cfg, sugar, db, hub.New(sugar, redisClient), keyValue.New(ctx, sugar, redisClient), ids)

	if err := h.ListenAndServe(ctx); err != nil {
		sugar.Fatal(err)
	}
	sugar.Info("Server stopped")
}
