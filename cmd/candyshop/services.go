package main

import (
	"fmt"

	"github.com/tao-shen/candy-shop-sub000/internal/common/config"
	"github.com/tao-shen/candy-shop-sub000/internal/common/logger"
	"github.com/tao-shen/candy-shop-sub000/internal/session"
	"github.com/tao-shen/candy-shop-sub000/pkg/opencode"
)

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadWithPath(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)
	return log, nil
}

func provideAgentClient(cfg *config.Config, log *logger.Logger) *opencode.Client {
	return opencode.NewClient(opencode.ClientConfig{
		BaseURL:    cfg.Agent.BaseURL,
		Directory:  cfg.Agent.Directory,
		Username:   cfg.Agent.Username,
		Password:   cfg.Agent.Password,
		Token:      cfg.Agent.Token,
		YieldEvery: cfg.Stream.YieldEvery,
	}, log)
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		PollInterval: cfg.Stream.PollInterval(),
		IdleDebounce: cfg.Stream.IdleDebounce(),
		Timeout:      cfg.Stream.Timeout(),
		AbortTimeout: cfg.Stream.AbortTimeout(),
	}
}
