package main

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer/chromebrowser"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/config"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/database"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/envelope"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/games"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired services shared by every subcommand.
type application struct {
	config       config.AppConfig
	logger       *zap.Logger
	db           *gorm.DB
	audit        *audit.Store
	games        *games.Store
	vault        *vault.Service
	orchestrator *orchestrator.Service
	claimOptions claimer.Options
}

func loadApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}
	app, err := newApplication(appConfig, logger, chromebrowser.NewLauncher(chromebrowser.Config{
		ExecPath: appConfig.ChromePath,
		Logger:   logger,
	}))
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger, launcher claimer.Launcher) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	cipher, err := envelope.NewCipher(envelope.CipherConfig{
		Keys:           appConfig.EncryptionKeys,
		CurrentVersion: appConfig.CurrentKeyVersion,
	})
	if err != nil {
		return nil, errors.Join(err, closeDatabase(db))
	}

	auditStore, err := audit.NewStore(audit.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, errors.Join(err, closeDatabase(db))
	}
	gameStore, err := games.NewStore(db)
	if err != nil {
		return nil, errors.Join(err, closeDatabase(db))
	}

	vaultService, err := vault.NewService(vault.ServiceConfig{
		Database:  db,
		Cipher:    cipher,
		Validator: vault.NewSchemaValidator(),
		Audit:     auditStore,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Join(err, closeDatabase(db))
	}

	registry := claimer.NewDefaultRegistry(claimer.DefaultRegistryConfig{
		Launcher: launcher,
		TOTP:     claimer.NewTOTPGenerator(),
		Clock:    time.Now,
		Logger:   logger,
	})

	orchestratorService, err := orchestrator.NewService(orchestrator.ServiceConfig{
		Vault:         vaultService,
		Claimers:      registry,
		Games:         gameStore,
		Audit:         auditStore,
		MaxConcurrent: appConfig.ClaimMaxConcurrent,
		BatchDelay:    appConfig.ClaimBatchDelay,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return nil, errors.Join(err, closeDatabase(db))
	}

	return &application{
		config:       appConfig,
		logger:       logger,
		db:           db,
		audit:        auditStore,
		games:        gameStore,
		vault:        vaultService,
		orchestrator: orchestratorService,
		claimOptions: claimOptions(appConfig),
	}, nil
}

func (a *application) Close() error {
	err := closeDatabase(a.db)
	_ = a.logger.Sync()
	return err
}

func claimOptions(appConfig config.AppConfig) claimer.Options {
	options := claimer.DefaultOptions()
	options.Headful = !appConfig.Headless
	options.ActionTimeout = appConfig.ActionTimeout
	options.SlowMo = appConfig.SlowMo
	options.ProxyURL = appConfig.ProxyURL
	options.ParentalPIN = appConfig.EpicParentalPIN
	options.ScreenshotDir = appConfig.ScreenshotDir
	return options
}

func closeDatabase(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
