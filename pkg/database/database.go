package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"electrolab/pkg/config"
	"electrolab/pkg/models"
)

// Open connects to Postgres, retrying while the database container starts,
// then sizes the pool and runs migrations.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	log.Info("connecting to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("dbname", cfg.Name),
	)

	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var db *gorm.DB
	var err error
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
		if err == nil {
			break
		}
		log.Warn("database connection attempt failed",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", retries),
			zap.Error(err),
		)
		if i < retries-1 {
			time.Sleep(cfg.RetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log.Info("database connection established")
	return db, nil
}

// Migrate creates every table used by the lending and grading services plus
// the partial index that allows at most one open loan per unit.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.ResourceType{},
		&models.ResourceUnit{},
		&models.LoanRecord{},
		&models.ConditionEvent{},
		&models.Class{},
		&models.Team{},
		&models.Student{},
		&models.TeamMember{},
		&models.Lab{},
		&models.LabRequirement{},
		&models.TeamGrade{},
		&models.IndividualAdjustment{},
	)
	if err != nil {
		return err
	}

	return db.Exec(fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s_one_open_per_unit
		ON %s (unit_id)
		WHERE state = '%s'`,
		models.LoanTable, models.LoanTable, models.LoanBorrowing)).Error
}

// Ping reports whether the store is reachable; used by the health endpoints.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
