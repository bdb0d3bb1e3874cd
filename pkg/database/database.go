package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/srm-health/rxchain/internal/config"
	"github.com/srm-health/rxchain/internal/domain"
	"github.com/srm-health/rxchain/internal/domain/grant"
	"github.com/srm-health/rxchain/internal/domain/prescription"
)

func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: cfg.DSN(),
	}), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}

func Migrate(db *gorm.DB, log *zap.Logger) error {
	log.Info("running database migrations")
	start := time.Now()

	schemas := []string{"rx", "auth", "audit"}
	for _, schema := range schemas {
		if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)).Error; err != nil {
			return fmt.Errorf("creating schema %s: %w", schema, err)
		}
	}

	models := []any{
		&domain.User{},
		&domain.AuditEvent{},
		&prescription.Prescription{},
		&prescription.Item{},
		&prescription.Dispensation{},
		&prescription.Medication{},
		&grant.Grant{},
	}

	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto-migrating models: %w", err)
	}

	if err := seedMedications(db); err != nil {
		return fmt.Errorf("seeding medications: %w", err)
	}

	log.Info("migrations completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// seedMedications loads the starter drug catalog on an empty table.
func seedMedications(db *gorm.DB) error {
	var count int64
	if err := db.Model(&prescription.Medication{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	seed := []prescription.Medication{
		{Code: "AMOX500", Name: "Amoxicillin 500mg"},
		{Code: "IBU400", Name: "Ibuprofen 400mg"},
		{Code: "PARA500", Name: "Paracetamol 500mg"},
		{Code: "OME20", Name: "Omeprazole 20mg"},
		{Code: "CETI10", Name: "Cetirizine 10mg"},
		{Code: "AZIT250", Name: "Azithromycin 250mg"},
		{Code: "METF500", Name: "Metformin 500mg"},
		{Code: "ATOR20", Name: "Atorvastatin 20mg"},
	}
	return db.Create(&seed).Error
}
