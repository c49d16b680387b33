package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Test struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ExternalID string            `gorm:"type:text;uniqueIndex;not null"`
	Name       string            `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Run struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TestID    *uuid.UUID        `gorm:"type:uuid;index"`
	Status    string            `gorm:"type:text"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Test      Test              `gorm:"foreignKey:TestID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Artifact struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RunID       *uuid.UUID `gorm:"type:uuid;index"`
	Filename    string     `gorm:"type:text;not null"`
	URL         string     `gorm:"type:text;not null"`
	Provider    string     `gorm:"type:text;not null"`
	SizeBytes   int64      `gorm:"type:bigint;not null"`
	SHA256      string     `gorm:"type:text"`
	ContentType string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run         Run        `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Operation struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Type           string            `gorm:"type:text;not null"`
	Status         string            `gorm:"type:text;not null;index"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb"`
	Warnings       datatypes.JSON    `gorm:"type:jsonb"`
	LeaseExpiresAt *time.Time        `gorm:"type:timestamptz"`
	CreatedAt      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime;index"`
	UpdatedAt      time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type UploadSession struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Provider    string    `gorm:"type:text;not null"`
	ObjectKey   string    `gorm:"type:text;not null"`
	Filename    string    `gorm:"type:text;not null"`
	ContentType string    `gorm:"type:text"`
	SizeBytes   int64     `gorm:"type:bigint;not null"`
	ExpiresAt   time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type IdempotencyRecord struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Key          string            `gorm:"column:idempotency_key;type:text;uniqueIndex;not null"`
	Fingerprint  string            `gorm:"type:text;not null"`
	ResponseCode int               `gorm:"type:int;not null"`
	ResponseBody datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	ExpiresAt    time.Time         `gorm:"type:timestamptz;not null;index"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Test{},
		&Run{},
		&Artifact{},
		&Operation{},
		&UploadSession{},
		&IdempotencyRecord{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&Run{}, "Test"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Artifact{}, "Run"); err != nil {
		return err
	}

	// Generated tsvector columns drive the /v1/search endpoint.
	stmts := []string{
		`ALTER TABLE tests ADD COLUMN IF NOT EXISTS document_tsv tsvector
			GENERATED ALWAYS AS (to_tsvector('english', coalesce(name, '') || ' ' || coalesce(external_id, ''))) STORED`,
		`CREATE INDEX IF NOT EXISTS idx_tests_document_tsv ON tests USING GIN (document_tsv)`,
		`ALTER TABLE runs ADD COLUMN IF NOT EXISTS document_tsv tsvector
			GENERATED ALWAYS AS (to_tsvector('english', coalesce(status, ''))) STORED`,
		`CREATE INDEX IF NOT EXISTS idx_runs_document_tsv ON runs USING GIN (document_tsv)`,
	}
	for _, stmt := range stmts {
		if err := gormDB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&IdempotencyRecord{},
		&UploadSession{},
		&Operation{},
		&Artifact{},
		&Run{},
		&Test{},
	)
}
