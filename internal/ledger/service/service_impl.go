package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	ledgerdomain "github.com/shiftmarket/escrow/internal/ledger/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) ledgerdomain.Recorder {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, record *ledgerdomain.TransactionRecord) error {
	if tx == nil {
		return ledgerdomain.ErrMissingTx
	}
	if err := ledgerdomain.ValidateRecord(record); err != nil {
		return err
	}
	if record.ID == 0 {
		record.ID = s.genID.Generate()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO transaction_records (id, user_id, record_type, amount, reference_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.RecordType,
		record.Amount,
		record.ReferenceID,
		record.Description,
		record.CreatedAt,
	).Error
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]ledgerdomain.TransactionRecord, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []ledgerdomain.TransactionRecord
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, record_type, amount, reference_id, description, created_at
		 FROM transaction_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
