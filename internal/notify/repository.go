package notify

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/pkg/database"
	"github.com/weiawesome/image-pipeline/pkg/log"
)

var ErrResultNotFound = errors.New("result not found")

// RepositorySink persists decoded results, one row per message id.
// Redelivered messages do not create duplicate rows.
type RepositorySink struct {
	db *gorm.DB
}

// NewRepositorySink migrates the results table and returns the sink.
func NewRepositorySink(db *gorm.DB) (*RepositorySink, error) {
	if err := database.AutoMigrate(db, &domain.ResultRecordModel{}); err != nil {
		return nil, err
	}
	return &RepositorySink{db: db}, nil
}

func (s *RepositorySink) Write(ctx context.Context, rec Record) error {
	if rec.DecodeErr != nil {
		return nil
	}
	l := log.Ctx(ctx)

	model := &domain.ResultRecordModel{
		MessageID:  rec.MessageID,
		Status:     rec.Result.Status,
		Bucket:     rec.Attributes[domain.AttrBucket],
		Name:       rec.Attributes[domain.AttrName],
		Attempt:    rec.Attempt,
		Payload:    string(rec.Raw),
		Attributes: database.StringMap(rec.Attributes),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(model)
	if result.Error != nil {
		l.Error().Err(result.Error).Msg("failed to persist result")
		return result.Error
	}
	l.Debug().Int64("rows", result.RowsAffected).Msg("result persisted")
	return nil
}

// ListByName returns persisted results for an object, oldest first.
func (s *RepositorySink) ListByName(ctx context.Context, name string) ([]domain.ResultRecordModel, error) {
	var models []domain.ResultRecordModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrResultNotFound
	}
	return models, nil
}
