package domain

import (
	"time"

	"github.com/weiawesome/image-pipeline/pkg/database"
)

// ResultRecordModel is the GORM model for the process_results table.
type ResultRecordModel struct {
	ID         uint               `gorm:"primaryKey;autoIncrement"`
	MessageID  string             `gorm:"type:varchar(64);uniqueIndex;not null"`
	Status     string             `gorm:"type:varchar(20);index;not null"`
	Bucket     string             `gorm:"type:varchar(255)"`
	Name       string             `gorm:"type:varchar(1024);index"`
	Attempt    int                `gorm:"default:1"`
	Payload    string             `gorm:"type:text"`
	Attributes database.StringMap `gorm:"type:text"`
	ReceivedAt time.Time          `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ResultRecordModel.
func (ResultRecordModel) TableName() string {
	return "process_results"
}
