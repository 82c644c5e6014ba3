package recorder

import (
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"meter-gateway/internal/poller"
)

// ChangeRecord is one row of the audit table.
type ChangeRecord struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	MeterID   string    `gorm:"column:meter_id;index"`
	Name      string    `gorm:"column:name"`
	Value     float64   `gorm:"column:value"`
	PrevValue *float64  `gorm:"column:prev_value"`
	ChangedAt time.Time `gorm:"column:changed_at;index"`
	Units     string    `gorm:"column:units"`
}

func (ChangeRecord) TableName() string { return "meter_changes" }

type changeDB struct {
	orm *gorm.DB
}

func openChangeDB(path string) (*changeDB, error) {
	g, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := g.AutoMigrate(&ChangeRecord{}); err != nil {
		sqlDB, derr := g.DB()
		if derr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return &changeDB{orm: g}, nil
}

func (d *changeDB) insert(ev poller.ChangeEvent) error {
	rec := ChangeRecord{
		MeterID:   ev.MeterID,
		Name:      ev.Name,
		Value:     ev.Value,
		PrevValue: ev.PrevValue,
		ChangedAt: ev.ChangedAt,
		Units:     ev.Units,
	}
	return d.orm.Create(&rec).Error
}

func (d *changeDB) close() error {
	sqlDB, err := d.orm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
