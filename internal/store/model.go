package store

// Record is the persisted form of one backend object: a class tag plus the
// object body as a JSON document. The generic CRUD handlers serve every
// registered class through this single table.
type Record struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement"`
	Class string `gorm:"size:64;index:idx_records_class"`
	Data  string `gorm:"type:text"`
}

// TableName gives the table a platform-neutral name.
func (Record) TableName() string { return "records" }
