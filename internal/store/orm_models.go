package store

import (
	"time"
)

type stateRow struct {
	IncidentID   string    `gorm:"primaryKey;size:191"`
	Prompt       string    `gorm:"type:text"`
	Creator      string    `gorm:"size:191"`
	Source       string    `gorm:"size:64"`
	Status       string    `gorm:"size:64;not null"`
	Severity     string    `gorm:"size:64"`
	Assignee     string    `gorm:"size:191"`
	Title        string    `gorm:"size:255"`
	Description  string    `gorm:"type:text"`
	EntryPointID string    `gorm:"size:191"`
	RotationID   string    `gorm:"size:191"`
	TeamID       string    `gorm:"size:191"`
	MetadataJSON string    `gorm:"type:text"`
	Initialized  bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (stateRow) TableName() string {
	return "incident_states"
}

type eventRow struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	IncidentID    string     `gorm:"size:191;index;not null"`
	EventType     string     `gorm:"size:64;not null"`
	EventData     string     `gorm:"type:text;not null"`
	EventMetadata string     `gorm:"type:text"`
	Adapter       string     `gorm:"size:64"`
	Attempts      int        `gorm:"not null;default:0"`
	PublishedAt   *time.Time `gorm:"index"`
	CreatedAt     time.Time  `gorm:"not null"`
}

func (eventRow) TableName() string {
	return "incident_events"
}

type promptRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	IncidentID string    `gorm:"size:191;uniqueIndex:idx_prompts_incident_ts,priority:1"`
	TS         string    `gorm:"size:191;uniqueIndex:idx_prompts_incident_ts,priority:2"`
	Prompt     string    `gorm:"type:text"`
	UserID     string    `gorm:"size:191"`
	Adapter    string    `gorm:"size:64"`
	Channel    string    `gorm:"size:191"`
	ThreadTS   string    `gorm:"size:191"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (promptRow) TableName() string {
	return "prompt_queue"
}

type entryPointRow struct {
	IncidentID     string    `gorm:"primaryKey;size:191"`
	CandidatesJSON string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (entryPointRow) TableName() string {
	return "entry_points"
}

type summaryRow struct {
	IncidentID  string    `gorm:"primaryKey;size:191"`
	Summary     string    `gorm:"type:text"`
	GeneratedAt time.Time `gorm:"not null"`
}

func (summaryRow) TableName() string {
	return "summary_cache"
}

type alarmRow struct {
	IncidentID string    `gorm:"primaryKey;size:191"`
	DueAt      time.Time `gorm:"not null;index"`
}

func (alarmRow) TableName() string {
	return "alarms"
}

// schemaRow is the single-row schema version marker for future migrations.
type schemaRow struct {
	ID        int       `gorm:"primaryKey"`
	Version   int       `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (schemaRow) TableName() string {
	return "schema_meta"
}
