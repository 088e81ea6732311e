package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/embrake-AI/fire-sub002/internal/db"
	"github.com/embrake-AI/fire-sub002/internal/incident"
)

const schemaVersion = 1

// GormStore backs incident actors with a relational database. Default driver
// is embedded sqlite; postgres is selectable through config.
type GormStore struct {
	db *gorm.DB
}

var _ incident.Store = (*GormStore)(nil)

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open incident store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// migrate runs at construction, before any command is served.
func (s *GormStore) migrate() error {
	err := s.db.AutoMigrate(&stateRow{}, &eventRow{}, &promptRow{}, &entryPointRow{}, &summaryRow{}, &alarmRow{}, &schemaRow{})
	if err != nil {
		return fmt.Errorf("migrate incident store: %w", err)
	}

	marker := schemaRow{ID: 1, Version: schemaVersion, UpdatedAt: time.Now().UTC()}
	var existing schemaRow
	if err := s.db.Take(&existing, "id = ?", 1).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("read schema marker: %w", err)
		}
		if err := s.db.Create(&marker).Error; err != nil {
			return fmt.Errorf("write schema marker: %w", err)
		}
		return nil
	}
	if existing.Version != schemaVersion {
		if err := s.db.Model(&schemaRow{}).Where("id = ?", 1).Updates(map[string]any{
			"version":    schemaVersion,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("update schema marker: %w", err)
		}
	}
	return nil
}

func (s *GormStore) CreateIncident(ctx context.Context, state incident.State, entryPoints []incident.EntryPoint, wakeAt time.Time) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing stateRow
		err := tx.Where("incident_id = ?", state.ID).Take(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check incident: %w", err)
		}

		row, err := stateRowFromState(state)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create incident state: %w", err)
		}

		candidates, err := json.Marshal(entryPoints)
		if err != nil {
			return fmt.Errorf("marshal entry points: %w", err)
		}
		epRow := entryPointRow{
			IncidentID:     state.ID,
			CandidatesJSON: string(candidates),
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.Create(&epRow).Error; err != nil {
			return fmt.Errorf("create entry points: %w", err)
		}

		// The creation transaction schedules its own wake-up to avoid a
		// double-schedule race with the commit primitive.
		if err := setAlarmTx(tx, state.ID, wakeAt); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *GormStore) GetState(ctx context.Context, incidentID string) (incident.State, error) {
	var row stateRow
	err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return incident.State{}, incident.ErrNotFound
		}
		return incident.State{}, fmt.Errorf("get incident state: %w", err)
	}
	return row.toState()
}

func (s *GormStore) Commit(ctx context.Context, state incident.State, event *incident.Event, opts incident.CommitOptions) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := stateRowFromState(state)
		if err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save incident state: %w", err)
		}
		if event == nil {
			return nil
		}

		er := eventRowFromEvent(*event)
		if err := tx.Create(&er).Error; err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if opts.SkipSchedule {
			return nil
		}
		wakeAt := opts.WakeAt
		if wakeAt.IsZero() {
			wakeAt = time.Now().UTC()
		}
		return setAlarmTx(tx, state.ID, wakeAt)
	})
}

func (s *GormStore) Initialize(ctx context.Context, state incident.State, event incident.Event, wakeAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := stateRowFromState(state)
		if err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save incident state: %w", err)
		}

		er := eventRowFromEvent(event)
		if err := tx.Create(&er).Error; err != nil {
			return fmt.Errorf("append creation event: %w", err)
		}

		if err := tx.Where("incident_id = ?", state.ID).Delete(&entryPointRow{}).Error; err != nil {
			return fmt.Errorf("drop entry points: %w", err)
		}
		return setAlarmTx(tx, state.ID, wakeAt)
	})
}

func (s *GormStore) Events(ctx context.Context, incidentID string) ([]incident.Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return eventsFromRows(rows), nil
}

func (s *GormStore) UnpublishedEvents(ctx context.Context, incidentID string, maxAttempts, limit int) ([]incident.Event, error) {
	query := s.db.WithContext(ctx).
		Where("incident_id = ? AND published_at IS NULL AND attempts < ?", incidentID, maxAttempts).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load unpublished events: %w", err)
	}
	return eventsFromRows(rows), nil
}

func (s *GormStore) HasUnpublished(ctx context.Context, incidentID string, maxAttempts int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("incident_id = ? AND published_at IS NULL AND attempts < ?", incidentID, maxAttempts).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count unpublished events: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) FirstEventID(ctx context.Context, incidentID string) (int64, error) {
	var minID int64
	err := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("incident_id = ?", incidentID).
		Select("COALESCE(MIN(id), 0)").
		Scan(&minID).Error
	if err != nil {
		return 0, fmt.Errorf("first event id: %w", err)
	}
	return minID, nil
}

// MarkPublished stamps published_at at most once; a second call for the same
// event is a no-op.
func (s *GormStore) MarkPublished(ctx context.Context, eventID int64, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("id = ? AND published_at IS NULL", eventID).
		Update("published_at", at)
	if res.Error != nil {
		return fmt.Errorf("mark published: %w", res.Error)
	}
	return nil
}

func (s *GormStore) IncrementAttempts(ctx context.Context, eventID int64) error {
	res := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("id = ?", eventID).
		Update("attempts", gorm.Expr("attempts + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment attempts: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return incident.ErrNotFound
	}
	return nil
}

func (s *GormStore) MessageExists(ctx context.Context, incidentID, messageID string) (bool, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("incident_id = ? AND event_type = ?", incidentID, string(incident.EventTypeMessageAdded)).
		Find(&rows).Error
	if err != nil {
		return false, fmt.Errorf("load message events: %w", err)
	}
	for _, row := range rows {
		var payload incident.MessagePayload
		if err := json.Unmarshal([]byte(row.EventData), &payload); err != nil {
			continue
		}
		if payload.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *GormStore) EntryPoints(ctx context.Context, incidentID string) ([]incident.EntryPoint, error) {
	var row entryPointRow
	err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load entry points: %w", err)
	}

	var candidates []incident.EntryPoint
	if err := json.Unmarshal([]byte(row.CandidatesJSON), &candidates); err != nil {
		return nil, fmt.Errorf("decode entry points: %w", err)
	}
	return candidates, nil
}

// EnqueuePrompt inserts the prompt unless one with the same provenance
// timestamp already exists; re-delivery is a no-op.
func (s *GormStore) EnqueuePrompt(ctx context.Context, entry incident.PromptEntry) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing promptRow
		err := tx.Where("incident_id = ? AND ts = ?", entry.IncidentID, entry.TS).Take(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check prompt: %w", err)
		}

		row := promptRow{
			IncidentID: entry.IncidentID,
			TS:         entry.TS,
			Prompt:     entry.Prompt,
			UserID:     entry.UserID,
			Adapter:    entry.Adapter,
			Channel:    entry.Channel,
			ThreadTS:   entry.ThreadTS,
			CreatedAt:  entry.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("enqueue prompt: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *GormStore) NextPrompt(ctx context.Context, incidentID string) (incident.PromptEntry, error) {
	var row promptRow
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("id ASC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return incident.PromptEntry{}, incident.ErrNotFound
		}
		return incident.PromptEntry{}, fmt.Errorf("next prompt: %w", err)
	}
	return incident.PromptEntry{
		IncidentID: row.IncidentID,
		Prompt:     row.Prompt,
		UserID:     row.UserID,
		TS:         row.TS,
		Adapter:    row.Adapter,
		Channel:    row.Channel,
		ThreadTS:   row.ThreadTS,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func (s *GormStore) DeletePrompt(ctx context.Context, incidentID, ts string) error {
	err := s.db.WithContext(ctx).
		Where("incident_id = ? AND ts = ?", incidentID, ts).
		Delete(&promptRow{}).Error
	if err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}

func (s *GormStore) GetSummary(ctx context.Context, incidentID string) (incident.Summary, error) {
	var row summaryRow
	err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return incident.Summary{}, incident.ErrNotFound
		}
		return incident.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	return incident.Summary{Text: row.Summary, GeneratedAt: row.GeneratedAt}, nil
}

func (s *GormStore) SaveSummary(ctx context.Context, incidentID string, summary incident.Summary) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing summaryRow
		err := tx.Where("incident_id = ?", incidentID).Take(&existing).Error
		if err == nil {
			return tx.Model(&summaryRow{}).Where("incident_id = ?", incidentID).Updates(map[string]any{
				"summary":      summary.Text,
				"generated_at": summary.GeneratedAt,
			}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check summary: %w", err)
		}
		row := summaryRow{IncidentID: incidentID, Summary: summary.Text, GeneratedAt: summary.GeneratedAt}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
		return nil
	})
}

func (s *GormStore) SetAlarm(ctx context.Context, incidentID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return setAlarmTx(tx, incidentID, at)
	})
}

func (s *GormStore) ClearAlarm(ctx context.Context, incidentID string) error {
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Delete(&alarmRow{}).Error
	if err != nil {
		return fmt.Errorf("clear alarm: %w", err)
	}
	return nil
}

// DueAlarms lists incidents whose wake-up is due. Consumed by the alarm
// poller, not by actors.
func (s *GormStore) DueAlarms(ctx context.Context, now time.Time) ([]string, error) {
	var rows []alarmRow
	err := s.db.WithContext(ctx).
		Where("due_at <= ?", now).
		Order("due_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load due alarms: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.IncidentID)
	}
	return ids, nil
}

func (s *GormStore) Destroy(ctx context.Context, incidentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&stateRow{}, &eventRow{}, &promptRow{}, &entryPointRow{}, &summaryRow{}, &alarmRow{}} {
			if err := tx.Where("incident_id = ?", incidentID).Delete(model).Error; err != nil {
				return fmt.Errorf("destroy incident rows: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func setAlarmTx(tx *gorm.DB, incidentID string, at time.Time) error {
	var existing alarmRow
	err := tx.Where("incident_id = ?", incidentID).Take(&existing).Error
	if err == nil {
		if err := tx.Model(&alarmRow{}).Where("incident_id = ?", incidentID).Update("due_at", at).Error; err != nil {
			return fmt.Errorf("update alarm: %w", err)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("check alarm: %w", err)
	}
	row := alarmRow{IncidentID: incidentID, DueAt: at}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("create alarm: %w", err)
	}
	return nil
}

func stateRowFromState(state incident.State) (stateRow, error) {
	metadata := "{}"
	if len(state.Metadata) > 0 {
		encoded, err := json.Marshal(state.Metadata)
		if err != nil {
			return stateRow{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(encoded)
	}
	return stateRow{
		IncidentID:   state.ID,
		Prompt:       state.Prompt,
		Creator:      state.Creator,
		Source:       string(state.Source),
		Status:       string(state.Status),
		Severity:     string(state.Severity),
		Assignee:     state.Assignee,
		Title:        state.Title,
		Description:  state.Description,
		EntryPointID: state.EntryPointID,
		RotationID:   state.RotationID,
		TeamID:       state.TeamID,
		MetadataJSON: metadata,
		Initialized:  state.Initialized,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func (r stateRow) toState() (incident.State, error) {
	metadata := make(map[string]string)
	if r.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &metadata); err != nil {
			return incident.State{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return incident.State{
		ID:           r.IncidentID,
		Prompt:       r.Prompt,
		Creator:      r.Creator,
		Source:       incident.Origin(r.Source),
		Status:       incident.Status(r.Status),
		Severity:     incident.Severity(r.Severity),
		Assignee:     r.Assignee,
		Title:        r.Title,
		Description:  r.Description,
		EntryPointID: r.EntryPointID,
		RotationID:   r.RotationID,
		TeamID:       r.TeamID,
		Metadata:     metadata,
		Initialized:  r.Initialized,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func eventRowFromEvent(event incident.Event) eventRow {
	return eventRow{
		ID:            event.ID,
		IncidentID:    event.IncidentID,
		EventType:     string(event.Type),
		EventData:     string(event.Data),
		EventMetadata: string(event.Metadata),
		Adapter:       event.Adapter,
		Attempts:      event.Attempts,
		PublishedAt:   event.PublishedAt,
		CreatedAt:     event.CreatedAt,
	}
}

func eventsFromRows(rows []eventRow) []incident.Event {
	out := make([]incident.Event, 0, len(rows))
	for _, row := range rows {
		event := incident.Event{
			ID:         row.ID,
			IncidentID: row.IncidentID,
			Type:       incident.EventType(row.EventType),
			Data:       []byte(row.EventData),
			Adapter:    row.Adapter,
			Attempts:   row.Attempts,
			CreatedAt:  row.CreatedAt,
		}
		if row.EventMetadata != "" {
			event.Metadata = []byte(row.EventMetadata)
		}
		if row.PublishedAt != nil {
			published := *row.PublishedAt
			event.PublishedAt = &published
		}
		out = append(out, event)
	}
	return out
}
