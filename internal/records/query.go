package records

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChangeEntry is the wire form of an audit row.
type ChangeEntry struct {
	ChangeID          string            `json:"change_id"`
	Kind              schema.Kind       `json:"kind"`
	EntityID          EntityID          `json:"entity_id"`
	ActorID           string            `json:"actor_id"`
	Operation         Operation         `json:"operation"`
	Fields            map[string]any    `json:"fields"`
	Forced            bool              `json:"forced"`
	PreviousUpdatedAt *schema.Timestamp `json:"previous_updated_at,omitempty"`
	NewUpdatedAt      *schema.Timestamp `json:"new_updated_at,omitempty"`
	AppliedAt         schema.Timestamp  `json:"applied_at"`
}

// ListEntities returns every entity of a kind in creation order.
func (s *Service) ListEntities(ctx context.Context, kind schema.Kind) ([]Entity, error) {
	if s.db == nil {
		return nil, newServiceError(opListEntities, reasonMissingDatabase, errMissingDatabase)
	}
	entitySchema, err := schema.Lookup(kind)
	if err != nil {
		return nil, newValidationError("", err)
	}

	var rows []map[string]any
	if err := s.db.WithContext(ctx).
		Table(entitySchema.Table()).
		Order(columnCreatedAt + " ASC").
		Order(columnID + " ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListEntities, reasonQueryFailed, err, zap.String(fieldKind, kind.String()))
		return nil, newServiceError(opListEntities, reasonQueryFailed, err)
	}

	entities := make([]Entity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, entityFromRow(entitySchema, row))
	}
	return entities, nil
}

// GetEntity returns one entity or ErrNotFound.
func (s *Service) GetEntity(ctx context.Context, kind schema.Kind, entityID EntityID) (Entity, error) {
	if s.db == nil {
		return Entity{}, newServiceError(opGetEntity, reasonMissingDatabase, errMissingDatabase)
	}
	entitySchema, err := schema.Lookup(kind)
	if err != nil {
		return Entity{}, newValidationError("", err)
	}
	entity, found, err := loadEntity(s.db.WithContext(ctx), entitySchema, entityID)
	if err != nil {
		s.logError(opGetEntity, reasonQueryFailed, err,
			zap.String(fieldKind, kind.String()),
			zap.String(fieldEntityID, entityID.String()))
		return Entity{}, newServiceError(opGetEntity, reasonQueryFailed, err)
	}
	if !found {
		return Entity{}, notFound(kind, entityID)
	}
	return entity, nil
}

// CreateEntity inserts a new entity. Omitted optional fields take their zero value and
// both timestamps are set to the write time.
func (s *Service) CreateEntity(ctx context.Context, kind schema.Kind, values map[string]any, actorID string) (Entity, error) {
	if s.db == nil {
		s.logError(opCreateEntity, reasonMissingDatabase, errMissingDatabase)
		return Entity{}, newServiceError(opCreateEntity, reasonMissingDatabase, errMissingDatabase)
	}
	entitySchema, err := schema.Lookup(kind)
	if err != nil {
		return Entity{}, newValidationError("", err)
	}

	assignments := make(map[string]any, len(entitySchema.Fields)+3)
	for name := range values {
		field, _, err := entitySchema.Field(name)
		if err != nil {
			return Entity{}, newValidationError(name, err)
		}
		if !field.Editable {
			return Entity{}, newValidationError(name, fmt.Errorf("%w: %s", schema.ErrReadOnlyField, name))
		}
	}
	for _, field := range entitySchema.EditableFields() {
		raw, present := values[field.Name]
		if !present {
			if field.Required {
				return Entity{}, newValidationError(field.Name, fmt.Errorf("%w: %s is required", schema.ErrInvalidValue, field.Name))
			}
			assignments[field.Column()] = field.Zero()
			continue
		}
		value, err := field.Coerce(raw)
		if err != nil {
			return Entity{}, newValidationError(field.Name, err)
		}
		assignments[field.Column()] = value
	}

	entityID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateEntity, reasonIDGeneration, err, zap.String(fieldKind, kind.String()))
		return Entity{}, newServiceError(opCreateEntity, reasonIDGeneration, err)
	}
	now := s.nowMicros()
	assignments[columnID] = entityID
	assignments[columnCreatedAt] = now
	assignments[columnUpdatedAt] = now
	logFields := []zap.Field{
		zap.String(fieldKind, kind.String()),
		zap.String(fieldEntityID, entityID),
	}

	var created Entity
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := s.checkReferences(transaction, entitySchema, values, assignments); err != nil {
			return err
		}
		if err := transaction.Table(entitySchema.Table()).Create(assignments).Error; err != nil {
			s.logError(opCreateEntity, reasonInsertFailed, err, logFields...)
			return newServiceError(opCreateEntity, reasonInsertFailed, err)
		}
		reloaded, found, err := loadEntity(transaction, entitySchema, EntityID(entityID))
		if err != nil || !found {
			if err == nil {
				err = notFound(kind, EntityID(entityID))
			}
			s.logError(opCreateEntity, reasonReloadFailed, err, logFields...)
			return newServiceError(opCreateEntity, reasonReloadFailed, err)
		}
		created = reloaded

		auditFields := make(map[string]any, len(assignments))
		for _, field := range entitySchema.EditableFields() {
			auditFields[field.Column()] = assignments[field.Column()]
		}
		return s.recordChange(transaction, opCreateEntity, changeRecord{
			kind:      kind,
			entityID:  created.ID,
			actorID:   actorID,
			operation: OperationCreate,
			fields:    auditFields,
			next:      &created.UpdatedAt,
		})
	})
	if transactionError != nil {
		s.logOutcome(transactionError, logFields...)
		return Entity{}, transactionError
	}

	s.notify(ChangeEvent{
		Kind:      kind,
		EntityID:  created.ID,
		Operation: OperationCreate,
		UpdatedAt: created.UpdatedAt,
		ActorID:   actorID,
		Fields:    sortedKeys(values),
	})
	return created, nil
}

// ListChanges returns the audit history of one entity, newest first. The history of a
// deleted entity stays readable.
func (s *Service) ListChanges(ctx context.Context, kind schema.Kind, entityID EntityID) ([]ChangeEntry, error) {
	if s.db == nil {
		return nil, newServiceError(opListChanges, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := schema.Lookup(kind); err != nil {
		return nil, newValidationError("", err)
	}

	var changes []Change
	if err := s.db.WithContext(ctx).
		Where("kind = ? AND entity_id = ?", kind.String(), entityID.String()).
		Order("applied_at_us DESC").
		Order("change_id DESC").
		Find(&changes).Error; err != nil {
		s.logError(opListChanges, reasonQueryFailed, err,
			zap.String(fieldKind, kind.String()),
			zap.String(fieldEntityID, entityID.String()))
		return nil, newServiceError(opListChanges, reasonQueryFailed, err)
	}

	entries := make([]ChangeEntry, 0, len(changes))
	for _, change := range changes {
		entry := ChangeEntry{
			ChangeID:  change.ChangeID,
			Kind:      schema.Kind(change.Kind),
			EntityID:  EntityID(change.EntityID),
			ActorID:   change.ActorID,
			Operation: change.Operation,
			Fields:    map[string]any{},
			Forced:    change.Forced,
			AppliedAt: schema.Timestamp(change.AppliedAtMicros),
		}
		if change.FieldsJSON != "" {
			if err := json.Unmarshal([]byte(change.FieldsJSON), &entry.Fields); err != nil {
				s.logError(opListChanges, reasonEncodeFailed, err, zap.String("change_id", change.ChangeID))
				return nil, newServiceError(opListChanges, reasonEncodeFailed, err)
			}
		}
		if change.PreviousUpdatedAtMicros != nil {
			previous := schema.Timestamp(*change.PreviousUpdatedAtMicros)
			entry.PreviousUpdatedAt = &previous
		}
		if change.NewUpdatedAtMicros != nil {
			next := schema.Timestamp(*change.NewUpdatedAtMicros)
			entry.NewUpdatedAt = &next
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func loadEntity(db *gorm.DB, entitySchema schema.EntitySchema, entityID EntityID) (Entity, bool, error) {
	row := map[string]any{}
	result := db.Table(entitySchema.Table()).Where(queryID, entityID.String()).Limit(1).Find(&row)
	if result.Error != nil {
		return Entity{}, false, result.Error
	}
	if result.RowsAffected == 0 || len(row) == 0 {
		return Entity{}, false, nil
	}
	return entityFromRow(entitySchema, row), true, nil
}

func entityFromRow(entitySchema schema.EntitySchema, row map[string]any) Entity {
	fields := make(map[string]any, len(entitySchema.Fields))
	for _, field := range entitySchema.Fields {
		fields[field.Name] = field.Decode(row[field.Column()])
	}
	var updatedAt int64
	switch typed := row[columnUpdatedAt].(type) {
	case int64:
		updatedAt = typed
	case int:
		updatedAt = int64(typed)
	}
	var id string
	switch typed := row[columnID].(type) {
	case string:
		id = typed
	case []byte:
		id = string(typed)
	}
	return Entity{
		Kind:      entitySchema.Kind,
		ID:        EntityID(id),
		UpdatedAt: schema.Timestamp(updatedAt),
		Fields:    fields,
	}
}
