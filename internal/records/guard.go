package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errEmptyChanges = errors.New("at least one field change is required")

// advanceUpdatedAt moves the token to the write time, or one tick past the stored value
// when the clock has not moved forward, inside the same statement as the write.
const advanceUpdatedAt = "MAX(?, " + columnUpdatedAt + " + 1)"

// ApplyFieldUpdate writes field changes to one entity. A protected write (ExpectedUpdatedAt
// set) succeeds only when the stored updated_at still equals the expectation; the compare
// and the advance happen in a single conditional UPDATE, so two writers holding the same
// token cannot both succeed. A forced write skips the comparison.
//
// The token is entity-wide: concurrent edits of different fields of one entity conflict.
func (s *Service) ApplyFieldUpdate(ctx context.Context, update FieldUpdate) (Entity, error) {
	if s.db == nil {
		s.logError(opApplyFieldUpdate, reasonMissingDatabase, errMissingDatabase)
		return Entity{}, newServiceError(opApplyFieldUpdate, reasonMissingDatabase, errMissingDatabase)
	}

	entitySchema, err := schema.Lookup(update.Kind)
	if err != nil {
		return Entity{}, newValidationError("", err)
	}
	if update.EntityID == "" {
		return Entity{}, newValidationError("", ErrInvalidEntityID)
	}
	assignments, err := coerceChanges(entitySchema, update.Changes)
	if err != nil {
		s.logger.Debug("field update rejected",
			zap.String(fieldKind, update.Kind.String()),
			zap.String(fieldEntityID, update.EntityID.String()),
			zap.Error(err))
		return Entity{}, err
	}
	changedFields := sortedKeys(update.Changes)
	logFields := []zap.Field{
		zap.String(fieldKind, update.Kind.String()),
		zap.String(fieldEntityID, update.EntityID.String()),
		zap.Bool("protected", update.Protected()),
	}

	var fresh Entity
	var previous schema.Timestamp
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := s.checkReferences(transaction, entitySchema, update.Changes, assignments); err != nil {
			return err
		}

		query := transaction.Table(entitySchema.Table())
		if update.Protected() {
			previous = *update.ExpectedUpdatedAt
			query = query.Where(queryIDAndVersion, update.EntityID.String(), update.ExpectedUpdatedAt.Int64())
		} else {
			current, found, loadErr := loadEntity(transaction, entitySchema, update.EntityID)
			if loadErr != nil {
				s.logError(opApplyFieldUpdate, reasonReloadFailed, loadErr, logFields...)
				return newServiceError(opApplyFieldUpdate, reasonReloadFailed, loadErr)
			}
			if !found {
				return notFound(update.Kind, update.EntityID)
			}
			previous = current.UpdatedAt
			query = query.Where(queryID, update.EntityID.String())
		}

		values := make(map[string]any, len(assignments)+1)
		for column, value := range assignments {
			values[column] = value
		}
		values[columnUpdatedAt] = gorm.Expr(advanceUpdatedAt, s.nowMicros())

		result := query.Updates(values)
		if result.Error != nil {
			s.logError(opApplyFieldUpdate, reasonUpdateFailed, result.Error, logFields...)
			return newServiceError(opApplyFieldUpdate, reasonUpdateFailed, result.Error)
		}

		if result.RowsAffected == 0 {
			current, found, loadErr := loadEntity(transaction, entitySchema, update.EntityID)
			if loadErr != nil {
				s.logError(opApplyFieldUpdate, reasonReloadFailed, loadErr, logFields...)
				return newServiceError(opApplyFieldUpdate, reasonReloadFailed, loadErr)
			}
			if !found {
				return notFound(update.Kind, update.EntityID)
			}
			return &ConflictError{
				Kind:     update.Kind,
				EntityID: update.EntityID,
				Expected: *update.ExpectedUpdatedAt,
				Fields:   changedFields,
				Current:  current,
			}
		}

		reloaded, found, loadErr := loadEntity(transaction, entitySchema, update.EntityID)
		if loadErr != nil || !found {
			if loadErr == nil {
				loadErr = notFound(update.Kind, update.EntityID)
			}
			s.logError(opApplyFieldUpdate, reasonReloadFailed, loadErr, logFields...)
			return newServiceError(opApplyFieldUpdate, reasonReloadFailed, loadErr)
		}
		fresh = reloaded

		return s.recordChange(transaction, opApplyFieldUpdate, changeRecord{
			kind:      update.Kind,
			entityID:  update.EntityID,
			actorID:   update.ActorID,
			operation: OperationUpdate,
			fields:    assignments,
			forced:    !update.Protected(),
			previous:  &previous,
			next:      &fresh.UpdatedAt,
		})
	})

	if transactionError != nil {
		s.logOutcome(transactionError, logFields...)
		return Entity{}, transactionError
	}

	s.logger.Debug("field update applied", append(logFields, zap.Stringer("updated_at", fresh.UpdatedAt))...)
	s.notify(ChangeEvent{
		Kind:      update.Kind,
		EntityID:  update.EntityID,
		Operation: OperationUpdate,
		UpdatedAt: fresh.UpdatedAt,
		ActorID:   update.ActorID,
		Forced:    !update.Protected(),
		Fields:    changedFields,
	})
	return fresh, nil
}

// DeleteEntity removes an entity. A non-nil expected timestamp makes the delete protected
// with the same semantics as ApplyFieldUpdate.
func (s *Service) DeleteEntity(ctx context.Context, kind schema.Kind, entityID EntityID, expected *schema.Timestamp, actorID string) error {
	if s.db == nil {
		s.logError(opDeleteEntity, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDeleteEntity, reasonMissingDatabase, errMissingDatabase)
	}
	entitySchema, err := schema.Lookup(kind)
	if err != nil {
		return newValidationError("", err)
	}
	logFields := []zap.Field{
		zap.String(fieldKind, kind.String()),
		zap.String(fieldEntityID, entityID.String()),
		zap.Bool("protected", expected != nil),
	}

	var deleted Entity
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		current, found, loadErr := loadEntity(transaction, entitySchema, entityID)
		if loadErr != nil {
			s.logError(opDeleteEntity, reasonReloadFailed, loadErr, logFields...)
			return newServiceError(opDeleteEntity, reasonReloadFailed, loadErr)
		}
		if !found {
			return notFound(kind, entityID)
		}

		statement := "DELETE FROM " + entitySchema.Table() + " WHERE "
		var result *gorm.DB
		if expected != nil {
			result = transaction.Exec(statement+queryIDAndVersion, entityID.String(), expected.Int64())
		} else {
			result = transaction.Exec(statement+queryID, entityID.String())
		}
		if result.Error != nil {
			s.logError(opDeleteEntity, reasonDeleteFailed, result.Error, logFields...)
			return newServiceError(opDeleteEntity, reasonDeleteFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return &ConflictError{Kind: kind, EntityID: entityID, Expected: *expected, Current: current}
		}
		deleted = current

		return s.recordChange(transaction, opDeleteEntity, changeRecord{
			kind:      kind,
			entityID:  entityID,
			actorID:   actorID,
			operation: OperationDelete,
			fields:    map[string]any{},
			forced:    expected == nil,
			previous:  &current.UpdatedAt,
		})
	})
	if transactionError != nil {
		s.logOutcome(transactionError, logFields...)
		return transactionError
	}

	s.notify(ChangeEvent{
		Kind:      kind,
		EntityID:  entityID,
		Operation: OperationDelete,
		UpdatedAt: deleted.UpdatedAt,
		ActorID:   actorID,
		Forced:    expected == nil,
	})
	return nil
}

// logOutcome records protocol rejections. Internal failures were already logged where
// they were detected.
func (s *Service) logOutcome(err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, ErrEditConflict):
		s.logger.Info("write rejected: edit conflict", fields...)
	case errors.Is(err, ErrNotFound):
		s.logger.Info("write rejected: entity not found", fields...)
	case errors.Is(err, ErrValidation):
		s.logger.Debug("write rejected: validation", append(fields, zap.Error(err))...)
	}
}

func coerceChanges(entitySchema schema.EntitySchema, changes map[string]any) (map[string]any, error) {
	if len(changes) == 0 {
		return nil, newValidationError("", errEmptyChanges)
	}
	assignments := make(map[string]any, len(changes))
	for name, raw := range changes {
		field, _, err := entitySchema.Field(name)
		if err != nil {
			return nil, newValidationError(name, err)
		}
		value, err := field.Coerce(raw)
		if err != nil {
			return nil, newValidationError(name, err)
		}
		assignments[field.Column()] = value
	}
	return assignments, nil
}

// checkReferences rejects reference fields that point at missing entities.
func (s *Service) checkReferences(transaction *gorm.DB, entitySchema schema.EntitySchema, changes map[string]any, assignments map[string]any) error {
	for name := range changes {
		field, _, err := entitySchema.Field(name)
		if err != nil || field.Kind != schema.FieldReference {
			continue
		}
		target, ok := assignments[field.Column()].(string)
		if !ok || target == "" {
			continue
		}
		targetSchema, err := schema.Lookup(field.References)
		if err != nil {
			return newValidationError(name, err)
		}
		var count int64
		if err := transaction.Table(targetSchema.Table()).Where(queryID, target).Count(&count).Error; err != nil {
			s.logError(opApplyFieldUpdate, reasonReferenceFailed, err, zap.String("field", name))
			return newServiceError(opApplyFieldUpdate, reasonReferenceFailed, err)
		}
		if count == 0 {
			return newValidationError(name, fmt.Errorf("%w: %s %s does not exist", schema.ErrInvalidValue, field.References, target))
		}
	}
	return nil
}

type changeRecord struct {
	kind      schema.Kind
	entityID  EntityID
	actorID   string
	operation Operation
	fields    map[string]any
	forced    bool
	previous  *schema.Timestamp
	next      *schema.Timestamp
}

func (s *Service) recordChange(transaction *gorm.DB, operation string, record changeRecord) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGeneration, err, zap.String(fieldEntityID, record.entityID.String()))
		return newServiceError(operation, reasonIDGeneration, err)
	}
	fieldsJSON, err := json.Marshal(record.fields)
	if err != nil {
		s.logError(operation, reasonEncodeFailed, err, zap.String(fieldEntityID, record.entityID.String()))
		return newServiceError(operation, reasonEncodeFailed, err)
	}
	audit := Change{
		ChangeID:        changeID,
		Kind:            record.kind.String(),
		EntityID:        record.entityID.String(),
		ActorID:         record.actorID,
		Operation:       record.operation,
		FieldsJSON:      string(fieldsJSON),
		Forced:          record.forced,
		AppliedAtMicros: s.nowMicros(),
	}
	if record.previous != nil && !record.previous.IsZero() {
		audit.PreviousUpdatedAtMicros = pointerTo(record.previous.Int64())
	}
	if record.next != nil {
		audit.NewUpdatedAtMicros = pointerTo(record.next.Int64())
	}
	if err := transaction.Create(&audit).Error; err != nil {
		s.logError(operation, reasonAuditFailed, err, zap.String(fieldEntityID, record.entityID.String()))
		return newServiceError(operation, reasonAuditFailed, err)
	}
	return nil
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
