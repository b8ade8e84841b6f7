package records

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew       = "records.service.new"
	opApplyFieldUpdate = "records.apply_field_update"
	opCreateEntity     = "records.create_entity"
	opDeleteEntity     = "records.delete_entity"
	opListEntities     = "records.list_entities"
	opGetEntity        = "records.get_entity"
	opListChanges      = "records.list_changes"

	fieldKind     = "kind"
	fieldEntityID = "entity_id"

	columnID        = "id"
	columnUpdatedAt = "updated_at_us"
	columnCreatedAt = "created_at_us"

	queryID           = columnID + " = ?"
	queryIDAndVersion = columnID + " = ? AND " + columnUpdatedAt + " = ?"

	reasonMissingDatabase  = "missing_database"
	reasonUpdateFailed     = "update_failed"
	reasonInsertFailed     = "insert_failed"
	reasonDeleteFailed     = "delete_failed"
	reasonReloadFailed     = "reload_failed"
	reasonReferenceFailed  = "reference_lookup_failed"
	reasonIDGeneration     = "id_generation_failed"
	reasonAuditFailed      = "audit_insert_failed"
	reasonQueryFailed      = "query_failed"
	reasonEncodeFailed     = "encode_failed"
	reasonMissingIDProvide = "missing_id_provider"
)

// ServiceConfig describes the dependencies of the records service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Observers  []Observer
}

// IDProvider issues identifiers for new entities and audit rows.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the Mutation Guard: every write to an editable entity goes through it, and
// every accepted write is announced to the registered observers after it commits.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	observersMu sync.RWMutex
	observers   []Observer
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	case cfg.IDProvider == nil:
		return nil, newServiceError(opServiceNew, reasonMissingIDProvide, errMissingIDProvider)
	}
	service := &Service{
		db:         cfg.Database,
		clock:      time.Now,
		idProvider: cfg.IDProvider,
		logger:     zap.NewNop(),
	}
	if cfg.Clock != nil {
		service.clock = cfg.Clock
	}
	if cfg.Logger != nil {
		service.logger = cfg.Logger
	}
	for _, observer := range cfg.Observers {
		service.AddObserver(observer)
	}
	return service, nil
}

// AddObserver registers an observer for accepted writes.
func (s *Service) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	s.observersMu.Lock()
	s.observers = append(s.observers, observer)
	s.observersMu.Unlock()
}

func (s *Service) nowMicros() int64 {
	return s.clock().UTC().UnixMicro()
}

// notify runs after commit, so a misbehaving observer must not fail the write it reports.
func (s *Service) notify(event ChangeEvent) {
	s.observersMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, observer := range observers {
		s.deliver(observer, event)
	}
}

func (s *Service) deliver(observer Observer, event ChangeEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("change observer panicked",
				zap.String(fieldKind, string(event.Kind)),
				zap.String(fieldEntityID, string(event.EntityID)),
				zap.Any("panic", recovered),
			)
		}
	}()
	observer.EntityChanged(event)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("records service error", attrs...)
}
