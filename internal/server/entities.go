package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"github.com/gin-gonic/gin"
)

const lastUpdatedAtParam = "last_updated_at"

type entityListPayload struct {
	Kind     schema.Kind      `json:"kind"`
	Entities []records.Entity `json:"entities"`
}

type changeListPayload struct {
	Kind     schema.Kind           `json:"kind"`
	EntityID records.EntityID      `json:"entity_id"`
	Changes  []records.ChangeEntry `json:"changes"`
}

type createRequestPayload struct {
	Fields map[string]any `json:"fields"`
}

// updateRequestPayload is updateEntity's input. A present last_updated_at makes the write
// protected; an absent or null one forces it.
type updateRequestPayload struct {
	Fields        map[string]any    `json:"fields"`
	LastUpdatedAt *schema.Timestamp `json:"last_updated_at"`
}

func (h *httpHandler) handleSchema(c *gin.Context) {
	entitySchema, ok := h.lookupSchema(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entitySchema)
}

func (h *httpHandler) handleList(c *gin.Context) {
	entitySchema, ok := h.lookupSchema(c)
	if !ok {
		return
	}
	entities, err := h.records.ListEntities(c.Request.Context(), entitySchema.Kind)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entityListPayload{Kind: entitySchema.Kind, Entities: entities})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	entitySchema, entityID, ok := h.lookupEntity(c)
	if !ok {
		return
	}
	entity, err := h.records.GetEntity(c.Request.Context(), entitySchema.Kind, entityID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	entitySchema, ok := h.lookupSchema(c)
	if !ok {
		return
	}
	var request createRequestPayload
	if err := decodeJSONBody(c.Request.Body, &request); err != nil || request.Fields == nil {
		h.writeBadRequest(c, "body must be a JSON object with a fields map")
		return
	}
	entity, err := h.records.CreateEntity(c.Request.Context(), entitySchema.Kind, request.Fields, actorFromContext(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entity)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	entitySchema, entityID, ok := h.lookupEntity(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := decodeJSONBody(c.Request.Body, &request); err != nil {
		if errors.Is(err, schema.ErrInvalidTimestamp) {
			h.writeBadRequest(c, "last_updated_at must be an RFC 3339 timestamp")
			return
		}
		h.writeBadRequest(c, "body must be a JSON object with a fields map")
		return
	}
	entity, err := h.records.ApplyFieldUpdate(c.Request.Context(), records.FieldUpdate{
		Kind:              entitySchema.Kind,
		EntityID:          entityID,
		Changes:           request.Fields,
		ExpectedUpdatedAt: request.LastUpdatedAt,
		ActorID:           actorFromContext(c).ID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	entitySchema, entityID, ok := h.lookupEntity(c)
	if !ok {
		return
	}
	var expected *schema.Timestamp
	if raw, present := c.GetQuery(lastUpdatedAtParam); present {
		parsed, err := schema.ParseTimestamp(raw)
		if err != nil {
			h.writeBadRequest(c, "last_updated_at must be an RFC 3339 timestamp")
			return
		}
		expected = &parsed
	}
	if err := h.records.DeleteEntity(c.Request.Context(), entitySchema.Kind, entityID, expected, actorFromContext(c).ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	entitySchema, entityID, ok := h.lookupEntity(c)
	if !ok {
		return
	}
	changes, err := h.records.ListChanges(c.Request.Context(), entitySchema.Kind, entityID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, changeListPayload{Kind: entitySchema.Kind, EntityID: entityID, Changes: changes})
}

func (h *httpHandler) lookupSchema(c *gin.Context) (schema.EntitySchema, bool) {
	kind, err := schema.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorPayload{
			Error:   "unknown_kind",
			Code:    records.CodeNotFound,
			Message: err.Error(),
		})
		return schema.EntitySchema{}, false
	}
	entitySchema, err := schema.Lookup(kind)
	if err != nil {
		h.writeError(c, err)
		return schema.EntitySchema{}, false
	}
	return entitySchema, true
}

func (h *httpHandler) lookupEntity(c *gin.Context) (schema.EntitySchema, records.EntityID, bool) {
	entitySchema, ok := h.lookupSchema(c)
	if !ok {
		return schema.EntitySchema{}, "", false
	}
	entityID, err := records.NewEntityID(c.Param("id"))
	if err != nil {
		h.writeBadRequest(c, err.Error())
		return schema.EntitySchema{}, "", false
	}
	return entitySchema, entityID, true
}

// decodeJSONBody keeps numbers as json.Number so integer fields are not rounded through
// float64.
func decodeJSONBody(body io.Reader, target any) error {
	if body == nil {
		return io.EOF
	}
	decoder := json.NewDecoder(body)
	decoder.UseNumber()
	return decoder.Decode(target)
}
