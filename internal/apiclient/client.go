package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/editing"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 10 * time.Second
	maxErrorBodyBytes   = 64 << 10
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	contentTypeJSON     = "application/json"
)

var (
	errMissingBaseURL = errors.New("apiclient: base url required")
	errMissingToken   = errors.New("apiclient: token required")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// StatusError reports a response that carries no protocol error code the editing table
// understands, such as 401, 429 or 500. The table treats it as a transport failure.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("apiclient: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("apiclient: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the entity API and implements editing.Gateway.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ editing.Gateway = (*Client)(nil)

type errorPayload struct {
	Error   string       `json:"error"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Field   string       `json:"field"`
	Entity  *editing.Row `json:"entity"`
}

type listPayload struct {
	Kind     schema.Kind   `json:"kind"`
	Entities []editing.Row `json:"entities"`
}

type updatePayload struct {
	Fields        map[string]any    `json:"fields"`
	LastUpdatedAt *schema.Timestamp `json:"last_updated_at,omitempty"`
}

// New validates the configuration and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Schema fetches the ordered field layout of a kind.
func (c *Client) Schema(ctx context.Context, kind schema.Kind) (schema.EntitySchema, error) {
	var entitySchema schema.EntitySchema
	if err := c.do(ctx, http.MethodGet, c.endpoint(kind.String(), "schema"), nil, &entitySchema); err != nil {
		return schema.EntitySchema{}, err
	}
	return entitySchema, nil
}

// ListRows fetches every entity of a kind.
func (c *Client) ListRows(ctx context.Context, kind schema.Kind) ([]editing.Row, error) {
	var payload listPayload
	if err := c.do(ctx, http.MethodGet, c.endpoint(kind.String()), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Entities, nil
}

// UpdateFields sends updateEntity. A nil expected timestamp omits last_updated_at, which
// makes the server apply a forced write.
func (c *Client) UpdateFields(ctx context.Context, kind schema.Kind, entityID string, changes map[string]any, expected *schema.Timestamp) (editing.Row, error) {
	var row editing.Row
	body := updatePayload{Fields: changes, LastUpdatedAt: expected}
	if err := c.do(ctx, http.MethodPatch, c.endpoint(kind.String(), entityID), body, &row); err != nil {
		return editing.Row{}, err
	}
	return row, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments)+1)
	escaped = append(escaped, "entities")
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	request.Header.Set(headerAuthorization, "Bearer "+c.token)
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("api request failed", zap.String("method", method), zap.String("url", endpoint), zap.Error(err))
		return fmt.Errorf("apiclient: %s %s: %w", method, endpoint, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return c.decodeError(method, endpoint, response)
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(method, endpoint string, response *http.Response) error {
	var payload errorPayload
	decoder := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes))
	decoder.UseNumber()
	_ = decoder.Decode(&payload)

	switch payload.Code {
	case editing.CodeEditConflict, editing.CodeNotFound, editing.CodeValidation:
		c.logger.Debug("api request rejected",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.String("code", payload.Code))
		return &editing.UpdateError{
			Code:    payload.Code,
			Message: payload.Message,
			Field:   payload.Field,
			Current: payload.Entity,
		}
	default:
		c.logger.Warn("api request failed",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Int("status", response.StatusCode),
			zap.String("code", payload.Code))
		return &StatusError{StatusCode: response.StatusCode, Code: payload.Code, Message: payload.Message}
	}
}
