package remote

import (
	"barnsync/internal/models"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Submission is the wire form of one captured activity record.
type Submission struct {
	ID        string                `json:"id"`
	Kind      models.ItemKind       `json:"kind"`
	Payload   models.CapturePayload `json:"payload"`
	CreatedAt time.Time             `json:"created_at"`
}

// LotPayload is the wire form of a milk lot. Quantities travel as decimal
// strings so no precision is lost in transit.
type LotPayload struct {
	ID                string          `json:"id"`
	LotDate           string          `json:"lot_date"`
	Category          string          `json:"category,omitempty"`
	QuantityOriginal  decimal.Decimal `json:"quantity_original"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	Exhausted         bool            `json:"exhausted,omitempty"`
}

// DecrementRequest asks the remote to consume quantity from a lot.
type DecrementRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

// LotFromPayload converts the wire form back into the model.
func LotFromPayload(p LotPayload) (*models.MilkLot, error) {
	lotDate, err := time.Parse("2006-01-02", p.LotDate)
	if err != nil {
		return nil, fmt.Errorf("invalid lot_date %q for lot %s: %w", p.LotDate, p.ID, err)
	}
	return &models.MilkLot{
		ID:                p.ID,
		LotDate:           lotDate,
		Category:          p.Category,
		QuantityOriginal:  p.QuantityOriginal,
		QuantityRemaining: p.QuantityRemaining,
		Exhausted:         p.Exhausted,
	}, nil
}

// PayloadFromLot converts a lot into its wire form.
func PayloadFromLot(lot *models.MilkLot) LotPayload {
	return LotPayload{
		ID:                lot.ID,
		LotDate:           lot.LotDate.Format("2006-01-02"),
		Category:          lot.Category,
		QuantityOriginal:  lot.QuantityOriginal,
		QuantityRemaining: lot.QuantityRemaining,
		Exhausted:         lot.Exhausted,
	}
}

// HTTPStore talks JSON over HTTP to the farm server.
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a store client for the given base URL.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SubmitItem posts the activity with the item ID as idempotency key. A 409
// means the remote already holds this submission, which counts as success.
func (s *HTTPStore) SubmitItem(ctx context.Context, item *models.QueueItem) error {
	submission := Submission{
		ID:        item.ID,
		Kind:      item.Kind,
		Payload:   item.Payload,
		CreatedAt: item.CreatedAt,
	}

	resp, err := s.post(ctx, "/api/v1/activities", item.ID, submission)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	case transientStatus(resp.StatusCode):
		return &TransientError{Cause: fmt.Errorf("submit returned %d: %s", resp.StatusCode, readReason(resp))}
	default:
		return &ValidationError{Reason: readReason(resp)}
	}
}

// DecrementLot consumes quantity from one remote lot.
func (s *HTTPStore) DecrementLot(ctx context.Context, lotID string, amount decimal.Decimal) error {
	path := "/api/v1/lots/" + url.PathEscape(lotID) + "/decrement"
	resp, err := s.post(ctx, path, "", DecrementRequest{Quantity: amount})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, readReason(resp))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: lot %s unknown to remote", ErrConflict, lotID)
	case transientStatus(resp.StatusCode):
		return &TransientError{Cause: fmt.Errorf("decrement returned %d: %s", resp.StatusCode, readReason(resp))}
	default:
		return &ValidationError{Reason: readReason(resp)}
	}
}

// FetchLots retrieves the remote's lots, optionally one category.
func (s *HTTPStore) FetchLots(ctx context.Context, category string) ([]*models.MilkLot, error) {
	endpoint := s.baseURL + "/api/v1/lots"
	if category != "" {
		endpoint += "?category=" + url.QueryEscape(category)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if transientStatus(resp.StatusCode) {
			return nil, &TransientError{Cause: fmt.Errorf("fetch lots returned %d: %s", resp.StatusCode, readReason(resp))}
		}
		return nil, &ValidationError{Reason: readReason(resp)}
	}

	var payloads []LotPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payloads); err != nil {
		return nil, &TransientError{Cause: fmt.Errorf("failed to decode lots: %w", err)}
	}

	lots := make([]*models.MilkLot, 0, len(payloads))
	for _, p := range payloads {
		lot, err := LotFromPayload(p)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

// Ping probes the remote's health endpoint.
func (s *HTTPStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransientError{Cause: fmt.Errorf("health check returned %d", resp.StatusCode)}
	}
	return nil
}

func (s *HTTPStore) post(ctx context.Context, path, idempotencyKey string, body interface{}) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	return resp, nil
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func readReason(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	return strings.TrimSpace(string(body))
}
