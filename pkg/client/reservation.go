package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"chargehold/pkg/model"
)

const reservationsPath = "/api/v1/reservations"

type CreateReservationRequest struct {
	UserID          string        `json:"user_id"`
	Station         model.Station `json:"station"`
	ChargingPointID string        `json:"charging_point_id,omitempty"`
}

type LedgerEntry struct {
	StationID string `json:"station_id"`
	Reserved  int    `json:"reserved"`
}

// ReservationClient talks to the reservation HTTP API.
type ReservationClient struct {
	httpClient *HttpClient
}

func NewReservationClient(baseURL string) *ReservationClient {
	return &ReservationClient{
		httpClient: NewHttpClient(baseURL),
	}
}

func (c *ReservationClient) Create(ctx context.Context, req CreateReservationRequest, idempotencyKey string) (*Response, error) {
	headers := map[string]string{"X-User-ID": req.UserID}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	return c.httpClient.POSTWithHeaders(ctx, reservationsPath, req, headers)
}

func (c *ReservationClient) GetByID(ctx context.Context, id string) (*Response, error) {
	return c.httpClient.GET(ctx, reservationsPath+"/id/"+url.PathEscape(id))
}

func (c *ReservationClient) Cancel(ctx context.Context, id string) (*Response, error) {
	return c.httpClient.POST(ctx, reservationsPath+"/id/"+url.PathEscape(id)+"/cancel", nil)
}

func (c *ReservationClient) Complete(ctx context.Context, id string) (*Response, error) {
	return c.httpClient.POST(ctx, reservationsPath+"/id/"+url.PathEscape(id)+"/complete", nil)
}

func (c *ReservationClient) GetActiveByUser(ctx context.Context, userID string) (*Response, error) {
	return c.httpClient.GET(ctx, reservationsPath+"/users/"+url.PathEscape(userID)+"/active")
}

func (c *ReservationClient) GetByUser(ctx context.Context, userID string) (*Response, error) {
	return c.httpClient.GET(ctx, reservationsPath+"/users/"+url.PathEscape(userID))
}

func (c *ReservationClient) GetLedger(ctx context.Context, stationID string) (*Response, error) {
	return c.httpClient.GET(ctx, reservationsPath+"/stations/"+url.PathEscape(stationID)+"/ledger")
}

func (c *ReservationClient) DecodeReservation(resp *Response) (*model.Reservation, error) {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &wrapper); err != nil {
		return nil, fmt.Errorf("could not decode reservation wrapper: %s: %w", resp, err)
	}

	var reservation model.Reservation
	if err := json.Unmarshal(wrapper.Data, &reservation); err != nil {
		return nil, fmt.Errorf("could not decode reservation json: %s: %w", resp, err)
	}
	return &reservation, nil
}

func (c *ReservationClient) DecodeReservations(resp *Response) ([]model.Reservation, int, error) {
	var wrapper struct {
		Data       []model.Reservation `json:"data"`
		TotalCount int                 `json:"total_count"`
	}
	if err := json.Unmarshal(resp.Body, &wrapper); err != nil {
		return nil, 0, fmt.Errorf("could not decode reservation list: %s: %w", resp, err)
	}
	return wrapper.Data, wrapper.TotalCount, nil
}

func (c *ReservationClient) DecodeLedger(resp *Response) (*LedgerEntry, error) {
	var wrapper struct {
		Data LedgerEntry `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &wrapper); err != nil {
		return nil, fmt.Errorf("could not decode ledger entry: %s: %w", resp, err)
	}
	return &wrapper.Data, nil
}
