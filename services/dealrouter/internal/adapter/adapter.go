package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/metrics"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxResponseBytes = 1 << 20

type CreateDealRequest struct {
	OurDealID     string         `json:"ourDealId"`
	Amount        string         `json:"amount"`
	Rate          string         `json:"rate"`
	PaymentMethod string         `json:"paymentMethod"`
	CallbackURL   string         `json:"callbackUrl"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type CreateDealResponse struct {
	Accepted      bool            `json:"accepted"`
	PartnerDealID string          `json:"partnerDealId,omitempty"`
	Requisites    json.RawMessage `json:"requisites,omitempty"`
	Message       string          `json:"message,omitempty"`
}

type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindStatus  Kind = "status"
	KindDecode  Kind = "decode"
)

// Error is an outbound call failure. Routing treats it as a decline.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("aggregator %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("aggregator %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr.Kind
	}
	return ""
}

type HTTPClient struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHTTPClient(client *http.Client, logger *slog.Logger, m *metrics.Metrics) *HTTPClient {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{client: client, logger: logger, metrics: m}
}

// CreateDeal posts the deal to {apiBaseUrl}/deals, bounded by the
// aggregator's SLA.
func (c *HTTPClient) CreateDeal(ctx context.Context, agg storage.Aggregator, req CreateDealRequest) (CreateDealResponse, error) {
	if agg.MaxSLAMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, agg.SLA())
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return CreateDealResponse{}, fmt.Errorf("marshal create deal: %w", err)
	}
	endpoint := strings.TrimRight(agg.APIBaseURL, "/") + "/deals"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return CreateDealResponse{}, &Error{Kind: KindNetwork, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		kind := KindNetwork
		if isTimeout(ctx, err) {
			kind = KindTimeout
		}
		c.metrics.ObserveAdapterCall(agg.Name, string(kind), time.Since(start))
		return CreateDealResponse{}, &Error{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		kind := KindNetwork
		if isTimeout(ctx, err) {
			kind = KindTimeout
		}
		c.metrics.ObserveAdapterCall(agg.Name, string(kind), time.Since(start))
		return CreateDealResponse{}, &Error{Kind: kind, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveAdapterCall(agg.Name, string(KindStatus), time.Since(start))
		return CreateDealResponse{}, &Error{Kind: KindStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", snippet(raw))}
	}

	var out CreateDealResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		c.metrics.ObserveAdapterCall(agg.Name, string(KindDecode), time.Since(start))
		return CreateDealResponse{}, &Error{Kind: KindDecode, StatusCode: resp.StatusCode, Err: err}
	}
	if out.Accepted && strings.TrimSpace(out.PartnerDealID) == "" {
		c.metrics.ObserveAdapterCall(agg.Name, string(KindDecode), time.Since(start))
		return CreateDealResponse{}, &Error{Kind: KindDecode, StatusCode: resp.StatusCode, Err: errors.New("accepted without partnerDealId")}
	}

	status := "declined"
	if out.Accepted {
		status = "accepted"
	}
	c.metrics.ObserveAdapterCall(agg.Name, status, time.Since(start))
	c.logger.Debug("aggregator responded", "aggregator_id", agg.ID, "deal_id", req.OurDealID, "accepted", out.Accepted,
		"latency", time.Since(start))
	return out, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func snippet(raw []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
