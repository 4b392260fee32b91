package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/google/uuid"
)

func aggregatorFor(srv *httptest.Server, slaMs int) storage.Aggregator {
	return storage.Aggregator{ID: uuid.New(), Name: "test", APIBaseURL: srv.URL, MaxSLAMs: slaMs}
}

func TestCreateDealAccepted(t *testing.T) {
	var got CreateDealRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deals" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"accepted":true,"partnerDealId":"p-9","requisites":{"card":"4111"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), nil, nil)
	resp, err := client.CreateDeal(context.Background(), aggregatorFor(srv, 1000), CreateDealRequest{OurDealID: "d-1", Amount: "5000", Rate: "95.5"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	if !resp.Accepted || resp.PartnerDealID != "p-9" || len(resp.Requisites) == 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.OurDealID != "d-1" || got.Amount != "5000" {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestCreateDealErrorKinds(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		sla     int
		want    Kind
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) }, 1000, KindStatus},
		{"decode", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("not json")) }, 1000, KindDecode},
		{"accepted without id", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"accepted":true}`)) }, 1000, KindDecode},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
		}, 20, KindTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			client := NewHTTPClient(srv.Client(), nil, nil)
			_, err := client.CreateDeal(context.Background(), aggregatorFor(srv, tc.sla), CreateDealRequest{OurDealID: "d"})
			if KindOf(err) != tc.want {
				t.Fatalf("expected kind %s, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateDealDeclineIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"accepted":false,"message":"no liquidity"}`))
	}))
	defer srv.Close()
	resp, err := NewHTTPClient(srv.Client(), nil, nil).CreateDeal(context.Background(), aggregatorFor(srv, 1000), CreateDealRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Accepted || resp.Message != "no liquidity" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestBreakersOpenAndRecover(t *testing.T) {
	b := NewBreakers(2, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }
	id := uuid.New()

	b.RecordFailure(id)
	if !b.Allow(id) {
		t.Fatalf("breaker must stay closed below threshold")
	}
	b.RecordFailure(id)
	if b.Allow(id) {
		t.Fatalf("breaker must open at threshold")
	}
	if !b.Allow(uuid.New()) {
		t.Fatalf("breakers must be independent per aggregator")
	}
	now = now.Add(2 * time.Minute)
	if !b.Allow(id) {
		t.Fatalf("breaker must close after cooldown")
	}
}

func TestNilBreakersAllow(t *testing.T) {
	var b *Breakers
	if !b.Allow(uuid.New()) {
		t.Fatalf("nil breakers must allow")
	}
	b.RecordFailure(uuid.New())
	b.RecordSuccess(uuid.New())
}
