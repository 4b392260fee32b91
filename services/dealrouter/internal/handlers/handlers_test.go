package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/callback"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/fee"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/lifecycle"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/rate"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/routing"
	"github.com/AfshinJalili/dealrouter/services/dealrouter/internal/storage"
	"github.com/AfshinJalili/dealrouter/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var secret = []byte("secret")

type fakeDeals struct {
	result routing.Result
	err    error
	last   *routing.SubmitInput
}

func (f *fakeDeals) Submit(ctx context.Context, in routing.SubmitInput) (routing.Result, error) {
	f.last = &in
	return f.result, f.err
}

type testEnv struct {
	router *gin.Engine
	store  *storage.MemoryStore
	deals  *fakeDeals
	agg    storage.Aggregator
	token  string
}

func newTestEnv(t *testing.T, limiter rate.Limiter) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	token, hash, err := testutil.GenerateCallbackToken()
	if err != nil {
		t.Fatalf("callback token: %v", err)
	}
	agg := storage.Aggregator{
		ID:                       uuid.New(),
		Name:                     "agg",
		CallbackTokenHash:        hash,
		Balance:                  testutil.Dec("1000"),
		IsActive:                 true,
		RequiresInsuranceDeposit: true,
		LastVolumeReset:          time.Now().UTC(),
	}
	if err := store.UpsertAggregator(context.Background(), agg); err != nil {
		t.Fatalf("seed aggregator: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := lifecycle.NewTransitioner(store, nil, nil, nil, logger, nil)
	processor := callback.NewProcessor(store, tr, logger, nil, time.Second)
	deals := &fakeDeals{}

	h := New(deals, store, fee.NewAdmin(store, fee.NewScheduleCache(time.Minute), logger), processor, limiter, nil, logger)
	router := gin.New()
	h.Register(router, secret)
	return testEnv{router: router, store: store, deals: deals, agg: agg, token: token}
}

func (e testEnv) jwt(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := testutil.GenerateJWT("selector", scopes, secret)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return token
}

func (e testEnv) seedDeal(t *testing.T, partnerID string) storage.Deal {
	t.Helper()
	deal := storage.Deal{
		ID:              uuid.New(),
		ExternalOrderID: "ext-" + uuid.NewString(),
		MerchantID:      testutil.MerchantID,
		MethodID:        testutil.MethodID,
		Direction:       storage.DirectionIn,
		Amount:          testutil.Dec("5000"),
		Rate:            testutil.Dec("95.5"),
		FrozenPrincipal: testutil.Dec("52.36"),
		Status:          storage.StatusInProgress,
		Party:           storage.AggregatorParty(e.agg.ID, partnerID),
		CreatedAt:       time.Now().UTC(),
		ExpiresAt:       time.Now().UTC().Add(time.Hour),
	}
	err := e.store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertDeal(ctx, deal); err != nil {
			return err
		}
		_, err := tx.FreezeAggregator(ctx, e.agg.ID, deal.FrozenPrincipal, deal.Amount)
		return err
	})
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return deal
}

func validDealBody() map[string]any {
	return map[string]any{
		"external_order_id": "order-1",
		"merchant_id":       testutil.MerchantID.String(),
		"method_id":         testutil.MethodID.String(),
		"amount":            "5000",
		"rate":              "95.5",
	}
}

func TestCreateDealRequiresServiceToken(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := testutil.MakeAPIRequest(e.router, http.MethodPost, "/deals", validDealBody())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/deals", validDealBody(), e.jwt(t, ScopeFees))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestCreateDealValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	body := validDealBody()
	body["amount"] = "-1"
	body["merchant_id"] = "nope"

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/deals", body, e.jwt(t, ScopeDeals))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	var errResp errorResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &errResp)
	if len(errResp.Fields) != 2 {
		t.Fatalf("expected two field errors, got %+v", errResp.Fields)
	}
	if e.deals.last != nil {
		t.Fatalf("service must not be called for invalid input")
	}
}

func TestCreateDealRouted(t *testing.T) {
	e := newTestEnv(t, nil)
	deal := storage.Deal{
		ID:              uuid.New(),
		ExternalOrderID: "order-1",
		Amount:          testutil.Dec("5000"),
		Rate:            testutil.Dec("95.5"),
		FrozenPrincipal: testutil.Dec("52.36"),
		Status:          storage.StatusInProgress,
		Party:           storage.AggregatorParty(e.agg.ID, "p-77"),
	}
	e.deals.result = routing.Result{
		Deal:       deal,
		Requisites: json.RawMessage(`{"card":"4111"}`),
		Attempts:   []storage.RoutingAttempt{{AggregatorID: e.agg.ID, Outcome: storage.AttemptAccepted}},
	}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/deals", validDealBody(), e.jwt(t, ScopeDeals))
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	var body dealResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PartyKind != string(storage.PartyAggregator) || body.PartnerDealID != "p-77" || body.Principal != "52.36" {
		t.Fatalf("unexpected response %+v", body)
	}
	if string(body.Requisites) != `{"card":"4111"}` || len(body.Attempts) != 1 {
		t.Fatalf("expected requisites and attempts, got %s %+v", body.Requisites, body.Attempts)
	}
	if e.deals.last == nil || e.deals.last.Direction != storage.DirectionIn || e.deals.last.TraderID != nil {
		t.Fatalf("unexpected submit input %+v", e.deals.last)
	}
}

func TestCreateDealErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{storage.ErrDuplicateOrder, testutil.ErrorCodeConflict},
		{storage.ErrInsufficientBalance, testutil.ErrorCodeInsufficientBalance},
		{routing.ErrNoCapacity, testutil.ErrorCodeNoCapacity},
		{errors.New("boom"), testutil.ErrorCodeInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			e := newTestEnv(t, nil)
			e.deals.err = tc.err
			e.deals.result = routing.Result{Attempts: []storage.RoutingAttempt{{Outcome: storage.AttemptDeclined}}}

			resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/deals", validDealBody(), e.jwt(t, ScopeDeals))
			testutil.AssertErrorCode(t, resp, tc.code)
		})
	}
}

func TestNoCapacityCarriesAttempts(t *testing.T) {
	e := newTestEnv(t, nil)
	e.deals.err = routing.ErrNoCapacity
	e.deals.result = routing.Result{Attempts: []storage.RoutingAttempt{
		{AggregatorID: uuid.New(), Outcome: storage.AttemptDeclined},
		{AggregatorID: uuid.New(), Outcome: storage.AttemptSkipped, Reason: "below_min_balance"},
	}}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/deals", validDealBody(), e.jwt(t, ScopeDeals))
	var errResp errorResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &errResp)
	if len(errResp.Attempts) != 2 || errResp.Attempts[1].Reason != "below_min_balance" {
		t.Fatalf("expected attempts in body, got %+v", errResp)
	}
}

func TestGetDeal(t *testing.T) {
	e := newTestEnv(t, nil)
	deal := e.seedDeal(t, "p-1")
	token := e.jwt(t, ScopeDeals)

	resp := testutil.MakeAuthRequest(e.router, http.MethodGet, "/deals/"+deal.ID.String(), nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/deals/"+uuid.NewString(), nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	resp = testutil.MakeAuthRequest(e.router, http.MethodGet, "/deals/not-a-uuid", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestFeeRangeAdmin(t *testing.T) {
	e := newTestEnv(t, nil)
	token := e.jwt(t, ScopeFees)
	body := map[string]any{
		"party_id":        e.agg.ID.String(),
		"merchant_id":     testutil.MerchantID.String(),
		"method_id":       testutil.MethodID.String(),
		"min_amount":      "0",
		"max_amount":      "10000",
		"fee_in_percent":  "2",
		"fee_out_percent": "2",
	}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/fee-ranges", body, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	var created feeRangeResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &created)
	if !created.IsActive {
		t.Fatalf("expected range active by default")
	}

	body["min_amount"] = "5000"
	body["max_amount"] = "20000"
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/fee-ranges", body, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeConflict)

	body["min_amount"] = "10000.01"
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/fee-ranges", body, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	update := map[string]any{"min_amount": "0", "max_amount": "9000", "fee_in_percent": "3", "fee_out_percent": "3"}
	resp = testutil.MakeAuthRequest(e.router, http.MethodPut, "/fee-ranges/"+created.ID, update, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPut, "/fee-ranges/"+uuid.NewString(), update, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	update["fee_in_percent"] = "101"
	resp = testutil.MakeAuthRequest(e.router, http.MethodPut, "/fee-ranges/"+created.ID, update, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestCallbackAppliesAndReplays(t *testing.T) {
	e := newTestEnv(t, nil)
	deal := e.seedDeal(t, "p-1")
	headers := map[string]string{callbackTokenHeader: e.token}
	payload := map[string]any{"ourDealId": deal.ID.String(), "status": "SUCCESS", "partnerDealId": "p-1"}

	resp := testutil.MakeRequest(e.router, http.MethodPost, "/callback", payload, headers)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var first callback.ItemResult
	_ = json.Unmarshal(resp.Body.Bytes(), &first)
	if first.Result != callback.ResultApplied || first.Status != string(storage.StatusReady) {
		t.Fatalf("expected applied READY, got %+v", first)
	}

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback", payload, e.token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var second callback.ItemResult
	_ = json.Unmarshal(resp.Body.Bytes(), &second)
	if second.Result != callback.ResultDuplicate {
		t.Fatalf("expected duplicate on replay, got %+v", second)
	}

	merchant, err := e.store.GetMerchantBalance(context.Background(), testutil.MerchantID)
	if err != nil || !merchant.Balance.Equal(testutil.Dec("52.36")) {
		t.Fatalf("expected merchant credited once, got %v %v", merchant.Balance, err)
	}
}

func TestCallbackAuthAndOwnership(t *testing.T) {
	e := newTestEnv(t, nil)
	deal := e.seedDeal(t, "p-1")
	payload := map[string]any{"ourDealId": deal.ID.String(), "status": "READY"}

	resp := testutil.MakeAPIRequest(e.router, http.MethodPost, "/callback", payload)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback", payload, "gx_test_unknown")
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)

	payload["partnerDealId"] = "someone-else"
	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback", payload, e.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback", map[string]any{"ourDealId": uuid.NewString(), "status": "READY"}, e.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
}

func TestCallbackBatch(t *testing.T) {
	e := newTestEnv(t, nil)
	deal := e.seedDeal(t, "p-1")
	items := []map[string]any{
		{"ourDealId": deal.ID.String(), "status": "CANCELLED"},
		{"ourDealId": "bad", "status": "READY"},
		{"ourDealId": deal.ID.String(), "status": "MILK"},
	}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback/batch", items, e.token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body batchResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(body.Results))
	}
	if body.Results[0].Result != callback.ResultApplied || body.Results[1].Code != "INVALID_REQUEST" || body.Results[2].Result != callback.ResultIgnored {
		t.Fatalf("unexpected results %+v", body.Results)
	}

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback/batch", []map[string]any{}, e.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestCallbackRateLimited(t *testing.T) {
	e := newTestEnv(t, rate.NewMemory(1, time.Minute))
	deal := e.seedDeal(t, "p-1")
	payload := map[string]any{"ourDealId": deal.ID.String(), "status": "IN_PROGRESS"}

	resp := testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback", payload, e.token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	resp = testutil.MakeAuthRequest(e.router, http.MethodPost, "/callback", payload, e.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeRateLimited)
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
