package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/aaronwang/auction-core/internal/reconcile"
	"github.com/aaronwang/auction-core/internal/service"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisClient "github.com/aaronwang/auction-core/internal/redis"
)

type noopTimers struct{}

func (noopTimers) Ensure(*models.Auction) {}
func (noopTimers) Stop(string)            {}

type noopAlerts struct{}

func (noopAlerts) CancelAll(string) {}

type testServer struct {
	router   http.Handler
	store    *redisClient.Client
	auth     *Authenticator
	listener *reconcile.Listener
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	store := redisClient.New(rdb, redisClient.StrategyLua, logger)
	view := reconcile.NewView(logger)
	auth := NewAuthenticator("test-secret")

	bidding := service.NewBiddingService(store, nil, nil, logger)
	auctions := service.NewAuctionService(store, noopTimers{}, noopAlerts{}, logger)
	h := NewHandler(bidding, auctions, view, auth, logger)

	return &testServer{
		router:   h.SetupRoutes(nil),
		store:    store,
		auth:     auth,
		listener: reconcile.NewListener(store, noopTimers{}, reconcile.NewController(2, time.Minute), view, logger),
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.auth.IssueToken(userID, "Name "+userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seed(t *testing.T, id string, status models.Status) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.store.Create(context.Background(), &models.Auction{
		ID:            id,
		SellerID:      "seller",
		Title:         "Lakeside cabin",
		StartingPrice: decimal.NewFromInt(90),
		CurrentBid:    decimal.NewFromInt(90),
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
		Status:        status,
	}))
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestPlaceBid(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "a1", models.StatusActive)
	s.seed(t, "soon", models.StatusUpcoming)

	tests := []struct {
		name   string
		path   string
		token  string
		amount string
		want   int
	}{
		{"Anonymous", "/api/v1/auctions/a1/bids", "", "100", http.StatusUnauthorized},
		{"BadToken", "/api/v1/auctions/a1/bids", "garbage", "100", http.StatusUnauthorized},
		{"Accepted", "/api/v1/auctions/a1/bids", "u1", "100", http.StatusCreated},
		{"TooLow", "/api/v1/auctions/a1/bids", "u2", "95", http.StatusUnprocessableEntity},
		{"NotActive", "/api/v1/auctions/soon/bids", "u2", "200", http.StatusConflict},
		{"Missing", "/api/v1/auctions/nope/bids", "u2", "200", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := tt.token
			if token != "" && token != "garbage" {
				token = s.token(t, tt.token)
			}
			rec := s.do(t, "POST", tt.path, token, map[string]string{"amount": tt.amount})
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	a, err := s.store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "u1", a.HighestBidderID)
	assert.Equal(t, "Name u1", a.HighestBidderName)
	require.Len(t, a.Bids, 1)
}

func TestPlaceBid_TooLowMessage(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "a1", models.StatusActive)

	rec := s.do(t, "POST", "/api/v1/auctions/a1/bids", s.token(t, "u1"), map[string]string{"amount": "90"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp models.BidResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "Bid too low. Current highest bid is $90.00", resp.Message)
}

func TestExpiredToken(t *testing.T) {
	s := newTestServer(t)
	s.auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok := s.token(t, "u1")
	s.auth.now = time.Now

	rec := s.do(t, "POST", "/api/v1/auctions/a1/watch", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Token expired")
}

func TestCreateAndList(t *testing.T) {
	s := newTestServer(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rec := s.do(t, "POST", "/api/v1/auctions", s.token(t, "seller"), map[string]interface{}{
		"title":          "Townhouse",
		"starting_price": "150000",
		"start_time":     start,
		"duration_class": "7d",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Auction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.StatusUpcoming, created.Status)
	assert.Equal(t, "seller", created.SellerID)

	rec = s.do(t, "POST", "/api/v1/auctions", s.token(t, "seller"), map[string]interface{}{
		"title": "Nothing to sell",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.NoError(t, s.listener.Sync(context.Background()))
	rec = s.do(t, "GET", "/api/v1/auctions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Auction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	rec = s.do(t, "GET", fmt.Sprintf("/api/v1/auctions/%s", created.ID), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetAuction_FallsBackToStore(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "a1", models.StatusActive)

	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/auctions/a1", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/v1/auctions/nope", "", nil).Code)
}

func TestCancelAndWatch(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "a1", models.StatusActive)

	assert.Equal(t, http.StatusNoContent, s.do(t, "POST", "/api/v1/auctions/a1/watch", s.token(t, "w1"), nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, "DELETE", "/api/v1/auctions/a1/watch", s.token(t, "w1"), nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "POST", "/api/v1/auctions/a1/watch", "", nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, "POST", "/api/v1/auctions/a1/cancel", s.token(t, "w1"), nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, "POST", "/api/v1/auctions/a1/cancel", s.token(t, "seller"), nil).Code)

	a, err := s.store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, a.Status)

	rec := s.do(t, "POST", "/api/v1/auctions/a1/bids", s.token(t, "u1"), map[string]string{"amount": "500"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettle(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "a1", models.StatusActive)
	ctx := context.Background()

	body := map[string]string{"transaction_ref": "tx-9"}
	assert.Equal(t, http.StatusUnauthorized, s.do(t, "POST", "/api/v1/auctions/a1/settlement", "", body).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, "POST", "/api/v1/auctions/a1/settlement", s.token(t, "payments"), body).Code)

	_, err := s.store.Update(ctx, "a1", func(a *models.Auction) (bool, error) {
		a.Status = models.StatusEnded
		a.WinnerID = "u1"
		return true, nil
	})
	require.NoError(t, err)

	rec := s.do(t, "POST", "/api/v1/auctions/a1/settlement", s.token(t, "payments"), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, "PUT", "/api/v1/auctions/a1/payment", s.token(t, "payments"),
		map[string]string{"state": "refunded"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	a, err := s.store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, a.Status)
	assert.Equal(t, models.PaymentRefunded, a.PaymentState)
	assert.Equal(t, "tx-9", a.TransactionRef)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrUserNotAuthenticated, http.StatusUnauthorized},
		{models.ErrNotSeller, http.StatusForbidden},
		{fmt.Errorf("auction x: %w", models.ErrAuctionNotFound), http.StatusNotFound},
		{&models.BidRejection{Reason: models.ErrAuctionNotActive}, http.StatusConflict},
		{&models.BidRejection{Reason: models.ErrInvalidBidAmount}, http.StatusUnprocessableEntity},
		{models.ErrStaleWrite, http.StatusConflict},
		{models.ErrInvalidAuction, http.StatusUnprocessableEntity},
		{fmt.Errorf("redis: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
