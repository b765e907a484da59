package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/usecase"
)

type fakeTicketAdmin struct {
	stats    usecase.TicketStats
	sessions []*domain.Ticket
	deleted  []string
	err      error
}

func (f *fakeTicketAdmin) Stats(context.Context) (usecase.TicketStats, error) {
	return f.stats, f.err
}

func (f *fakeTicketAdmin) GetSessionsFor(_ context.Context, principal string) ([]*domain.Ticket, error) {
	var out []*domain.Ticket
	for _, s := range f.sessions {
		if s.Principal == principal {
			out = append(out, s)
		}
	}
	return out, f.err
}

func (f *fakeTicketAdmin) DeleteTicket(_ context.Context, ticketID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.deleted = append(f.deleted, ticketID)
	return 3, nil
}

func (f *fakeTicketAdmin) DeleteAll(context.Context) (int64, error) {
	return 7, f.err
}

func newAdminRouter(admin TicketAdmin) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewTicketHandler(admin).RegisterRoutes(r.Group("/admin"))
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestTicketHandlerStats(t *testing.T) {
	admin := &fakeTicketAdmin{stats: usecase.TicketStats{
		Total:   3,
		Expired: 1,
		ByKind:  map[domain.Kind]int{domain.KindTicketGranting: 2, domain.KindService: 1},
	}}

	rr := serve(newAdminRouter(admin), http.MethodGet, "/admin/tickets/stats")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Equal(t, 1, resp.Expired)
	require.Equal(t, 2, resp.ByKind["TGT"])
}

func TestTicketHandlerSessionsMasksIdentifiers(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	admin := &fakeTicketAdmin{sessions: []*domain.Ticket{
		{
			ID:         "TGT-1-abcdefghijklmnop-node",
			Kind:       domain.KindTicketGranting,
			Principal:  "alice",
			CreatedAt:  created,
			ChildIDs:   []string{"ST-1", "ST-2"},
			Attributes: domain.Attributes{domain.AttributeRememberMe: {"true"}},
		},
		{ID: "TGT-2-zzzzzzzzzzzzzzzz-node", Kind: domain.KindTicketGranting, Principal: "bob"},
	}}

	rr := serve(newAdminRouter(admin), http.MethodGet, "/admin/sessions/alice")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "alice", resp.Principal)
	require.Equal(t, 1, resp.Count)
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, "TGT-***node", resp.Sessions[0].ID)
	require.Equal(t, 2, resp.Sessions[0].Children)
	require.True(t, resp.Sessions[0].RememberMe)
	require.NotContains(t, rr.Body.String(), "abcdefghijklmnop")
}

func TestTicketHandlerDelete(t *testing.T) {
	admin := &fakeTicketAdmin{}
	r := newAdminRouter(admin)

	rr := serve(r, http.MethodDelete, "/admin/tickets/TGT-1-abc")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"deleted":3}`, rr.Body.String())
	require.Equal(t, []string{"TGT-1-abc"}, admin.deleted)

	rr = serve(r, http.MethodDelete, "/admin/tickets/bogus")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(r, http.MethodDelete, "/admin/tickets")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"deleted":7}`, rr.Body.String())
}

func TestTicketHandlerMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{err: domain.ErrTicketNotFound, status: http.StatusNotFound, body: "ticket not found"},
		{err: fmt.Errorf("decode: %w", domain.ErrDecodeFailed), status: http.StatusNotFound, body: "ticket not found"},
		{err: fmt.Errorf("%w: scan: boom", domain.ErrStorageFailure), status: http.StatusServiceUnavailable, body: "ticket storage unavailable"},
		{err: errors.New("unexpected"), status: http.StatusInternalServerError, body: "failed to delete ticket"},
	}

	for _, tc := range cases {
		rr := serve(newAdminRouter(&fakeTicketAdmin{err: tc.err}), http.MethodDelete, "/admin/tickets/ST-1-abc")
		require.Equal(t, tc.status, rr.Code, tc.err.Error())

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, tc.body, resp.Error)
	}
}

func TestHealthHandlerReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	failing := errors.New("down")

	handler := NewHealthHandler(
		WithNodeID("node-a"),
		WithReadinessCheck("storage", func(context.Context) error { return nil }),
		WithReadinessCheck("redis", func(context.Context) error { return failing }),
		WithReadinessCheck("ignored", nil),
	)
	r := gin.New()
	r.GET("/healthz", handler.Status)
	r.GET("/readyz", handler.Readiness)

	rr := serve(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"node_id":"node-a"`)

	rr = serve(r, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "not_ready", resp.Status)
	require.Equal(t, map[string]string{"storage": "ok", "redis": "unavailable"}, resp.Checks)
}
