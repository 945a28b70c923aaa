package dispute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	r := gin.New()
	NewHandler(f.ledger).RegisterAdminRoutes(r.Group("/v1"))
	return r, f
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ListByProvider(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	_, err := f.ledger.OnDisputeOpened(context.Background(), opening("dp_1"))
	require.NoError(t, err)

	w := get(router, "/v1/providers/prov_1/disputes")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Disputes []Dispute `json:"disputes"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "dp_1", body.Disputes[0].DisputeRef)
}

func TestHandler_Get(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	_, err := f.ledger.OnDisputeOpened(context.Background(), opening("dp_1"))
	require.NoError(t, err)

	w := get(router, "/v1/disputes/dp_1")
	require.Equal(t, http.StatusOK, w.Code)
	var d Dispute
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, StatusOpen, d.Status)

	w = get(router, "/v1/disputes/dp_missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListUnattributed(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	_, err := f.ledger.OnDisputeOpened(context.Background(), Opening{DisputeRef: "dp_x", ChargeRef: "ch_nobody"})
	require.NoError(t, err)

	w := get(router, "/v1/disputes?unattributed=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dp_x")

	w = get(router, "/v1/disputes")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
