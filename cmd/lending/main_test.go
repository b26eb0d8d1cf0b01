package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"electrolab/pkg/catalog"
	"electrolab/pkg/database/dbtest"
	"electrolab/pkg/keylock"
	"electrolab/pkg/ledger"
	"electrolab/pkg/models"
	"electrolab/pkg/roster"
)

type testFixture struct {
	router *gin.Engine
	unitID string
	teamID string
}

func setupTestServer(t *testing.T) testFixture {
	gin.SetMode(gin.TestMode)
	db = dbtest.Open(t)
	log = zap.NewNop()

	locks := keylock.NewLocal()
	rosterService := roster.NewService(db, log)
	catalogService = catalog.NewService(db, locks, log)
	ledgerService = ledger.NewService(db, catalogService, rosterService, locks, log, 7*24*time.Hour)

	ctx := context.Background()
	class, err := rosterService.CreateClass(ctx, roster.ClassInput{Name: "EE-21", SubjectID: "circuits"})
	require.NoError(t, err)
	team, err := rosterService.CreateTeam(ctx, class.ID, "Team Alpha")
	require.NoError(t, err)

	seedTestData(ctx)
	page, err := catalogService.ListUnits(ctx, catalog.UnitFilter{Q: "OSC-001"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	return testFixture{router: setupRouter(), unitID: page.Items[0].ID, teamID: team.ID}
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Name", "lab.admin")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	var response map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHealthCheck(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodGet, "/manage/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UP", decode(t, w)["status"])
}

func TestSeedIsSkippedWhenCatalogHasTypes(t *testing.T) {
	setupTestServer(t)
	seedTestData(context.Background())

	types, err := catalogService.ListTypes(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, types, 3)
}

func TestListTypesByKind(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodGet, "/api/v1/types?kind=kit", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var types []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &types))
	require.Len(t, types, 1)
	assert.Equal(t, "ARD", types[0]["code"])
	assert.Equal(t, float64(6), types[0]["quantity"])
}

func TestCreateTypeWithQuantity(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/types", map[string]any{
		"kind":     "equipment",
		"name":     "Function Generator",
		"code":     "FGN",
		"quantity": 2,
		"location": "Room 210",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(2), response["quantity"])
	assert.Equal(t, float64(2), response["available"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/units?q=FGN", nil)
	assert.Equal(t, float64(2), decode(t, w)["total"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/types", map[string]any{
		"kind":     "equipment",
		"name":     "Logic Analyzer",
		"code":     "LGA",
		"quantity": -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(f.router, http.MethodGet, "/api/v1/types?kind=equipment", nil)
	assert.NotContains(t, w.Body.String(), "Logic Analyzer")
}

func TestMutationRequiresUserHeader(t *testing.T) {
	f := setupTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/units/"+f.unitID, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, w)["error"])
}

func TestBorrowAndReturnFlow(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitId":   f.unitID,
		"borrower": map[string]string{"kind": "team", "id": f.teamID},
		"note":     "lab 3",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	loan := decode(t, w)
	assert.Equal(t, "Borrowing", loan["status"])
	assert.Equal(t, "Team Alpha", loan["borrowerName"])
	loanID := loan["id"].(string)

	w = doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID, nil)
	assert.Equal(t, "InUse", decode(t, w)["status"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitId":   f.unitID,
		"borrower": map[string]string{"kind": "team", "id": f.teamID},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "RESOURCE_UNAVAILABLE", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/loans?borrowerKind=team&borrowerId="+f.teamID, nil)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/loans/"+loanID+"/return", map[string]string{"note": "all probes present"})
	require.Equal(t, http.StatusOK, w.Code)
	returned := decode(t, w)
	assert.Equal(t, "Returned", returned["status"])
	assert.Equal(t, "lab 3\nReturned: all probes present", returned["note"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/loans/"+loanID+"/return", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_RETURNED", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID+"/loans", nil)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 1)
}

func TestReturnByUnit(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitName": "Oscilloscope #1",
		"borrower": map[string]string{"kind": "team", "id": f.teamID},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/units/"+f.unitID+"/return", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Returned", decode(t, w)["status"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/units/"+f.unitID+"/return", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBorrowUnknownTeam(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitId":   f.unitID,
		"borrower": map[string]string{"kind": "team", "id": "missing"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMalformedIDsReturnNotFound(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/loans/undefined/return", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/loans/loan-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/units/OSC-001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitId":   "OSC-001",
		"borrower": map[string]string{"kind": "team", "id": f.teamID},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitId":   f.unitID,
		"borrower": map[string]string{"kind": "student", "id": "EE21001"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID, nil)
	assert.Equal(t, "Available", decode(t, w)["status"])
}

func TestMaintenanceLifecycle(t *testing.T) {
	f := setupTestServer(t)
	path := "/api/v1/units/" + f.unitID + "/maintenance"

	w := doRequest(f.router, http.MethodPost, path, map[string]string{"status": "Available"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodPost, path, map[string]string{"status": "Damaged", "reason": "cracked screen"})
	require.Equal(t, http.StatusOK, w.Code)
	unit := decode(t, w)
	assert.Equal(t, "Damaged", unit["status"])
	assert.Equal(t, "cracked screen", unit["conditionReason"])

	w = doRequest(f.router, http.MethodPost, path, map[string]string{"status": "Maintenance"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodPost, "/api/v1/loans", map[string]any{
		"unitId":   f.unitID,
		"borrower": map[string]string{"kind": "team", "id": f.teamID},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(f.router, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Available", decode(t, w)["status"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID+"/conditions", nil)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "Available", events[0]["to"])
}

func TestSetQuantityAndDeleteType(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodGet, "/api/v1/types?kind=equipment", nil)
	var types []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &types))
	var psuID string
	for _, rt := range types {
		if rt["code"] == "PSU" {
			psuID = rt["id"].(string)
		}
	}
	require.NotEmpty(t, psuID)

	w = doRequest(f.router, http.MethodDelete, "/api/v1/types/"+psuID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IN_USE", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodPut, "/api/v1/types/"+psuID+"/quantity", map[string]int{"quantity": 0})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["quantity"])

	w = doRequest(f.router, http.MethodDelete, "/api/v1/types/"+psuID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/types/"+psuID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateTypeRenamesUnits(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID, nil)
	typeID := decode(t, w)["typeId"].(string)

	w = doRequest(f.router, http.MethodPut, "/api/v1/types/"+typeID, map[string]string{"name": "Scope"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID, nil)
	assert.Equal(t, "Scope #1", decode(t, w)["name"])
}

func TestListUnitsByStatusWithGinContext(t *testing.T) {
	f := setupTestServer(t)
	_, err := ledgerService.SetMaintenance(context.Background(), f.unitID, "calibration", "lab.admin")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/units?status=Maintenance&page=1&size=10", nil)

	listUnits(c)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	items := response["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, string(models.StatusMaintenance), items[0].(map[string]any)["status"])
}

func TestProvisionUnitsValidation(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodGet, "/api/v1/units/"+f.unitID, nil)
	typeID := decode(t, w)["typeId"].(string)

	w = doRequest(f.router, http.MethodPost, "/api/v1/types/"+typeID+"/units", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/types/"+typeID+"/units", map[string]any{"count": 2})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, decode(t, w)["unitIds"], 2)
}
