package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"electrolab/pkg/database/dbtest"
	"electrolab/pkg/grades"
	"electrolab/pkg/keylock"
	"electrolab/pkg/models"
	"electrolab/pkg/roster"
)

type testFixture struct {
	router   *gin.Engine
	labID    string
	teams    map[string]string
	students map[string]string
}

func setupTestServer(t *testing.T) testFixture {
	gin.SetMode(gin.TestMode)
	db = dbtest.Open(t)
	log = zap.NewNop()

	rosterService = roster.NewService(db, log)
	gradeStore = grades.NewStore(db, rosterService, keylock.NewLocal(), log)
	aggregator = grades.NewAggregator(gradeStore, rosterService)

	ctx := context.Background()
	seedTestData(ctx)

	f := testFixture{router: setupRouter(), teams: map[string]string{}, students: map[string]string{}}

	var lab models.Lab
	require.NoError(t, db.Take(&lab).Error)
	f.labID = lab.ID

	students, err := rosterService.ListClassStudents(ctx, lab.ClassID)
	require.NoError(t, err)
	require.Len(t, students, 4)
	for _, st := range students {
		f.students[st.Code] = st.StudentID
		f.teams[st.TeamName] = st.TeamID
	}
	return f
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Name", "lecturer")
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

func TestTeamGradeThenAdjustment(t *testing.T) {
	f := setupTestServer(t)
	alpha := f.teams["Team Alpha"]
	studentA := f.students["EE21001"]
	studentB := f.students["EE21002"]

	w := doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/grade", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "none", decode(t, w)["source"])

	w = doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/"+alpha+"/grade",
		map[string]any{"grade": 8.5, "description": "clean measurements"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "graded", decode(t, w)["status"])

	w = doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/adjustment",
		map[string]any{"grade": 9.5, "comment": "led the wiring"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["isAdjusted"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/grade", nil)
	grade := decode(t, w)
	assert.Equal(t, "individual", grade["source"])
	assert.Equal(t, 9.5, grade["value"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/students/"+studentB+"/grade", nil)
	grade = decode(t, w)
	assert.Equal(t, "team", grade["source"])
	assert.Equal(t, 8.5, grade["value"])

	w = doRequest(f.router, http.MethodDelete, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/adjustment", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["isAdjusted"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/adjustment", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doRequest(f.router, http.MethodDelete, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/adjustment", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/students/"+studentA+"/grade", nil)
	assert.Equal(t, "team", decode(t, w)["source"])
}

func TestSetTeamGradeOutOfRange(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/"+f.teams["Team Beta"]+"/grade",
		map[string]any{"grade": 11})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INVALID_GRADE", decode(t, w)["error"])

	w = doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/"+f.teams["Team Beta"]+"/grade",
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/teams/"+f.teams["Team Beta"]+"/grade", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPendingTeamsAndTeamGrades(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/"+f.teams["Team Alpha"]+"/grade",
		map[string]any{"grade": 7})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/pending-teams", nil)
	var pending []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "Team Beta", pending[0]["name"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/team-grades", nil)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 2)
}

func TestGradebookAndExport(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/"+f.teams["Team Alpha"]+"/grade",
		map[string]any{"grade": 6})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/gradebook", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	assert.Len(t, rows, 4)

	w = doRequest(f.router, http.MethodGet, "/api/v1/labs/"+f.labID+"/gradebook/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "gradebook-"+f.labID+".xlsx")

	book, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()
	title, err := book.GetCellValue("Gradebook", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Lab 1: RC Filters", title)
	sheetRows, err := book.GetRows("Gradebook")
	require.NoError(t, err)
	assert.Len(t, sheetRows, 6)
}

func TestStudentGrades(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodGet, "/api/v1/students/"+f.students["EE21003"]+"/grades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "pending", rows[0]["status"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/students/missing/grades", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRosterEndpoints(t *testing.T) {
	f := setupTestServer(t)

	w := doRequest(f.router, http.MethodPost, "/api/v1/classes", map[string]string{"name": "EE-22", "subjectId": "signals"})
	require.Equal(t, http.StatusCreated, w.Code)
	classID := decode(t, w)["id"].(string)

	w = doRequest(f.router, http.MethodPost, "/api/v1/classes/"+classID+"/teams", map[string]string{"name": "Team Gamma"})
	require.Equal(t, http.StatusCreated, w.Code)
	teamID := decode(t, w)["id"].(string)

	w = doRequest(f.router, http.MethodPost, "/api/v1/students", map[string]string{"code": "EE22001", "fullName": "Vo Thi E"})
	require.Equal(t, http.StatusCreated, w.Code)
	studentID := decode(t, w)["id"].(string)

	w = doRequest(f.router, http.MethodPost, "/api/v1/teams/"+teamID+"/members", map[string]string{"studentId": studentID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(f.router, http.MethodPost, "/api/v1/labs", map[string]any{"name": "Lab 1: Sampling", "classId": classID})
	require.Equal(t, http.StatusCreated, w.Code)
	lab := decode(t, w)
	assert.Equal(t, "signals", lab["subjectId"])

	w = doRequest(f.router, http.MethodGet, "/api/v1/classes/"+classID+"/students", nil)
	var students []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &students))
	require.Len(t, students, 1)
	assert.Equal(t, "Team Gamma", students[0]["teamName"])

	w = doRequest(f.router, http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/"+teamID+"/grade", map[string]any{"grade": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMutationRequiresUserHeader(t *testing.T) {
	f := setupTestServer(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPut, "/api/v1/labs/"+f.labID+"/teams/x/grade",
		bytes.NewBufferString(`{"grade": 5}`))
	c.Params = gin.Params{{Key: "labId", Value: f.labID}, {Key: "teamId", Value: "x"}}

	setTeamGrade(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
