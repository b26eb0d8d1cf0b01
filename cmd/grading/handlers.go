package main

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"electrolab/pkg/apperr"
	"electrolab/pkg/grades"
	"electrolab/pkg/roster"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func respondError(c *gin.Context, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.Error(err)
	}
	apperr.Respond(c, err)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(apperr.KindInvalidInput), "message": err.Error()})
}

func requireActor(c *gin.Context) (string, bool) {
	actor := c.GetHeader("X-User-Name")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(apperr.KindInvalidInput), "message": "X-User-Name header is required"})
		return "", false
	}
	return actor, true
}

func createClass(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var in roster.ClassInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	class, err := rosterService.CreateClass(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, class)
}

func getClass(c *gin.Context) {
	class, err := rosterService.GetClass(c.Request.Context(), c.Param("classId"))
	if err != nil {
		respondError(c, err)
		return
	}
	teams, err := rosterService.ListTeams(c.Request.Context(), class.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"class": class, "teams": teams})
}

func createTeam(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var request struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}
	team, err := rosterService.CreateTeam(c.Request.Context(), c.Param("classId"), request.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

func listClassStudents(c *gin.Context) {
	students, err := rosterService.ListClassStudents(c.Request.Context(), c.Param("classId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, students)
}

func createStudent(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var in roster.StudentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	student, err := rosterService.CreateStudent(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, student)
}

func getStudent(c *gin.Context) {
	student, err := rosterService.GetStudent(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, student)
}

func addMember(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var request struct {
		StudentID string `json:"studentId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}
	if err := rosterService.AddMember(c.Request.Context(), c.Param("teamId"), request.StudentID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func createLab(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var in roster.LabInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	lab, err := rosterService.CreateLab(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lab)
}

func getLab(c *gin.Context) {
	lab, err := rosterService.GetLab(c.Request.Context(), c.Param("labId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lab)
}

func listPendingTeams(c *gin.Context) {
	teams, err := gradeStore.ListPendingTeams(c.Request.Context(), c.Param("labId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, teams)
}

func listTeamGrades(c *gin.Context) {
	views, err := gradeStore.ListTeamGrades(c.Request.Context(), c.Param("labId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func getTeamGrade(c *gin.Context) {
	tg, err := gradeStore.GetTeamGrade(c.Request.Context(), c.Param("labId"), c.Param("teamId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tg)
}

func setTeamGrade(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var request struct {
		Grade       *float64 `json:"grade" binding:"required"`
		Description string   `json:"description"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}
	tg, err := gradeStore.SetTeamGrade(c.Request.Context(), c.Param("labId"), c.Param("teamId"),
		*request.Grade, request.Description, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tg)
}

func getAdjustment(c *gin.Context) {
	adj, err := gradeStore.GetIndividualAdjustment(c.Request.Context(), c.Param("labId"), c.Param("studentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, adj)
}

func setAdjustment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var in grades.AdjustmentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	adj, err := gradeStore.SetIndividualAdjustment(c.Request.Context(), c.Param("labId"), c.Param("studentId"), in, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, adj)
}

func clearAdjustment(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	adj, err := gradeStore.ClearIndividualAdjustment(c.Request.Context(), c.Param("labId"), c.Param("studentId"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, adj)
}

func displayedGrade(c *gin.Context) {
	grade, err := aggregator.DisplayedGrade(c.Request.Context(), c.Param("studentId"), c.Param("labId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, grade)
}

func gradebook(c *gin.Context) {
	rows, err := aggregator.Gradebook(c.Request.Context(), c.Param("labId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func studentGrades(c *gin.Context) {
	rows, err := aggregator.StudentGrades(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func exportGradebook(c *gin.Context) {
	ctx := c.Request.Context()
	lab, err := rosterService.GetLab(ctx, c.Param("labId"))
	if err != nil {
		respondError(c, err)
		return
	}
	rows, err := aggregator.Gradebook(ctx, lab.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	buf, err := grades.ExportGradebook(lab.Name, rows)
	if err != nil {
		respondError(c, apperr.Internal(err, "export gradebook of lab %s", lab.ID))
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="gradebook-%s.xlsx"`, lab.ID))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
