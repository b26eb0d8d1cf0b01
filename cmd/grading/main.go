package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"electrolab/pkg/config"
	"electrolab/pkg/database"
	"electrolab/pkg/grades"
	"electrolab/pkg/keylock"
	"electrolab/pkg/logger"
	"electrolab/pkg/roster"
)

var (
	db            *gorm.DB
	log           *zap.Logger
	rosterService *roster.Service
	gradeStore    *grades.Store
	aggregator    *grades.Aggregator
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log, err = logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.Named("grading")

	log.Info("starting grading service")

	db, err = database.Open(cfg.Database, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locks, err := keylock.FromConfig(ctx, cfg.Lock, cfg.Redis, log)
	if err != nil {
		log.Fatal("failed to set up key locks", zap.Error(err))
	}

	rosterService = roster.NewService(db, log)
	gradeStore = grades.NewStore(db, rosterService, locks, log)
	aggregator = grades.NewAggregator(gradeStore, rosterService)

	seedTestData(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Grading.Port),
		Handler: setupRouter(),
	}
	go func() {
		log.Info("grading service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down grading service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinLogger(log))

	api := r.Group("/api/v1")
	api.POST("/classes", createClass)
	api.GET("/classes/:classId", getClass)
	api.POST("/classes/:classId/teams", createTeam)
	api.GET("/classes/:classId/students", listClassStudents)
	api.POST("/students", createStudent)
	api.GET("/students/:studentId", getStudent)
	api.GET("/students/:studentId/grades", studentGrades)
	api.POST("/teams/:teamId/members", addMember)

	api.POST("/labs", createLab)
	api.GET("/labs/:labId", getLab)
	api.GET("/labs/:labId/pending-teams", listPendingTeams)
	api.GET("/labs/:labId/team-grades", listTeamGrades)
	api.GET("/labs/:labId/teams/:teamId/grade", getTeamGrade)
	api.PUT("/labs/:labId/teams/:teamId/grade", setTeamGrade)
	api.GET("/labs/:labId/students/:studentId/adjustment", getAdjustment)
	api.PUT("/labs/:labId/students/:studentId/adjustment", setAdjustment)
	api.DELETE("/labs/:labId/students/:studentId/adjustment", clearAdjustment)
	api.GET("/labs/:labId/students/:studentId/grade", displayedGrade)
	api.GET("/labs/:labId/gradebook", gradebook)
	api.GET("/labs/:labId/gradebook/export", exportGradebook)

	r.GET("/manage/health", healthCheck)
	return r
}

func healthCheck(c *gin.Context) {
	if err := database.Ping(db); err != nil {
		log.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// seedTestData creates one class with two teams and a lab when the roster
// is empty.
func seedTestData(ctx context.Context) {
	var classes int64
	if err := db.WithContext(ctx).Table("classes").Count(&classes).Error; err != nil {
		log.Warn("seed skipped", zap.Error(err))
		return
	}
	if classes > 0 {
		return
	}

	if err := seed(ctx); err != nil {
		log.Warn("failed to seed roster", zap.Error(err))
		return
	}
	log.Info("test data seeded")
}

func seed(ctx context.Context) error {
	class, err := rosterService.CreateClass(ctx, roster.ClassInput{Name: "EE-21 Circuits", SubjectID: "circuits"})
	if err != nil {
		return err
	}
	members := map[string][]roster.StudentInput{
		"Team Alpha": {{Code: "EE21001", FullName: "Nguyen Van A"}, {Code: "EE21002", FullName: "Tran Thi B"}},
		"Team Beta":  {{Code: "EE21003", FullName: "Le Van C"}, {Code: "EE21004", FullName: "Pham Thi D"}},
	}
	for _, teamName := range []string{"Team Alpha", "Team Beta"} {
		team, err := rosterService.CreateTeam(ctx, class.ID, teamName)
		if err != nil {
			return err
		}
		for _, in := range members[teamName] {
			student, err := rosterService.CreateStudent(ctx, in)
			if err != nil {
				return err
			}
			if err := rosterService.AddMember(ctx, team.ID, student.ID); err != nil {
				return err
			}
		}
	}
	_, err = rosterService.CreateLab(ctx, roster.LabInput{Name: "Lab 1: RC Filters", ClassID: class.ID})
	return err
}
