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

	"electrolab/pkg/catalog"
	"electrolab/pkg/config"
	"electrolab/pkg/database"
	"electrolab/pkg/keylock"
	"electrolab/pkg/ledger"
	"electrolab/pkg/logger"
	"electrolab/pkg/models"
	"electrolab/pkg/roster"
)

var (
	db             *gorm.DB
	log            *zap.Logger
	catalogService *catalog.Service
	ledgerService  *ledger.Service
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
	log = log.Named("lending")

	log.Info("starting lending service")

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

	catalogService = catalog.NewService(db, locks, log)
	ledgerService = ledger.NewService(db, catalogService, roster.NewService(db, log), locks, log, cfg.Lending.DefaultLoanPeriod)

	seedTestData(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Lending.Port),
		Handler: setupRouter(),
	}
	go func() {
		log.Info("lending service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down lending service")
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
	api.GET("/types", listTypes)
	api.POST("/types", createType)
	api.GET("/types/:typeId", getType)
	api.PUT("/types/:typeId", updateType)
	api.DELETE("/types/:typeId", deleteType)
	api.POST("/types/:typeId/units", provisionUnits)
	api.PUT("/types/:typeId/quantity", setQuantity)

	api.GET("/units", listUnits)
	api.GET("/units/:unitId", getUnit)
	api.DELETE("/units/:unitId", retireUnit)
	api.GET("/units/:unitId/loans", unitHistory)
	api.GET("/units/:unitId/conditions", conditionHistory)
	api.POST("/units/:unitId/maintenance", setCondition)
	api.DELETE("/units/:unitId/maintenance", clearCondition)
	api.POST("/units/:unitId/return", returnUnit)

	api.GET("/loans", listLoans)
	api.POST("/loans", borrow)
	api.GET("/loans/:loanId", getLoan)
	api.POST("/loans/:loanId/return", returnLoan)

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

// seedTestData provisions a small demo inventory on an empty catalog.
func seedTestData(ctx context.Context) {
	types, err := catalogService.ListTypes(ctx, "")
	if err != nil {
		log.Warn("seed skipped", zap.Error(err))
		return
	}
	if len(types) > 0 {
		return
	}

	seed := []struct {
		input    catalog.TypeInput
		quantity int
		location string
	}{
		{catalog.TypeInput{Kind: models.KindEquipment, Name: "Oscilloscope", Code: "OSC", Description: "Dual channel, 100 MHz"}, 3, "Room 204"},
		{catalog.TypeInput{Kind: models.KindEquipment, Name: "Bench Power Supply", Code: "PSU", Description: "0-30 V, 5 A"}, 4, "Room 204"},
		{catalog.TypeInput{Kind: models.KindKit, Name: "Arduino Starter Kit", Code: "ARD", Description: "Uno board, breadboard, sensors"}, 6, "Cabinet B"},
	}
	for _, s := range seed {
		if _, err := catalogService.CreateTypeWithUnits(ctx, s.input, s.quantity, s.location); err != nil {
			log.Warn("failed to seed type", zap.String("code", s.input.Code), zap.Error(err))
		}
	}
	log.Info("test data seeded")
}
