package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"electrolab/pkg/circuitbreaker"
	"electrolab/pkg/config"
	"electrolab/pkg/logger"
	"electrolab/pkg/queue"
)

var (
	log           *zap.Logger
	lending       *upstream
	grading       *upstream
	returns       *queue.Queue
	retryInterval time.Duration
	maxRetries    int
	allowOrigins  []string
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
	log = log.Named("gateway")

	gw := cfg.Gateway
	lending = newUpstream("lending", cfg.Lending.URL, gw.UpstreamTimeout,
		circuitbreaker.New("lending", gw.BreakerMaxFailures, gw.BreakerTimeout, log))
	grading = newUpstream("grading", cfg.Grading.URL, gw.UpstreamTimeout,
		circuitbreaker.New("grading", gw.BreakerMaxFailures, gw.BreakerTimeout, log))
	returns = queue.NewQueue()
	retryInterval = gw.RetryInterval
	maxRetries = gw.MaxRetries
	allowOrigins = gw.AllowOrigins

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runReturnWorker(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", gw.Port),
		Handler: setupRouter(),
	}
	go func() {
		log.Info("gateway listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gateway", zap.Int("queued_returns", returns.Size()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinLogger(log), cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-User-Name"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api/v1")
	api.GET("/units", listUnits)
	api.GET("/loans", listLoans)
	api.POST("/loans", borrow)
	api.POST("/loans/:loanId/return", returnLoan)
	api.GET("/labs/:labId/students/:studentId/grade", displayedGradeHandler)
	api.GET("/students/:studentId/overview", studentOverview)

	r.GET("/manage/health", healthCheck)
	return r
}

// respondUpstreamError maps an upstream failure onto the gateway response.
func respondUpstreamError(c *gin.Context, err error) {
	var status *statusError
	var schema *schemaError
	var unavailable *unavailableError
	switch {
	case errors.As(err, &status):
		c.JSON(status.Status, gin.H{"error": status.Kind, "message": status.Message})
	case errors.As(err, &schema):
		log.Error("upstream schema mismatch", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "UPSTREAM_SCHEMA", "message": schema.Error()})
	case errors.As(err, &unavailable):
		log.Warn("upstream unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "SERVICE_UNAVAILABLE", "message": unavailable.upstream + " service is unavailable"})
	default:
		log.Error("gateway request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "internal error"})
	}
}

func requireActor(c *gin.Context) (string, bool) {
	actor := c.GetHeader("X-User-Name")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": "X-User-Name header is required"})
		return "", false
	}
	return actor, true
}

func withQuery(path string, query url.Values) string {
	if encoded := query.Encode(); encoded != "" {
		return path + "?" + encoded
	}
	return path
}

func listUnits(c *gin.Context) {
	var page unitPage
	path := withQuery("/api/v1/units", c.Request.URL.Query())
	if err := lending.do(c.Request.Context(), http.MethodGet, path, "", nil, &page); err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func listLoans(c *gin.Context) {
	var page loanPage
	path := withQuery("/api/v1/loans", c.Request.URL.Query())
	if err := lending.do(c.Request.Context(), http.MethodGet, path, c.GetHeader("X-User-Name"), nil, &page); err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type borrowRequest struct {
	UnitID   string `json:"unitId"`
	UnitName string `json:"unitName"`
	Borrower struct {
		Kind string `json:"kind" binding:"required"`
		ID   string `json:"id" binding:"required"`
	} `json:"borrower" binding:"required"`
	ExpectedReturnDate *time.Time `json:"expectedReturnDate,omitempty"`
	Note               string     `json:"note,omitempty"`
}

// borrow is never queued: whether the unit is free is decided by lending at
// the moment of the request.
func borrow(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var request borrowRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}

	var loan loanView
	if err := lending.do(c.Request.Context(), http.MethodPost, "/api/v1/loans", actor, request, &loan); err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

type returnBody struct {
	Note string `json:"note,omitempty"`
}

// returnLoan forwards a return. When lending cannot be reached the return is
// queued and replayed by runReturnWorker.
func returnLoan(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var request returnBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
			return
		}
	}
	loanID := c.Param("loanId")
	if _, err := uuid.Parse(loanID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "loan " + loanID + " not found"})
		return
	}

	if returns.Pending(loanID) {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "loanId": loanID})
		return
	}

	var loan loanView
	err := lending.do(c.Request.Context(), http.MethodPost, "/api/v1/loans/"+url.PathEscape(loanID)+"/return", actor, request, &loan)
	var unavailable *unavailableError
	if errors.As(err, &unavailable) {
		now := time.Now()
		job := &queue.Job{
			ID:         uuid.New().String(),
			LoanID:     loanID,
			Actor:      actor,
			Note:       request.Note,
			EnqueuedAt: now,
			RetryAt:    now.Add(retryInterval),
			MaxRetries: maxRetries,
			LastError:  err.Error(),
		}
		returns.Enqueue(job)
		log.Warn("return queued", zap.String("loan_id", loanID), zap.String("job_id", job.ID), zap.Error(err))
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "loanId": loanID, "jobId": job.ID})
		return
	}
	if err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func runReturnWorker(ctx context.Context) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			replayReturns(ctx, now)
		}
	}
}

// replayReturns retries every due return once. ALREADY_RETURNED counts as
// done; errors other than unavailability drop the job.
func replayReturns(ctx context.Context, now time.Time) {
	for _, job := range returns.Due(now) {
		err := lending.do(ctx, http.MethodPost, "/api/v1/loans/"+url.PathEscape(job.LoanID)+"/return",
			job.Actor, returnBody{Note: job.Note}, nil)

		var status *statusError
		var unavailable *unavailableError
		switch {
		case err == nil:
			returns.Done(job)
			log.Info("queued return replayed", zap.String("loan_id", job.LoanID), zap.Int("attempt", job.RetryCount+1))
		case errors.As(err, &status) && status.Kind == "ALREADY_RETURNED":
			returns.Done(job)
			log.Info("queued return already applied", zap.String("loan_id", job.LoanID))
		case errors.As(err, &unavailable):
			if !returns.Reschedule(job, now, retryInterval, err) {
				log.Error("queued return dropped after retries",
					zap.String("loan_id", job.LoanID),
					zap.Int("retries", job.RetryCount),
					zap.Error(err),
				)
			}
		default:
			returns.Done(job)
			log.Error("queued return rejected", zap.String("loan_id", job.LoanID), zap.Error(err))
		}
	}
}

func displayedGradeHandler(c *gin.Context) {
	path := fmt.Sprintf("/api/v1/labs/%s/students/%s/grade",
		url.PathEscape(c.Param("labId")), url.PathEscape(c.Param("studentId")))
	var grade displayedGrade
	if err := grading.do(c.Request.Context(), http.MethodGet, path, "", nil, &grade); err != nil {
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, grade)
}

// studentOverview combines a student's grades with their open loans. When
// lending is unavailable the grades are still returned and loans is null.
func studentOverview(c *gin.Context) {
	ctx := c.Request.Context()
	studentID := c.Param("studentId")

	var grades studentGrades
	if err := grading.do(ctx, http.MethodGet, "/api/v1/students/"+url.PathEscape(studentID)+"/grades", "", nil, &grades); err != nil {
		respondUpstreamError(c, err)
		return
	}

	query := url.Values{"borrowerKind": {"student"}, "borrowerId": {studentID}, "size": {"100"}}
	var loans loanPage
	err := lending.do(ctx, http.MethodGet, withQuery("/api/v1/loans", query), "", nil, &loans)
	var unavailable *unavailableError
	switch {
	case errors.As(err, &unavailable):
		log.Warn("overview without loans", zap.String("student_id", studentID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"studentId": studentID, "grades": grades, "loans": nil, "degraded": []string{"lending"}})
		return
	case err != nil:
		respondUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"studentId": studentID, "grades": grades, "loans": loans.Items})
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "UP",
		"breakers": gin.H{
			lending.breaker.Name(): lending.breaker.State().String(),
			grading.breaker.Name(): grading.breaker.State().String(),
		},
		"queuedReturns": returns.Size(),
	})
}
