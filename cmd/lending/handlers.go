package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"electrolab/pkg/apperr"
	"electrolab/pkg/catalog"
	"electrolab/pkg/ledger"
	"electrolab/pkg/models"
)

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

// requireActor reads the acting user. Mutations are refused without one.
func requireActor(c *gin.Context) (string, bool) {
	actor := c.GetHeader("X-User-Name")
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(apperr.KindInvalidInput), "message": "X-User-Name header is required"})
		return "", false
	}
	return actor, true
}

func listTypes(c *gin.Context) {
	types, err := catalogService.ListTypes(c.Request.Context(), models.ResourceKind(c.Query("kind")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

func createType(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var request struct {
		catalog.TypeInput
		Quantity int    `json:"quantity"`
		Location string `json:"location"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}

	rt, err := catalogService.CreateTypeWithUnits(c.Request.Context(), request.TypeInput, request.Quantity, request.Location)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rt)
}

func getType(c *gin.Context) {
	rt, err := catalogService.GetType(c.Request.Context(), c.Param("typeId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

func updateType(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var patch catalog.TypePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	rt, err := catalogService.UpdateType(c.Request.Context(), c.Param("typeId"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

func deleteType(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	if err := catalogService.DeleteType(c.Request.Context(), c.Param("typeId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func provisionUnits(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var request struct {
		Count    int    `json:"count" binding:"required"`
		Location string `json:"location"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}
	ids, err := catalogService.ProvisionUnits(c.Request.Context(), c.Param("typeId"), request.Count, request.Location)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"unitIds": ids})
}

func setQuantity(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	var request struct {
		Quantity *int `json:"quantity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}
	rt, err := catalogService.SetQuantity(c.Request.Context(), c.Param("typeId"), *request.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

type pageQuery struct {
	Page int    `form:"page"`
	Size int    `form:"size"`
	Q    string `form:"q"`
}

func listUnits(c *gin.Context) {
	var query struct {
		pageQuery
		TypeID string `form:"typeId"`
		Kind   string `form:"kind"`
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err)
		return
	}
	page, err := catalogService.ListUnits(c.Request.Context(), catalog.UnitFilter{
		TypeID: query.TypeID,
		Kind:   models.ResourceKind(query.Kind),
		Status: models.ResourceStatus(query.Status),
		Q:      query.Q,
		Page:   query.Page,
		Size:   query.Size,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func getUnit(c *gin.Context) {
	unit, err := catalogService.GetUnit(c.Request.Context(), c.Param("unitId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func retireUnit(c *gin.Context) {
	if _, ok := requireActor(c); !ok {
		return
	}
	if err := catalogService.RetireUnit(c.Request.Context(), c.Param("unitId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func unitHistory(c *gin.Context) {
	loans, err := ledgerService.UnitHistory(c.Request.Context(), c.Param("unitId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loans)
}

func conditionHistory(c *gin.Context) {
	events, err := ledgerService.ConditionHistory(c.Request.Context(), c.Param("unitId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func setCondition(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var request struct {
		Status models.ResourceStatus `json:"status" binding:"required"`
		Reason string                `json:"reason"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	unitID := c.Param("unitId")
	var unit catalog.UnitView
	var err error
	switch request.Status {
	case models.StatusMaintenance:
		unit, err = ledgerService.SetMaintenance(ctx, unitID, request.Reason, actor)
	case models.StatusDamaged:
		unit, err = ledgerService.MarkDamaged(ctx, unitID, request.Reason, actor)
	default:
		err = apperr.InvalidInput("status must be %q or %q", models.StatusMaintenance, models.StatusDamaged)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func clearCondition(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	unit, err := ledgerService.ClearMaintenance(c.Request.Context(), c.Param("unitId"), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, unit)
}

func listLoans(c *gin.Context) {
	var query struct {
		pageQuery
		BorrowerKind string `form:"borrowerKind"`
		BorrowerID   string `form:"borrowerId"`
		TypeID       string `form:"typeId"`
		Status       string `form:"status"`
		Overdue      bool   `form:"overdue"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		badRequest(c, err)
		return
	}

	filter := ledger.LoanFilter{
		TypeID:  query.TypeID,
		Status:  models.LoanState(query.Status),
		Overdue: query.Overdue,
		Q:       query.Q,
		Page:    query.Page,
		Size:    query.Size,
	}
	if query.BorrowerKind != "" || query.BorrowerID != "" {
		filter.Borrower = &models.BorrowerRef{Kind: models.BorrowerKind(query.BorrowerKind), ID: query.BorrowerID}
	}

	page, err := ledgerService.ListActiveLoans(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func borrow(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var request struct {
		UnitID             string             `json:"unitId"`
		UnitName           string             `json:"unitName"`
		Borrower           models.BorrowerRef `json:"borrower"`
		ExpectedReturnDate *time.Time         `json:"expectedReturnDate"`
		Note               string             `json:"note"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err)
		return
	}

	loan, err := ledgerService.Borrow(c.Request.Context(), ledger.BorrowRequest{
		UnitID:         request.UnitID,
		UnitName:       request.UnitName,
		Borrower:       request.Borrower,
		ExpectedReturn: request.ExpectedReturnDate,
		Note:           request.Note,
		Actor:          actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}

func getLoan(c *gin.Context) {
	loan, err := ledgerService.GetLoan(c.Request.Context(), c.Param("loanId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// bindReturn accepts an empty body; the note is optional.
func bindReturn(c *gin.Context) (ledger.ReturnRequest, bool) {
	actor, ok := requireActor(c)
	if !ok {
		return ledger.ReturnRequest{}, false
	}
	var request struct {
		Note string `json:"note"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, err)
			return ledger.ReturnRequest{}, false
		}
	}
	return ledger.ReturnRequest{Note: request.Note, Actor: actor}, true
}

func returnLoan(c *gin.Context) {
	req, ok := bindReturn(c)
	if !ok {
		return
	}
	loan, err := ledgerService.Return(c.Request.Context(), c.Param("loanId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func returnUnit(c *gin.Context) {
	req, ok := bindReturn(c)
	if !ok {
		return
	}
	loan, err := ledgerService.ReturnByUnit(c.Request.Context(), c.Param("unitId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}
