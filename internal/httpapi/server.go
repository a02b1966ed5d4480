// Package httpapi serves the credit ledger to browser sessions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/internal/catalog"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
)

const (
	claimsContextKey = "auth_claims"

	eventBalance = "balance"
	eventPing    = "ping"

	errorCodeUnauthorized   = "unauthorized"
	errorCodeInvalidPayload = "invalid_payload"
	errorCodeUnknownItem    = "unknown_item"
	errorCodeStreamClosed   = "stream_unavailable"
)

// Pricer resolves the cost of an item.
type Pricer interface {
	Price(itemType ledger.ItemType, itemID ledger.ItemID) (ledger.Credits, error)
}

// Subscriber hands out per-owner balance subscriptions.
type Subscriber interface {
	Subscribe(owner ledger.OwnerID) (*notify.Subscription, error)
}

// Handler serves the credit endpoints for the session owner.
type Handler struct {
	logger        *zap.Logger
	creditService *ledger.Service
	pricer        Pricer
	subscriber    Subscriber
	cfg           Config
}

// NewHandler validates cfg and wires the HTTP handlers. A nil subscriber disables the balance stream.
func NewHandler(cfg Config, creditService *ledger.Service, pricer Pricer, subscriber Subscriber, logger *zap.Logger) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	if creditService == nil {
		return nil, fmt.Errorf("httpapi: credit service is required")
	}
	if pricer == nil {
		return nil, fmt.Errorf("httpapi: pricer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		logger:        logger,
		creditService: creditService,
		pricer:        pricer,
		subscriber:    subscriber,
		cfg:           cfg,
	}, nil
}

// NewSessionMiddleware validates tauth session cookies and stores the claims on the context.
func NewSessionMiddleware(cfg Config) (gin.HandlerFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator.GinMiddleware(claimsContextKey), nil
}

// NewRouter builds the gin engine. metricsHandler may be nil.
func NewRouter(handler *Handler, authMiddleware gin.HandlerFunc, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     handler.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := router.Group("/api")
	api.Use(authMiddleware)

	api.GET("/balance", handler.handleBalance)
	api.GET("/balance/stream", handler.handleBalanceStream)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/purchases", handler.handlePurchases)
	api.GET("/purchases/:itemType/:itemID", handler.handleIsPurchased)
	api.POST("/purchases", handler.handlePurchase)

	return router
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	owner, ok := handler.requireOwner(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	balance, err := handler.creditService.GetBalance(requestCtx, owner)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{Owner: owner.String(), Balance: balance.Int64()})
}

func (handler *Handler) handleIsPurchased(ctx *gin.Context) {
	owner, ok := handler.requireOwner(ctx)
	if !ok {
		return
	}
	key, err := ledger.ParseItemKey(owner.String(), ctx.Param("itemID"), ctx.Param("itemType"))
	if err != nil {
		handler.respondError(ctx, "is purchased", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	purchased, err := handler.creditService.IsPurchased(requestCtx, key)
	if err != nil {
		handler.respondError(ctx, "is purchased", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"item_id":   key.ItemID().String(),
		"item_type": key.ItemType().String(),
		"purchased": purchased,
	})
}

func (handler *Handler) handlePurchases(ctx *gin.Context) {
	owner, ok := handler.requireOwner(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	records, err := handler.creditService.ListPurchases(requestCtx, owner)
	if err != nil {
		handler.respondError(ctx, "list purchases", err)
		return
	}
	purchases := make([]purchasePayload, 0, len(records))
	for _, record := range records {
		purchases = append(purchases, newPurchasePayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

func (handler *Handler) handleTransactions(ctx *gin.Context) {
	owner, ok := handler.requireOwner(ctx)
	if !ok {
		return
	}
	before, err := parseOptionalInt(ctx.Query("before"), 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "before must be a unix timestamp"))
		return
	}
	beforeSequence, err := parseOptionalInt(ctx.Query("before_sequence"), 0)
	if err != nil || beforeSequence < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "before_sequence must be a non-negative integer"))
		return
	}
	limit, err := parseOptionalInt(ctx.Query("limit"), defaultHistoryLimit)
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "limit must be a non-negative integer"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	cursor := ledger.TransactionCursor{BeforeUnixUTC: before, BeforeSequence: beforeSequence}
	entries, err := handler.creditService.ListTransactions(requestCtx, owner, cursor, int(limit))
	if err != nil {
		handler.respondError(ctx, "list transactions", err)
		return
	}
	transactions := make([]transactionPayload, 0, len(entries))
	for _, entry := range entries {
		transactions = append(transactions, transactionPayload{
			Delta:            entry.Delta(),
			Reason:           entry.Reason(),
			Reference:        entry.Reference(),
			Description:      entry.Description(),
			ResultingBalance: entry.ResultingBalance().Int64(),
			CreatedUnixUTC:   entry.CreatedUnixUTC(),
			Sequence:         entry.Sequence(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	owner, ok := handler.requireOwner(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	key, err := ledger.ParseItemKey(owner.String(), request.ItemID, request.ItemType)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	metadata, err := ledger.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	cost, err := handler.pricer.Price(key.ItemType(), key.ItemID())
	if errors.Is(err, catalog.ErrUnknownItem) {
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeUnknownItem, err.Error()))
		return
	}
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.creditService.PurchaseItem(requestCtx, key, cost, request.Description, metadata)
	if err != nil {
		handler.respondError(ctx, "purchase", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"item_id":       key.ItemID().String(),
		"item_type":     key.ItemType().String(),
		"cost":          cost.Int64(),
		"new_balance":   result.NewBalance.Int64(),
		"already_owned": result.AlreadyOwned,
	})
}

// handleBalanceStream pushes the current balance and every later change as server-sent events.
func (handler *Handler) handleBalanceStream(ctx *gin.Context) {
	owner, ok := handler.requireOwner(ctx)
	if !ok {
		return
	}
	if handler.subscriber == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStreamClosed, "balance stream disabled"))
		return
	}
	subscription, err := handler.subscriber.Subscribe(owner)
	if err != nil {
		handler.logger.Error("balance subscribe failed", zap.String("owner", owner.String()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStreamClosed, "balance stream unavailable"))
		return
	}
	defer subscription.Close()

	snapshotCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	balance, err := handler.creditService.GetBalance(snapshotCtx, owner)
	cancel()
	if err != nil {
		handler.respondError(ctx, "balance stream", err)
		return
	}

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Accel-Buffering", "no")
	ctx.SSEvent(eventBalance, balancePayload{Owner: owner.String(), Balance: balance.Int64()})
	ctx.Writer.Flush()

	keepAlive := time.NewTicker(handler.cfg.StreamKeepAlive)
	defer keepAlive.Stop()
	requestDone := ctx.Request.Context().Done()
	ctx.Stream(func(_ io.Writer) bool {
		select {
		case <-requestDone:
			return false
		case update, open := <-subscription.Updates():
			if !open {
				return false
			}
			ctx.SSEvent(eventBalance, balancePayload{
				Owner:     update.Owner.String(),
				Balance:   update.Balance.Int64(),
				Reason:    update.Reason,
				AtUnixUTC: update.AtUnixUTC,
			})
			return true
		case <-keepAlive.C:
			ctx.SSEvent(eventPing, gin.H{"at_unix_utc": time.Now().UTC().Unix()})
			return true
		}
	})
}

func (handler *Handler) requireOwner(ctx *gin.Context) (ledger.OwnerID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing session"))
		return ledger.OwnerID{}, false
	}
	owner, err := ledger.NewOwnerID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "session has no user"))
		return ledger.OwnerID{}, false
	}
	return owner, true
}

func (handler *Handler) respondError(ctx *gin.Context, action string, err error) {
	kind := ledger.KindOf(err)
	switch kind {
	case ledger.KindInvalidArgument:
		ctx.JSON(http.StatusBadRequest, errorResponse(string(kind), err.Error()))
	case ledger.KindInsufficientCredit:
		response := errorResponse(string(kind), "not enough credits")
		var insufficientError ledger.InsufficientCreditError
		if errors.As(err, &insufficientError) {
			response["required"] = insufficientError.Required.Int64()
			response["available"] = insufficientError.Available.Int64()
		}
		ctx.JSON(http.StatusPaymentRequired, response)
	case ledger.KindUnknownOwner:
		ctx.JSON(http.StatusForbidden, errorResponse(string(kind), "owner is not known"))
	case ledger.KindStoreUnavailable:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(string(kind), "ledger unavailable"))
	default:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(string(ledger.KindInternal), "internal error"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func parseOptionalInt(raw string, fallback int64) (int64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type purchaseRequest struct {
	ItemID      string          `json:"item_id"`
	ItemType    string          `json:"item_type"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

type balancePayload struct {
	Owner     string `json:"owner"`
	Balance   int64  `json:"balance"`
	Reason    string `json:"reason,omitempty"`
	AtUnixUTC int64  `json:"at_unix_utc,omitempty"`
}

type purchasePayload struct {
	ItemID         string          `json:"item_id"`
	ItemType       string          `json:"item_type"`
	Cost           int64           `json:"cost"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newPurchasePayload(record ledger.PurchaseRecord) purchasePayload {
	return purchasePayload{
		ItemID:         record.Key().ItemID().String(),
		ItemType:       record.Key().ItemType().String(),
		Cost:           record.Cost().Int64(),
		Description:    record.Description(),
		Metadata:       json.RawMessage(record.Metadata().String()),
		CreatedUnixUTC: record.CreatedUnixUTC(),
	}
}

type transactionPayload struct {
	Delta            int64  `json:"delta"`
	Reason           string `json:"reason"`
	Reference        string `json:"reference"`
	Description      string `json:"description,omitempty"`
	ResultingBalance int64  `json:"resulting_balance"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	Sequence         int64  `json:"sequence"`
}
