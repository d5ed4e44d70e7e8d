package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Handler contains HTTP handlers
type Handler struct {
	orderService     *service.OrderService
	inventoryService *service.InventoryService
	paymentService   *service.PaymentService
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, inventoryService *service.InventoryService,
	paymentService *service.PaymentService) *Handler {

	return &Handler{
		orderService:     orderService,
		inventoryService: inventoryService,
		paymentService:   paymentService,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders", h.listOrders)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/confirm", h.confirmOrder)
		v1.POST("/orders/:id/process", h.processOrder)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)

		v1.POST("/inventory", h.onboardProduct)
		v1.GET("/inventory/low-stock", h.listLowStock)
		v1.GET("/inventory/:productId", h.getInventory)
		v1.POST("/inventory/:productId/stock", h.addStock)
		v1.PUT("/inventory/:productId/stock", h.adjustStock)
		v1.POST("/inventory/reservations", h.reserveStock)
		v1.POST("/inventory/reservations/:id/release", h.releaseReservation)
		v1.POST("/inventory/reservations/:id/confirm", h.confirmReservation)

		v1.POST("/payments", h.processPayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/refund", h.refundPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create order", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID or order number
func (h *Handler) getOrder(c *gin.Context) {
	idStr := c.Param("id")

	orderID, err := uuid.Parse(idStr)
	if err != nil {
		// Fall back to lookup by human-facing order number.
		order, err := h.orderService.GetOrderByNumber(c.Request.Context(), idStr)
		if err != nil {
			respondError(c, "Order not found", err)
			return
		}
		c.JSON(http.StatusOK, order)
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, "Order not found", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// listOrders handles listing orders for a user
func (h *Handler) listOrders(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid or missing user_id",
		})
		return
	}

	orders, err := h.orderService.ListOrdersByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, "Failed to list orders", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// cancelOrder handles manual order cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	order, err := h.orderService.CancelOrder(c.Request.Context(), orderID, req.Reason)
	if err != nil {
		respondError(c, "Failed to cancel order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// confirmOrder manually links a payment and confirms an order. The saga does
// this automatically; the endpoint exists for operator recovery.
func (h *Handler) confirmOrder(c *gin.Context) {
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req struct {
		PaymentID uuid.UUID `json:"payment_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.ConfirmOrder(c.Request.Context(), orderID, req.PaymentID)
	if err != nil {
		respondError(c, "Failed to confirm order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// processOrder moves a confirmed order into fulfillment
func (h *Handler) processOrder(c *gin.Context) {
	h.transitionOrder(c, h.orderService.StartProcessing, "Failed to process order")
}

// shipOrder marks an order as shipped
func (h *Handler) shipOrder(c *gin.Context) {
	h.transitionOrder(c, h.orderService.ShipOrder, "Failed to ship order")
}

// deliverOrder marks an order as delivered
func (h *Handler) deliverOrder(c *gin.Context) {
	h.transitionOrder(c, h.orderService.DeliverOrder, "Failed to deliver order")
}

func (h *Handler) transitionOrder(c *gin.Context,
	fn func(ctx context.Context, orderID uuid.UUID) (*domain.Order, error), msg string) {

	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	order, err := fn(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, msg, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// onboardProduct handles registering a new product's inventory
func (h *Handler) onboardProduct(c *gin.Context) {
	var req struct {
		ProductID       uuid.UUID `json:"product_id" binding:"required"`
		SKU             string    `json:"sku" binding:"required"`
		InitialQuantity int       `json:"initial_quantity" binding:"min=0"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	item, err := h.inventoryService.OnboardProduct(c.Request.Context(), req.ProductID, req.SKU, req.InitialQuantity)
	if err != nil {
		respondError(c, "Failed to onboard product", err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

// getInventory handles inventory lookup by product ID or SKU
func (h *Handler) getInventory(c *gin.Context) {
	idStr := c.Param("productId")

	productID, err := uuid.Parse(idStr)
	if err != nil {
		item, err := h.inventoryService.GetInventoryBySKU(c.Request.Context(), idStr)
		if err != nil {
			respondError(c, "Inventory not found", err)
			return
		}
		c.JSON(http.StatusOK, item)
		return
	}

	item, err := h.inventoryService.GetInventory(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "Inventory not found", err)
		return
	}

	c.JSON(http.StatusOK, item)
}

// listLowStock handles listing products at or below their reorder level
func (h *Handler) listLowStock(c *gin.Context) {
	items, err := h.inventoryService.ListLowStock(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list low stock", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// addStock handles restocking a product
func (h *Handler) addStock(c *gin.Context) {
	productID, ok := pathUUID(c, "productId")
	if !ok {
		return
	}

	var req struct {
		Quantity int `json:"quantity" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.inventoryService.AddStock(c.Request.Context(), productID, req.Quantity); err != nil {
		respondError(c, "Failed to add stock", err)
		return
	}

	item, err := h.inventoryService.GetInventory(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "Failed to load inventory", err)
		return
	}

	c.JSON(http.StatusOK, item)
}

// adjustStock handles correcting a product's available quantity
func (h *Handler) adjustStock(c *gin.Context) {
	productID, ok := pathUUID(c, "productId")
	if !ok {
		return
	}

	var req struct {
		Quantity int `json:"quantity" binding:"min=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.inventoryService.AdjustStock(c.Request.Context(), productID, req.Quantity); err != nil {
		respondError(c, "Failed to adjust stock", err)
		return
	}

	item, err := h.inventoryService.GetInventory(c.Request.Context(), productID)
	if err != nil {
		respondError(c, "Failed to load inventory", err)
		return
	}

	c.JSON(http.StatusOK, item)
}

// reserveStock handles a batch stock reservation for an order
func (h *Handler) reserveStock(c *gin.Context) {
	var req struct {
		OrderID uuid.UUID                 `json:"order_id" binding:"required"`
		Lines   []service.ReservationLine `json:"lines" binding:"required,min=1"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	outcomes, err := h.inventoryService.ReserveForOrder(c.Request.Context(), req.OrderID, req.Lines)
	if err != nil {
		var insufficientErr *domain.InsufficientStockError
		if errors.As(err, &insufficientErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error":    "Insufficient stock",
				"details":  err.Error(),
				"outcomes": outcomes,
			})
			return
		}
		respondError(c, "Failed to reserve stock", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"outcomes": outcomes})
}

// releaseReservation handles releasing a single reservation
func (h *Handler) releaseReservation(c *gin.Context) {
	reservationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.inventoryService.ReleaseReservation(c.Request.Context(), reservationID); err != nil {
		respondError(c, "Failed to release reservation", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// confirmReservation handles confirming a single reservation
func (h *Handler) confirmReservation(c *gin.Context) {
	reservationID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if err := h.inventoryService.ConfirmReservation(c.Request.Context(), reservationID); err != nil {
		respondError(c, "Failed to confirm reservation", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

// processPayment handles charging an order
func (h *Handler) processPayment(c *gin.Context) {
	var req service.ProcessPaymentRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	payment, err := h.paymentService.ProcessPayment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to process payment", err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

// getPayment handles payment lookup by ID
func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	payment, err := h.paymentService.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, "Payment not found", err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

// refundPayment handles full or partial refunds
func (h *Handler) refundPayment(c *gin.Context) {
	paymentID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount" binding:"required"`
		Reason string          `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	payment, err := h.paymentService.RefundPayment(c.Request.Context(), paymentID, req.Amount, req.Reason)
	if err != nil {
		respondError(c, "Failed to refund payment", err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

// pathUUID parses a UUID path parameter, responding 400 on failure.
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain errors to HTTP status codes.
func respondError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError

	var statusErr *domain.InvalidOrderStatusError
	var paymentStatusErr *domain.InvalidPaymentStatusError
	var reservationStatusErr *domain.InvalidReservationStatusError
	var insufficientErr *domain.InsufficientStockError

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.As(err, &insufficientErr),
		errors.As(err, &statusErr),
		errors.As(err, &paymentStatusErr),
		errors.As(err, &reservationStatusErr),
		errors.Is(err, domain.ErrVersionConflict):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
