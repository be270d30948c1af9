package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketflow/coordinator/internal/autonomy"
	"github.com/marketflow/coordinator/internal/capability"
	"github.com/marketflow/coordinator/internal/chain"
	"github.com/marketflow/coordinator/internal/events"
	"github.com/marketflow/coordinator/internal/health"
	"github.com/marketflow/coordinator/internal/ledger"
	"github.com/marketflow/coordinator/internal/quote"
	"github.com/marketflow/coordinator/internal/registry"
	"github.com/marketflow/coordinator/internal/task"
	"github.com/marketflow/coordinator/internal/types"
)

// Handlers wires every HTTP route to the coordinator's internal engines.
type Handlers struct {
	quotes      *quote.Service
	ledger      *ledger.Ledger
	registry    *registry.Client
	taskEngine  *task.Engine
	decisions   *events.DecisionLog
	coordinator autonomy.Requester
	health      *health.Health
	logger      *zap.Logger
}

// NewHandlers builds a Handlers. coordinator identifies the top-level
// requester TaskEngine.Execute runs as (spec.md §4.8 step 2's
// "coordinator" argument to Hire). healthChecker may be nil, in which case
// GET /health always reports healthy without running component checks.
func NewHandlers(
	quotes *quote.Service,
	led *ledger.Ledger,
	reg *registry.Client,
	taskEngine *task.Engine,
	decisions *events.DecisionLog,
	coordinator autonomy.Requester,
	healthChecker *health.Health,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		quotes:      quotes,
		ledger:      led,
		registry:    reg,
		taskEngine:  taskEngine,
		decisions:   decisions,
		coordinator: coordinator,
		health:      healthChecker,
		logger:      logger,
	}
}

// Health implements GET /health.
func (h *Handlers) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	status, components := h.health.Rollup(c.Request.Context())
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "components": components})
}

type generateQuoteRequest struct {
	Task           string `json:"task"`
	PaymentAddress string `json:"paymentAddress"`
}

// GenerateQuote implements POST /quote.
func (h *Handlers) GenerateQuote(c *gin.Context) {
	var req generateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var paymentAddr common.Address
	if req.PaymentAddress != "" {
		addr, err := chain.ParseAddress(req.PaymentAddress)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		paymentAddr = addr
	}

	q, err := h.quotes.GenerateQuote(c.Request.Context(), req.Task, paymentAddr)
	if err != nil {
		writeQuoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// GetQuote implements GET /quote/:quoteId.
func (h *Handlers) GetQuote(c *gin.Context) {
	id, err := uuid.Parse(c.Param("quoteId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quoteId"})
		return
	}
	q, ok := h.quotes.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "quote not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

type executeRequest struct {
	QuoteID     string `json:"quoteId"`
	TxHash      string `json:"txHash"`
	UserAddress string `json:"userAddress"`
}

// Execute implements POST /execute: verifies payment against the quote,
// then runs the task asynchronously and returns an executionId immediately
// (spec.md §4.9, §6).
func (h *Handlers) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	quoteID, err := uuid.Parse(req.QuoteID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quoteId"})
		return
	}
	txHash, err := chain.ParseTxHash(req.TxHash)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userAddr, err := chain.ParseAddress(req.UserAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := h.quotes.ValidateQuote(quoteID)
	if err != nil {
		writeQuoteError(c, err)
		return
	}

	if err := h.quotes.VerifyPaymentForQuote(c.Request.Context(), txHash, quoteID, q.Breakdown.Total, q.PaymentAddress, userAddr); err != nil {
		writeQuoteError(c, err)
		return
	}

	executionID := uuid.New()
	taskText := q.Task
	go func() {
		ctx := context.Background()
		if _, err := h.taskEngine.Execute(ctx, h.coordinator, taskText); err != nil {
			h.logger.Warn("async task execution failed",
				zap.String("executionId", executionID.String()),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusOK, gin.H{"executionId": executionID})
}

// Balance implements GET /balance/:address.
func (h *Handlers) Balance(c *gin.Context) {
	addr, err := chain.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "balance": h.ledger.Balance(addr)})
}

// ListAgents implements GET /agents: a merged view across every
// canonical capability tag.
func (h *Handlers) ListAgents(c *gin.Context) {
	var agents []types.Agent
	for _, tag := range capability.All() {
		result, err := h.registry.DiscoverByCapability(c.Request.Context(), string(tag))
		if err != nil {
			continue
		}
		agents = append(agents, result.Agents...)
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// DiscoverByCapability implements GET /agents/discover/:capability.
func (h *Handlers) DiscoverByCapability(c *gin.Context) {
	result, err := h.registry.DiscoverByCapability(c.Request.Context(), c.Param("capability"))
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownCapability):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrNoCandidates):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"capability": result.Capability, "agents": result.Agents, "fromCache": result.FromCache})
}

// Decisions implements GET /decisions: the bounded decision:* ring buffer.
func (h *Handlers) Decisions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"decisions": h.decisions.Recent()})
}

func writeQuoteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, quote.ErrTaskTooShort), errors.Is(err, quote.ErrTaskTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, quote.ErrQuoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, quote.ErrQuoteExpired), errors.Is(err, quote.ErrQuoteAlreadyUsed),
		errors.Is(err, quote.ErrTxAlreadyConsumed), errors.Is(err, quote.ErrPaymentMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
