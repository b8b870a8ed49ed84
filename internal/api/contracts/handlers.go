// Package contracts implements the HTTP handlers for the contract signing workflow: creating
// contracts, sending them for signature, collecting signatures, voiding, and reading a
// contract with its activity history.
package contracts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/db/models"
	"github.com/membershiphub/esign/internal/middleware"
	"github.com/membershiphub/esign/internal/signing"
)

// Service is the signing workflow behind the handlers
type Service interface {
	Create(ctx context.Context, req signing.CreateRequest) (*models.Contract, error)
	Get(ctx context.Context, id string) (*signing.ContractDetail, error)
	Activity(ctx context.Context, id string, limit, offset int) ([]*models.ActivityLog, int, error)
	Send(ctx context.Context, req signing.SendRequest) (*signing.SendResult, error)
	Sign(ctx context.Context, req signing.SignRequest) (*signing.SignResult, error)
	Void(ctx context.Context, req signing.VoidRequest) (*models.Contract, error)
}

// ContractHandlers handles contract endpoints
type ContractHandlers struct {
	svc Service
}

// NewContractHandlers creates a new ContractHandlers instance
func NewContractHandlers(svc Service) *ContractHandlers {
	return &ContractHandlers{svc: svc}
}

// CreateContractRequest is the body of POST /api/v1/contracts
type CreateContractRequest struct {
	Title         string `json:"title" binding:"required"`
	Content       string `json:"content" binding:"required"`
	SigningPolicy string `json:"signingPolicy"`
}

// @Summary      Create contract
// @Description  Stores a new draft contract. Requires contracts:manage scope.
// @Tags         Contracts
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateContractRequest  true  "Contract"
// @Success      201  {object}  models.Contract
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Router       /api/v1/contracts [post]
// CreateHandler creates a draft contract
// POST /api/v1/contracts
func (h *ContractHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateContractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: title and content are required"})
			return
		}

		contract, err := h.svc.Create(c.Request.Context(), signing.CreateRequest{
			Title:         req.Title,
			Content:       req.Content,
			SigningPolicy: models.SigningPolicy(req.SigningPolicy),
			ActorID:       middleware.UserIDFromContext(c),
			IP:            c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, contract)
	}
}

// @Summary      Get contract
// @Description  Returns a contract with its signatures and invitations. Signing-link callers do not see invitations.
// @Tags         Contracts
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Contract ID"
// @Success      200  {object}  signing.ContractDetail
// @Failure      404  {object}  map[string]interface{}  "Contract not found"
// @Router       /api/v1/contracts/{id} [get]
// GetHandler returns a contract
// GET /api/v1/contracts/:id
func (h *ContractHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		if middleware.RecipientFromContext(c) != nil {
			detail.Recipients = nil
		}
		c.JSON(http.StatusOK, detail)
	}
}

// ActivityHandler lists the audit trail of a contract, newest first
// GET /api/v1/contracts/:id/activity?limit=50&offset=0
func (h *ContractHandlers) ActivityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		limit = signing.ActivityLimit(limit)
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if offset < 0 {
			offset = 0
		}

		entries, total, err := h.svc.Activity(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"activity": entries,
			"pagination": gin.H{
				"limit":  limit,
				"offset": offset,
				"total":  total,
			},
		})
	}
}

// SendContractRequest is the body of POST /api/v1/contracts/:id/send
type SendContractRequest struct {
	RecipientEmail string `json:"recipientEmail" binding:"required"`
	RecipientName  string `json:"recipientName"`
	CustomMessage  string `json:"customMessage"`
	ResendReason   string `json:"resendReason"`
}

// @Summary      Send contract
// @Description  Emails a single-contract signing link to the first signer and moves a draft to sent. Sending again records a resend. Requires contracts:manage scope.
// @Tags         Contracts
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true  "Contract ID"
// @Param        body  body  SendContractRequest  true  "Recipient"
// @Success      200  {object}  signing.SendResult
// @Failure      409  {object}  map[string]interface{}  "Contract cannot be sent"
// @Router       /api/v1/contracts/{id}/send [post]
// SendHandler sends a contract for signature
// POST /api/v1/contracts/:id/send
func (h *ContractHandlers) SendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SendContractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: recipientEmail is required"})
			return
		}

		res, err := h.svc.Send(c.Request.Context(), signing.SendRequest{
			ContractID:     c.Param("id"),
			RecipientEmail: req.RecipientEmail,
			RecipientName:  req.RecipientName,
			CustomMessage:  req.CustomMessage,
			ResendReason:   req.ResendReason,
			ActorID:        middleware.UserIDFromContext(c),
			IP:             c.ClientIP(),
			UserAgent:      c.Request.UserAgent(),
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// SignContractRequest is the body of POST /api/v1/contracts/:id/sign
type SignContractRequest struct {
	SignatureData  string `json:"signatureData"`
	DateSigned     string `json:"dateSigned"`
	RecipientEmail string `json:"recipientEmail"`
	RecipientName  string `json:"recipientName"`
	Role           string `json:"role"`
	SignerName     string `json:"signerName"`
}

// @Summary      Sign contract
// @Description  Records a signature. The completing signature renders and stores the signed PDF before anything is persisted; a storage failure leaves the contract unchanged.
// @Tags         Contracts
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true  "Contract ID"
// @Param        body  body  SignContractRequest  true  "Signature"
// @Success      200  {object}  map[string]interface{}  "success, signatureId, pdfPath, pdfUrl, dateSigned, status, role"
// @Failure      400  {object}  map[string]interface{}  "Invalid signature"
// @Failure      403  {object}  map[string]interface{}  "Caller may not sign in this role"
// @Failure      404  {object}  map[string]interface{}  "Contract not found"
// @Failure      409  {object}  map[string]interface{}  "Already signed or not signable"
// @Failure      502  {object}  map[string]interface{}  "Signed document could not be stored"
// @Router       /api/v1/contracts/{id}/sign [post]
// SignHandler collects a signature
// POST /api/v1/contracts/:id/sign
func (h *ContractHandlers) SignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignContractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		role, ok := signerRole(c, models.SignerRole(req.Role))
		if !ok {
			return
		}

		signReq := signing.SignRequest{
			ContractID:     c.Param("id"),
			Role:           role,
			SignatureData:  req.SignatureData,
			SignerIP:       c.ClientIP(),
			SignerName:     req.SignerName,
			DateSigned:     req.DateSigned,
			RecipientEmail: req.RecipientEmail,
			RecipientName:  req.RecipientName,
			ActorID:        middleware.UserIDFromContext(c),
			UserAgent:      c.Request.UserAgent(),
		}
		if rec := middleware.RecipientFromContext(c); rec != nil {
			if signReq.RecipientEmail == "" {
				signReq.RecipientEmail = rec.RecipientEmail
			}
			if signReq.RecipientName == "" && rec.RecipientName != nil {
				signReq.RecipientName = *rec.RecipientName
			}
		}

		res, err := h.svc.Sign(c.Request.Context(), signReq)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":     true,
			"signatureId": res.SignatureID,
			"pdfPath":     res.PDFPath,
			"pdfUrl":      res.PDFURL,
			"dateSigned":  res.DateSigned,
			"status":      res.Status,
			"role":        res.Role,
		})
	}
}

// signerRole resolves the role the caller may sign in. Signing-link holders always sign as the
// first signer; counter-signing needs contracts:countersign. An empty role is left for the
// service to derive only when the caller holds both signing scopes.
func signerRole(c *gin.Context, requested models.SignerRole) (models.SignerRole, bool) {
	if requested != "" && !requested.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role: must be first_signer or counter_signer"})
		return "", false
	}

	scopes := middleware.ScopesFromContext(c)
	canSign := auth.HasScope(scopes, auth.ScopeContractsSign)
	canCounter := middleware.RecipientFromContext(c) == nil && auth.HasScope(scopes, auth.ScopeContractsCountersign)

	switch requested {
	case models.SignerRoleCounter:
		if !canCounter {
			c.JSON(http.StatusForbidden, gin.H{"error": "Counter-signing requires the contracts:countersign scope"})
			return "", false
		}
		return requested, true
	case models.SignerRoleFirst:
		if !canSign {
			c.JSON(http.StatusForbidden, gin.H{"error": "Signing requires the contracts:sign scope"})
			return "", false
		}
		return requested, true
	}

	switch {
	case canSign && canCounter:
		return "", true
	case canCounter:
		return models.SignerRoleCounter, true
	case canSign:
		return models.SignerRoleFirst, true
	default:
		c.JSON(http.StatusForbidden, gin.H{"error": "Missing required scope"})
		return "", false
	}
}

// VoidContractRequest is the optional body of POST /api/v1/contracts/:id/void
type VoidContractRequest struct {
	Reason string `json:"reason"`
}

// @Summary      Void contract
// @Description  Cancels a contract that is not yet completed. Requires contracts:manage scope.
// @Tags         Contracts
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string               true   "Contract ID"
// @Param        body  body  VoidContractRequest  false  "Reason"
// @Success      200  {object}  models.Contract
// @Failure      409  {object}  map[string]interface{}  "Contract is completed or already void"
// @Router       /api/v1/contracts/{id}/void [post]
// VoidHandler voids a contract
// POST /api/v1/contracts/:id/void
func (h *ContractHandlers) VoidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VoidContractRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		contract, err := h.svc.Void(c.Request.Context(), signing.VoidRequest{
			ContractID: c.Param("id"),
			Reason:     req.Reason,
			ActorID:    middleware.UserIDFromContext(c),
			IP:         c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, contract)
	}
}
