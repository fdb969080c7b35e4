package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"consultchat/internal/auth"
	"consultchat/internal/models"
	"consultchat/internal/service/account"
	"consultchat/internal/service/channel"
	"consultchat/internal/service/chat"
	"consultchat/internal/worker"
)

// Handler wires HTTP routes to the account and chat services.
type Handler struct {
	accounts *account.Service
	chat     *chat.Service
	auth     *auth.Service
	log      *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, chatService *chat.Service, authService *auth.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accounts: accounts,
		chat:     chatService,
		auth:     authService,
		log:      logger,
	}
}

// NewRouter builds the gin engine with CORS and every route registered.
func NewRouter(h *Handler, allowedOrigins []string) *gin.Engine {
	router := gin.Default()
	if len(allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     allowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", h.auth.CSRFHeaderName()},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	h.RegisterRoutes(router)
	return router
}

func (h *Handler) authorizedPrincipal(c *gin.Context) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return auth.Principal{}, false
	}
	return p, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/verify-email", h.verifyEmail)
	api.POST("/users/resend-verification", h.resendVerification)
	api.POST("/users/login", h.loginUser)
	api.POST("/users/password-reset/request", h.requestPasswordReset)
	api.POST("/users/password-reset/confirm", h.confirmPasswordReset)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.GET("/users/me", h.me)
	authed.POST("/users/logout", h.logoutUser)
	authed.GET("/users/consultants", h.listConsultants)

	chatRoutes := authed.Group("/chat")
	chatRoutes.GET("/token", h.chatToken)
	chatRoutes.POST("/send-to-consultant", h.sendToConsultant)
	chatRoutes.POST("/respond-to-client", h.respondToClient)
	chatRoutes.GET("/conversations", h.listConversations)
	chatRoutes.GET("/history/:channel", h.channelHistory)
}

// writeError maps service errors to HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, account.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.As(err, &validationErrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(validationErrs)})
	case errors.Is(err, channel.ErrInvalidChannel),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong),
		errors.Is(err, account.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, account.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotMember),
		errors.Is(err, chat.ErrWrongRole),
		errors.Is(err, account.ErrEmailNotVerified):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrRecipientNotFound), errors.Is(err, account.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, account.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrRelayFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": chat.ErrRelayFailed.Error()})
	case errors.Is(err, account.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": account.ErrDeliveryFailed.Error()})
	default:
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func validationMessage(errs validator.ValidationErrors) string {
	if len(errs) == 0 {
		return "invalid request"
	}
	first := errs[0]
	return "invalid " + first.Field() + ": failed " + first.Tag()
}

func userResponse(user *models.User) gin.H {
	return gin.H{
		"id":             user.ID,
		"name":           user.Name,
		"email":          user.Email,
		"is_consultant":  user.IsConsultant,
		"email_verified": user.Verified(),
		"created_at":     user.CreatedAt,
	}
}

// User account interface
func (h *Handler) registerUser(c *gin.Context) {
	var req account.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		if user != nil && errors.Is(err, account.ErrDeliveryFailed) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": "account created but the verification email could not be sent, request a new code",
				"id":    user.ID,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userResponse(user))
}

type emailCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *Handler) verifyEmail(c *gin.Context) {
	var req emailCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and code are required"})
		return
	}
	user, err := h.accounts.VerifyEmail(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

func (h *Handler) resendVerification(c *gin.Context) {
	var req emailCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	if err := h.accounts.ResendVerification(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	principal := auth.Principal{ID: user.ID, Consultant: user.IsConsultant}
	authToken, err := h.auth.IssueToken(c.Request.Context(), principal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"auth_token": authToken,
		"csrf_token": csrfToken,
		"expires_in": int(h.auth.TokenTTL().Seconds()),
		"user":       userResponse(user),
	})
}

func (h *Handler) requestPasswordReset(c *gin.Context) {
	var req emailCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	if err := h.accounts.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) confirmPasswordReset(c *gin.Context) {
	var req account.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.ConfirmPasswordReset(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// sessions opened with the old password must not survive the reset
	if err := h.auth.RevokeUserTokens(c.Request.Context(), user.ID); err != nil {
		h.log.Error("revoke tokens after reset", "user_id", user.ID, "error", err)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) me(c *gin.Context) {
	p, ok := h.authorizedPrincipal(c)
	if !ok {
		return
	}
	user, err := h.accounts.GetUser(c.Request.Context(), p.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedPrincipal(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.log.Warn("revoke token", "error", err)
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) listConsultants(c *gin.Context) {
	if _, ok := h.authorizedPrincipal(c); !ok {
		return
	}
	consultants, err := h.accounts.ListConsultants(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	list := make([]gin.H, 0, len(consultants))
	for i := range consultants {
		list = append(list, gin.H{"id": consultants[i].ID, "name": consultants[i].Name})
	}
	c.JSON(http.StatusOK, gin.H{"consultants": list})
}

// Chat interface
func (h *Handler) chatToken(c *gin.Context) {
	p, ok := h.authorizedPrincipal(c)
	if !ok {
		return
	}
	grant, err := h.chat.Token(p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

type sendRequest struct {
	ConsultantID string `json:"consultant_id"`
	ClientID     string `json:"client_id"`
	Text         string `json:"text"`
}

func (h *Handler) sendToConsultant(c *gin.Context) {
	p, ok := h.authorizedPrincipal(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConsultantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consultant_id and text are required"})
		return
	}
	msg, err := h.chat.SendToConsultant(c.Request.Context(), p, req.ConsultantID, req.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": msg})
}

func (h *Handler) respondToClient(c *gin.Context) {
	p, ok := h.authorizedPrincipal(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and text are required"})
		return
	}
	msg, err := h.chat.RespondToClient(c.Request.Context(), p, req.ClientID, req.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": msg})
}

func (h *Handler) listConversations(c *gin.Context) {
	p, ok := h.authorizedPrincipal(c)
	if !ok {
		return
	}
	conversations, err := h.chat.Conversations(c.Request.Context(), p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) channelHistory(c *gin.Context) {
	p, ok := h.authorizedPrincipal(c)
	if !ok {
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	size, err := queryInt(c, "page_size", chat.DefaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
		return
	}
	summary, err := h.chat.History(c.Request.Context(), p, c.Param("channel"), page, size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
