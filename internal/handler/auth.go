package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/authhub/backend/internal/autherr"
	"github.com/authhub/backend/internal/model"
	"github.com/authhub/backend/internal/service"
)

type AuthHandler struct {
	svc *service.AuthService
}

func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Login godoc
// @Summary Login over any registered channel
// @Description Authenticates a device through its channel verifier and returns the token bundle.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.LoginRequest true "Channel, device, and credential fields"
// @Success 200 {object} model.TokenBundle
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request"})
		return
	}
	if req.Extras == nil {
		req.Extras = make(map[string]string)
	}
	if req.Extras["clientIp"] == "" {
		req.Extras["clientIp"] = c.ClientIP()
	}
	if req.Extras["userAgent"] == "" {
		req.Extras["userAgent"] = c.Request.UserAgent()
	}

	bundle, err := h.svc.Login(c.Request.Context(), &req)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// Refresh godoc
// @Summary Refresh the access token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.RefreshRequest true "Refresh token and device ID"
// @Success 200 {object} model.TokenBundle
// @Failure 401 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req model.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request"})
		return
	}
	bundle, err := h.svc.Refresh(c.Request.Context(), req.RefreshToken, req.DeviceID)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// Logout godoc
// @Summary Log a device out
// @Description Best-effort: a session that no longer exists is a no-op.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.DeviceRef true "User and device"
// @Success 200 {object} model.StatusResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	var req model.DeviceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request"})
		return
	}
	if err := h.svc.Logout(c.Request.Context(), req.UserID, req.DeviceID); err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.StatusResponse{Status: "logged_out"})
}

// KickOut godoc
// @Summary Force a specific device offline
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.DeviceRef true "User and device"
// @Success 200 {object} model.StatusResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/kickout [post]
func (h *AuthHandler) KickOut(c *gin.Context) {
	var req model.DeviceRef
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request"})
		return
	}
	if err := h.svc.KickOutDevice(c.Request.Context(), req.UserID, req.DeviceID); err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.StatusResponse{Status: "kicked_out"})
}

// KickOutAll godoc
// @Summary Force every device of a user offline
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.KickOutAllRequest true "User"
// @Success 200 {object} model.StatusResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/kickout/all [post]
func (h *AuthHandler) KickOutAll(c *gin.Context) {
	var req model.KickOutAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "invalid request"})
		return
	}
	if err := h.svc.KickOutAllDevices(c.Request.Context(), req.UserID); err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.StatusResponse{Status: "kicked_out"})
}

// Validate godoc
// @Summary Validate a bearer access token
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.ValidateResponse
// @Router /auth/validate [get]
func (h *AuthHandler) Validate(c *gin.Context) {
	tokenStr := bearerToken(c)
	user, err := h.svc.AuthUserOf(tokenStr)
	if err != nil {
		c.JSON(http.StatusOK, model.ValidateResponse{Valid: false})
		return
	}
	c.JSON(http.StatusOK, model.ValidateResponse{Valid: true, UserID: user.ID})
}

// UserInfo godoc
// @Summary Get the identity behind a bearer access token
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.UserInfoResponse
// @Failure 401 {object} model.ErrorResponse
// @Router /auth/userinfo [get]
func (h *AuthHandler) UserInfo(c *gin.Context) {
	user := GetAuthUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, model.UserInfoResponse{UserID: user.ID, Roles: user.Roles})
}

// Devices godoc
// @Summary List the caller's signed-in devices
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.DeviceListResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/devices [get]
func (h *AuthHandler) Devices(c *gin.Context) {
	user := GetAuthUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "unauthorized"})
		return
	}
	devices, err := h.svc.ListDevices(c.Request.Context(), user.ID)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.DeviceListResponse{Devices: devices})
}

// writeAuthError maps the failure taxonomy to HTTP statuses. Channel
// authentication failures collapse to one uniform class so responses do
// not reveal more than the channel itself implies.
func writeAuthError(c *gin.Context, err error) {
	kind := autherr.KindOf(err)
	switch kind {
	case autherr.KindInvalidChannel, autherr.KindInvalidCredentials:
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: message(err), Code: string(kind)})
	case autherr.KindUserNotFound, autherr.KindUserDisabled, autherr.KindCredentialMismatch,
		autherr.KindCaptchaError, autherr.KindSmsCodeError, autherr.KindExternalCodeInvalid:
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: message(err), Code: "AUTH_FAILED"})
	case autherr.KindTokenExpired, autherr.KindTokenInvalid,
		autherr.KindRefreshTokenInvalid, autherr.KindDeviceNotAuthorized:
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: message(err), Code: string(kind)})
	case autherr.KindDeviceLimitExceeded:
		c.JSON(http.StatusConflict, model.ErrorResponse{Error: message(err), Code: string(kind)})
	case autherr.KindRegistryUnavailable:
		c.JSON(http.StatusServiceUnavailable, model.ErrorResponse{Error: "service temporarily unavailable", Code: string(kind)})
	default:
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: "server error"})
	}
}

func message(err error) string {
	var e *autherr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "authentication failed"
}
