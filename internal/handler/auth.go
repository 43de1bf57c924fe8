package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/lockdownpark/parkbus/internal/utils"
)

// AuthHandler issues service tokens to registered publishing services.
type AuthHandler struct {
	clients map[string]string // service slug -> bcrypt hash of its secret
	secret  string
	ttlMin  int
}

func NewAuthHandler(clients map[string]string, jwtSecret string, ttlMin int) *AuthHandler {
	return &AuthHandler{clients: clients, secret: jwtSecret, ttlMin: ttlMin}
}

type tokenReq struct {
	Service string `json:"service"`
	Secret  string `json:"secret"`
}

type tokenResp struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Token exchanges a service slug and secret for a publisher token.
func (h *AuthHandler) Token(c echo.Context) error {
	var req tokenReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Service = strings.TrimSpace(req.Service)
	if req.Service == "" || req.Secret == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "service/secret required"})
	}

	hash, ok := h.clients[req.Service]
	if !ok || !utils.VerifySecret(hash, req.Secret) {
		logrus.WithField("service", req.Service).Warn("rejected token request")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}

	tok, err := utils.NewServiceToken(h.secret, req.Service, utils.RolePublisher, h.ttlMin)
	if err != nil {
		logrus.WithError(err).Error("issue service token")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue token failed"})
	}
	return c.JSON(http.StatusOK, tokenResp{AccessToken: tok.Token, TokenType: "Bearer", ExpiresAt: tok.Exp})
}
