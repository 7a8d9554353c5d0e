package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradewire/ctrader-gateway/internal/gateway"
)

const (
	defaultSymbolLimit = 200
	maxSymbolLimit     = 2000
)

type exchangeRequest struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

func (s *Server) handleOAuthExchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	userID, ok := s.requireUser(c, req.UserID)
	if !ok {
		return
	}
	if req.Code == "" {
		s.writeError(c, http.StatusBadRequest, "code is required", nil)
		return
	}
	tok, err := s.gw.ExchangeCode(c.Request.Context(), userID, req.Code)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

type refreshRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleOAuthRefresh(c *gin.Context) {
	// The body is optional here; the user id may ride on the header alone.
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(c, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	userID, ok := s.requireUser(c, req.UserID)
	if !ok {
		return
	}
	tok, err := s.gw.RefreshTokens(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) handleListAccounts(c *gin.Context) {
	userID, ok := s.requireUser(c, "")
	if !ok {
		return
	}
	list, err := s.gw.ListAccounts(c.Request.Context(), s.caller(c, userID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type authAccountRequest struct {
	UserID    string `json:"userId"`
	AccountID int64  `json:"accountId"`
}

func (s *Server) handleAuthorizeAccount(c *gin.Context) {
	var req authAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	userID, ok := s.requireUser(c, req.UserID)
	if !ok {
		return
	}
	res, err := s.gw.AuthorizeAccount(c.Request.Context(), s.caller(c, userID), req.AccountID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListSymbols(c *gin.Context) {
	userID, ok := s.requireUser(c, "")
	if !ok {
		return
	}
	list, err := s.gw.ListSymbols(c.Request.Context(), s.caller(c, userID), c.Query("q"), symbolLimit(c.Query("limit")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// symbolLimit clamps the limit parameter into 1..2000, falling back to the
// default when absent or unparsable.
func symbolLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultSymbolLimit
	}
	if n < 1 {
		return 1
	}
	if n > maxSymbolLimit {
		return maxSymbolLimit
	}
	return n
}

func (s *Server) handleGetQuote(c *gin.Context) {
	userID, ok := s.requireUser(c, "")
	if !ok {
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		s.writeError(c, http.StatusBadRequest, "symbol query parameter is required", nil)
		return
	}
	wait, _ := strconv.ParseFloat(c.Query("wait"), 64)
	q, err := s.gw.GetQuote(c.Request.Context(), s.caller(c, userID), symbol, wait)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleAccountInfo(c *gin.Context) {
	userID, ok := s.requireUser(c, "")
	if !ok {
		return
	}
	info, err := s.gw.GetAccountInfo(c.Request.Context(), s.caller(c, userID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handlePlaceTrade(c *gin.Context) {
	var req gateway.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	userID, ok := s.requireUser(c, req.UserID)
	if !ok {
		return
	}
	res, err := s.gw.PlaceTrade(c.Request.Context(), s.caller(c, userID), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
