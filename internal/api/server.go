// Package api provides the coordinator's HTTP surface: the assignment
// feed miners poll, the status reports they push back, and the full
// epoch metadata validators read to run the tier pipeline.
package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zipcode-subnet/validator-core/internal/authsig"
	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/epoch"
	"github.com/zipcode-subnet/validator-core/internal/policy"
	"github.com/zipcode-subnet/validator-core/internal/storage"
	"github.com/zipcode-subnet/validator-core/internal/util"
)

// Server is the coordinator's HTTP API.
type Server struct {
	cfg    *config.Config
	store  *storage.Client
	policy *policy.Server
	router *gin.Engine
	server *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsResponse is the /stats response: a coarse epoch/subnet overview.
type StatsResponse struct {
	CurrentEpochID  string `json:"current_epoch_id"`
	Status          string `json:"status"`
	TotalZipcodes   int    `json:"total_zipcodes"`
	ReportingMiners int    `json:"reporting_miners"`
	Now             int64  `json:"now"`
}

// MinerAssignment is the miner-facing view of a zipcode assignment: the
// honeypot flag is never sent to a miner.
type MinerAssignment struct {
	Zipcode          string           `json:"zipcode"`
	ExpectedListings int              `json:"expected_listings"`
	MarketTier       epoch.MarketTier `json:"market_tier"`
}

// AssignmentResponse is the /assignments/current payload.
type AssignmentResponse struct {
	EpochID        string            `json:"epoch_id"`
	StartAt        time.Time         `json:"start_at"`
	EndAt          time.Time         `json:"end_at"`
	TargetListings int               `json:"target_listings"`
	TolerancePct   float64           `json:"tolerance_pct"`
	NonceHex       string            `json:"nonce_hex"`
	Zipcodes       []MinerAssignment `json:"zipcodes"`
}

// StatusUpdate is the /assignments/status request body.
type StatusUpdate struct {
	MinerID         string `json:"miner_id"`
	EpochID         string `json:"epoch_id"`
	ListingsScraped int    `json:"listings_scraped"`
	UploadComplete  bool   `json:"upload_complete"`
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, store *storage.Client, policySrv *policy.Server) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		store:  store,
		policy: policySrv,
		router: router,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints.
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())

	public := s.router.Group("/")
	{
		public.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
		public.GET("/stats", s.handleStats)
	}

	miner := s.router.Group("/assignments")
	miner.Use(s.signedEnvelopeMiddleware())
	{
		miner.GET("/current", s.handleCurrentAssignment)
		miner.POST("/status", s.handleStatusUpdate)
	}

	validator := s.router.Group("/epochs")
	validator.Use(s.signedEnvelopeMiddleware())
	{
		validator.GET("/:epoch_id", s.handleEpochMetadata)
	}

	admin := s.router.Group("/admin")
	admin.Use(s.signedEnvelopeMiddleware())
	{
		admin.GET("/blacklist", s.handleGetBlacklist)
		admin.POST("/blacklist/:miner_id", s.handleAddBlacklist)
		admin.GET("/whitelist", s.handleGetWhitelist)
		admin.POST("/whitelist/:miner_id", s.handleAddWhitelist)
	}
}

// corsMiddleware allows the configured origins (or all origins if none
// are configured) to call the read-only endpoints from a browser.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := map[string]bool{}
	for _, o := range s.cfg.API.CORSOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(allowed) == 0 {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Signature, X-Timestamp, X-Miner-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// signedEnvelopeMiddleware checks the caller's blacklist status and
// request rate through the policy server, then verifies the HMAC signature
// the coordinator requires on every miner/validator-originated request.
func (s *Server) signedEnvelopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := c.GetHeader("X-Miner-Id")
		if callerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Miner-Id required"})
			c.Abort()
			return
		}

		if s.policy != nil {
			if !s.policy.CheckBlacklist(callerID) {
				c.JSON(http.StatusForbidden, gin.H{"error": "blacklisted"})
				c.Abort()
				return
			}
			if !s.policy.ApplyRequestLimit(callerID) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
				c.Abort()
				return
			}
		}

		sigHex := c.GetHeader("X-Signature")
		tsHeader := c.GetHeader("X-Timestamp")
		if sigHex == "" || tsHeader == "" {
			s.rejectAuth(c, callerID, "signature headers required")
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			s.rejectAuth(c, callerID, "malformed timestamp")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.rejectAuth(c, callerID, "unreadable body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		skew := s.cfg.API.SignatureSkew
		err = authsig.Verify([]byte(s.cfg.Coordinator.Secret), c.Request.Method, c.Request.URL.Path, body, ts, sigHex, time.Now(), skew)
		if err != nil {
			s.rejectAuth(c, callerID, err.Error())
			return
		}

		c.Next()
	}
}

func (s *Server) rejectAuth(c *gin.Context, callerID, reason string) {
	if s.policy != nil {
		s.policy.ApplyAuthFailureScore(callerID)
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
	c.Abort()
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("Coordinator API listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns a coarse, cached overview of the current epoch.
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		resp := *s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(http.StatusOK, resp)
		return
	}
	s.statsCacheMu.RUnlock()

	epochID, err := s.store.GetCurrentEpochID()
	if err != nil {
		c.JSON(http.StatusOK, StatsResponse{Status: "no_active_epoch", Now: time.Now().Unix()})
		return
	}

	e, err := s.store.GetEpoch(epochID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load current epoch"})
		return
	}

	miners, _ := s.store.ListReportingMiners(epochID)

	resp := StatsResponse{
		CurrentEpochID:  e.ID,
		Status:          string(e.Status),
		TotalZipcodes:   len(e.Zipcodes),
		ReportingMiners: len(miners),
		Now:             time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache = &resp
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(http.StatusOK, resp)
}

// handleCurrentAssignment returns the current epoch's zipcode
// assignments with honeypots stripped out.
func (s *Server) handleCurrentAssignment(c *gin.Context) {
	epochID, err := s.store.GetCurrentEpochID()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active epoch"})
		return
	}

	e, err := s.store.GetEpoch(epochID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load epoch"})
		return
	}

	resp := AssignmentResponse{
		EpochID:        e.ID,
		StartAt:        e.StartAt,
		EndAt:          e.EndAt,
		TargetListings: e.TargetListings,
		TolerancePct:   e.TolerancePct,
		NonceHex:       e.NonceHex(),
	}
	for _, z := range e.Zipcodes {
		if z.IsHoneypot {
			continue
		}
		resp.Zipcodes = append(resp.Zipcodes, MinerAssignment{
			Zipcode:          z.Zipcode,
			ExpectedListings: z.ExpectedListings,
			MarketTier:       z.MarketTier,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// handleStatusUpdate records a miner's upload progress for the current epoch.
func (s *Server) handleStatusUpdate(c *gin.Context) {
	var update StatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		if s.policy != nil {
			s.policy.ApplyMalformedPolicy(update.MinerID)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed status update"})
		return
	}

	status := storage.SubmissionStatus{
		MinerID:         update.MinerID,
		EpochID:         update.EpochID,
		ListingsScraped: update.ListingsScraped,
		UploadComplete:  update.UploadComplete,
		Status:          "in_progress",
		UpdatedAt:       time.Now().Unix(),
	}
	if update.UploadComplete {
		status.Status = "completed"
	}

	if err := s.store.PutSubmissionStatus(&status); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// handleEpochMetadata returns the full epoch metadata, honeypots
// included — this endpoint is for validators only.
func (s *Server) handleEpochMetadata(c *gin.Context) {
	epochID := c.Param("epoch_id")
	e, err := s.store.GetEpoch(epochID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("epoch %s not found", epochID)})
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleGetBlacklist(c *gin.Context) {
	list, err := s.store.GetBlacklist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load blacklist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blacklist": list})
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	minerID := c.Param("miner_id")
	if err := s.policy.AddToBlacklist(minerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update blacklist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": minerID})
}

func (s *Server) handleGetWhitelist(c *gin.Context) {
	list, err := s.store.GetWhitelist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load whitelist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": list})
}

func (s *Server) handleAddWhitelist(c *gin.Context) {
	minerID := c.Param("miner_id")
	if err := s.policy.AddToWhitelist(minerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update whitelist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": minerID})
}
