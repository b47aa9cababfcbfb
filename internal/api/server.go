package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// ConnectionStats is the part of the connection gateway the health check reads.
type ConnectionStats interface {
	GetStats() map[string]int
}

// SessionStats is the part of the coordinator the health check reads.
type SessionStats interface {
	GetStats() map[string]interface{}
}

// Server is the administrative HTTP surface: code block CRUD, the lobby
// summary and the health check. It holds no session state; every change
// that affects live rooms goes through the coordinator's hooks.
type Server struct {
	store          interfaces.CodeBlockStore
	hooks          interfaces.AdminHooks
	connections    ConnectionStats
	sessions       SessionStats
	allowedOrigins []string
	startedAt      time.Time
}

// NewServer creates the API server. An empty origin list allows any origin.
func NewServer(store interfaces.CodeBlockStore, hooks interfaces.AdminHooks, connections ConnectionStats, sessions SessionStats, allowedOrigins []string) *Server {
	return &Server{
		store:          store,
		hooks:          hooks,
		connections:    connections,
		sessions:       sessions,
		allowedOrigins: allowedOrigins,
		startedAt:      time.Now(),
	}
}

// Register installs the CORS middleware and the API routes on engine.
// Routes added to engine afterwards share the middleware.
func (s *Server) Register(engine *gin.Engine) {
	engine.Use(s.corsMiddleware())

	api := engine.Group("/api")
	api.GET("/codeblocks", s.listCodeBlocks)
	api.GET("/codeblocks/admin", s.listCodeBlocksAdmin)
	api.GET("/codeblocks/:id", s.getCodeBlock)
	api.POST("/codeblocks", s.createCodeBlock)
	api.PUT("/codeblocks/:id", s.updateCodeBlock)
	api.DELETE("/codeblocks/:id", s.deleteCodeBlock)
	api.GET("/rooms", s.listRooms)

	engine.GET("/health", s.healthCheck)
}

// CodeBlockSummary is a lobby entry.
type CodeBlockSummary struct {
	ID   types.CodeBlockID `json:"id"`
	Name string            `json:"name"`
}

// CodeBlockView is what a room page loads. The solution is not part of it.
type CodeBlockView struct {
	ID          types.CodeBlockID `json:"id"`
	Name        string            `json:"name"`
	Template    string            `json:"template"`
	Explanation string            `json:"explanation"`
}

// CreateCodeBlockRequest uses pointers so a missing field can be told
// apart from an empty one.
type CreateCodeBlockRequest struct {
	Name        *string `json:"name"`
	Template    *string `json:"template"`
	Solution    *string `json:"solution"`
	Explanation *string `json:"explanation"`
}

type CreateCodeBlockResponse struct {
	*types.CodeBlock
	Message string `json:"message"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Sessions    map[string]interface{} `json:"sessions"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// missingField returns the first required field absent from the request.
func (r *CreateCodeBlockRequest) missingField() string {
	switch {
	case r.Name == nil:
		return "name"
	case r.Template == nil:
		return "template"
	case r.Solution == nil:
		return "solution"
	case r.Explanation == nil:
		return "explanation"
	}
	return ""
}

// GET /api/codeblocks
func (s *Server) listCodeBlocks(c *gin.Context) {
	blocks, err := s.store.ListCodeBlocks(c.Request.Context())
	if err != nil {
		s.storeError(c, err, "list code blocks")
		return
	}

	summaries := make([]CodeBlockSummary, 0, len(blocks))
	for _, cb := range blocks {
		summaries = append(summaries, CodeBlockSummary{ID: cb.ID, Name: cb.Name})
	}
	c.JSON(http.StatusOK, summaries)
}

// GET /api/codeblocks/admin
func (s *Server) listCodeBlocksAdmin(c *gin.Context) {
	blocks, err := s.store.ListCodeBlocks(c.Request.Context())
	if err != nil {
		s.storeError(c, err, "list code blocks")
		return
	}
	c.JSON(http.StatusOK, blocks)
}

// GET /api/codeblocks/:id
func (s *Server) getCodeBlock(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	cb, err := s.store.GetCodeBlock(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err, "get code block")
		return
	}

	c.JSON(http.StatusOK, CodeBlockView{
		ID:          cb.ID,
		Name:        cb.Name,
		Template:    cb.Template,
		Explanation: cb.Explanation,
	})
}

// POST /api/codeblocks
func (s *Server) createCodeBlock(c *gin.Context) {
	var req CreateCodeBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if field := req.missingField(); field != "" {
		s.sendError(c, "Missing required field: "+field, http.StatusBadRequest)
		return
	}

	cb := &types.CodeBlock{
		Name:        *req.Name,
		Template:    *req.Template,
		Solution:    *req.Solution,
		Explanation: *req.Explanation,
	}
	if err := s.store.CreateCodeBlock(c.Request.Context(), cb); err != nil {
		s.storeError(c, err, "create code block")
		return
	}

	log.Info().Str("module", "api").Int64("codeblock", int64(cb.ID)).Str("name", cb.Name).Msg("code block created")
	c.JSON(http.StatusCreated, CreateCodeBlockResponse{
		CodeBlock: cb,
		Message:   "Code block created successfully",
	})
}

// PUT /api/codeblocks/:id
func (s *Server) updateCodeBlock(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	var patch types.CodeBlockPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.sendError(c, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if patch.Empty() {
		s.sendError(c, types.ErrEmptyPatch.Error(), http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	updated, err := s.store.UpdateCodeBlock(ctx, id, patch)
	if err != nil {
		s.storeError(c, err, "update code block")
		return
	}

	// The row is committed; a hook failure leaves the open room on its old
	// buffer but does not undo the update.
	if patch.Template != nil {
		if err := s.hooks.CodeBlockUpdated(ctx, id, updated.Template); err != nil {
			log.Warn().Str("module", "api").Int64("codeblock", int64(id)).Err(err).Msg("room not notified of template change")
		}
	}

	log.Info().Str("module", "api").Int64("codeblock", int64(id)).Msg("code block updated")
	c.JSON(http.StatusOK, updated)
}

// DELETE /api/codeblocks/:id
func (s *Server) deleteCodeBlock(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetCodeBlock(ctx, id); err != nil {
		s.storeError(c, err, "delete code block")
		return
	}

	err := s.hooks.CodeBlockDeleting(ctx, id, func(ctx context.Context) error {
		return s.store.DeleteCodeBlock(ctx, id)
	})
	if err != nil {
		s.storeError(c, err, "delete code block")
		return
	}

	log.Info().Str("module", "api").Int64("codeblock", int64(id)).Msg("code block deleted")
	c.JSON(http.StatusOK, MessageResponse{Message: "Code block deleted successfully"})
}

// GET /api/rooms
func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.hooks.ActiveRooms(c.Request.Context())
	if err != nil {
		log.Warn().Str("module", "api").Err(err).Msg("active rooms unavailable")
		s.sendError(c, "Session coordinator unavailable", http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.connections.GetStats(),
		Sessions:    s.sessions.GetStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

func (s *Server) pathID(c *gin.Context) (types.CodeBlockID, bool) {
	id, err := types.ParseCodeBlockID(c.Param("id"))
	if err != nil {
		s.sendError(c, "Invalid code block id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

var validationErrors = []error{
	types.ErrInvalidName,
	types.ErrEmptyTemplate,
	types.ErrEmptySolution,
	types.ErrInvalidExplanation,
	types.ErrEmptyPatch,
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// storeError maps a store failure to a response. Unexpected errors are
// logged and reported without detail.
func (s *Server) storeError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, interfaces.ErrCodeBlockNotFound):
		s.sendError(c, "Code block not found", http.StatusNotFound)
	case isValidationError(err):
		s.sendError(c, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Str("module", "api").Err(err).Msg(action)
		s.sendError(c, "Failed to "+action, http.StatusInternalServerError)
	}
}

func (s *Server) sendError(c *gin.Context, message string, code int) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.allowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowed := s.allowOrigin(c.GetHeader("Origin")); allowed != "" {
			c.Header("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}
