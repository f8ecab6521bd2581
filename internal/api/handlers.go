package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aristath/dreammaker/internal/plans"
	"github.com/aristath/dreammaker/internal/scheduler"
)

const (
	defaultImageLimit = 20
	maxImageLimit     = 100
)

// identify resolves the caller from UserHeader.
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(UserHeader)), 10, 64)
		if err != nil || id <= 0 {
			respondError(c, errUnauthenticated)
			c.Abort()
			return
		}
		c.Set(ctxUserID, id)
		c.Next()
	}
}

func callerID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

// pathUser parses :id and requires it to be the caller.
func pathUser(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid user id %q", c.Param("id")))
		return 0, false
	}
	if id != callerID(c) {
		respondError(c, errForbidden)
		return 0, false
	}
	return id, true
}

type generateRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Steps  int    `json:"steps"`
}

// taskResponse is a task as clients poll it. Waits are in seconds.
type taskResponse struct {
	TaskID        int64                `json:"task_id"`
	Created       *bool                `json:"created,omitempty"`
	Status        scheduler.TaskStatus `json:"status"`
	Position      int                  `json:"position"`
	EstimatedTime float64              `json:"estimated_time"`
	ResultPath    string               `json:"result_path,omitempty"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	QueuedAt      time.Time            `json:"queued_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

func newTaskResponse(snap scheduler.StatusSnapshot) taskResponse {
	return taskResponse{
		TaskID:        snap.TaskID,
		Status:        snap.Status,
		Position:      snap.Position,
		EstimatedTime: snap.EstimatedWait.Seconds(),
		ResultPath:    snap.ResultPath,
		ErrorMessage:  snap.ErrorMessage,
		QueuedAt:      snap.QueuedAt,
		StartedAt:     snap.StartedAt,
		CompletedAt:   snap.CompletedAt,
	}
}

// generate queues a prompt for the caller and answers with the task to poll.
func (s *Server) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	res, err := s.deps.Queue.Enqueue(ctx, scheduler.EnqueueRequest{
		OwnerID: callerID(c),
		Prompt:  req.Prompt,
		Width:   req.Width,
		Height:  req.Height,
		Steps:   req.Steps,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	snap, err := s.deps.Queue.Status(ctx, res.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := newTaskResponse(snap)
	resp.Created = &res.Created
	c.JSON(http.StatusAccepted, resp)
}

// taskStatus reports one of the caller's tasks. Other users' tasks are forbidden.
func (s *Server) taskStatus(c *gin.Context) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid task id %q", c.Param("id")))
		return
	}

	snap, err := s.deps.Queue.Status(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if snap.OwnerID != callerID(c) {
		respondError(c, errForbidden)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(snap))
}

func (s *Server) me(c *gin.Context) {
	user, err := s.deps.Store.GetUser(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) quota(c *gin.Context) {
	snap, err := s.deps.Accounts.Snapshot(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listImages(c *gin.Context) {
	limit := defaultImageLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxImageLimit)
	}

	images, err := s.deps.Store.ListImages(c.Request.Context(), callerID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

// getImage returns one of the caller's images.
func (s *Server) getImage(c *gin.Context) {
	imageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid image id %q", c.Param("id")))
		return
	}

	img, err := s.deps.Store.GetImage(c.Request.Context(), imageID)
	if err != nil {
		respondError(c, err)
		return
	}
	if img.UserID != callerID(c) {
		respondError(c, errForbidden)
		return
	}
	c.JSON(http.StatusOK, img)
}

// planResponse exposes a plan with its waits in seconds.
type planResponse struct {
	plans.Plan
	GenerationWait float64 `json:"generation_wait"`
	QueueWait      float64 `json:"queue_wait"`
}

func (s *Server) listPlans(c *gin.Context) {
	list := s.deps.Catalog.List()
	out := make([]planResponse, len(list))
	for i, p := range list {
		out[i] = planResponse{Plan: p, GenerationWait: p.GenerationWait.Seconds(), QueueWait: p.QueueWait.Seconds()}
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

func (s *Server) listPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"token_packages": s.deps.Catalog.Packages()})
}

func (s *Server) queueStats(c *gin.Context) {
	counts, err := s.deps.Store.CountByStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending":    counts[scheduler.TaskPending],
		"processing": counts[scheduler.TaskProcessing],
		"completed":  counts[scheduler.TaskCompleted],
		"failed":     counts[scheduler.TaskFailed],
		"scheduler":  s.deps.Queue.Stats(),
	})
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Plan     string `json:"plan"`
}

func (s *Server) createUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := s.deps.Accounts.Register(c.Request.Context(), req.Username, req.Email, req.Plan)
	if err != nil {
		respondError(c, err)
		return
	}
	snap, err := s.deps.Accounts.Snapshot(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

type creditRequest struct {
	Package string `json:"package" binding:"required"`
}

// creditTokens adds a token package. Payment is settled before this call.
func (s *Server) creditTokens(c *gin.Context) {
	userID, ok := pathUser(c)
	if !ok {
		return
	}
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if _, err := s.deps.Accounts.Credit(c.Request.Context(), userID, req.Package); err != nil {
		respondError(c, err)
		return
	}
	s.respondQuota(c, userID)
}

type changePlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

func (s *Server) changePlan(c *gin.Context) {
	userID, ok := pathUser(c)
	if !ok {
		return
	}
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if _, err := s.deps.Accounts.ChangePlan(c.Request.Context(), userID, req.Plan); err != nil {
		respondError(c, err)
		return
	}
	s.respondQuota(c, userID)
}

func (s *Server) respondQuota(c *gin.Context, userID int64) {
	snap, err := s.deps.Accounts.Snapshot(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
