package api

import (
	"net/http"
	"strings"
	"time"

	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/orchestrator"
	"crisis-drill/server/internal/scenario"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	ID         string `json:"id"`
	ScenarioID string `json:"scenario_id"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.ScenarioID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scenario_id required"})
		return
	}
	sess, err := s.deps.Sessions.Create(c.Request.Context(), req.ID, req.ScenarioID)
	if err != nil {
		s.writeError(c, err, "create session failed")
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.deps.SessionStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "load session failed")
		return
	}
	c.JSON(http.StatusOK, sess)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSessionTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	sess, err := s.deps.Sessions.Transition(c.Request.Context(), c.Param("id"), model.SessionStatus(req.Status))
	if err != nil {
		s.writeError(c, err, "transition session failed")
		return
	}
	c.JSON(http.StatusOK, sess)
}

type createDecisionRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) handleCreateDecision(c *gin.Context) {
	var req createDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title required"})
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := s.deps.SessionStore.Get(ctx, sessionID); err != nil {
		s.writeError(c, err, "load session failed")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	d := &model.Decision{
		ID:          req.ID,
		SessionID:   sessionID,
		Title:       req.Title,
		Description: req.Description,
		Status:      model.DecisionProposed,
	}
	if err := s.deps.Decisions.Create(ctx, d); err != nil {
		s.writeError(c, err, "create decision failed")
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) handleListDecisions(c *gin.Context) {
	decisions, err := s.deps.Decisions.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "list decisions failed")
		return
	}
	c.JSON(http.StatusOK, decisions)
}

type decisionTransitionResponse struct {
	Decision   *model.Decision          `json:"decision"`
	Evaluation *orchestrator.Evaluation `json:"evaluation,omitempty"`
}

// handleDecisionTransition 迁移决策；迁移到 executed 时同步执行评估。
func (s *Server) handleDecisionTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	d, eval, err := s.deps.Evaluator.Transition(c.Request.Context(), c.Param("id"), c.Param("decisionID"), model.DecisionStatus(req.Status))
	if err != nil && d != nil {
		// 决策已执行但评估失败：状态已落库，评估可重试
		s.log.Warn("decision evaluation failed", "session_id", c.Param("id"), "decision_id", d.ID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"decision": d, "error": "decision evaluation failed"})
		return
	}
	if err != nil {
		s.writeError(c, err, "transition decision failed")
		return
	}
	c.JSON(http.StatusOK, decisionTransitionResponse{Decision: d, Evaluation: eval})
}

// handleEvents 按 seq 回放会话事件。
func (s *Server) handleEvents(c *gin.Context) {
	events, err := s.deps.Timeline.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "list events failed")
		return
	}
	if events == nil {
		events = []model.SessionEvent{}
	}
	c.JSON(http.StatusOK, events)
}

type injectQueueEntry struct {
	InjectID    string            `json:"inject_id"`
	Title       string            `json:"title,omitempty"`
	Severity    model.Severity    `json:"severity"`
	Scope       model.InjectScope `json:"scope"`
	State       model.InjectState `json:"state"`
	Attempts    int               `json:"attempts"`
	Flagged     bool              `json:"flagged"`
	LastReason  string            `json:"last_reason,omitempty"`
	Path        model.PublishPath `json:"path,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
}

// handleInjectQueue 训练员队列：剧本中每条注入的发布/失败/复核状态。
func (s *Server) handleInjectQueue(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := s.deps.SessionStore.Get(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err, "load session failed")
		return
	}
	injects, err := s.deps.Scenarios.ListInjects(ctx, sess.ScenarioID)
	if err != nil {
		s.writeError(c, err, "load injects failed")
		return
	}
	records, err := s.deps.Ledger.ListPublished(ctx, sess.ID)
	if err != nil {
		s.writeError(c, err, "load ledger failed")
		return
	}
	published := make(map[string]model.PublishedInject, len(records))
	for _, r := range records {
		published[r.InjectID] = r
	}
	statuses := map[string]model.InjectStatus{}
	if s.deps.Statuses != nil {
		list, err := s.deps.Statuses.ListStatuses(ctx, sess.ID)
		if err != nil {
			s.writeError(c, err, "load inject statuses failed")
			return
		}
		for _, st := range list {
			statuses[st.InjectID] = st
		}
	}

	queue := make([]injectQueueEntry, 0, len(injects))
	for _, inj := range injects {
		entry := injectQueueEntry{
			InjectID: inj.ID,
			Title:    inj.Title,
			Severity: inj.Severity,
			Scope:    inj.Scope,
			State:    model.InjectWaiting,
		}
		if st, ok := statuses[inj.ID]; ok {
			entry.State = st.State
			entry.Attempts = st.Attempts
			entry.Flagged = st.Flagged
			entry.LastReason = st.LastReason
		}
		if rec, ok := published[inj.ID]; ok {
			at := rec.PublishedAt
			entry.State = model.InjectPublished
			entry.Title = rec.Title
			entry.Path = rec.Path
			entry.PublishedAt = &at
		}
		queue = append(queue, entry)
	}
	c.JSON(http.StatusOK, queue)
}

func (s *Server) handleEscalation(c *gin.Context) {
	snap, err := s.deps.Snapshots.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "load escalation snapshot failed")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleObjectives(c *gin.Context) {
	progress, err := s.deps.Objectives.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "load objectives failed")
		return
	}
	if progress == nil {
		progress = []model.ObjectiveProgress{}
	}
	c.JSON(http.StatusOK, progress)
}

// handleStream 升级为 websocket，推送会话频道上的注入事件。
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.deps.SessionStore.Get(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err, "load session failed")
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	if err := s.deps.Hub.Serve(c.Request.Context(), conn, sessionID); err != nil {
		s.log.Debug("websocket stream ended", "session_id", sessionID, "error", err)
	}
}

// handleValidateScenario 校验 YAML 剧本，不入库。
func (s *Server) handleValidateScenario(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scenario body required"})
		return
	}
	def, err := scenario.Parse(data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":       true,
		"scenario_id": def.Scenario.ID,
		"injects":     len(def.Injects),
		"objectives":  len(def.Objectives),
	})
}
