package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/identity"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// LedgerHandler exposes the ledger: reads, appends, verification and audits.
type LedgerHandler struct {
	rec         *recorder.Recorder
	store       ledger.Store
	recordScars bool
	logger      *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. recordScars controls whether
// POST /ledger/audit records tamper scars.
func NewLedgerHandler(rec *recorder.Recorder, store ledger.Store, recordScars bool, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{rec: rec, store: store, recordScars: recordScars, logger: logger}
}

// Register mounts the ledger routes on the given router group. Write routes
// run behind auth when it is non-nil.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries", h.ListEntries)
		l.GET("/entries/:id", h.GetEntry)
	}
	w := l.Group("", handlers(auth)...)
	{
		w.POST("/entries", h.AppendEntry)
		w.POST("/audit", append(handlers(requireRoleIfAuthed(auth, lifecycle.RoleAdmin, lifecycle.RoleAuditor)), h.Audit)...)
	}
}

// Overview handles GET /ledger and returns the chain length and current tip.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.store.Count(ctx)
	if err != nil {
		writeError(c, h.logger, "count ledger", err)
		return
	}
	tail, err := h.store.Tail(ctx)
	if err != nil {
		writeError(c, h.logger, "read ledger tail", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"tip":     tail.Hash,
		"tip_id":  tail.ID,
	})
}

// GetEntry handles GET /ledger/entries/:id and returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}

	entry, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "get ledger entry", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListEntries handles GET /ledger/entries. It pages through entries matching
// subject_type, subject_id, action and party, after after_id.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	var f ledger.Filter
	if s := c.Query("subject_type"); s != "" {
		t, err := ledger.ParseSubjectType(s)
		if err != nil {
			writeError(c, h.logger, "list ledger", err)
			return
		}
		f.SubjectType = t
	}
	if s := c.Query("subject_id"); s != "" {
		f.SubjectID = &s
	}
	if s := c.Query("action"); s != "" {
		a, err := ledger.ParseAction(s)
		if err != nil {
			writeError(c, h.logger, "list ledger", err)
			return
		}
		f.Action = a
	}
	if s := c.Query("party"); s != "" {
		p, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "party must be an integer"})
			return
		}
		f.Party = &p
	}
	if s := c.Query("after_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after_id must be a non-negative integer"})
			return
		}
		f.AfterID = n
	}
	f.Limit = defaultPageSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		f.Limit = n
	}

	entries, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, "list ledger", err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// appendRequest is the body of POST /ledger/entries. ActorID and ActorRole
// are only honoured when the server runs without authentication; otherwise
// the token decides who the actor is.
type appendRequest struct {
	SubjectType    string         `json:"subject_type" binding:"required"`
	SubjectID      *string        `json:"subject_id"`
	Action         string         `json:"action" binding:"required"`
	Metadata       map[string]any `json:"metadata"`
	Counterparties []int64        `json:"counterparties"`
	ActorID        *int64         `json:"actor_id"`
	ActorRole      string         `json:"actor_role"`
}

// AppendEntry handles POST /ledger/entries.
func (h *LedgerHandler) AppendEntry(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subjectType, err := ledger.ParseSubjectType(req.SubjectType)
	if err != nil {
		writeError(c, h.logger, "append entry", err)
		return
	}
	action, err := ledger.ParseAction(req.Action)
	if err != nil {
		writeError(c, h.logger, "append entry", err)
		return
	}

	ev := recorder.Event{
		SubjectType:    subjectType,
		SubjectID:      req.SubjectID,
		Action:         action,
		Counterparties: req.Counterparties,
		Metadata:       req.Metadata,
	}
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		ev.ActorID = ledger.Actor(claims.ActorID)
		ev.ActorRole = claims.Role
	} else {
		role, ok := lifecycle.ParseRole(req.ActorRole)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown actor_role"})
			return
		}
		ev.ActorID = req.ActorID
		ev.ActorRole = role
	}

	entry, err := h.rec.AppendEntry(c.Request.Context(), ev)
	if err != nil {
		writeError(c, h.logger, "append entry", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":            entry.ID,
		"entry_hash":    entry.EntryHash,
		"previous_hash": entry.PreviousHash,
		"created_at":    entry.CreatedAt,
	})
}

// Verify handles GET /ledger/verify. It replays the chain, or one subject's
// view of it, and reports integrity. mode=exhaustive lists every divergence.
func (h *LedgerHandler) Verify(c *gin.Context) {
	var scope ledger.Scope
	if s := c.Query("subject_id"); s != "" {
		scope.SubjectID = &s
		if t := c.Query("subject_type"); t != "" {
			st, err := ledger.ParseSubjectType(t)
			if err != nil {
				writeError(c, h.logger, "verify ledger", err)
				return
			}
			scope.SubjectType = st
		}
	}
	mode := ledger.StopAtFirst
	switch c.DefaultQuery("mode", "first") {
	case "first":
	case "exhaustive":
		mode = ledger.Exhaustive
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be first or exhaustive"})
		return
	}

	rep, err := h.rec.VerifyChain(c.Request.Context(), scope, mode)
	if err != nil {
		writeError(c, h.logger, "verify ledger", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":    rep.Valid,
		"summary":  rep.Summary(),
		"scope":    rep.Scope,
		"checked":  rep.Checked,
		"tip_hash": rep.TipHash,
		"failures": rep.Failures,
	})
}

// Audit handles POST /ledger/audit: exhaustive verification that records
// a scar for every newly found divergence.
func (h *LedgerHandler) Audit(c *gin.Context) {
	res, err := h.rec.Audit(c.Request.Context(), h.recordScars)
	if err != nil {
		writeError(c, h.logger, "audit ledger", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":   res.Report.Valid,
		"summary": res.Report.Summary(),
		"report":  res.Report,
		"scars":   res.Scars,
	})
}

// handlers drops a nil middleware.
func handlers(hs ...gin.HandlerFunc) []gin.HandlerFunc {
	var out []gin.HandlerFunc
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

// requireRoleIfAuthed restricts a route to roles when authentication is
// configured and is a no-op otherwise.
func requireRoleIfAuthed(auth gin.HandlerFunc, roles ...lifecycle.Role) gin.HandlerFunc {
	if auth == nil {
		return nil
	}
	return identity.RequireRole(roles...)
}

var errBadUserID = errors.New("user_id must be a positive integer")

func userIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadUserID
	}
	return id, nil
}
