package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

const healthPingTimeout = 2 * time.Second

func errorBody(msg string) gin.H { return gin.H{"status": "error", "error": msg} }

func (s *Server) badRequest(c *gin.Context, err error) {
	var be *bindError
	if errors.As(err, &be) {
		body := errorBody(be.Error())
		if be.Field != "" {
			body["field"] = be.Field
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}
	c.JSON(http.StatusBadRequest, errorBody(err.Error()))
}

func (s *Server) internal(c *gin.Context, msg string, err error) {
	s.log.Error(msg, logx.String("route", c.FullPath()), logx.Err(err))
	c.JSON(http.StatusInternalServerError, errorBody(msg))
}

// GET /preferences/:userId returns the stored record or {} when absent.
func (s *Server) handleGetPreferences(c *gin.Context) {
	pref, ok, err := s.deps.Store.GetPreference(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.internal(c, "could not load preferences", err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, pref)
}

type preferencesRequest struct {
	UserID                   string  `json:"userId" binding:"required"`
	Email                    *string `json:"email" binding:"omitempty,email"`
	GlobalEmailNotifications *bool   `json:"globalEmailNotifications"`
	AlertOnExpenseCreation   *bool   `json:"alertOnExpenseCreation"`
	AlertOnBalanceChange     *bool   `json:"alertOnBalanceChange"`
	AlertOnNewGroup          *bool   `json:"alertOnNewGroup"`
	SummaryFrequency         *string `json:"summaryFrequency" binding:"omitempty,oneof=daily weekly never"`
}

func (r preferencesRequest) patch() storage.PreferencePatch {
	p := storage.PreferencePatch{
		Email:                    r.Email,
		GlobalEmailNotifications: r.GlobalEmailNotifications,
		AlertOnExpenseCreation:   r.AlertOnExpenseCreation,
		AlertOnBalanceChange:     r.AlertOnBalanceChange,
		AlertOnNewGroup:          r.AlertOnNewGroup,
	}
	if r.SummaryFrequency != nil {
		f := storage.SummaryFrequency(*r.SummaryFrequency)
		p.SummaryFrequency = &f
	}
	return p
}

// POST /preferences upserts the provided fields.
func (s *Server) handleSetPreferences(c *gin.Context) {
	var req preferencesRequest
	if err := bindJSON(c, &req); err != nil {
		s.badRequest(c, err)
		return
	}
	pref, err := s.deps.Store.UpsertPreference(c.Request.Context(), strings.TrimSpace(req.UserID), req.patch())
	if err != nil {
		if errors.Is(err, storage.ErrInvalid) {
			s.badRequest(c, err)
			return
		}
		s.internal(c, "could not save preferences", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "preferences": pref})
}

type initRequest struct {
	UserID string `json:"userId" binding:"required"`
	Email  string `json:"email" binding:"omitempty,email"`
}

// POST /preferences/init inserts defaults when no record exists.
func (s *Server) handleInitPreferences(c *gin.Context) {
	var req initRequest
	if err := bindJSON(c, &req); err != nil {
		s.badRequest(c, err)
		return
	}
	created, err := s.deps.Store.InitPreference(c.Request.Context(), storage.DefaultPreference(strings.TrimSpace(req.UserID), req.Email))
	if err != nil {
		if errors.Is(err, storage.ErrInvalid) {
			s.badRequest(c, err)
			return
		}
		s.internal(c, "could not initialize preferences", err)
		return
	}
	if created {
		s.log.Info("preferences initialized", logx.String("user_id", req.UserID))
	}
	c.JSON(http.StatusCreated, gin.H{"status": "created"})
}

// GET /notifications/:userId lists newest first.
func (s *Server) handleListNotifications(c *gin.Context) {
	out, err := s.deps.Recorder.ListFor(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.internal(c, "could not list notifications", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type sendRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
	To      string `json:"to" binding:"omitempty,email"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

type sendDetails struct {
	DBSaved   bool   `json:"dbSaved"`
	EmailSent bool   `json:"emailSent"`
	MessageID string `json:"messageId,omitempty"`
	EmailErr  string `json:"emailError,omitempty"`
}

// POST /notifications records and/or emails on demand. Each half runs only
// when its fields are all present; a request completing neither is rejected.
func (s *Server) handleSendNotification(c *gin.Context) {
	var req sendRequest
	if err := bindJSON(c, &req); err != nil {
		s.badRequest(c, err)
		return
	}
	store := req.UserID != "" && req.Message != ""
	email := req.To != "" && req.Subject != "" && req.Content != ""
	if !store && !email {
		c.JSON(http.StatusBadRequest, errorBody("provide userId and message, or to, subject and content"))
		return
	}
	ctx := c.Request.Context()
	var d sendDetails

	if store {
		if _, err := s.deps.Recorder.Record(ctx, req.UserID, req.Message); err != nil {
			s.internal(c, "could not store notification", err)
			return
		}
		d.DBSaved = true
	}

	if email {
		mail, err := s.deps.Templates.Generic(req.Subject, req.Content, "Manual notification")
		if err != nil {
			s.internal(c, "could not render email", err)
			return
		}
		res := s.deps.Mailer.Dispatch(ctx, req.To, mail.Subject, mail.HTML)
		d.EmailSent = res.OK()
		d.MessageID = res.ID
		if res.Err != nil {
			d.EmailErr = res.Err.Error()
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "processed", "details": d})
}

// PATCH /notifications/:id/read
func (s *Server) handleMarkRead(c *gin.Context) {
	n, err := s.deps.Recorder.MarkRead(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorBody("notification not found"))
		return
	}
	if err != nil {
		s.internal(c, "could not update notification", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "notification marked as read", "notification": n})
}

// GET /health reports storage reachability and the mailer's circuit.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()

	code := http.StatusOK
	body := gin.H{"status": "ok"}
	storageState := gin.H{"ok": true}
	if err := s.deps.Store.Ping(ctx); err != nil {
		code = http.StatusServiceUnavailable
		body["status"] = "degraded"
		storageState = gin.H{"ok": false, "error": err.Error()}
	}
	body["storage"] = storageState
	if s.deps.Mailer != nil {
		body["mailer"] = s.deps.Mailer.Snapshot()
	}
	if s.deps.Status != nil {
		for k, v := range s.deps.Status() {
			body[k] = v
		}
	}
	c.JSON(code, body)
}
