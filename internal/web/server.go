// Package web is the JSON surface for accounts, booking rules and outcome
// history. All booking work happens in the scheduler and pool; handlers here
// only read and write state.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/auth"
	"github.com/example/gym-autobook/internal/jobs"
	"github.com/example/gym-autobook/internal/rules"
	"github.com/example/gym-autobook/internal/target"
	"github.com/example/gym-autobook/internal/vault"
)

type Accounts interface {
	EnsureUser(ctx context.Context, username, password string) error
	IsAdmin(ctx context.Context, username string) (bool, error)
}

type CredentialVault interface {
	Store(ctx context.Context, owner, username, password string) error
	Delete(ctx context.Context, owner string) error
}

type Gym interface {
	Authenticate(ctx context.Context, username, password string) (target.SessionMaterial, error)
	ListClasses(ctx context.Context, sm target.SessionMaterial, daysAhead int) ([]target.Class, error)
}

type Sessions interface {
	Acquire(ctx context.Context, owner string) (target.SessionMaterial, error)
}

type RuleStore interface {
	Create(ctx context.Context, r rules.Rule) (rules.Rule, error)
	Get(ctx context.Context, id uuid.UUID) (rules.Rule, error)
	ListForOwner(ctx context.Context, owner string) ([]rules.Rule, error)
	ListAll(ctx context.Context) ([]rules.Rule, error)
	Delete(ctx context.Context, id uuid.UUID, owner string) error
	SetStatus(ctx context.Context, id uuid.UUID, owner string, status rules.Status) error
}

type JobLister interface {
	ListRecentForOwner(ctx context.Context, owner string, limit int) ([]jobs.Job, error)
	ListForRule(ctx context.Context, ruleID uuid.UUID) ([]jobs.Job, error)
}

type Server struct {
	Auth     *auth.Store
	Accounts Accounts
	Vault    CredentialVault
	Gym      Gym
	Sessions Sessions
	Rules    RuleStore
	Jobs     JobLister
	Log      zerolog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.Handle("GET /api/rules", s.Auth.RequireAuth(http.HandlerFunc(s.handleRuleList)))
	mux.Handle("POST /api/rules", s.Auth.RequireAuth(http.HandlerFunc(s.handleRuleCreate)))
	mux.Handle("DELETE /api/rules/{id}", s.Auth.RequireAuth(http.HandlerFunc(s.handleRuleDelete)))
	mux.Handle("PATCH /api/rules/{id}", s.Auth.RequireAuth(http.HandlerFunc(s.handleRuleStatus)))
	mux.Handle("GET /api/rules/{id}/jobs", s.Auth.RequireAuth(http.HandlerFunc(s.handleRuleJobs)))
	mux.Handle("GET /api/classes", s.Auth.RequireAuth(http.HandlerFunc(s.handleClasses)))
	mux.Handle("GET /api/jobs", s.Auth.RequireAuth(http.HandlerFunc(s.handleJobs)))
	mux.Handle("DELETE /api/credentials", s.Auth.RequireAuth(http.HandlerFunc(s.handleCredentialDelete)))

	mux.Handle("GET /api/admin/rules", s.Auth.RequireAdmin(http.HandlerFunc(s.handleAdminRules)))

	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin proxies the credentials to the gym portal. A pair the portal
// accepts becomes both the local account and the vaulted credential the
// scheduler books with.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	if _, err := s.Gym.Authenticate(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, target.ErrAuthRejected) {
			writeError(w, http.StatusUnauthorized, "gym portal rejected the credentials")
			return
		}
		s.Log.Error().Err(err).Msg("login proxy failed")
		writeError(w, http.StatusBadGateway, "gym portal unreachable")
		return
	}

	if err := s.Vault.Store(r.Context(), req.Username, req.Username, req.Password); err != nil {
		s.Log.Error().Str("owner", req.Username).Err(err).Msg("credential store failed")
		writeError(w, http.StatusInternalServerError, "could not store credentials")
		return
	}
	if err := s.Accounts.EnsureUser(r.Context(), req.Username, req.Password); err != nil {
		s.Log.Error().Str("owner", req.Username).Err(err).Msg("user upsert failed")
		writeError(w, http.StatusInternalServerError, "could not create account")
		return
	}
	admin, err := s.Accounts.IsAdmin(r.Context(), req.Username)
	if err != nil {
		admin = false
	}

	sess := auth.Session{Username: req.Username, Admin: admin}
	if err := s.Auth.SetSession(w, r, sess); err != nil {
		writeError(w, http.StatusInternalServerError, "session encode failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": req.Username, "admin": admin})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type ruleJSON struct {
	ID         string `json:"id,omitempty"`
	Owner      string `json:"owner,omitempty"`
	ClassName  string `json:"class_name"`
	DayOfWeek  string `json:"day_of_week"`
	TimeOfDay  string `json:"time_of_day"`
	Instructor string `json:"instructor,omitempty"`
	Status     string `json:"status,omitempty"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

func toRuleJSON(r rules.Rule) ruleJSON {
	return ruleJSON{
		ID:         r.ID.String(),
		Owner:      r.Owner,
		ClassName:  r.ClassName,
		DayOfWeek:  r.DayOfWeek.String(),
		TimeOfDay:  r.TimeOfDay,
		Instructor: r.Instructor,
		Status:     string(r.Status),
	}
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())

	var req ruleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(req.DayOfWeek))]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown day of week %q", req.DayOfWeek))
		return
	}

	rule := rules.Rule{
		Owner:      sess.Username,
		ClassName:  strings.TrimSpace(req.ClassName),
		DayOfWeek:  day,
		TimeOfDay:  strings.TrimSpace(req.TimeOfDay),
		Instructor: strings.TrimSpace(req.Instructor),
		Status:     rules.StatusActive,
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.Rules.Create(r.Context(), rule)
	switch {
	case errors.Is(err, rules.ErrDuplicateRule):
		writeError(w, http.StatusConflict, "a rule for this class slot already exists")
		return
	case err != nil:
		s.internal(w, err, "rule create failed")
		return
	}
	writeJSON(w, http.StatusCreated, toRuleJSON(created))
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	rs, err := s.Rules.ListForOwner(r.Context(), sess.Username)
	if err != nil {
		s.internal(w, err, "rule list failed")
		return
	}
	out := make([]ruleJSON, 0, len(rs))
	for _, ru := range rs {
		out = append(out, toRuleJSON(ru))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	switch err := s.Rules.Delete(r.Context(), id, sess.Username); {
	case errors.Is(err, rules.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, rules.ErrForbidden):
		writeError(w, http.StatusForbidden, "not your rule")
	case err != nil:
		s.internal(w, err, "rule delete failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// handleRuleStatus toggles a rule between active and disabled without
// destroying it, so a user can pause a booking over a holiday.
func (s *Server) handleRuleStatus(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := rules.Status(req.Status)
	if status != rules.StatusActive && status != rules.StatusDisabled {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("status must be %q or %q", rules.StatusActive, rules.StatusDisabled))
		return
	}

	switch err := s.Rules.SetStatus(r.Context(), id, sess.Username, status); {
	case errors.Is(err, rules.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
		return
	case errors.Is(err, rules.ErrForbidden):
		writeError(w, http.StatusForbidden, "not your rule")
		return
	case err != nil:
		s.internal(w, err, "rule status update failed")
		return
	}

	updated, err := s.Rules.Get(r.Context(), id)
	if err != nil {
		s.internal(w, err, "rule reload failed")
		return
	}
	writeJSON(w, http.StatusOK, toRuleJSON(updated))
}

// handleRuleJobs is the per-rule attempt history.
func (s *Server) handleRuleJobs(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	rule, err := s.Rules.Get(r.Context(), id)
	switch {
	case errors.Is(err, rules.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
		return
	case err != nil:
		s.internal(w, err, "rule lookup failed")
		return
	}
	if rule.Owner != sess.Username && !sess.Admin {
		writeError(w, http.StatusForbidden, "not your rule")
		return
	}

	js, err := s.Jobs.ListForRule(r.Context(), id)
	if err != nil {
		s.internal(w, err, "job history failed")
		return
	}
	out := make([]jobJSON, 0, len(js))
	for _, j := range js {
		out = append(out, jobJSON{
			ID:        j.ID.String(),
			RuleID:    j.RuleID.String(),
			ClassName: j.ClassName,
			ClassDate: j.ClassDate.Format("2006-01-02"),
			TimeOfDay: j.TimeOfDay,
			State:     string(j.State),
			Detail:    j.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())

	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &days); err != nil || days < 1 || days > 31 {
			writeError(w, http.StatusBadRequest, "days must be 1-31")
			return
		}
	}

	sm, err := s.Sessions.Acquire(r.Context(), sess.Username)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no stored gym credentials, log in again")
			return
		}
		s.internal(w, err, "session acquire failed")
		return
	}
	classes, err := s.Gym.ListClasses(r.Context(), sm, days)
	if err != nil {
		s.Log.Error().Str("owner", sess.Username).Err(err).Msg("class listing failed")
		writeError(w, http.StatusBadGateway, "gym portal unreachable")
		return
	}
	writeJSON(w, http.StatusOK, classes)
}

type jobJSON struct {
	ID        string `json:"id"`
	RuleID    string `json:"rule_id"`
	ClassName string `json:"class_name"`
	ClassDate string `json:"class_date"`
	TimeOfDay string `json:"time_of_day"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	js, err := s.Jobs.ListRecentForOwner(r.Context(), sess.Username, 50)
	if err != nil {
		s.internal(w, err, "job list failed")
		return
	}
	out := make([]jobJSON, 0, len(js))
	for _, j := range js {
		out = append(out, jobJSON{
			ID:        j.ID.String(),
			RuleID:    j.RuleID.String(),
			ClassName: j.ClassName,
			ClassDate: j.ClassDate.Format("2006-01-02"),
			TimeOfDay: j.TimeOfDay,
			State:     string(j.State),
			Detail:    j.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCredentialDelete wipes the stored gym credentials and ends the web
// session; the scheduler stops booking for the owner at the next attempt.
func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.FromContext(r.Context())
	if err := s.Vault.Delete(r.Context(), sess.Username); err != nil && !errors.Is(err, vault.ErrNotFound) {
		s.internal(w, err, "credential delete failed")
		return
	}
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Rules.ListAll(r.Context())
	if err != nil {
		s.internal(w, err, "admin rule list failed")
		return
	}
	out := make([]ruleJSON, 0, len(rs))
	for _, ru := range rs {
		out = append(out, toRuleJSON(ru))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) internal(w http.ResponseWriter, err error, msg string) {
	s.Log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("http listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
