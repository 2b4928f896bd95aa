package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/moltworks/agent-directory/internal/auth"
	"github.com/moltworks/agent-directory/internal/config"
	"github.com/moltworks/agent-directory/internal/models"
	"github.com/moltworks/agent-directory/internal/service"
	"github.com/moltworks/agent-directory/internal/store"
)

const serviceVersion = "0.1.0"

type Server struct {
	cfg      config.Config
	service  *service.Service
	store    store.Store
	verifier *auth.Verifier
}

func New(cfg config.Config, svc *service.Service, st store.Store) *Server {
	return &Server{
		cfg:      cfg,
		service:  svc,
		store:    st,
		verifier: auth.NewVerifier(cfg.AuthSecret),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/agents", s.handleListAgents)
		r.Get("/agent/{id}", s.handleGetAgent)
		r.Get("/agent/{id}/reputation", s.handleReputation)
		r.Get("/verify/{publicKey}", s.handleVerifyIdentity)
		r.Post("/verify-tx", s.handleVerifyTx)
		r.Post("/verify-policy", s.handleVerifyPolicy)

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/register", s.handleRegister)
			r.Post("/feedback", s.handleFeedback)
			r.Post("/agent/{id}/expertise", s.handleUpdateExpertise)
		})
	})

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "agent-directory",
		"version": serviceVersion,
		"endpoints": []string{
			"/api/stats", "/api/agents", "/api/register", "/api/feedback",
			"/api/agent/{id}/reputation", "/api/verify-tx", "/api/verify-policy", "/health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListAgentsRequest{
		VerifiedOnly: q.Get("verified") == "true",
		Limit:        intParam(q.Get("limit"), 50),
		Offset:       intParam(q.Get("offset"), 0),
	}
	if expertise := q.Get("expertise"); expertise != "" {
		req.Expertise = strings.Split(expertise, ",")
	}
	page, err := s.service.ListAgents(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.service.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.RegisterAgent(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":          true,
		"agentId":          result.Agent.ID,
		"identityVerified": result.Agent.IdentityVerified,
		"message":          result.Message,
	})
}

type expertiseRequest struct {
	Expertise []string `json:"expertise"`
}

func (s *Server) handleUpdateExpertise(w http.ResponseWriter, r *http.Request) {
	var req expertiseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	expertise, err := s.service.UpdateExpertise(r.Context(), chi.URLParam(r, "id"), req.Expertise)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"expertise": expertise,
	})
}

func (s *Server) handleVerifyIdentity(w http.ResponseWriter, r *http.Request) {
	status := s.service.VerifyIdentity(r.Context(), chi.URLParam(r, "publicKey"))
	respondJSON(w, http.StatusOK, status)
}

type verifyTxRequest struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handleVerifyTx(w http.ResponseWriter, r *http.Request) {
	var req verifyTxRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.service.VerifyTransaction(r.Context(), req.TxHash))
}

type verifyPolicyRequest struct {
	AgentID string                 `json:"agentId"`
	Trace   *models.ExecutionTrace `json:"trace"`
}

func (s *Server) handleVerifyPolicy(w http.ResponseWriter, r *http.Request) {
	var req verifyPolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" || req.Trace == nil {
		respondError(w, http.StatusBadRequest, "agentId and trace required")
		return
	}
	verdict, err := s.service.VerifyPolicy(r.Context(), req.AgentID, req.Trace)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		AgentID string `json:"agentId"`
		models.ComplianceVerdict
	}{AgentID: req.AgentID, ComplianceVerdict: verdict})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req service.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.SubmitFeedback(r.Context(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	resp := map[string]interface{}{
		"success":         true,
		"feedbackId":      result.Record.ID,
		"paymentVerified": result.Record.PaymentVerified,
		"policyVerified":  result.Record.PolicyVerified,
		"txDetails":       result.Record.TxDetails,
		"policyChecks":    result.Record.PolicyChecks,
		"message":         result.Message,
	}
	if result.VerificationError != "" {
		resp["verificationError"] = result.VerificationError
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := s.service.GetReputation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

// respondServiceError keeps the three error families distinct on the wire:
// unknown entity (404), duplicate registration (409), caller input (400).
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var dup *service.DuplicateAgentError
	switch {
	case errors.As(err, &dup):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   "agent already registered",
			"agentId": dup.AgentID,
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "agent not found")
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

func intParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
