package server

import (
	"net/http"
	"time"

	"github.com/orneryd/muninn/pkg/rules"
)

// =============================================================================
// Health / Status / Environment
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.store.HealthCheck(r.Context())
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":    status,
		"connected": healthy,
		"time":      time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()

	response := map[string]any{
		"status": "running",
		"server": map[string]any{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
	}

	nodeCount, err := s.store.ExecuteQuery(r.Context(), "count nodes", nil)
	if err == nil {
		edgeCount, _ := s.store.ExecuteQuery(r.Context(), "count edges", nil)
		response["graph"] = map[string]any{
			"nodes": nodeCount,
			"edges": edgeCount,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleEnvironment lists the accepted enum vocabularies so clients can
// build pickers without hardcoding them.
func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rule_categories":       rules.RuleCategories(),
		"rule_types":            rules.RuleTypes(),
		"error_types":           rules.ErrorTypes(),
		"severities":            rules.Severities(),
		"verification_statuses": []string{rules.StatusValidated, rules.StatusPending, rules.StatusRejected},
	})
}

// =============================================================================
// Rules
// =============================================================================

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRule(w, r)
	case http.MethodGet:
		category := rules.RuleCategory(r.URL.Query().Get("category"))
		ruleType := rules.RuleType(r.URL.Query().Get("type"))
		s.listRules(w, r, category, ruleType)
	default:
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

// ruleRequest is the JSON body accepted by the single and batch rule
// creation endpoints.
type ruleRequest struct {
	Name      string         `json:"rule_name"`
	Content   string         `json:"content"`
	Category  string         `json:"category"`
	Type      string         `json:"rule_type"`
	Priority  int            `json:"priority"`
	Tags      []string       `json:"tags"`
	CreatedBy string         `json:"created_by"`
	Metadata  map[string]any `json:"metadata"`
}

func (req *ruleRequest) toRule() *rules.Rule {
	rule := rules.NewRule(req.Name, req.Content)
	if req.Category != "" {
		rule.Category = rules.RuleCategory(req.Category)
	}
	if req.Type != "" {
		rule.Type = rules.RuleType(req.Type)
	}
	if req.Priority != 0 {
		rule.Priority = req.Priority
	}
	rule.Tags = req.Tags
	rule.CreatedBy = req.CreatedBy
	rule.Metadata = req.Metadata
	return rule
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule := req.toRule()
	if _, err := s.service.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleCreateRulesBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var reqs []ruleRequest
	if err := s.readJSON(r, &reqs); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch := make([]*rules.Rule, len(reqs))
	for i := range reqs {
		batch[i] = reqs[i].toRule()
	}

	ids, err := s.service.CreateRules(r.Context(), batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"rule_ids": ids, "count": len(ids)})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request, category rules.RuleCategory, ruleType rules.RuleType) {
	limit := parseIntQuery(r, "limit", 0)
	list, err := s.service.ListRules(r.Context(), category, ruleType, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

// handleRuleSubtree routes everything under /rules/:
//
//	POST /rules/batch
//	GET  /rules/meta
//	GET  /rules/search/{term}
//	GET  /rules/category/{category}
//	GET  /rules/type/{type}
//	GET/PUT/DELETE /rules/{id}
func (s *Server) handleRuleSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/rules/")
	if len(parts) == 0 {
		s.handleRules(w, r)
		return
	}

	switch {
	case parts[0] == "batch" && len(parts) == 1:
		s.handleCreateRulesBatch(w, r)

	case parts[0] == "meta" && len(parts) == 1:
		s.handleMetaRule(w, r)

	case parts[0] == "search" && len(parts) == 2:
		s.handleSearchRules(w, r, parts[1])

	case parts[0] == "category" && len(parts) == 2:
		s.listRules(w, r, rules.RuleCategory(parts[1]), "")

	case parts[0] == "type" && len(parts) == 2:
		s.listRules(w, r, "", rules.RuleType(parts[1]))

	case len(parts) == 1:
		s.handleRuleByID(w, r, parts[0])

	default:
		s.writeErrorMessage(w, http.StatusNotFound, "unknown endpoint")
	}
}

func (s *Server) handleMetaRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	meta, err := s.service.EnsureMetaRule(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSearchRules(w http.ResponseWriter, r *http.Request, term string) {
	if r.Method != http.MethodGet {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	list, err := s.service.SearchRules(r.Context(), term, parseIntQuery(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

func (s *Server) handleRuleByID(w http.ResponseWriter, r *http.Request, ruleID string) {
	switch r.Method {
	case http.MethodGet:
		rule, err := s.service.GetRule(r.Context(), ruleID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if rule == nil {
			s.writeErrorMessage(w, http.StatusNotFound, "rule not found")
			return
		}
		s.writeJSON(w, http.StatusOK, rule)

	case http.MethodPut:
		var updates map[string]any
		if err := s.readJSON(r, &updates); err != nil {
			s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
			return
		}
		ok, err := s.service.UpdateRule(r.Context(), ruleID, updates)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			s.writeErrorMessage(w, http.StatusNotFound, "rule not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	case http.MethodDelete:
		ok, err := s.service.DeleteRule(r.Context(), ruleID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			s.writeErrorMessage(w, http.StatusNotFound, "rule not found")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET, PUT, or DELETE required")
	}
}

// =============================================================================
// Learnt Solutions
// =============================================================================

func (s *Server) handleSolutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRecordSolution(w, r)
	case http.MethodGet:
		errorType := rules.ErrorType(r.URL.Query().Get("error_type"))
		severity := rules.Severity(r.URL.Query().Get("severity"))
		s.listSolutions(w, r, errorType, severity)
	default:
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

// solutionRequest is the JSON body accepted by the single and batch
// solution recording endpoints.
type solutionRequest struct {
	ErrorType          string         `json:"type_of_error"`
	Severity           string         `json:"original_severity"`
	ProblemSummary     string         `json:"problem_summary"`
	ProblemInput       string         `json:"problematic_input_segment"`
	ProblemOutput      string         `json:"problematic_ai_output_segment"`
	RootCause          string         `json:"inferred_original_cause"`
	Solution           string         `json:"validated_solution_description"`
	ImplementationLog  string         `json:"solution_implemented_notes"`
	RelatedRuleIDs     []string       `json:"related_rule_ids"`
	VerificationStatus string         `json:"verification_status"`
	CreatedBy          string         `json:"created_by"`
	Tags               []string       `json:"tags"`
	Metadata           map[string]any `json:"metadata"`
}

func (req *solutionRequest) toLearnt() *rules.Learnt {
	learnt := rules.NewLearnt(rules.ErrorType(req.ErrorType), rules.Severity(req.Severity),
		req.ProblemSummary, req.Solution)
	learnt.ProblemInput = req.ProblemInput
	learnt.ProblemOutput = req.ProblemOutput
	learnt.RootCause = req.RootCause
	learnt.ImplementationLog = req.ImplementationLog
	learnt.RelatedRuleIDs = req.RelatedRuleIDs
	learnt.CreatedBy = req.CreatedBy
	learnt.Tags = req.Tags
	learnt.Metadata = req.Metadata
	if req.VerificationStatus != "" {
		learnt.VerificationStatus = req.VerificationStatus
	}
	return learnt
}

func (s *Server) handleRecordSolution(w http.ResponseWriter, r *http.Request) {
	var req solutionRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	learnt := req.toLearnt()
	if _, err := s.service.RecordSolution(r.Context(), learnt); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, learnt)
}

func (s *Server) handleRecordSolutionsBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var reqs []solutionRequest
	if err := s.readJSON(r, &reqs); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch := make([]*rules.Learnt, len(reqs))
	for i := range reqs {
		batch[i] = reqs[i].toLearnt()
	}

	ids, err := s.service.RecordSolutions(r.Context(), batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"solution_ids": ids, "count": len(ids)})
}

func (s *Server) listSolutions(w http.ResponseWriter, r *http.Request, errorType rules.ErrorType, severity rules.Severity) {
	limit := parseIntQuery(r, "limit", 0)
	list, err := s.service.ListSolutions(r.Context(), errorType, severity, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"solutions": list, "count": len(list)})
}

// handleSolutionSubtree routes everything under /solutions/:
//
//	POST /solutions/batch
//	GET /solutions/search/{term}
//	GET /solutions/error-type/{type}
//	GET /solutions/severity/{severity}
//	GET /solutions/recent
//	GET /solutions/statistics
//	GET /solutions/{id}
//	PUT /solutions/{id}/verification
func (s *Server) handleSolutionSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/solutions/")
	if len(parts) == 0 {
		s.handleSolutions(w, r)
		return
	}

	switch {
	case parts[0] == "batch" && len(parts) == 1:
		s.handleRecordSolutionsBatch(w, r)

	case parts[0] == "search" && len(parts) == 2:
		s.handleSearchSolutions(w, r, parts[1])

	case parts[0] == "error-type" && len(parts) == 2:
		s.listSolutions(w, r, rules.ErrorType(parts[1]), "")

	case parts[0] == "severity" && len(parts) == 2:
		s.listSolutions(w, r, "", rules.Severity(parts[1]))

	case parts[0] == "recent" && len(parts) == 1:
		s.handleRecentSolutions(w, r)

	case parts[0] == "statistics" && len(parts) == 1:
		s.handleStatistics(w, r)

	case len(parts) == 1:
		s.handleSolutionByID(w, r, parts[0])

	case len(parts) == 2 && parts[1] == "verification":
		s.handleVerification(w, r, parts[0])

	default:
		s.writeErrorMessage(w, http.StatusNotFound, "unknown endpoint")
	}
}

func (s *Server) handleSearchSolutions(w http.ResponseWriter, r *http.Request, term string) {
	if r.Method != http.MethodGet {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	list, err := s.service.SearchSolutions(r.Context(), term, parseIntQuery(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"solutions": list, "count": len(list)})
}

func (s *Server) handleRecentSolutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	days := parseIntQuery(r, "days", 7)
	list, err := s.service.RecentSolutions(r.Context(), days, parseIntQuery(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"solutions": list, "count": len(list), "days": days})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	stats, err := s.service.Statistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSolutionByID(w http.ResponseWriter, r *http.Request, learntID string) {
	if r.Method != http.MethodGet {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	learnt, err := s.service.GetSolution(r.Context(), learntID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if learnt == nil {
		s.writeErrorMessage(w, http.StatusNotFound, "solution not found")
		return
	}
	s.writeJSON(w, http.StatusOK, learnt)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request, learntID string) {
	if r.Method != http.MethodPut {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "PUT required")
		return
	}

	var req struct {
		Status string `json:"verification_status"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := s.service.UpdateVerificationStatus(r.Context(), learntID, req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeErrorMessage(w, http.StatusNotFound, "solution not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "verification_status": req.Status})
}

// =============================================================================
// Raw Query
// =============================================================================

// handleQuery exposes the backend escape hatch: a fixed vocabulary on the
// embedded backends, pass-through Cypher on neo4j.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeErrorMessage(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req struct {
		Query  string         `json:"query"`
		Params map[string]any `json:"params"`
	}
	if err := s.readJSON(r, &req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.store.ExecuteQuery(r.Context(), req.Query, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
