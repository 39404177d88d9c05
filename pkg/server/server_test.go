package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/store"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	st := store.NewEmbeddedStore(store.EmbeddedOptions{
		DataFile: filepath.Join(t.TempDir(), "graph_data.json"),
		AutoSave: true,
	})
	require.NoError(t, st.Connect(context.Background()))
	t.Cleanup(func() { _ = st.Disconnect(context.Background()) })

	srv, err := New(st, nil)
	require.NoError(t, err)
	return srv, srv.buildRouter()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func solutionBody(summary string) map[string]any {
	return map[string]any{
		"type_of_error":                  "WrongAssumption",
		"original_severity":              "major",
		"problem_summary":                summary,
		"problematic_input_segment":      "deploy sequence",
		"problematic_ai_output_segment":  "stale defaults served",
		"inferred_original_cause":        "startup ordering unpinned",
		"validated_solution_description": "prime the cache before serving",
	}
}

func TestHealthAndStatus(t *testing.T) {
	_, handler := newTestServer(t)

	t.Run("health_reports_connected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, true, body["connected"])
	})

	t.Run("status_includes_graph_counts", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		graph := body["graph"].(map[string]any)
		assert.Equal(t, float64(0), graph["nodes"])
	})

	t.Run("environment_lists_enums", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/environment", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body["severities"], "critical")
		assert.Contains(t, body["rule_types"], "best_practice")
	})
}

func TestHealthWhenDisconnected(t *testing.T) {
	srv, handler := newTestServer(t)
	require.NoError(t, srv.store.Disconnect(context.Background()))

	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	t.Run("data_endpoints_return_503", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRuleEndpoints(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/rules", map[string]any{
		"rule_name": "Validate all inputs",
		"content":   "Never trust request payloads.",
		"category":  "security",
		"priority":  9,
		"tags":      []string{"http"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	ruleID := created["rule_id"].(string)
	require.NotEmpty(t, ruleID)

	t.Run("get_by_id", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules/"+ruleID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "Validate all inputs", body["rule_name"])
		assert.Equal(t, "security", body["category"])
	})

	t.Run("get_absent_returns_404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list_with_category_filter", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules?category=security", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

		rec = doJSON(t, handler, http.MethodGet, "/rules/category/frontend", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
	})

	t.Run("invalid_category_returns_400", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules?category=sorcery", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("search", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules/search/payloads", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
	})

	t.Run("update", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPut, "/rules/"+ruleID, map[string]any{"priority": 3})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, handler, http.MethodPut, "/rules/"+ruleID, map[string]any{"priority": 99})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid_rule_returns_400", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/rules", map[string]any{"rule_name": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodDelete, "/rules/"+ruleID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, handler, http.MethodDelete, "/rules/"+ruleID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMetaRuleEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodGet, "/rules/meta", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Learnt Knowledge Aggregator", body["rule_name"])
	assert.Equal(t, true, body["is_meta_rule"])
}

func TestSolutionEndpoints(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/solutions", solutionBody("cache assumed warm"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	learntID := created["learnt_id"].(string)
	require.NotEmpty(t, learntID)

	t.Run("validated_solution_contributes_to_meta", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules/meta", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Contains(t, body["source_learnt_ids"], learntID)
	})

	t.Run("get_by_id", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/solutions/"+learntID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "cache assumed warm", body["problem_summary"])
	})

	t.Run("list_with_filters", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/solutions?error_type=WrongAssumption", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

		rec = doJSON(t, handler, http.MethodGet, "/solutions/severity/critical", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
	})

	t.Run("search_and_recent", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/solutions/search/cache", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

		rec = doJSON(t, handler, http.MethodGet, "/solutions/recent?days=7", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
	})

	t.Run("statistics", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/solutions/statistics", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(1), body["total_solutions"])
		assert.Equal(t, float64(1), body["meta_rule_contributions"])
	})

	t.Run("invalid_solution_returns_400", func(t *testing.T) {
		body := solutionBody("missing fields")
		delete(body, "inferred_original_cause")
		rec := doJSON(t, handler, http.MethodPost, "/solutions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerificationEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	body := solutionBody("pending fix")
	body["verification_status"] = "pending"
	rec := doJSON(t, handler, http.MethodPost, "/solutions", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	learntID := decodeBody(t, rec)["learnt_id"].(string)

	t.Run("invalid_status_rejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPut,
			fmt.Sprintf("/solutions/%s/verification", learntID),
			map[string]any{"verification_status": "perhaps"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation_contributes", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPut,
			fmt.Sprintf("/solutions/%s/verification", learntID),
			map[string]any{"verification_status": "validated"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, handler, http.MethodGet, "/rules/meta", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, decodeBody(t, rec)["source_learnt_ids"], learntID)
	})

	t.Run("absent_solution_returns_404", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPut, "/solutions/missing/verification",
			map[string]any{"verification_status": "validated"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBatchEndpoints(t *testing.T) {
	_, handler := newTestServer(t)

	t.Run("rules_batch_creates_all", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/rules/batch", []map[string]any{
			{"rule_name": "Pin dependencies", "content": "Lock tool versions in CI."},
			{"rule_name": "Review migrations", "content": "Schema changes need a second pair of eyes.", "category": "database"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(2), body["count"])
		require.Len(t, body["rule_ids"], 2)

		rec = doJSON(t, handler, http.MethodGet, "/rules", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
	})

	t.Run("rules_batch_rejects_invalid_item", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/rules/batch", []map[string]any{
			{"rule_name": "Good rule", "content": "Something sensible."},
			{"rule_name": "", "content": "Missing a name."},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, handler, http.MethodGet, "/rules", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), decodeBody(t, rec)["count"], "a failed batch must not create any rules")
	})

	t.Run("rules_batch_rejects_empty_list", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/rules/batch", []map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("solutions_batch_records_all", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/solutions/batch", []map[string]any{
			solutionBody("cache primed too late"),
			solutionBody("config reload raced startup"),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(2), body["count"])
		require.Len(t, body["solution_ids"], 2)

		rec = doJSON(t, handler, http.MethodGet, "/solutions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
	})

	t.Run("solutions_batch_rejects_invalid_item", func(t *testing.T) {
		bad := solutionBody("incomplete entry")
		delete(bad, "inferred_original_cause")
		rec := doJSON(t, handler, http.MethodPost, "/solutions/batch", []map[string]any{
			solutionBody("would have been fine"),
			bad,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doJSON(t, handler, http.MethodGet, "/solutions", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), decodeBody(t, rec)["count"], "a failed batch must not record any solutions")
	})

	t.Run("batch_requires_post", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/rules/batch", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		rec = doJSON(t, handler, http.MethodGet, "/solutions/batch", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestQueryEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doJSON(t, handler, http.MethodPost, "/query", map[string]any{"query": "count nodes"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["result"])

	t.Run("unknown_query_returns_400", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/query", map[string]any{"query": "explode"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get_not_allowed", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/query", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/rules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
