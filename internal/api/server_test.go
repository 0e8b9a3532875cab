package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atp-network/atp-router/internal/infra/fragment"
	"github.com/atp-network/atp-router/internal/infra/policy"
	"github.com/atp-network/atp-router/internal/infra/sched"
)

func newTestServer(t *testing.T) (*Server, *policy.Engine) {
	t.Helper()
	engine := policy.NewEngine(policy.DefaultConfig())
	schedCfg := sched.DefaultConfig()
	schedCfg.Window = sched.FixedWindow(4)
	s := NewServer(Deps{
		Policy:      engine,
		Scheduler:   sched.New(schedCfg),
		Reassembler: fragment.NewReassembler(fragment.Config{}),
	})
	return s, engine
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPolicyCRUD(t *testing.T) {
	s, engine := newTestServer(t)
	h := s.Handler()

	body := `{
		"policy_id": "deny_blocked",
		"name": "deny blocked users",
		"priority": 100,
		"enabled": true,
		"rules": [{
			"rule_id": "r1",
			"effect": "deny",
			"conditions": [{"attribute": "user.roles", "operator": "contains", "value": "blocked"}]
		}]
	}`
	rec := do(t, h, http.MethodPost, "/api/v1/policies", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	if _, ok := engine.GetPolicy("deny_blocked"); !ok {
		t.Fatal("policy not stored")
	}

	rec = do(t, h, http.MethodGet, "/api/v1/policies", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed []policy.ABACPolicy
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("list decode: %v", err)
	}
	if len(listed) != 1 || listed[0].PolicyID != "deny_blocked" {
		t.Errorf("listed = %+v", listed)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/policies/deny_blocked/disable", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	p, _ := engine.GetPolicy("deny_blocked")
	if p.Enabled {
		t.Error("policy still enabled")
	}

	rec = do(t, h, http.MethodDelete, "/api/v1/policies/deny_blocked", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/api/v1/policies/deny_blocked", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	s, engine := newTestServer(t)
	engine.AddPolicy(&policy.ABACPolicy{
		PolicyID: "deny_blocked",
		Priority: 100,
		Enabled:  true,
		Rules: []policy.PolicyRule{{
			RuleID: "r1",
			Effect: policy.EffectDeny,
			Conditions: []policy.AttributeCondition{
				{Attribute: "user.roles", Operator: policy.OpContains, Value: "blocked"},
			},
		}},
	})

	body := `{"user_id":"u1","roles":["blocked"],"resource":"api/data","action":"read"}`
	rec := do(t, s.Handler(), http.MethodPost, "/api/v1/policies/evaluate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var d policy.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Permitted || d.Effect != policy.EffectDeny {
		t.Errorf("decision = %+v, want DENY", d)
	}
}

func TestAddPolicyValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/policies", "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/policies", `{"name":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing policy_id status = %d", rec.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/scheduler/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("scheduler stats status = %d", rec.Code)
	}
	var stats sched.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/reassembly/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reassembly stats status = %d", rec.Code)
	}
}
