package handlers

import (
	"context"
	"time"

	"spa_engine/internal/models"
	"spa_engine/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockControl struct {
	result  models.CommandResult
	calls   int
	lastCmd models.Command
}

func (m *mockControl) Submit(ctx context.Context, cmd models.Command) models.CommandResult {
	m.calls++
	m.lastCmd = cmd
	return m.result
}

type mockMonitoring struct {
	view   models.StateView
	health service.HealthInfo
	err    error
}

func (m *mockMonitoring) GetState(ctx context.Context) (models.StateView, error) {
	return m.view, m.err
}

func (m *mockMonitoring) Health() service.HealthInfo { return m.health }

type mockAutomations struct {
	rules  []models.AutomationRule
	err    error
	result models.CommandResult

	lastID    string
	lastInput service.RuleInput
	deleted   []string
}

func (m *mockAutomations) List(ctx context.Context) ([]models.AutomationRule, error) {
	return m.rules, m.err
}

func (m *mockAutomations) Get(ctx context.Context, id string) (models.AutomationRule, error) {
	m.lastID = id
	if m.err != nil {
		return models.AutomationRule{}, m.err
	}
	for _, r := range m.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return models.AutomationRule{}, service.ErrRuleNotFound
}

func (m *mockAutomations) Create(ctx context.Context, in service.RuleInput) (models.AutomationRule, error) {
	m.lastInput = in
	if m.err != nil {
		return models.AutomationRule{}, m.err
	}
	now := time.Now().UTC()
	return models.AutomationRule{ID: "r-new", Name: in.Name, Enabled: in.Enabled == nil || *in.Enabled, Trigger: in.Trigger, Action: in.Action, CreatedAt: now, UpdatedAt: now}, nil
}

func (m *mockAutomations) Update(ctx context.Context, id string, in service.RuleInput) (models.AutomationRule, error) {
	m.lastID, m.lastInput = id, in
	if m.err != nil {
		return models.AutomationRule{}, m.err
	}
	return models.AutomationRule{ID: id, Name: in.Name, Enabled: in.Enabled != nil && *in.Enabled, Trigger: in.Trigger, Action: in.Action}, nil
}

func (m *mockAutomations) Delete(ctx context.Context, id string) error {
	m.lastID = id
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockAutomations) RunNow(ctx context.Context, id string) (models.CommandResult, error) {
	m.lastID = id
	return m.result, m.err
}

type mockHistory struct {
	resp       []models.LogEntry
	err        error
	lastFilter service.LogFilter
}

func (m *mockHistory) Tail(ctx context.Context, f service.LogFilter) ([]models.LogEntry, error) {
	m.lastFilter = f
	return m.resp, m.err
}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}
