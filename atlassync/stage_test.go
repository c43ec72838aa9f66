package atlassync

import (
	"encoding/json"
	"testing"

	"bitbucket.org/eduatlas/crm_backend/models"
)

func testPipelineConfig(t *testing.T) *models.PipelineConfig {
	t.Helper()
	staticMap, err := json.Marshal(models.StatusStageMap{
		Atlas: map[string]string{
			"Отклонена":  "LOSE",
			"Черновик":   "NEW",
			"Завершена":  "WON",
		},
		Workflow: map[string]string{
			"Документы приняты": "EXECUTING",
			"Отклонена":         "APOLOGY",
		},
	})
	if err != nil {
		t.Fatalf("marshal status map: %v", err)
	}
	return &models.PipelineConfig{
		PipelineId:         12,
		DefaultStageCode:   "PREPARATION",
		StatusStageMapJSON: staticMap,
	}
}

func TestStageResolver_FirstRuleWins(t *testing.T) {
	rules := []models.StageRule{
		{ID: 1, Priority: 10, AtlasStatus: "Подана", TargetStageCode: "NEW"},
		{ID: 2, Priority: 20, AtlasStatus: "Подана", TargetStageCode: "PREPARATION"},
	}
	resolver := NewStageResolver(rules, testPipelineConfig(t))
	if got := resolver.Resolve("Подана", ""); got != "NEW" {
		t.Fatalf("expected NEW from the higher-precedence rule, got %q", got)
	}
}

func TestStageResolver_BothConditionsMustHold(t *testing.T) {
	rules := []models.StageRule{
		{ID: 1, Priority: 10, AtlasStatus: "Подана", WorkflowStatus: "Документы приняты", TargetStageCode: "EXECUTING"},
	}
	resolver := NewStageResolver(rules, testPipelineConfig(t))
	if got := resolver.Resolve("Подана", "На проверке"); got == "EXECUTING" {
		t.Fatalf("rule matched with an unsatisfied workflow condition")
	}
}

func TestStageResolver_StaticMapWorkflowPrecedence(t *testing.T) {
	resolver := NewStageResolver(nil, testPipelineConfig(t))
	// Both namespaces map "Отклонена"; the workflow mapping wins.
	if got := resolver.Resolve("Отклонена", "Отклонена"); got != "APOLOGY" {
		t.Fatalf("expected workflow mapping APOLOGY, got %q", got)
	}
}

func TestStageResolver_StaticMapAtlasFallback(t *testing.T) {
	resolver := NewStageResolver(nil, testPipelineConfig(t))
	if got := resolver.Resolve("Отклонена", ""); got != "LOSE" {
		t.Fatalf("expected LOSE, got %q", got)
	}
	if got := resolver.Resolve("Отклонена", "Неизвестный статус"); got != "LOSE" {
		t.Fatalf("unmapped workflow status must fall back to the atlas map, got %q", got)
	}
}

func TestStageResolver_DefaultStage(t *testing.T) {
	resolver := NewStageResolver(nil, testPipelineConfig(t))
	if got := resolver.Resolve("Неизвестный", ""); got != "PREPARATION" {
		t.Fatalf("expected default PREPARATION, got %q", got)
	}
	if got := resolver.Resolve("", ""); got != "PREPARATION" {
		t.Fatalf("expected default for empty statuses, got %q", got)
	}
}

func TestStageResolver_RulesBeatStaticMap(t *testing.T) {
	rules := []models.StageRule{
		{ID: 1, Priority: 10, AtlasStatus: "Отклонена", TargetStageCode: "UC_REJECTED"},
	}
	resolver := NewStageResolver(rules, testPipelineConfig(t))
	if got := resolver.Resolve("Отклонена", ""); got != "UC_REJECTED" {
		t.Fatalf("expected rule to shadow the static map, got %q", got)
	}
}

func TestFullStageID(t *testing.T) {
	resolver := NewStageResolver(nil, testPipelineConfig(t))
	if got := resolver.FullStageID("PREPARATION"); got != "C12:PREPARATION" {
		t.Fatalf("expected C12:PREPARATION, got %q", got)
	}
	if got := FullStageID(0, "NEW"); got != "NEW" {
		t.Fatalf("pipeline 0 stages carry no prefix, got %q", got)
	}
}
