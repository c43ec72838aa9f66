package atlassync

import (
	"fmt"

	"bitbucket.org/eduatlas/crm_backend/models"
)

// StageResolver decides the target funnel stage for one application. It
// evaluates configured stage rules first, then the pipeline's static
// status-to-stage map, and falls back to the pipeline default.
type StageResolver struct {
	rules        []models.StageRule
	staticMap    models.StatusStageMap
	defaultStage string
	pipelineId   int
}

// NewStageResolver builds a resolver over rules already ordered by the
// store: ascending priority, ties broken by ascending id. First match wins,
// so that ordering is what makes resolution deterministic.
func NewStageResolver(rules []models.StageRule, cfg *models.PipelineConfig) *StageResolver {
	return &StageResolver{
		rules:        rules,
		staticMap:    cfg.StatusStageMap(),
		defaultStage: cfg.DefaultStageCode,
		pipelineId:   cfg.PipelineId,
	}
}

// Resolve returns the stage code for the given status pair. In the static
// map the workflow status takes precedence over the platform status; a rule
// matches only when every condition it carries is satisfied.
func (sr *StageResolver) Resolve(atlasStatus, workflowStatus string) string {
	for _, rule := range sr.rules {
		if rule.AtlasStatus != "" && rule.AtlasStatus != atlasStatus {
			continue
		}
		if rule.WorkflowStatus != "" && rule.WorkflowStatus != workflowStatus {
			continue
		}
		return rule.TargetStageCode
	}

	if workflowStatus != "" {
		if code, ok := sr.staticMap.Workflow[workflowStatus]; ok {
			return code
		}
	}
	if atlasStatus != "" {
		if code, ok := sr.staticMap.Atlas[atlasStatus]; ok {
			return code
		}
	}
	return sr.defaultStage
}

// FullStageID composes the pipeline-qualified stage identifier the remote
// API expects, e.g. "C12:PREPARATION". Pipeline 0 stages carry no prefix.
func (sr *StageResolver) FullStageID(code string) string {
	return FullStageID(sr.pipelineId, code)
}

func FullStageID(pipelineId int, code string) string {
	if pipelineId == 0 {
		return code
	}
	return fmt.Sprintf("C%d:%s", pipelineId, code)
}
