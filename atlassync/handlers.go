package atlassync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/eduatlas/crm_backend/bitrix"
	"bitbucket.org/eduatlas/crm_backend/config"
	"bitbucket.org/eduatlas/crm_backend/models"
	"bitbucket.org/eduatlas/crm_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TriggerImportHandler accepts a multipart Atlas extract upload, stores it,
// creates a queued run, and hands execution to the queue.
func TriggerImportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineId, err := resolvePipelineID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := utils.SetPipelineIdInContext(c.Request.Context(), pipelineId)
		db := config.GetDB().WithContext(ctx)

		cfg, err := models.GetPipelineConfig(ctx, pipelineId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cfg == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "pipeline is not configured"})
			return
		}

		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "extract file is required"})
			return
		}
		if ext := strings.ToLower(filepath.Ext(file.Filename)); ext != ".xlsx" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "extract must be an .xlsx file"})
			return
		}

		// Double-click guard: the same extract uploaded twice in quick
		// succession queues one run, not two racing ones.
		guardKey := fmt.Sprintf("atlas-import:extract:%d:%s:%d", pipelineId, file.Filename, file.Size)
		if _, found, _ := config.GetRedisValue(guardKey); found {
			c.JSON(http.StatusConflict, gin.H{"error": "this extract was just uploaded; wait for the queued run"})
			return
		}

		correlationId := uuid.NewString()
		extractPath := filepath.Join(extractDir(), correlationId+".xlsx")
		if err := c.SaveUploadedFile(file, extractPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		run := models.ImportRun{
			PipelineId:    pipelineId,
			CorrelationId: correlationId,
			Status:        models.ImportRunStatusQueued,
			TriggeredBy:   models.ImportTriggeredManual,
			ExtractFile:   extractPath,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = config.SetRedisValue(guardKey, correlationId, 10*time.Minute)
		_ = PublishImportRun(c.Request.Context(), run.ID, pipelineId, correlationId)

		c.JSON(http.StatusOK, gin.H{"id": run.ID, "correlationId": correlationId})
	}
}

func ImportHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineId, err := resolvePipelineID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetPipelineIdInContext(c.Request.Context(), pipelineId)
		db := config.GetDB().WithContext(ctx)

		var runs []models.ImportRun
		if err := db.Where("pipeline_id = ?", pipelineId).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, RunHistoryResponse{Items: items})
	}
}

func ImportRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.ImportRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.ImportError
		if err := db.Where("import_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := RunDetailResponse{
			RunResponse: mapRunToResponse(run),
			Errors:      mapErrors(errs),
		}
		if len(run.StatsJSON) > 0 {
			var stats RunStats
			if err := utils.UnmarshalFromJSON(run.StatsJSON, &stats); err == nil {
				resp.Stats = &stats
			}
		} else if run.Status == models.ImportRunStatusRunning {
			// A running import publishes its counters to Redis after each
			// mutation batch.
			var live RunStats
			if found, err := config.GetRedisObject(liveStatsKey(run.ID), &live); err == nil && found {
				resp.Stats = &live
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RetryImportRunHandler queues a fresh run over the original run's extract.
// The snapshot is refetched, so already-reconciled rows become no-op updates.
func RetryImportRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.ImportRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run.ExtractFile == "" {
			c.JSON(http.StatusConflict, gin.H{"error": "run has no extract to retry"})
			return
		}

		newRun := models.ImportRun{
			PipelineId:    run.PipelineId,
			CorrelationId: uuid.NewString(),
			Status:        models.ImportRunStatusQueued,
			TriggeredBy:   models.ImportTriggeredRetry,
			ExtractFile:   run.ExtractFile,
			ParentRunId:   &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishImportRun(c.Request.Context(), newRun.ID, newRun.PipelineId, newRun.CorrelationId)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func CreatePipelineConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg models.PipelineConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if cfg.PipelineId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline_id is required"})
			return
		}
		cfg.ID = 0
		cfg.Active = true

		if err := models.CreatePipelineConfig(c.Request.Context(), &cfg); err != nil {
			if errors.Is(err, models.ErrPipelineExists) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func CreateStageRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule models.StageRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if rule.PipelineId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline_id is required"})
			return
		}
		rule.ID = 0
		rule.Active = true

		if err := models.CreateStageRule(c.Request.Context(), &rule); err != nil {
			if errors.Is(err, models.ErrStageRuleNoCondition) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rule)
	}
}

func CreateFieldMappingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var mapping models.FieldMapping
		if err := c.ShouldBindJSON(&mapping); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		mapping.ID = 0
		mapping.Active = true

		if err := mapping.Validate(); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				c.JSON(http.StatusBadRequest, gin.H{"fields": utils.ProcessValidationErrors(verrs)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := models.CreateFieldMapping(c.Request.Context(), &mapping); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, mapping)
	}
}

func ListFieldMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineId, err := resolvePipelineID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		mappings, err := models.GetFieldMappings(c.Request.Context(), pipelineId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": mappings})
	}
}

func ListStageRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineId, err := resolvePipelineID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		rules, err := models.GetActiveStageRules(c.Request.Context(), pipelineId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rules})
	}
}

// ListRemoteStagesHandler proxies the pipeline's stage catalog from Bitrix.
// Operators need the stage codes when writing stage rules.
func ListRemoteStagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pipelineId, err := resolvePipelineID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		crm, err := bitrix.NewClient("")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		stages, err := crm.ListStages(c.Request.Context(), pipelineId)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": stages})
	}
}

// ListRemotePipelinesHandler proxies the portal's deal categories so a
// pipeline config can be created against a real category id.
func ListRemotePipelinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		crm, err := bitrix.NewClient("")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		raw, err := crm.List(c.Request.Context(), "crm.dealcategory.list", nil)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		items := make([]bitrix.DealCategory, 0, len(raw))
		for _, item := range raw {
			var cat bitrix.DealCategory
			if err := json.Unmarshal(item, &cat); err != nil {
				continue
			}
			items = append(items, cat)
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func resolvePipelineID(c *gin.Context) (int, error) {
	raw := strings.TrimSpace(c.Query("pipeline_id"))
	if raw == "" {
		raw = strings.TrimSpace(c.PostForm("pipeline_id"))
	}
	if raw == "" {
		return 0, errors.New("pipeline_id is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid pipeline_id")
	}
	return id, nil
}

func extractDir() string {
	return utils.EnvString("ATLAS_EXTRACT_DIR", os.TempDir())
}

func mapRunToResponse(run models.ImportRun) RunResponse {
	return RunResponse{
		ID:            run.ID,
		PipelineId:    run.PipelineId,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		CorrelationId: run.CorrelationId,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RowsProcessed: run.RowsProcessed,
		ErrorCount:    run.ErrorCount,
	}
}

func mapErrors(errorsList []models.ImportError) []RunErrorResponse {
	out := make([]RunErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, RunErrorResponse{
			ID:        errItem.ID,
			Stage:     errItem.Stage,
			AtlasId:   errItem.AtlasId,
			DealId:    errItem.DealId,
			Message:   errItem.Message,
			Retryable: errItem.Retryable,
		})
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
