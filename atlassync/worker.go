package atlassync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/eduatlas/crm_backend/bitrix"
	"bitbucket.org/eduatlas/crm_backend/config"
	"bitbucket.org/eduatlas/crm_backend/models"
	"bitbucket.org/eduatlas/crm_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("atlassync")

// Import error stages, in pipeline order.
const (
	errStageSnapshot  = "snapshot"
	errStageDedupe    = "dedupe"
	errStageNormalize = "normalize"
	errStageMatch     = "match"
	errStageFieldMap  = "fieldmap"
	errStageBitrix    = "bitrix"
)

// Binding lookups go through vars so unit tests can substitute an in-memory
// store, the same way RemoteCRM stands in for the live portal.
var (
	lookupBindingByAtlasId = models.GetApplicationByAtlasId
	lookupBindingsByDealId = models.GetApplicationsByDealId
)

// Remote mutations per batch call. Bitrix caps batch at 50 commands.
const mutationBatchSize = 50

// RunImport executes a queued run synchronously. The Pub/Sub push handler
// and the CLI runner both funnel into the same code path.
func RunImport(ctx context.Context, runId uint, pipelineId int, correlationId string) error {
	return processImportRun(ctx, ImportPubSubPayload{
		RunId:         runId,
		PipelineId:    pipelineId,
		CorrelationId: correlationId,
	})
}

// pendingOp is one planned remote mutation awaiting a batch flush.
type pendingOp struct {
	alias   string
	row     Row
	id      rowIdentity
	dealId  int // 0 for creates
	command bitrix.Command
}

// processImportRun executes one queued import run end to end. Everything
// after the snapshot fetch is per-record: a bad row or a failed remote call
// lands in import_errors and the run keeps going. Only a failed snapshot
// fetch aborts the run, since matching against a stale or empty snapshot
// would mass-create duplicates.
func processImportRun(ctx context.Context, payload ImportPubSubPayload) error {
	if payload.RunId == 0 || payload.PipelineId == 0 {
		return errors.New("invalid payload")
	}

	ctx, span := tracer.Start(ctx, "atlassync.import", trace.WithAttributes(
		attribute.Int("pipeline_id", payload.PipelineId),
		attribute.Int64("run_id", int64(payload.RunId)),
	))
	defer span.End()

	ctx = utils.SetPipelineIdInContext(ctx, payload.PipelineId)
	if payload.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
	}
	logger := config.GetLogger()
	db := config.GetDB().WithContext(ctx)

	var run models.ImportRun
	if err := db.Where("id = ? AND pipeline_id = ?", payload.RunId, payload.PipelineId).Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.ImportRunStatusSuccess ||
		run.Status == models.ImportRunStatusFailed ||
		run.Status == models.ImportRunStatusPartial {
		return nil
	}

	lock, err := acquireImportLock(ctx, payload.PipelineId)
	if err != nil {
		return failRun(ctx, &run, errStageSnapshot, "lock_failed", err)
	}
	defer releaseImportLock(ctx, lock)

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.ImportRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	cfg, err := models.GetPipelineConfig(ctx, payload.PipelineId)
	if err != nil {
		return failRun(ctx, &run, errStageSnapshot, "config_failed", err)
	}
	if cfg == nil {
		return failRun(ctx, &run, errStageSnapshot, "config_missing",
			fmt.Errorf("no active pipeline config for pipeline %d", payload.PipelineId))
	}

	crm, err := bitrix.NewClient("")
	if err != nil {
		return failRun(ctx, &run, errStageSnapshot, "client_failed", err)
	}

	rows, err := readRunExtract(run.ExtractFile)
	if err != nil {
		return failRun(ctx, &run, errStageSnapshot, "extract_failed", err)
	}
	rows = PrefilterRows(rows)

	stats := RunStats{RowsTotal: len(rows)}
	result, err := executeImport(ctx, crm, cfg, &run, rows, &stats)
	if err != nil {
		return failRun(ctx, &run, errStageSnapshot, "snapshot_failed", err)
	}

	finishedAt := time.Now()
	durationMs := finishedAt.Sub(*startedAt).Milliseconds()
	status := models.ImportRunStatusSuccess
	if stats.Errors > 0 && stats.Created+stats.Updated+stats.DuplicatesRemoved == 0 {
		status = models.ImportRunStatusFailed
	} else if stats.Errors > 0 {
		status = models.ImportRunStatusPartial
	}

	_ = config.RemoveRedisKey(liveStatsKey(run.ID))
	statsJSON, _ := utils.MarshalToJSON(stats)
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    durationMs,
		"rows_processed": result.rowsProcessed,
		"error_count":    stats.Errors,
		"stats_json":     []byte(statsJSON),
	}).Error; err != nil {
		config.LogError(logger, "atlassync", "processImportRun", "finalize run", run.ID, err)
		return err
	}
	return nil
}

type importResult struct {
	rowsProcessed int
}

// executeImport runs the snapshot, dedup, and per-row reconciliation phases.
// The returned error is fatal (snapshot fetch or cache refresh); per-record
// failures only bump stats.Errors.
func executeImport(ctx context.Context, crm RemoteCRM, cfg *models.PipelineConfig, run *models.ImportRun, rows []Row, stats *RunStats) (importResult, error) {
	mf := cfg.MatchFields()
	dryRun := config.ImportDryRun()

	selectFields := append([]string{mf.Name, mf.Phone, mf.Email, mf.Region, mf.Snils}, cfg.SelectFields()...)
	selectFields = utils.UniqueSlice(selectFields)

	fetchStart := time.Now()
	deals, err := crm.ListDeals(ctx, cfg.PipelineId, selectFields)
	if err != nil {
		return importResult{}, fmt.Errorf("fetch deal snapshot: %w", err)
	}
	for _, deal := range deals {
		if err := models.UpsertCachedDeal(ctx, deal, cfg.PipelineId); err != nil {
			return importResult{}, fmt.Errorf("cache deal %d: %w", deal.ID, err)
		}
	}
	if err := models.PurgeStaleCachedDeals(ctx, cfg.PipelineId, fetchStart); err != nil {
		return importResult{}, fmt.Errorf("purge stale deals: %w", err)
	}

	cached, err := models.GetCachedDeals(ctx, cfg.PipelineId)
	if err != nil {
		return importResult{}, err
	}
	records := make([]dealRecord, 0, len(cached))
	for _, deal := range cached {
		records = append(records, newDealRecord(deal, mf))
	}
	stats.SnapshotDeals = len(records)

	records = runDedupe(ctx, crm, run, records, stats, dryRun)

	rules, err := models.GetActiveStageRules(ctx, cfg.PipelineId)
	if err != nil {
		return importResult{}, err
	}
	resolver := NewStageResolver(rules, cfg)

	mappings, err := models.GetFieldMappings(ctx, cfg.PipelineId)
	if err != nil {
		return importResult{}, err
	}
	statusOrders := map[string]map[string]int{}
	for _, namespace := range []string{models.StatusNamespaceAtlas, models.StatusNamespaceWorkflow} {
		orders, err := models.GetStatusOrderMap(ctx, namespace)
		if err != nil {
			return importResult{}, err
		}
		statusOrders[namespace] = orders
	}
	builder := NewPayloadBuilder(mappings, statusOrders)

	createMissing := config.ImportCreateMissingDeals()
	var pending []pendingOp
	processed := 0
	for _, row := range rows {
		processed++
		op, ok := planRow(ctx, row, records, cfg, resolver, builder, run, stats, createMissing)
		if !ok {
			continue
		}
		if dryRun {
			countPlanned(op, stats)
			continue
		}
		pending = append(pending, op)
		if len(pending) >= mutationBatchSize {
			flushMutations(ctx, crm, cfg, run, pending, stats)
			pending = pending[:0]
			publishLiveStats(run.ID, stats)
		}
	}
	if len(pending) > 0 {
		flushMutations(ctx, crm, cfg, run, pending, stats)
	}
	publishLiveStats(run.ID, stats)

	return importResult{rowsProcessed: processed}, nil
}

// runDedupe removes duplicate deals remotely and drops them from the
// snapshot. In dry-run mode the groups are only counted.
func runDedupe(ctx context.Context, crm RemoteCRM, run *models.ImportRun, records []dealRecord, stats *RunStats, dryRun bool) []dealRecord {
	removeIds, _ := FindDuplicates(records)
	if len(removeIds) == 0 {
		return records
	}
	if dryRun {
		stats.DuplicatesRemoved = len(removeIds)
		return dropRecords(records, removeIds)
	}

	removed, failures := ExecuteRemovals(ctx, crm, removeIds)
	stats.DuplicatesRemoved = len(removed)
	for _, failure := range failures {
		stats.Errors++
		recordImportError(ctx, run.ID, errStageDedupe, "", failure.DealId, "delete_failed", failure.Err, nil, true)
	}
	if err := models.DeleteCachedDeals(ctx, removed); err != nil {
		recordImportError(ctx, run.ID, errStageDedupe, "", 0, "cache_cleanup_failed", err, nil, true)
	}
	if err := models.DeleteApplicationsForDeals(ctx, removed); err != nil {
		recordImportError(ctx, run.ID, errStageDedupe, "", 0, "binding_cleanup_failed", err, nil, true)
	}
	return dropRecords(records, removed)
}

// publishLiveStats exposes a running import's counters in Redis so the run
// detail endpoint can report progress before the run finishes. Best effort;
// without Redis the detail view simply has no live counters.
func publishLiveStats(runId uint, stats *RunStats) {
	_ = config.SetRedisObject(liveStatsKey(runId), stats, 10*time.Minute)
}

func liveStatsKey(runId uint) string {
	return fmt.Sprintf("atlas-import:run:%d:stats", runId)
}

func dropRecords(records []dealRecord, removeIds []int) []dealRecord {
	removed := make(map[int]bool, len(removeIds))
	for _, id := range removeIds {
		removed[id] = true
	}
	out := records[:0]
	for _, rec := range records {
		if !removed[rec.DealId] {
			out = append(out, rec)
		}
	}
	return out
}

// planRow decides what to do with one extract row and returns the remote
// mutation, if any. Errors are recorded and swallowed here so the run
// continues.
func planRow(ctx context.Context, row Row, records []dealRecord, cfg *models.PipelineConfig, resolver *StageResolver, builder *PayloadBuilder, run *models.ImportRun, stats *RunStats, createMissing bool) (pendingOp, bool) {
	id := identityOf(row)
	if id.empty() {
		stats.Skipped++
		recordImportError(ctx, run.ID, errStageNormalize, row.AtlasId, 0, "empty_identity",
			errors.New("row has no usable identity fields"), row.Raw, false)
		return pendingOp{}, false
	}

	dealId, matched, err := resolveTargetDeal(ctx, row, id, records, stats)
	if err != nil {
		stats.Errors++
		recordImportError(ctx, run.ID, errStageMatch, row.AtlasId, 0, "binding_lookup_failed", err, nil, true)
		return pendingOp{}, false
	}
	if !matched && !createMissing {
		stats.Skipped++
		return pendingOp{}, false
	}

	fields, err := builder.Build(row)
	if err != nil {
		stats.Errors++
		recordImportError(ctx, run.ID, errStageFieldMap, row.AtlasId, dealId, "mapping_failed", err, row.Raw, false)
		return pendingOp{}, false
	}
	stageCode := resolver.Resolve(row.AtlasStatus, row.WorkflowStatus)
	if stageCode != "" {
		fields["STAGE_ID"] = resolver.FullStageID(stageCode)
	}

	if matched {
		return pendingOp{
			alias:  fmt.Sprintf("upd_%d", dealId),
			row:    row,
			id:     id,
			dealId: dealId,
			command: bitrix.Command{
				Method: "crm.deal.update",
				Params: map[string]interface{}{"id": dealId, "fields": fields},
			},
		}, true
	}

	if _, hasTitle := fields["TITLE"]; !hasTitle {
		fields["TITLE"] = row.FullName
	}
	fields["CATEGORY_ID"] = cfg.PipelineId
	return pendingOp{
		alias: fmt.Sprintf("add_%s", row.AtlasId),
		row:   row,
		id:    id,
		command: bitrix.Command{
			Method: "crm.deal.add",
			Params: map[string]interface{}{"fields": fields},
		},
	}, true
}

// resolveTargetDeal picks the deal a row lands on. A previously bound
// application goes straight back to its deal; otherwise the matcher runs
// against the snapshot, and a matched deal already bound to a different
// application for a different program is refused so one deal never carries
// two people. A failed binding lookup is an error, not a missed match:
// creating a deal for a row whose binding merely could not be read would
// duplicate it.
func resolveTargetDeal(ctx context.Context, row Row, id rowIdentity, records []dealRecord, stats *RunStats) (int, bool, error) {
	binding, err := lookupBindingByAtlasId(ctx, row.AtlasId)
	if err != nil {
		return 0, false, fmt.Errorf("binding for application %s: %w", row.AtlasId, err)
	}
	if binding != nil {
		for _, rec := range records {
			if rec.DealId == binding.DealId {
				stats.Matched++
				return binding.DealId, true, nil
			}
		}
		// Bound deal no longer exists remotely; fall through to matching.
	}

	result := MatchDeal(id, records)
	if result.Deal == nil {
		for _, s := range result.Suggestions {
			s.AtlasId = row.AtlasId
			stats.Suggestions = append(stats.Suggestions, s)
		}
		return 0, false, nil
	}

	bindings, err := lookupBindingsByDealId(ctx, result.Deal.DealId)
	if err != nil {
		return 0, false, fmt.Errorf("bindings for deal %d: %w", result.Deal.DealId, err)
	}
	if len(bindings) > 0 {
		foreign := true
		for _, b := range bindings {
			if b.AtlasId == row.AtlasId || b.Program == row.Program {
				foreign = false
				break
			}
		}
		if foreign {
			return 0, false, nil
		}
	}

	stats.Matched++
	return result.Deal.DealId, true, nil
}

func countPlanned(op pendingOp, stats *RunStats) {
	if op.dealId > 0 {
		stats.Updated++
	} else {
		stats.Created++
	}
}

// flushMutations sends one batch of planned mutations and writes bindings
// for the operations that succeeded.
func flushMutations(ctx context.Context, crm RemoteCRM, cfg *models.PipelineConfig, run *models.ImportRun, ops []pendingOp, stats *RunStats) {
	commands := make(map[string]bitrix.Command, len(ops))
	for _, op := range ops {
		commands[op.alias] = op.command
	}

	result, err := crm.Batch(ctx, commands, true)
	if err != nil {
		for _, op := range ops {
			stats.Errors++
			recordImportError(ctx, run.ID, errStageBitrix, op.row.AtlasId, op.dealId, "batch_failed", err, nil, true)
		}
		return
	}

	for _, op := range ops {
		if apiErr, failed := result.Errors[op.alias]; failed {
			stats.Errors++
			recordImportError(ctx, run.ID, errStageBitrix, op.row.AtlasId, op.dealId, apiErr.Code, &apiErr, nil, true)
			continue
		}

		dealId := op.dealId
		if dealId == 0 {
			newId, convErr := parseCreatedId(result.Results[op.alias])
			if convErr != nil {
				stats.Errors++
				recordImportError(ctx, run.ID, errStageBitrix, op.row.AtlasId, 0, "bad_create_result", convErr, nil, true)
				continue
			}
			dealId = newId
			stats.Created++
		} else {
			stats.Updated++
		}

		if err := writeBinding(ctx, op, dealId, cfg.PipelineId); err != nil {
			stats.Errors++
			recordImportError(ctx, run.ID, errStageBitrix, op.row.AtlasId, dealId, "binding_failed", err, nil, true)
		}
	}
}

func parseCreatedId(raw json.RawMessage) (int, error) {
	var id int
	if err := json.Unmarshal(raw, &id); err == nil && id > 0 {
		return id, nil
	}
	var idStr string
	if err := json.Unmarshal(raw, &idStr); err == nil {
		if id, convErr := strconv.Atoi(idStr); convErr == nil && id > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unexpected create result %s", string(raw))
}

func writeBinding(ctx context.Context, op pendingOp, dealId int, pipelineId int) error {
	rawJSON, _ := json.Marshal(op.row.Raw)
	return models.UpsertApplication(ctx, &models.AtlasApplication{
		AtlasId:        op.row.AtlasId,
		DealId:         dealId,
		PipelineId:     pipelineId,
		Program:        op.row.Program,
		SequenceNumber: strconv.Itoa(op.row.SequenceNumber()),
		FullName:       op.id.Name,
		Phone:          op.id.Phone,
		Email:          op.id.Email,
		Region:         op.id.Region,
		Snils:          op.id.Snils,
		AtlasStatus:    op.row.AtlasStatus,
		WorkflowStatus: op.row.WorkflowStatus,
		RawJSON:        rawJSON,
	})
}

func readRunExtract(path string) ([]Row, error) {
	if path == "" {
		return nil, errors.New("run has no extract file")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadExtract(f)
}

func failRun(ctx context.Context, run *models.ImportRun, stage, code string, cause error) error {
	recordImportError(ctx, run.ID, stage, "", 0, code, cause, nil, true)

	finishedAt := time.Now()
	updates := map[string]interface{}{
		"status":      models.ImportRunStatusFailed,
		"finished_at": finishedAt,
		"error_count": 1,
	}
	if run.StartedAt != nil {
		updates["duration_ms"] = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	if err := config.GetDB().WithContext(ctx).Model(run).Updates(updates).Error; err != nil {
		config.LogError(config.GetLogger(), "atlassync", "failRun", "mark run failed", run.ID, err)
	}
	return cause
}

func recordImportError(ctx context.Context, runId uint, stage, atlasId string, dealId int, code string, cause error, payload map[string]string, retryable bool) {
	var payloadJSON []byte
	if payload != nil {
		payloadJSON, _ = json.Marshal(payload)
	}
	rec := &models.ImportError{
		ImportRunId: runId,
		Stage:       stage,
		AtlasId:     atlasId,
		DealId:      dealId,
		ErrorCode:   code,
		Message:     cause.Error(),
		PayloadJSON: payloadJSON,
		Retryable:   retryable,
	}
	if err := models.CreateImportError(ctx, rec); err != nil {
		pipelineId, _ := utils.GetPipelineIdFromContext(ctx)
		config.LogError(config.GetLogger(), "atlassync", "recordImportError", "persist import error",
			map[string]interface{}{"pipeline_id": pipelineId, "run_id": runId, "code": code}, err)
	}
}
