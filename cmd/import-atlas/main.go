package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/eduatlas/crm_backend/atlassync"
	"bitbucket.org/eduatlas/crm_backend/config"
	"bitbucket.org/eduatlas/crm_backend/models"
	"github.com/google/uuid"
)

// One-shot import runner for local use and cron jobs: creates a run for the
// given extract and executes it inline instead of going through Pub/Sub.
func main() {
	pipelineId := flag.Int("pipeline-id", 0, "Required: Bitrix deal category id")
	extract := flag.String("extract", "", "Required: path to the Atlas .xlsx extract")
	dryRun := flag.Bool("dry-run", false, "Match and resolve without remote writes")
	flag.Parse()

	if *pipelineId <= 0 {
		fmt.Fprintln(os.Stderr, "--pipeline-id is required")
		os.Exit(1)
	}
	if strings.TrimSpace(*extract) == "" {
		fmt.Fprintln(os.Stderr, "--extract is required")
		os.Exit(1)
	}
	if _, err := os.Stat(*extract); err != nil {
		fmt.Fprintf(os.Stderr, "extract not readable: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		os.Setenv("ATLAS_IMPORT_DRY_RUN", "true")
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	cfg, err := models.GetPipelineConfig(ctx, *pipelineId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load pipeline config: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		fmt.Fprintf(os.Stderr, "pipeline %d is not configured\n", *pipelineId)
		os.Exit(1)
	}

	run := models.ImportRun{
		PipelineId:    *pipelineId,
		CorrelationId: uuid.NewString(),
		Status:        models.ImportRunStatusQueued,
		TriggeredBy:   models.ImportTriggeredManual,
		ExtractFile:   *extract,
	}
	if err := db.Create(&run).Error; err != nil {
		fmt.Fprintf(os.Stderr, "create run: %v\n", err)
		os.Exit(1)
	}

	if err := atlassync.RunImport(ctx, run.ID, *pipelineId, run.CorrelationId); err != nil {
		fmt.Fprintf(os.Stderr, "run %d failed: %v\n", run.ID, err)
		os.Exit(1)
	}

	var finished models.ImportRun
	if err := db.Where("id = ?", run.ID).Take(&finished).Error; err == nil {
		fmt.Printf("run %d finished: status=%s rows=%d errors=%d\n",
			finished.ID, finished.Status, finished.RowsProcessed, finished.ErrorCount)
		if len(finished.StatsJSON) > 0 {
			fmt.Println(string(finished.StatsJSON))
		}
	}
}
