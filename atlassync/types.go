package atlassync

import (
	"context"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/eduatlas/crm_backend/bitrix"
	"bitbucket.org/eduatlas/crm_backend/models"
)

// RemoteCRM is the slice of the Bitrix client the reconciliation engine
// needs. All mutations flow through Batch; a single command is executed as a
// direct call by the wrapper.
type RemoteCRM interface {
	ListDeals(ctx context.Context, pipelineID int, selectFields []string) ([]bitrix.Deal, error)
	Batch(ctx context.Context, commands map[string]bitrix.Command, continueOnError bool) (bitrix.BatchResult, error)
}

// Row is one application from the Atlas extract. Raw keeps every extract
// column by header for field mapping; the typed fields are the engine's
// working set.
type Row struct {
	AtlasId        string
	FullName       string
	Phone          string
	Email          string
	Region         string
	Snils          string
	Program        string
	AtlasStatus    string
	WorkflowStatus string
	Raw            map[string]string
}

// SequenceNumber is the numeric "-NNNN" suffix of the application id, used
// to pick the latest application when one person applied repeatedly.
func (r Row) SequenceNumber() int {
	idx := strings.LastIndex(r.AtlasId, "-")
	if idx < 0 || idx == len(r.AtlasId)-1 {
		return 0
	}
	n, err := strconv.Atoi(r.AtlasId[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// rowIdentity is the normalized identity of an incoming row.
type rowIdentity struct {
	Name   string
	Phone  string
	Email  string
	Region string
	Snils  string
}

func identityOf(r Row) rowIdentity {
	return rowIdentity{
		Name:   NormalizeName(r.FullName),
		Phone:  NormalizePhone(r.Phone),
		Email:  NormalizeEmail(r.Email),
		Region: NormalizeName(r.Region),
		Snils:  NormalizeSnils(r.Snils),
	}
}

func (id rowIdentity) empty() bool {
	return id.Name == "" && id.Phone == "" && id.Email == "" && id.Snils == ""
}

// dealRecord is the matching view of one cached deal: normalized identity
// fields plus the timestamps the tie-break rules need.
type dealRecord struct {
	DealId     int
	Name       string
	Phone      string
	Email      string
	Region     string
	Snils      string
	DateCreate time.Time
	SyncedAt   time.Time
}

func newDealRecord(deal models.CachedDeal, mf models.MatchFields) dealRecord {
	details := deal.Details()
	name := details[mf.Name]
	if name == "" {
		name = deal.Title
	}
	return dealRecord{
		DealId:     deal.DealId,
		Name:       NormalizeName(name),
		Phone:      NormalizePhone(details[mf.Phone]),
		Email:      NormalizeEmail(details[mf.Email]),
		Region:     NormalizeName(details[mf.Region]),
		Snils:      NormalizeSnils(details[mf.Snils]),
		DateCreate: deal.DateCreate,
		SyncedAt:   deal.SyncedAt,
	}
}

// Suggestion is a near-miss the matcher reports but never acts on: the name
// is within a small edit distance yet the qualifying rule failed.
type Suggestion struct {
	AtlasId  string `json:"atlas_id"`
	DealId   int    `json:"deal_id"`
	DealName string `json:"deal_name"`
	Distance int    `json:"distance"`
}

// RunStats aggregates one import run.
type RunStats struct {
	SnapshotDeals     int          `json:"snapshot_deals"`
	RowsTotal         int          `json:"rows_total"`
	Matched           int          `json:"matched"`
	Created           int          `json:"created"`
	Updated           int          `json:"updated"`
	DuplicatesRemoved int          `json:"duplicates_removed"`
	Skipped           int          `json:"skipped"`
	Errors            int          `json:"errors"`
	Suggestions       []Suggestion `json:"suggestions,omitempty"`
}

// ImportPubSubPayload is the queue message that starts run execution.
type ImportPubSubPayload struct {
	RunId         uint   `json:"run_id"`
	PipelineId    int    `json:"pipeline_id"`
	CorrelationId string `json:"correlation_id"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type RunResponse struct {
	ID            uint    `json:"id"`
	PipelineId    int     `json:"pipelineId"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	CorrelationId string  `json:"correlationId"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RowsProcessed int     `json:"rowsProcessed"`
	ErrorCount    int     `json:"errorCount"`
}

type RunHistoryResponse struct {
	Items []RunResponse `json:"items"`
}

type RunDetailResponse struct {
	RunResponse
	Stats  *RunStats          `json:"stats,omitempty"`
	Errors []RunErrorResponse `json:"errors"`
}

type RunErrorResponse struct {
	ID        uint   `json:"id"`
	Stage     string `json:"stage"`
	AtlasId   string `json:"atlasId"`
	DealId    int    `json:"dealId"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
