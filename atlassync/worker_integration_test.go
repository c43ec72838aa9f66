package atlassync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/eduatlas/crm_backend/atlassync"
	"bitbucket.org/eduatlas/crm_backend/config"
	"bitbucket.org/eduatlas/crm_backend/models"
	"github.com/xuri/excelize/v2"
)

// fakeBitrix emulates the portal webhook endpoints the import touches.
type fakeBitrix struct {
	mu      sync.Mutex
	deals   map[int]map[string]interface{}
	nextId  int
	deleted []int
}

func newFakeBitrix() *fakeBitrix {
	return &fakeBitrix{deals: map[int]map[string]interface{}{}, nextId: 1000}
}

func (f *fakeBitrix) addDeal(id int, fields map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals[id] = fields
}

func (f *fakeBitrix) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)

		switch {
		case strings.Contains(r.URL.Path, "crm.deal.list"):
			f.mu.Lock()
			items := make([]map[string]interface{}, 0, len(f.deals))
			for id, fields := range f.deals {
				item := map[string]interface{}{"ID": fmt.Sprint(id)}
				for k, v := range fields {
					item[k] = v
				}
				items = append(items, item)
			}
			f.mu.Unlock()
			writeResult(w, items)
		case strings.Contains(r.URL.Path, "/batch"):
			f.handleBatch(w, params)
		case strings.Contains(r.URL.Path, "crm.deal.add"):
			id := f.create(params)
			writeResult(w, id)
		case strings.Contains(r.URL.Path, "crm.deal.update"):
			writeResult(w, true)
		case strings.Contains(r.URL.Path, "crm.deal.delete"):
			id := 0
			if v, ok := params["id"].(float64); ok {
				id = int(v)
			}
			f.mu.Lock()
			delete(f.deals, id)
			f.deleted = append(f.deleted, id)
			f.mu.Unlock()
			writeResult(w, true)
		default:
			http.Error(w, `{"error":"UNKNOWN_METHOD"}`, http.StatusOK)
		}
	}
}

func (f *fakeBitrix) create(params map[string]interface{}) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	fields, _ := params["fields"].(map[string]interface{})
	f.deals[f.nextId] = fields
	return f.nextId
}

// handleBatch executes each command string ("method?querystring") against the
// in-memory store. The import only batches deletes, adds, and updates.
func (f *fakeBitrix) handleBatch(w http.ResponseWriter, params map[string]interface{}) {
	cmds, _ := params["cmd"].(map[string]interface{})
	results := map[string]interface{}{}
	f.mu.Lock()
	for alias, raw := range cmds {
		cmd, _ := raw.(string)
		switch {
		case strings.HasPrefix(cmd, "crm.deal.delete"):
			var id int
			fmt.Sscanf(idParam(cmd), "%d", &id)
			delete(f.deals, id)
			f.deleted = append(f.deleted, id)
			results[alias] = true
		case strings.HasPrefix(cmd, "crm.deal.add"):
			f.nextId++
			f.deals[f.nextId] = map[string]interface{}{}
			results[alias] = f.nextId
		case strings.HasPrefix(cmd, "crm.deal.update"):
			results[alias] = true
		}
	}
	f.mu.Unlock()
	writeResult(w, map[string]interface{}{"result": results, "result_error": map[string]interface{}{}})
}

func idParam(cmd string) string {
	re := regexp.MustCompile(`(?:\?|&)id=(\d+)`)
	m := re.FindStringSubmatch(cmd)
	if len(m) == 2 {
		return m[1]
	}
	return "0"
}

func writeResult(w http.ResponseWriter, result interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
}

func writeExtract(t *testing.T, rows [][]string) string {
	t.Helper()
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := book.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "extract.xlsx")
	if err := book.SaveAs(path); err != nil {
		t.Fatalf("save extract: %v", err)
	}
	return path
}

func TestImportRun_EndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "eduatlas_test")
	t.Setenv("BITRIX_RATE_LIMIT_PER_SEC", "1000")

	bitrixFake := newFakeBitrix()
	// Duplicates: deals 1 and 2 are the same person; 1 is older and survives.
	bitrixFake.addDeal(1, map[string]interface{}{
		"TITLE": "Иванов Иван", "CATEGORY_ID": "12", "STAGE_ID": "C12:NEW",
		"DATE_CREATE":  "2026-01-10T10:00:00+03:00",
		"UF_CRM_PHONE": "79991234567",
	})
	bitrixFake.addDeal(2, map[string]interface{}{
		"TITLE": "Иванов Иван", "CATEGORY_ID": "12", "STAGE_ID": "C12:NEW",
		"DATE_CREATE":  "2026-02-15T10:00:00+03:00",
		"UF_CRM_PHONE": "79991234567",
	})
	srv := httptest.NewServer(bitrixFake.handler())
	t.Cleanup(srv.Close)
	t.Setenv("BITRIX_WEBHOOK_URL", srv.URL+"/rest/1/testtoken")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	staticMap, _ := json.Marshal(models.StatusStageMap{
		Atlas: map[string]string{"Отклонена": "LOSE"},
	})
	if err := db.Create(&models.PipelineConfig{
		PipelineId:         12,
		Name:               "Бакалавриат",
		DefaultStageCode:   "PREPARATION",
		StatusStageMapJSON: staticMap,
		Active:             true,
	}).Error; err != nil {
		t.Fatalf("create pipeline config: %v", err)
	}
	if err := models.CreateStageRule(ctx, &models.StageRule{
		PipelineId:      12,
		AtlasStatus:     "Подана",
		TargetStageCode: "NEW",
		Priority:        10,
		Active:          true,
	}); err != nil {
		t.Fatalf("create stage rule: %v", err)
	}
	if err := db.Create(&models.FieldMapping{
		PipelineId:    12,
		ExternalField: "ФИО",
		TargetField:   "TITLE",
		FieldType:     models.FieldTypeString,
		Active:        true,
	}).Error; err != nil {
		t.Fatalf("create field mapping: %v", err)
	}

	extract := writeExtract(t, [][]string{
		{"Номер заявки", "ФИО", "Телефон", "Email", "СНИЛС", "Программа", "Статус заявки"},
		// Matches the surviving deal by name+phone.
		{"A-1-0001", "Иванов Иван", "89991234567", "", "", "Информатика", "Подана"},
		// No match anywhere: creates a new deal.
		{"B-2-0001", "Новикова Ольга", "89995550000", "olga@example.com", "", "Физика", "Подана"},
	})

	run := models.ImportRun{
		PipelineId:  12,
		Status:      models.ImportRunStatusQueued,
		TriggeredBy: models.ImportTriggeredManual,
		ExtractFile: extract,
	}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := atlassync.RunImport(ctx, run.ID, 12, "test-correlation"); err != nil {
		t.Fatalf("RunImport: %v", err)
	}

	var finished models.ImportRun
	if err := db.Where("id = ?", run.ID).Take(&finished).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if finished.Status != models.ImportRunStatusSuccess {
		var errs []models.ImportError
		_ = db.Where("import_run_id = ?", run.ID).Find(&errs).Error
		t.Fatalf("run status %s, errors: %+v", finished.Status, errs)
	}

	var stats atlassync.RunStats
	if err := json.Unmarshal(finished.StatsJSON, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.DuplicatesRemoved != 1 {
		t.Fatalf("expected 1 duplicate removed, got %+v", stats)
	}
	if stats.Matched != 1 || stats.Updated != 1 {
		t.Fatalf("expected one matched update, got %+v", stats)
	}
	if stats.Created != 1 {
		t.Fatalf("expected one created deal, got %+v", stats)
	}

	// The newer duplicate deal (id 2) was deleted remotely.
	if len(bitrixFake.deleted) != 1 || bitrixFake.deleted[0] != 2 {
		t.Fatalf("expected remote deletion of deal 2, got %v", bitrixFake.deleted)
	}

	// Both rows are bound.
	matched, err := models.GetApplicationByAtlasId(ctx, "A-1-0001")
	if err != nil || matched == nil {
		t.Fatalf("binding for A-1-0001: %v %v", matched, err)
	}
	if matched.DealId != 1 {
		t.Fatalf("A-1-0001 must bind to the surviving deal 1, got %d", matched.DealId)
	}
	created, err := models.GetApplicationByAtlasId(ctx, "B-2-0001")
	if err != nil || created == nil {
		t.Fatalf("binding for B-2-0001: %v %v", created, err)
	}
	if created.DealId <= 1000 {
		t.Fatalf("B-2-0001 must bind to a newly created deal, got %d", created.DealId)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("crm-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("crm-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=eduatlas_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
