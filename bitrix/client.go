package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Client talks to a Bitrix24 portal through an inbound webhook URL
// (https://<portal>/rest/<user>/<token>). All calls share one rate limiter;
// Bitrix throttles webhooks to ~2 requests per second.
type Client struct {
	baseURL string
	http    *http.Client
	limiter <-chan time.Time
}

func NewClient(webhookURL string) (*Client, error) {
	if strings.TrimSpace(webhookURL) == "" {
		webhookURL = strings.TrimSpace(os.Getenv("BITRIX_WEBHOOK_URL"))
	}
	if webhookURL == "" {
		return nil, errors.New("bitrix webhook url is empty")
	}

	ratePerSec := int64(2)
	if v := strings.TrimSpace(os.Getenv("BITRIX_RATE_LIMIT_PER_SEC")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ratePerSec = n
		}
	}
	interval := time.Second / time.Duration(ratePerSec)

	return &Client{
		baseURL: strings.TrimRight(webhookURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
	}, nil
}

type apiResponse struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            *int            `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// Call performs one REST method call and returns the raw "result" payload.
// A Bitrix-level error comes back as *APIError; transport failures as-is.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	resp, err := c.do(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) do(ctx context.Context, method string, params map[string]interface{}) (apiResponse, error) {
	<-c.limiter

	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return apiResponse{}, err
	}

	endpoint := c.baseURL + "/" + method + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return apiResponse{}, fmt.Errorf("bitrix http error %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return apiResponse{}, err
	}
	if parsed.Error != "" || parsed.ErrorDescription != "" {
		return apiResponse{}, &APIError{Code: parsed.Error, Description: parsed.ErrorDescription}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apiResponse{}, fmt.Errorf("bitrix http error %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return parsed, nil
}

// List pages through a *.list method using the "start"/"next" protocol and
// returns the concatenated result entries.
func (c *Client) List(ctx context.Context, method string, params map[string]interface{}) ([]json.RawMessage, error) {
	merged := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}

	var out []json.RawMessage
	start := 0
	for {
		merged["start"] = start
		resp, err := c.do(ctx, method, merged)
		if err != nil {
			return out, err
		}

		var page []json.RawMessage
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &page); err != nil {
				return out, err
			}
		}
		out = append(out, page...)

		if resp.Next == nil {
			return out, nil
		}
		start = *resp.Next
	}
}

// ListDeals fetches every deal of one pipeline (deal category), selecting the
// standard fields plus any extra UF_* fields the caller needs.
func (c *Client) ListDeals(ctx context.Context, pipelineID int, selectFields []string) ([]Deal, error) {
	sel := append([]string{"ID", "TITLE", "CATEGORY_ID", "STAGE_ID", "DATE_CREATE", "DATE_MODIFY"}, selectFields...)
	raw, err := c.List(ctx, "crm.deal.list", map[string]interface{}{
		"filter": map[string]interface{}{"CATEGORY_ID": pipelineID},
		"select": sel,
	})
	if err != nil {
		return nil, err
	}

	deals := make([]Deal, 0, len(raw))
	for _, item := range raw {
		var deal Deal
		if err := json.Unmarshal(item, &deal); err != nil {
			return deals, err
		}
		deals = append(deals, deal)
	}
	return deals, nil
}

// ListStages fetches the stage catalog of one pipeline via crm.status.list.
func (c *Client) ListStages(ctx context.Context, pipelineID int) ([]Status, error) {
	entityID := "DEAL_STAGE"
	if pipelineID > 0 {
		entityID = fmt.Sprintf("DEAL_STAGE_%d", pipelineID)
	}
	raw, err := c.List(ctx, "crm.status.list", map[string]interface{}{
		"filter": map[string]interface{}{"ENTITY_ID": entityID},
	})
	if err != nil {
		return nil, err
	}

	stages := make([]Status, 0, len(raw))
	for _, item := range raw {
		var st Status
		if err := json.Unmarshal(item, &st); err != nil {
			return stages, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// Batch submits the commands as one batch request. A single command is
// performed as a direct call with a batch-shaped result so callers handle both
// paths uniformly. With continueOnError, one failing command does not block
// the rest; its error lands in the per-alias error map.
func (c *Client) Batch(ctx context.Context, commands map[string]Command, continueOnError bool) (BatchResult, error) {
	result := BatchResult{
		Results: map[string]json.RawMessage{},
		Errors:  map[string]APIError{},
	}
	if len(commands) == 0 {
		return result, nil
	}

	if len(commands) == 1 {
		for alias, cmd := range commands {
			res, err := c.Call(ctx, cmd.Method, cmd.Params)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					result.Errors[alias] = *apiErr
					return result, nil
				}
				return result, err
			}
			result.Results[alias] = res
		}
		return result, nil
	}

	halt := 1
	if continueOnError {
		halt = 0
	}
	cmd := make(map[string]string, len(commands))
	for alias, command := range commands {
		cmd[alias] = command.Method + "?" + encodeParams(command.Params)
	}

	raw, err := c.Call(ctx, "batch", map[string]interface{}{
		"halt": halt,
		"cmd":  cmd,
	})
	if err != nil {
		return result, err
	}

	var parsed struct {
		Result      map[string]json.RawMessage `json:"result"`
		ResultError map[string]APIError        `json:"result_error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return result, err
	}
	for alias, res := range parsed.Result {
		result.Results[alias] = res
	}
	for alias, apiErr := range parsed.ResultError {
		result.Errors[alias] = apiErr
	}
	return result, nil
}

// Add creates one CRM entity (crm.<entity>.add) and returns the new id.
func (c *Client) Add(ctx context.Context, entity string, fields map[string]interface{}) (int, error) {
	raw, err := c.Call(ctx, "crm."+entity+".add", map[string]interface{}{"fields": fields})
	if err != nil {
		return 0, err
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// Update modifies one CRM entity (crm.<entity>.update).
func (c *Client) Update(ctx context.Context, entity string, id int, fields map[string]interface{}) error {
	_, err := c.Call(ctx, "crm."+entity+".update", map[string]interface{}{
		"id":     id,
		"fields": fields,
	})
	return err
}

// Delete removes one CRM entity (crm.<entity>.delete).
func (c *Client) Delete(ctx context.Context, entity string, id int) error {
	_, err := c.Call(ctx, "crm."+entity+".delete", map[string]interface{}{"id": id})
	return err
}

// IsNotFound reports whether err is a Bitrix "entity does not exist" error.
// Deleting an already-removed deal returns this; callers treat it as success.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorIsNotFound(*apiErr)
	}
	var val APIError
	if errors.As(err, &val) {
		return apiErrorIsNotFound(val)
	}
	return false
}

func apiErrorIsNotFound(apiErr APIError) bool {
	code := strings.ToUpper(strings.TrimSpace(apiErr.Code))
	if code == "NOT_FOUND" || code == "ERROR_NOT_FOUND" {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Description), "not found")
}

// encodeParams flattens nested params into Bitrix batch command query syntax:
// fields[TITLE]=x, select[0]=ID, filter[CATEGORY_ID]=5.
func encodeParams(params map[string]interface{}) string {
	values := url.Values{}
	encodeInto(values, "", params)
	return values.Encode()
}

func encodeInto(values url.Values, prefix string, node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeInto(values, joinKey(prefix, k), v[k])
		}
	case []string:
		for i, item := range v {
			encodeInto(values, joinKey(prefix, strconv.Itoa(i)), item)
		}
	case []interface{}:
		for i, item := range v {
			encodeInto(values, joinKey(prefix, strconv.Itoa(i)), item)
		}
	case string:
		values.Set(prefix, v)
	case bool:
		if v {
			values.Set(prefix, "Y")
		} else {
			values.Set(prefix, "N")
		}
	case nil:
		values.Set(prefix, "")
	default:
		values.Set(prefix, fmt.Sprint(v))
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}
