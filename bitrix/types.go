package bitrix

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Command is one entry of a batch request: a REST method plus its parameters.
// Params may nest maps (fields) and slices (select lists).
type Command struct {
	Method string
	Params map[string]interface{}
}

// BatchResult aggregates per-alias outcomes of a batch call. A failing alias
// appears in Errors and is absent from Results.
type BatchResult struct {
	Results map[string]json.RawMessage
	Errors  map[string]APIError
}

// APIError is a Bitrix REST error payload ("error" + "error_description").
type APIError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix api error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("bitrix api error %s", e.Code)
}

// Deal is a CRM deal as returned by crm.deal.list / crm.deal.get.
// Bitrix serializes every scalar as a string; known fields are typed here and
// the full scalar set is retained in Fields for field-mapping lookups.
type Deal struct {
	ID         int
	Title      string
	CategoryID int
	StageID    string
	DateCreate time.Time
	DateModify time.Time
	Fields     map[string]string
}

const bitrixTimeLayout = "2006-01-02T15:04:05-07:00"

func (d *Deal) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.Fields = make(map[string]string, len(raw))
	for key, val := range raw {
		switch v := val.(type) {
		case string:
			d.Fields[key] = v
		case float64:
			d.Fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			if v {
				d.Fields[key] = "Y"
			} else {
				d.Fields[key] = "N"
			}
		}
	}

	d.ID = atoiSafe(d.Fields["ID"])
	d.Title = d.Fields["TITLE"]
	d.CategoryID = atoiSafe(d.Fields["CATEGORY_ID"])
	d.StageID = d.Fields["STAGE_ID"]
	d.DateCreate = parseBitrixTime(d.Fields["DATE_CREATE"])
	d.DateModify = parseBitrixTime(d.Fields["DATE_MODIFY"])
	return nil
}

// Status is one entry of crm.status.list (pipeline stages live here, with
// ENTITY_ID like "DEAL_STAGE_5" for category 5).
type Status struct {
	EntityID   string `json:"ENTITY_ID"`
	StatusID   string `json:"STATUS_ID"`
	Name       string `json:"NAME"`
	CategoryID string `json:"CATEGORY_ID"`
}

// DealCategory is a deal pipeline (crm.dealcategory.list).
type DealCategory struct {
	ID   string `json:"ID"`
	Name string `json:"NAME"`
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseBitrixTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(bitrixTimeLayout, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
