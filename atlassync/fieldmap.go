package atlassync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/eduatlas/crm_backend/models"
	"bitbucket.org/eduatlas/crm_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// Date layouts the Atlas extract is known to use, tried in order.
var extractDateLayouts = []string{
	"02.01.2006",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

const (
	bitrixDateLayout     = "2006-01-02"
	bitrixDateTimeLayout = "2006-01-02T15:04:05-07:00"
)

// PayloadBuilder converts a normalized extract row into the Bitrix field
// payload for crm.deal.add / crm.deal.update, one mapping per target field.
type PayloadBuilder struct {
	mappings     []models.FieldMapping
	statusOrders map[string]map[string]int
}

// NewPayloadBuilder wires the builder with the status order catalogs it
// needs to evaluate threshold rules. statusOrders is keyed by namespace.
func NewPayloadBuilder(mappings []models.FieldMapping, statusOrders map[string]map[string]int) *PayloadBuilder {
	return &PayloadBuilder{mappings: mappings, statusOrders: statusOrders}
}

// Build produces the field payload for one row. A mapping that cannot
// convert its value fails the whole row; partial payloads would overwrite
// good deal fields with garbage.
func (b *PayloadBuilder) Build(row Row) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(b.mappings))
	for i := range b.mappings {
		m := &b.mappings[i]

		if value, overridden := b.statusOverride(m, row); overridden {
			fields[m.TargetField] = value
			continue
		}

		value, err := b.convert(m, row)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", m.TargetField, err)
		}
		if value == nil {
			continue
		}
		fields[m.TargetField] = value
	}
	return fields, nil
}

// statusOverride evaluates the mapping's threshold rules against the row's
// statuses. Rules run in descending MinOrder so the highest threshold the
// application has reached wins.
func (b *PayloadBuilder) statusOverride(m *models.FieldMapping, row Row) (string, bool) {
	rules := m.StatusRules()
	if len(rules) == 0 {
		return "", false
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].MinOrder > rules[j].MinOrder
	})
	for _, rule := range rules {
		orders, ok := b.statusOrders[rule.Namespace]
		if !ok {
			continue
		}
		status := row.AtlasStatus
		if rule.Namespace == models.StatusNamespaceWorkflow {
			status = row.WorkflowStatus
		}
		order, known := orders[status]
		if known && order >= rule.MinOrder {
			return rule.Value, true
		}
	}
	return "", false
}

func (b *PayloadBuilder) convert(m *models.FieldMapping, row Row) (interface{}, error) {
	raw := b.rawValue(m, row)
	if raw == "" && m.FieldType != models.FieldTypeComposite {
		raw = m.DefaultValue
	}
	if raw == "" {
		return nil, nil
	}

	switch m.FieldType {
	case models.FieldTypePhone:
		if m.Normalize {
			if normalized := NormalizePhone(raw); normalized != "" {
				return normalized, nil
			}
			// The digit heuristic only understands domestic formats; let the
			// phone library take a shot at anything else before failing.
			if err := utils.ValidatePhoneNumber(raw, utils.CountryCode); err != nil {
				return nil, fmt.Errorf("unparseable phone %q", raw)
			}
			parsed, _ := libphonenumber.Parse(raw, utils.CountryCode)
			return strings.TrimPrefix(libphonenumber.Format(parsed, libphonenumber.E164), "+"), nil
		}
		return raw, nil
	case models.FieldTypeEmail:
		if m.Normalize {
			normalized := NormalizeEmail(raw)
			if !utils.IsValidEmail(normalized) {
				return nil, fmt.Errorf("invalid email %q", raw)
			}
			return normalized, nil
		}
		return raw, nil
	case models.FieldTypeString, models.FieldTypeSelect:
		if m.Normalize {
			return NormalizeName(raw), nil
		}
		return strings.TrimSpace(raw), nil
	case models.FieldTypeDate:
		t, err := parseExtractTime(raw)
		if err != nil {
			return nil, err
		}
		return t.Format(bitrixDateLayout), nil
	case models.FieldTypeDateTime:
		t, err := parseExtractTime(raw)
		if err != nil {
			return nil, err
		}
		return t.Format(bitrixDateTimeLayout), nil
	case models.FieldTypeMoney:
		amount, err := parseExtractMoney(raw)
		if err != nil {
			return nil, err
		}
		return amount.StringFixed(2), nil
	case models.FieldTypeComposite:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", m.FieldType)
	}
}

func (b *PayloadBuilder) rawValue(m *models.FieldMapping, row Row) string {
	if m.FieldType == models.FieldTypeComposite {
		separator := m.CompositeSeparator
		if separator == "" {
			separator = " "
		}
		var parts []string
		for _, source := range m.CompositeSources() {
			if v := strings.TrimSpace(row.Raw[source]); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, separator)
	}
	return strings.TrimSpace(row.Raw[m.ExternalField])
}

func parseExtractTime(raw string) (time.Time, error) {
	for _, layout := range extractDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}

// parseExtractMoney accepts both "12 345,67" and "12345.67" spellings.
func parseExtractMoney(raw string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(" ", "", " ", "", ",", ".").Replace(raw)
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unparseable amount %q", raw)
	}
	return amount, nil
}
