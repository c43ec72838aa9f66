package atlassync

import (
	"encoding/json"
	"testing"

	"bitbucket.org/eduatlas/crm_backend/models"
)

func TestPayloadBuilder_Basics(t *testing.T) {
	mappings := []models.FieldMapping{
		{TargetField: "TITLE", ExternalField: "ФИО", FieldType: models.FieldTypeString},
		{TargetField: "UF_CRM_PHONE", ExternalField: "Телефон", FieldType: models.FieldTypePhone, Normalize: true},
		{TargetField: "UF_CRM_EMAIL", ExternalField: "Email", FieldType: models.FieldTypeEmail, Normalize: true},
		{TargetField: "UF_CRM_SOURCE", FieldType: models.FieldTypeSelect, DefaultValue: "atlas"},
	}
	builder := NewPayloadBuilder(mappings, nil)

	fields, err := builder.Build(Row{Raw: map[string]string{
		"ФИО":     "Иванов Иван",
		"Телефон": "8 (999) 123-45-67",
		"Email":   "Ivanov@Example.com",
	}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if fields["TITLE"] != "Иванов Иван" {
		t.Fatalf("TITLE: got %v", fields["TITLE"])
	}
	if fields["UF_CRM_PHONE"] != "79991234567" {
		t.Fatalf("phone: got %v", fields["UF_CRM_PHONE"])
	}
	if fields["UF_CRM_EMAIL"] != "ivanov@example.com" {
		t.Fatalf("email: got %v", fields["UF_CRM_EMAIL"])
	}
	if fields["UF_CRM_SOURCE"] != "atlas" {
		t.Fatalf("default value: got %v", fields["UF_CRM_SOURCE"])
	}
}

func TestPayloadBuilder_MoneyAndDates(t *testing.T) {
	mappings := []models.FieldMapping{
		{TargetField: "OPPORTUNITY", ExternalField: "Стоимость", FieldType: models.FieldTypeMoney},
		{TargetField: "UF_CRM_APPLIED", ExternalField: "Дата подачи", FieldType: models.FieldTypeDate},
	}
	builder := NewPayloadBuilder(mappings, nil)

	fields, err := builder.Build(Row{Raw: map[string]string{
		"Стоимость":   "12 345,50",
		"Дата подачи": "05.03.2026",
	}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if fields["OPPORTUNITY"] != "12345.50" {
		t.Fatalf("money: got %v", fields["OPPORTUNITY"])
	}
	if fields["UF_CRM_APPLIED"] != "2026-03-05" {
		t.Fatalf("date: got %v", fields["UF_CRM_APPLIED"])
	}
}

func TestPayloadBuilder_BadMoneyFailsRow(t *testing.T) {
	mappings := []models.FieldMapping{
		{TargetField: "OPPORTUNITY", ExternalField: "Стоимость", FieldType: models.FieldTypeMoney},
	}
	builder := NewPayloadBuilder(mappings, nil)
	if _, err := builder.Build(Row{Raw: map[string]string{"Стоимость": "бесплатно"}}); err == nil {
		t.Fatalf("expected an error for an unparseable amount")
	}
}

func TestPayloadBuilder_Composite(t *testing.T) {
	sources, _ := json.Marshal([]string{"Программа", "Форма обучения"})
	mappings := []models.FieldMapping{
		{
			TargetField:          "COMMENTS",
			FieldType:            models.FieldTypeComposite,
			CompositeSourcesJSON: sources,
			CompositeSeparator:   " / ",
		},
	}
	builder := NewPayloadBuilder(mappings, nil)

	fields, err := builder.Build(Row{Raw: map[string]string{
		"Программа":      "Информатика",
		"Форма обучения": "Очная",
	}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if fields["COMMENTS"] != "Информатика / Очная" {
		t.Fatalf("composite: got %v", fields["COMMENTS"])
	}
}

func TestPayloadBuilder_StatusOverrideHighestThresholdWins(t *testing.T) {
	rules, _ := json.Marshal([]models.StatusFieldRule{
		{Namespace: models.StatusNamespaceAtlas, MinOrder: 10, Value: "submitted"},
		{Namespace: models.StatusNamespaceAtlas, MinOrder: 30, Value: "enrolled"},
	})
	mappings := []models.FieldMapping{
		{TargetField: "UF_CRM_PHASE", ExternalField: "Фаза", FieldType: models.FieldTypeString, StatusRulesJSON: rules},
	}
	orders := map[string]map[string]int{
		models.StatusNamespaceAtlas: {
			"Подана":    10,
			"Зачислена": 30,
		},
	}
	builder := NewPayloadBuilder(mappings, orders)

	fields, err := builder.Build(Row{AtlasStatus: "Зачислена", Raw: map[string]string{"Фаза": "ignored"}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if fields["UF_CRM_PHASE"] != "enrolled" {
		t.Fatalf("expected the 30-threshold override, got %v", fields["UF_CRM_PHASE"])
	}

	fields, err = builder.Build(Row{AtlasStatus: "Подана", Raw: map[string]string{"Фаза": "ignored"}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if fields["UF_CRM_PHASE"] != "submitted" {
		t.Fatalf("expected the 10-threshold override, got %v", fields["UF_CRM_PHASE"])
	}
}

func TestPayloadBuilder_UnknownStatusFallsThroughToMapping(t *testing.T) {
	rules, _ := json.Marshal([]models.StatusFieldRule{
		{Namespace: models.StatusNamespaceAtlas, MinOrder: 10, Value: "submitted"},
	})
	mappings := []models.FieldMapping{
		{TargetField: "UF_CRM_PHASE", ExternalField: "Фаза", FieldType: models.FieldTypeString, StatusRulesJSON: rules},
	}
	builder := NewPayloadBuilder(mappings, map[string]map[string]int{
		models.StatusNamespaceAtlas: {"Подана": 10},
	})

	fields, err := builder.Build(Row{AtlasStatus: "Неизвестный", Raw: map[string]string{"Фаза": "draft"}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if fields["UF_CRM_PHASE"] != "draft" {
		t.Fatalf("expected the mapped value, got %v", fields["UF_CRM_PHASE"])
	}
}

func TestPayloadBuilder_EmptyValueOmitsField(t *testing.T) {
	mappings := []models.FieldMapping{
		{TargetField: "UF_CRM_REGION", ExternalField: "Регион", FieldType: models.FieldTypeString},
	}
	builder := NewPayloadBuilder(mappings, nil)

	fields, err := builder.Build(Row{Raw: map[string]string{}})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if _, present := fields["UF_CRM_REGION"]; present {
		t.Fatalf("empty source must not produce a field")
	}
}
