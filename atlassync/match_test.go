package atlassync

import "testing"

func TestMatchDeal_NamePlusPhoneWins(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
		{DealId: 2, Name: "Иванов Иван", DateCreate: day(1), Region: "Москва"},
	}
	id := rowIdentity{Name: "Иванов Иван", Phone: "79991234567"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 1 {
		t.Fatalf("expected deal 1, got %+v", result.Deal)
	}
	if result.Score != scoreName+scorePhone {
		t.Fatalf("expected score %d, got %d", scoreName+scorePhone, result.Score)
	}
}

func TestMatchDeal_NameAloneDoesNotQualifyInScoredTier(t *testing.T) {
	// A name-only hit falls through to the fallback tier.
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
	}
	id := rowIdentity{Name: "Иванов Иван", Phone: "79990000000"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 1 {
		t.Fatalf("expected fallback match on deal 1, got %+v", result.Deal)
	}
	if !result.ByName {
		t.Fatalf("expected a full-name fallback match, got scored match %d", result.Score)
	}
}

func TestMatchDeal_PhoneAloneQualifies(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванова Мария", Phone: "79991234567", DateCreate: day(1)},
	}
	id := rowIdentity{Name: "Иванова М", Phone: "79991234567"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 1 {
		t.Fatalf("expected phone match, got %+v", result.Deal)
	}
	if result.ByName {
		t.Fatalf("expected a scored match, got fallback")
	}
}

func TestMatchDeal_HighestScoreWins(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
		{DealId: 2, Name: "Иванов Иван", Phone: "79991234567", Email: "ivanov@example.com", DateCreate: day(2)},
	}
	id := rowIdentity{Name: "Иванов Иван", Phone: "79991234567", Email: "ivanov@example.com"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 2 {
		t.Fatalf("expected deal 2 with the extra email point, got %+v", result.Deal)
	}
}

func TestMatchDeal_TieGoesToEarlierDeal(t *testing.T) {
	deals := []dealRecord{
		{DealId: 5, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(2)},
		{DealId: 9, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
	}
	id := rowIdentity{Name: "Иванов Иван", Phone: "79991234567"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 9 {
		t.Fatalf("expected earlier deal 9, got %+v", result.Deal)
	}
}

func TestMatchDeal_NameFallbackPrefersRicherContactData(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", DateCreate: day(1), SyncedAt: day(9)},
		{DealId: 2, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(2), SyncedAt: day(3)},
		{DealId: 3, Name: "Иванов Иван", Email: "x@y.ru", DateCreate: day(3), SyncedAt: day(8)},
	}
	id := rowIdentity{Name: "Иванов Иван"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 2 {
		t.Fatalf("expected the deal with phone data, got %+v", result.Deal)
	}
}

func TestMatchDeal_NameFallbackTiePicksLatestSync(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", Phone: "79991110000", SyncedAt: day(1)},
		{DealId: 2, Name: "Иванов Иван", Phone: "79992220000", SyncedAt: day(4)},
	}
	id := rowIdentity{Name: "Иванов Иван"}
	result := MatchDeal(id, deals)
	if result.Deal == nil || result.Deal.DealId != 2 {
		t.Fatalf("expected the most recently synced deal, got %+v", result.Deal)
	}
}

func TestMatchDeal_DeterministicAcrossOrderings(t *testing.T) {
	a := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
		{DealId: 2, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
	}
	b := []dealRecord{a[1], a[0]}
	id := rowIdentity{Name: "Иванов Иван", Phone: "79991234567"}

	first := MatchDeal(id, a)
	second := MatchDeal(id, b)
	if first.Deal == nil || second.Deal == nil || first.Deal.DealId != second.Deal.DealId {
		t.Fatalf("match depends on snapshot order: %+v vs %+v", first.Deal, second.Deal)
	}
}

func TestMatchDeal_NoMatchReturnsSuggestions(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", DateCreate: day(1)},
		{DealId: 2, Name: "Сидоров Павел", DateCreate: day(1)},
	}
	id := rowIdentity{Name: "Иванов Ивон", Phone: "79990000000"}
	result := MatchDeal(id, deals)
	if result.Deal != nil {
		t.Fatalf("expected no match, got deal %d", result.Deal.DealId)
	}
	if len(result.Suggestions) != 1 || result.Suggestions[0].DealId != 1 {
		t.Fatalf("expected one near-miss for deal 1, got %+v", result.Suggestions)
	}
	if result.Suggestions[0].Distance != 1 {
		t.Fatalf("expected distance 1, got %d", result.Suggestions[0].Distance)
	}
}

func TestMatchDeal_EmptyIdentityNeverMatches(t *testing.T) {
	deals := []dealRecord{
		{DealId: 1, Name: "Иванов Иван", Phone: "79991234567", DateCreate: day(1)},
	}
	result := MatchDeal(rowIdentity{}, deals)
	if result.Deal != nil {
		t.Fatalf("empty identity matched deal %d", result.Deal.DealId)
	}
}
