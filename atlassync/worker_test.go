package atlassync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"bitbucket.org/eduatlas/crm_backend/models"
)

// stubBindingLookups swaps the binding lookup seams for the duration of one
// test. Pass nil to keep the production function.
func stubBindingLookups(t *testing.T,
	byAtlas func(context.Context, string) (*models.AtlasApplication, error),
	byDeal func(context.Context, int) ([]models.AtlasApplication, error),
) {
	t.Helper()
	origAtlas, origDeal := lookupBindingByAtlasId, lookupBindingsByDealId
	t.Cleanup(func() {
		lookupBindingByAtlasId = origAtlas
		lookupBindingsByDealId = origDeal
	})
	if byAtlas != nil {
		lookupBindingByAtlasId = byAtlas
	}
	if byDeal != nil {
		lookupBindingsByDealId = byDeal
	}
}

func TestResolveTargetDeal_BindingLookupErrorIsNotAMiss(t *testing.T) {
	stubBindingLookups(t,
		func(ctx context.Context, atlasId string) (*models.AtlasApplication, error) {
			return nil, errors.New("driver: bad connection")
		}, nil)

	row := Row{AtlasId: "A-1-0001", FullName: "Иванов Иван", Phone: "89991234567", Program: "Информатика"}
	records := []dealRecord{{DealId: 5, Name: "Иванов Иван", Phone: "79991234567"}}

	var stats RunStats
	dealId, matched, err := resolveTargetDeal(context.Background(), row, identityOf(row), records, &stats)
	if err == nil {
		t.Fatalf("expected lookup error, got dealId=%d matched=%v", dealId, matched)
	}
	if matched || dealId != 0 {
		t.Fatalf("a failed lookup must not resolve a deal, got dealId=%d matched=%v", dealId, matched)
	}
	if stats.Matched != 0 {
		t.Fatalf("stats must stay untouched on lookup error, got %+v", stats)
	}
}

func TestResolveTargetDeal_DealBindingsLookupErrorIsNotAMiss(t *testing.T) {
	stubBindingLookups(t,
		func(ctx context.Context, atlasId string) (*models.AtlasApplication, error) {
			return nil, nil
		},
		func(ctx context.Context, dealId int) ([]models.AtlasApplication, error) {
			return nil, errors.New("driver: bad connection")
		})

	row := Row{AtlasId: "A-1-0001", FullName: "Иванов Иван", Phone: "89991234567", Program: "Информатика"}
	records := []dealRecord{{DealId: 5, Name: "Иванов Иван", Phone: "79991234567"}}

	var stats RunStats
	_, matched, err := resolveTargetDeal(context.Background(), row, identityOf(row), records, &stats)
	if err == nil {
		t.Fatal("expected lookup error")
	}
	if matched {
		t.Fatal("a failed lookup must not resolve a deal")
	}
}

func TestResolveTargetDeal_ForeignBindingForcesCreate(t *testing.T) {
	stubBindingLookups(t,
		func(ctx context.Context, atlasId string) (*models.AtlasApplication, error) {
			return nil, nil
		},
		func(ctx context.Context, dealId int) ([]models.AtlasApplication, error) {
			return []models.AtlasApplication{
				{AtlasId: "Z-9-0042", DealId: dealId, Program: "Физика"},
			}, nil
		})

	row := Row{AtlasId: "A-1-0001", FullName: "Иванов Иван", Phone: "89991234567", Program: "Информатика"}
	records := []dealRecord{{DealId: 5, Name: "Иванов Иван", Phone: "79991234567"}}

	var stats RunStats
	dealId, matched, err := resolveTargetDeal(context.Background(), row, identityOf(row), records, &stats)
	if err != nil {
		t.Fatalf("resolveTargetDeal: %v", err)
	}
	if matched || dealId != 0 {
		t.Fatalf("a deal owned by another program's application must be refused, got dealId=%d matched=%v", dealId, matched)
	}
	if stats.Matched != 0 {
		t.Fatalf("refused match must not count as matched, got %+v", stats)
	}
}

func TestResolveTargetDeal_SameProgramBindingAllowsUpdate(t *testing.T) {
	stubBindingLookups(t,
		func(ctx context.Context, atlasId string) (*models.AtlasApplication, error) {
			return nil, nil
		},
		func(ctx context.Context, dealId int) ([]models.AtlasApplication, error) {
			return []models.AtlasApplication{
				{AtlasId: "Z-9-0042", DealId: dealId, Program: "Информатика"},
			}, nil
		})

	row := Row{AtlasId: "A-1-0001", FullName: "Иванов Иван", Phone: "89991234567", Program: "Информатика"}
	records := []dealRecord{{DealId: 5, Name: "Иванов Иван", Phone: "79991234567"}}

	var stats RunStats
	dealId, matched, err := resolveTargetDeal(context.Background(), row, identityOf(row), records, &stats)
	if err != nil {
		t.Fatalf("resolveTargetDeal: %v", err)
	}
	if !matched || dealId != 5 {
		t.Fatalf("same-program binding must keep the match, got dealId=%d matched=%v", dealId, matched)
	}
	if stats.Matched != 1 {
		t.Fatalf("expected one match counted, got %+v", stats)
	}
}

func TestParseCreatedId(t *testing.T) {
	cases := []struct {
		raw      string
		expected int
		wantErr  bool
	}{
		{`77`, 77, false},
		{`"77"`, 77, false},
		{`true`, 0, true},
		{`"abc"`, 0, true},
		{`0`, 0, true},
	}
	for _, tc := range cases {
		id, err := parseCreatedId(json.RawMessage(tc.raw))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseCreatedId(%s) expected error, got %d", tc.raw, id)
			}
			continue
		}
		if err != nil || id != tc.expected {
			t.Fatalf("parseCreatedId(%s) expected %d, got %d (%v)", tc.raw, tc.expected, id, err)
		}
	}
}

func TestDropRecords(t *testing.T) {
	records := []dealRecord{
		{DealId: 1}, {DealId: 2}, {DealId: 3},
	}
	out := dropRecords(records, []int{2})
	if len(out) != 2 || out[0].DealId != 1 || out[1].DealId != 3 {
		t.Fatalf("expected [1 3], got %+v", out)
	}
}
