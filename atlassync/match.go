package atlassync

import (
	"sort"

	"github.com/agnivade/levenshtein"
)

// Match scoring weights. Phone and email outweigh the name because the
// uploads routinely carry the same person under spelling variants, while
// contact fields survive retyping intact.
const (
	scoreName   = 2
	scorePhone  = 3
	scoreEmail  = 3
	scoreRegion = 1
)

// Near-miss names farther apart than this edit distance are not worth
// surfacing in the run report.
const suggestionMaxDistance = 2

// MatchResult is the outcome of matching one normalized row against the
// cached deal snapshot.
type MatchResult struct {
	Deal        *dealRecord
	Score       int
	ByName      bool // matched in the full-name fallback tier
	Suggestions []Suggestion
}

// MatchDeal finds the best existing deal for a row. The scored tier
// considers only deals that share at least one qualifying signal: a phone
// match, an email match, or a name match supported by any other field. If
// nothing qualifies, the fallback tier accepts an exact full-name match.
// Scored ties go to the earlier-created deal, then the lower remote id;
// fallback ties prefer deals with more contact data, then the most recent
// sync. Either way the result is stable regardless of snapshot order.
func MatchDeal(id rowIdentity, deals []dealRecord) MatchResult {
	var (
		best      *dealRecord
		bestScore int
	)
	for i := range deals {
		d := &deals[i]
		score, qualifies := scoreAgainst(id, d)
		if !qualifies {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && earlier(d, best)) {
			best = d
			bestScore = score
		}
	}
	if best != nil {
		return MatchResult{Deal: best, Score: bestScore}
	}

	if id.Name != "" {
		for i := range deals {
			d := &deals[i]
			if d.Name != id.Name {
				continue
			}
			if best == nil || richerOrNewer(d, best) {
				best = d
			}
		}
		if best != nil {
			return MatchResult{Deal: best, Score: scoreName, ByName: true}
		}
	}

	return MatchResult{Suggestions: nearMisses(id, deals)}
}

func scoreAgainst(id rowIdentity, d *dealRecord) (score int, qualifies bool) {
	nameHit := id.Name != "" && id.Name == d.Name
	phoneHit := id.Phone != "" && id.Phone == d.Phone
	emailHit := id.Email != "" && id.Email == d.Email
	regionHit := id.Region != "" && id.Region == d.Region

	if nameHit {
		score += scoreName
	}
	if phoneHit {
		score += scorePhone
	}
	if emailHit {
		score += scoreEmail
	}
	if regionHit {
		score += scoreRegion
	}

	qualifies = phoneHit || emailHit || (nameHit && (regionHit || phoneHit || emailHit))
	return score, qualifies
}

// richerOrNewer orders full-name fallback candidates when several deals
// share the exact name: a deal carrying phone data wins, then email data,
// then the most recently synced deal.
func richerOrNewer(a, b *dealRecord) bool {
	if (a.Phone != "") != (b.Phone != "") {
		return a.Phone != ""
	}
	if (a.Email != "") != (b.Email != "") {
		return a.Email != ""
	}
	if !a.SyncedAt.Equal(b.SyncedAt) {
		return a.SyncedAt.After(b.SyncedAt)
	}
	return a.DealId < b.DealId
}

func earlier(a, b *dealRecord) bool {
	if !a.DateCreate.Equal(b.DateCreate) {
		return a.DateCreate.Before(b.DateCreate)
	}
	return a.DealId < b.DealId
}

// nearMisses collects deals whose name is within a small edit distance of
// the unmatched row's name. These are reported for operators to review,
// never acted on automatically.
func nearMisses(id rowIdentity, deals []dealRecord) []Suggestion {
	if id.Name == "" {
		return nil
	}
	var out []Suggestion
	for i := range deals {
		d := &deals[i]
		if d.Name == "" || d.Name == id.Name {
			continue
		}
		dist := levenshtein.ComputeDistance(id.Name, d.Name)
		if dist > suggestionMaxDistance {
			continue
		}
		out = append(out, Suggestion{
			DealId:   d.DealId,
			DealName: d.Name,
			Distance: dist,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].DealId < out[j].DealId
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}
