package atlassync

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/eduatlas/crm_backend/bitrix"
)

// matchKey groups deals by one derived identity signal. Two-part keys carry
// the name in A and the secondary field in B.
type matchKey struct {
	Kind string
	A    string
	B    string
}

// Key kinds, most to least discriminating. A record lands in the bucket of
// every key it qualifies for; weak signals merge through a shared strong one
// within this single pass, but no transitive closure runs across passes.
const (
	keySnils     = "snils"
	keyNameSnils = "name_snils"
	keyNamePhone = "name_phone"
	keyNameEmail = "name_email"
	keyPhone     = "phone"
	keyEmail     = "email"
)

func dedupeKeys(r dealRecord) []matchKey {
	var keys []matchKey
	if r.Snils != "" {
		keys = append(keys, matchKey{Kind: keySnils, A: r.Snils})
	}
	if r.Name != "" && r.Snils != "" {
		keys = append(keys, matchKey{Kind: keyNameSnils, A: r.Name, B: r.Snils})
	}
	if r.Name != "" && r.Phone != "" {
		keys = append(keys, matchKey{Kind: keyNamePhone, A: r.Name, B: r.Phone})
	}
	if r.Name != "" && r.Email != "" {
		keys = append(keys, matchKey{Kind: keyNameEmail, A: r.Name, B: r.Email})
	}
	// Bare phone/email keys are too weak for anonymous records; they only
	// apply when the record carries a name as well.
	if r.Phone != "" && r.Name != "" {
		keys = append(keys, matchKey{Kind: keyPhone, A: r.Phone})
	}
	if r.Email != "" && r.Name != "" {
		keys = append(keys, matchKey{Kind: keyEmail, A: r.Email})
	}
	return keys
}

// DuplicateGroup is one resolved bucket: the survivor and the deals to drop.
type DuplicateGroup struct {
	Key    matchKey
	Keep   dealRecord
	Remove []dealRecord
}

// FindDuplicates partitions the snapshot into duplicate groups. The survivor
// of each group is the earliest-created deal, ties broken by lowest remote
// id. A deal flagged for removal in one group is skipped in any later
// overlapping group, so removeIds holds each id exactly once.
func FindDuplicates(records []dealRecord) (removeIds []int, groups []DuplicateGroup) {
	buckets := make(map[matchKey][]dealRecord)
	var order []matchKey
	for _, rec := range records {
		for _, key := range dedupeKeys(rec) {
			if _, seen := buckets[key]; !seen {
				order = append(order, key)
			}
			buckets[key] = append(buckets[key], rec)
		}
	}

	removed := make(map[int]bool)
	for _, key := range order {
		members := buckets[key]
		if len(members) < 2 {
			continue
		}

		sorted := make([]dealRecord, len(members))
		copy(sorted, members)
		sort.SliceStable(sorted, func(i, j int) bool {
			if !sorted[i].DateCreate.Equal(sorted[j].DateCreate) {
				return sorted[i].DateCreate.Before(sorted[j].DateCreate)
			}
			return sorted[i].DealId < sorted[j].DealId
		})

		group := DuplicateGroup{Key: key, Keep: sorted[0]}
		for _, rec := range sorted[1:] {
			if removed[rec.DealId] || rec.DealId == sorted[0].DealId {
				continue
			}
			removed[rec.DealId] = true
			group.Remove = append(group.Remove, rec)
			removeIds = append(removeIds, rec.DealId)
		}
		if len(group.Remove) > 0 {
			groups = append(groups, group)
		}
	}
	return removeIds, groups
}

// RemovalFailure is a duplicate deal that could not be deleted remotely even
// after the single-item retry; the deal is retained locally.
type RemovalFailure struct {
	DealId int
	Err    error
}

const deleteBatchSize = 50

// ExecuteRemovals deletes duplicate deals remotely in batches. A remote
// "not found" counts as success: the deal is already gone and the delete is
// idempotent. Any other per-item failure gets one single-item retry before
// the deal is reported as unresolved.
func ExecuteRemovals(ctx context.Context, crm RemoteCRM, dealIds []int) (removed []int, failures []RemovalFailure) {
	for start := 0; start < len(dealIds); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(dealIds) {
			end = len(dealIds)
		}
		chunk := dealIds[start:end]

		commands := make(map[string]bitrix.Command, len(chunk))
		for _, id := range chunk {
			commands[deleteAlias(id)] = deleteCommand(id)
		}

		result, err := crm.Batch(ctx, commands, true)
		if err != nil {
			// Whole batch failed (transport); retry each item alone.
			for _, id := range chunk {
				if retryErr := retrySingleDelete(ctx, crm, id); retryErr != nil {
					failures = append(failures, RemovalFailure{DealId: id, Err: retryErr})
				} else {
					removed = append(removed, id)
				}
			}
			continue
		}

		for _, id := range chunk {
			apiErr, failed := result.Errors[deleteAlias(id)]
			if !failed {
				removed = append(removed, id)
				continue
			}
			if bitrix.IsNotFound(&apiErr) {
				removed = append(removed, id)
				continue
			}
			if retryErr := retrySingleDelete(ctx, crm, id); retryErr != nil {
				failures = append(failures, RemovalFailure{DealId: id, Err: retryErr})
			} else {
				removed = append(removed, id)
			}
		}
	}
	return removed, failures
}

func retrySingleDelete(ctx context.Context, crm RemoteCRM, id int) error {
	result, err := crm.Batch(ctx, map[string]bitrix.Command{
		deleteAlias(id): deleteCommand(id),
	}, true)
	if err != nil {
		return err
	}
	if apiErr, failed := result.Errors[deleteAlias(id)]; failed {
		if bitrix.IsNotFound(&apiErr) {
			return nil
		}
		return &apiErr
	}
	return nil
}

func deleteAlias(id int) string {
	return fmt.Sprintf("del_%d", id)
}

func deleteCommand(id int) bitrix.Command {
	return bitrix.Command{
		Method: "crm.deal.delete",
		Params: map[string]interface{}{"id": id},
	}
}
