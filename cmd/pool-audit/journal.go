package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	_ "modernc.org/sqlite"

	"stakepool/core/events"
	"stakepool/services/poold/journal/chain"
)

var errChainBroken = errors.New("pool-audit: hash chain broken")

// record is one journal row as stored by poold.
type record struct {
	Seq        uint64
	ID         string
	Type       string
	Attributes map[string]string
	RawAttrs   string
	Digest     string
	PrevDigest string
	CreatedAt  string
}

func openJournal(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return db, nil
}

func loadRecords(ctx context.Context, db *sql.DB, after uint64) ([]record, error) {
	rows, err := db.QueryContext(ctx, `SELECT seq, id, type, attributes, digest, prev_digest, CAST(created_at AS TEXT)
        FROM journal_entries WHERE seq > ? ORDER BY seq ASC`, after)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var (
			rec              record
			attrs, prev, cat sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Type, &attrs, &rec.Digest, &prev, &cat); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		rec.RawAttrs = attrs.String
		rec.PrevDigest = prev.String
		rec.CreatedAt = cat.String
		rec.Attributes = map[string]string{}
		if rec.RawAttrs != "" {
			if err := json.Unmarshal([]byte(rec.RawAttrs), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("seq %d: decode attributes: %w", rec.Seq, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// verifyChain checks sequence continuity, predecessor links and digests.
// Verification only makes sense from the start of the chain.
func verifyChain(records []record) error {
	var (
		prev string
		seq  uint64
	)
	for _, rec := range records {
		if rec.Seq != seq+1 {
			return fmt.Errorf("%w: expected seq %d, found %d", errChainBroken, seq+1, rec.Seq)
		}
		if rec.PrevDigest != prev {
			return fmt.Errorf("%w: seq %d does not link to its predecessor", errChainBroken, rec.Seq)
		}
		if chain.Link(rec.PrevDigest, rec.Seq, rec.Type, rec.RawAttrs) != rec.Digest {
			return fmt.Errorf("%w: seq %d digest mismatch", errChainBroken, rec.Seq)
		}
		prev = rec.Digest
		seq = rec.Seq
	}
	return nil
}

type summary struct {
	Entries   int            `json:"entries"`
	Head      string         `json:"head"`
	Verified  bool           `json:"verified"`
	ByType    map[string]int `json:"byType"`
	Staked    string         `json:"staked"`
	Withdrawn string         `json:"withdrawn"`
	Claimed   string         `json:"claimed"`
	Residue   string         `json:"residue"`
	Stakers   []string       `json:"stakers"`
}

func summarize(records []record) (summary, error) {
	out := summary{ByType: map[string]int{}}
	staked, withdrawn, claimed, residue := new(big.Int), new(big.Int), new(big.Int), new(big.Int)
	stakers := map[string]struct{}{}
	for _, rec := range records {
		out.ByType[rec.Type]++
		var target *big.Int
		switch rec.Type {
		case events.TypeStakeRecorded:
			target = staked
			stakers[rec.Attributes["who"]] = struct{}{}
		case events.TypeWithdrawRecorded:
			target = withdrawn
		case events.TypeClaimRecorded:
			target = claimed
		case events.TypeResidueRetrieved:
			target = residue
		default:
			continue
		}
		amount, ok := new(big.Int).SetString(rec.Attributes["amount"], 10)
		if !ok {
			return summary{}, fmt.Errorf("seq %d: invalid amount %q", rec.Seq, rec.Attributes["amount"])
		}
		target.Add(target, amount)
	}
	out.Entries = len(records)
	if len(records) > 0 {
		out.Head = records[len(records)-1].Digest
	}
	out.Staked = staked.String()
	out.Withdrawn = withdrawn.String()
	out.Claimed = claimed.String()
	out.Residue = residue.String()
	out.Stakers = make([]string, 0, len(stakers))
	for who := range stakers {
		out.Stakers = append(out.Stakers, who)
	}
	sort.Strings(out.Stakers)
	return out, nil
}
