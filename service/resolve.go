package service

import (
	"sort"
	"time"

	"obvv-backend/models"
)

// BoothLedger is a trusted ledger handed to Resolve.
type BoothLedger struct {
	BoothID string
	Entries []models.BallotEntry
}

// Resolution partitions all recorded ballots into valid and duplicate votes.
type Resolution struct {
	Valid      []models.ValidVote
	Duplicates []models.DuplicateVote
	Counters   models.Counters
}

type observation struct {
	token     models.VoterToken
	timestamp time.Time
	boothID   string
	seq       uint64
}

// before is the total order used everywhere: earliest timestamp first, then
// booth id, then sequence index.
func (a observation) before(b observation) bool {
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.Before(b.timestamp)
	}
	if a.boothID != b.boothID {
		return a.boothID < b.boothID
	}
	return a.seq < b.seq
}

// Resolve groups entries by voter token. The earliest entry of each group is
// the valid vote and every later one is a duplicate. Genesis entries are
// ignored. Output lists are in (timestamp, booth id, sequence index) order.
func Resolve(ledgers []BoothLedger) Resolution {
	groups := make(map[models.VoterToken][]observation)
	total := 0

	for _, l := range ledgers {
		for _, e := range l.Entries {
			if e.IsGenesis() || e.VoterToken == models.GenesisToken {
				continue
			}
			total++
			groups[e.VoterToken] = append(groups[e.VoterToken], observation{
				token:     e.VoterToken,
				timestamp: e.Timestamp,
				boothID:   l.BoothID,
				seq:       e.SequenceIndex,
			})
		}
	}

	var valid, dups []observation
	for _, obs := range groups {
		sort.Slice(obs, func(i, j int) bool { return obs[i].before(obs[j]) })
		valid = append(valid, obs[0])
		dups = append(dups, obs[1:]...)
	}
	sortObservations(valid)
	sortObservations(dups)

	res := Resolution{
		Valid:      make([]models.ValidVote, 0, len(valid)),
		Duplicates: make([]models.DuplicateVote, 0, len(dups)),
		Counters: models.Counters{
			TotalVotes:     total,
			ValidVotes:     len(groups),
			DuplicateVotes: total - len(groups),
		},
	}
	for _, o := range valid {
		res.Valid = append(res.Valid, models.ValidVote{
			VoterToken:    o.token,
			BoothID:       o.boothID,
			SequenceIndex: o.seq,
			Timestamp:     o.timestamp,
		})
	}
	for _, o := range dups {
		res.Duplicates = append(res.Duplicates, models.DuplicateVote{
			VoterToken:    o.token,
			BoothID:       o.boothID,
			SequenceIndex: o.seq,
			Timestamp:     o.timestamp,
		})
	}
	return res
}

func sortObservations(obs []observation) {
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].before(obs[j]) || obs[j].before(obs[i]) {
			return obs[i].before(obs[j])
		}
		// same instant, booth and index only happens for corrupt input
		return obs[i].token < obs[j].token
	})
}
