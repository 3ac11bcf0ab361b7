// File: models/report.go
package models

import "time"

// ValidVote is the earliest recorded entry for a voter token.
type ValidVote struct {
	VoterToken    VoterToken `json:"voter_token"`
	BoothID       string     `json:"booth_id"`
	SequenceIndex uint64     `json:"sequence_index"`
	Timestamp     time.Time  `json:"timestamp"`
}

// DuplicateVote is any later entry for a voter token that already has a valid vote.
type DuplicateVote struct {
	VoterToken    VoterToken `json:"voter_token"`
	BoothID       string     `json:"booth_id"`
	SequenceIndex uint64     `json:"sequence_index"`
	Timestamp     time.Time  `json:"timestamp"`
}

// IntegrityFailure lists a tainted booth together with the entries it held.
type IntegrityFailure struct {
	BoothID       string        `json:"booth_id"`
	SequenceIndex uint64        `json:"sequence_index"`
	Reason        string        `json:"reason"`
	Entries       []BallotEntry `json:"entries"`
}

type ExclusionReason string

const (
	ExclusionUnreadable   ExclusionReason = "unreadable"
	ExclusionIntegrity    ExclusionReason = "integrity_failure"
	ExclusionUnregistered ExclusionReason = "unregistered"
)

type BoothExclusion struct {
	BoothID string          `json:"booth_id"`
	Reason  ExclusionReason `json:"reason"`
	Detail  string          `json:"detail"`
}

type AuditFailure struct {
	VoterToken    VoterToken `json:"voter_token"`
	BoothID       string     `json:"booth_id"`
	SequenceIndex uint64     `json:"sequence_index"`
	Error         string     `json:"error"`
}

type Counters struct {
	TotalVotes     int `json:"total_votes"`
	ValidVotes     int `json:"valid_votes"`
	DuplicateVotes int `json:"duplicate_votes"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RunID             string             `json:"run_id"`
	GeneratedAt       time.Time          `json:"generated_at"`
	BoothsIncluded    []string           `json:"booths_included"`
	BoothsExcluded    []BoothExclusion   `json:"booths_excluded"`
	ValidVotes        []ValidVote        `json:"valid_votes"`
	DuplicateVotes    []DuplicateVote    `json:"duplicate_votes"`
	IntegrityFailures []IntegrityFailure `json:"integrity_failures"`
	AuditFailures     []AuditFailure     `json:"audit_failures,omitempty"`
	Counters          Counters           `json:"counters"`
}
