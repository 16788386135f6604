package governance

import "time"

// Proposal kinds.
const (
	KindParameter = "parameter"
	KindTreasury  = "treasury"
	KindText      = "text"
)

// Proposal statuses.
const (
	StatusActive   = "active"
	StatusPassed   = "passed"
	StatusRejected = "rejected"
	StatusExecuted = "executed"
	StatusExpired  = "expired"
)

// Vote choices.
const (
	ChoiceYes     = "yes"
	ChoiceNo      = "no"
	ChoiceAbstain = "abstain"
)

// Tally accumulates voting power per choice.
type Tally struct {
	Yes     uint64 `json:"yes"`
	No      uint64 `json:"no"`
	Abstain uint64 `json:"abstain"`
	Voters  int    `json:"voters"`
}

// Total is the sum of all voting power cast.
func (t Tally) Total() uint64 {
	return t.Yes + t.No + t.Abstain
}

// Proposal is a governance motion open for voting until VotingEndsAt.
type Proposal struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Proposer        string            `json:"proposer"`
	Kind            string            `json:"kind"`
	Payload         map[string]string `json:"payload,omitempty"`
	Status          string            `json:"status"`
	Tally           Tally             `json:"tally"`
	VotingEndsAt    time.Time         `json:"voting_ends_at"`
	TotalPowerAtEnd uint64            `json:"total_power_at_end,omitempty"`
	ClosedAt        *time.Time        `json:"closed_at,omitempty"`
	ExecutionError  string            `json:"execution_error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Vote is one voter's ballot with the power captured when it was cast.
type Vote struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Voter      string    `json:"voter"`
	Choice     string    `json:"choice"`
	Power      uint64    `json:"power"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// VoteID is the document id of a voter's ballot on a proposal.
func VoteID(proposalID, voter string) string {
	return proposalID + ":" + voter
}
