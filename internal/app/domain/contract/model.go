package contract

import "time"

// Execution outcomes.
const (
	StatusSuccess  = "success"
	StatusReverted = "reverted"
	StatusOutOfGas = "out_of_gas"
)

// Method describes one callable contract function.
type Method struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
}

// Contract is deployed script code plus its persistent key/value state.
type Contract struct {
	ID         string            `json:"id"`
	Owner      string            `json:"owner"`
	Name       string            `json:"name"`
	Code       string            `json:"code"`
	Bytecode   string            `json:"bytecode"`
	ABI        []Method          `json:"abi"`
	State      map[string]string `json:"state"`
	DeployGas  uint64            `json:"deploy_gas"`
	DeployFee  uint64            `json:"deploy_fee"`
	Executions uint64            `json:"executions"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// EmittedEvent is raised by contract code through emit().
type EmittedEvent struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// Execution records one contract method invocation.
type Execution struct {
	ID          string         `json:"id"`
	ContractID  string         `json:"contract_id"`
	Caller      string         `json:"caller"`
	Method      string         `json:"method"`
	Args        []any          `json:"args,omitempty"`
	Status      string         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	GasLimit    uint64         `json:"gas_limit"`
	GasUsed     uint64         `json:"gas_used"`
	Events      []EmittedEvent `json:"events,omitempty"`
	BlockHeight uint64         `json:"block_height"`
	DurationMs  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
