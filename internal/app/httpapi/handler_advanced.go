package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantumshield/backend/internal/app/services/contracts"
	"github.com/quantumshield/backend/internal/app/services/governance"
)

func (h *handler) advancedRoutes(r *mux.Router) {
	r.HandleFunc("/validators", h.registerValidator).Methods(http.MethodPost)
	r.HandleFunc("/validators", h.listValidators).Methods(http.MethodGet)
	r.HandleFunc("/validators/{address}", h.getValidator).Methods(http.MethodGet)
	r.HandleFunc("/validators/{address}/stake", h.addStake).Methods(http.MethodPost)
	r.HandleFunc("/validators/{address}/unstake", h.unstake).Methods(http.MethodPost)
	r.Handle("/validators/{address}/slash", admin(h.slash)).Methods(http.MethodPost)
	r.Handle("/validators/{address}/unjail", admin(h.unjail)).Methods(http.MethodPost)
	r.HandleFunc("/pools", h.createStakePool).Methods(http.MethodPost)
	r.HandleFunc("/pools", h.listStakePools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", h.getStakePool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/delegations", h.delegate).Methods(http.MethodPost)
	r.HandleFunc("/pools/{id}/delegations", h.listDelegations).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/undelegate", h.undelegate).Methods(http.MethodPost)
	r.HandleFunc("/delegations/{delegator}", h.delegationsOf).Methods(http.MethodGet)
	r.Handle("/rewards/distribute", admin(h.distributeRewards)).Methods(http.MethodPost)

	r.HandleFunc("/contracts", h.deployContract).Methods(http.MethodPost)
	r.HandleFunc("/contracts", h.listContracts).Methods(http.MethodGet)
	r.HandleFunc("/contracts/{id}", h.getContract).Methods(http.MethodGet)
	r.HandleFunc("/contracts/{id}/execute", h.executeContract).Methods(http.MethodPost)
	r.HandleFunc("/contracts/{id}/executions", h.listExecutions).Methods(http.MethodGet)
	r.HandleFunc("/contracts/{id}/state", h.contractState).Methods(http.MethodGet)

	r.HandleFunc("/governance/proposals", h.createProposal).Methods(http.MethodPost)
	r.HandleFunc("/governance/proposals", h.listProposals).Methods(http.MethodGet)
	r.HandleFunc("/governance/proposals/{id}", h.getProposal).Methods(http.MethodGet)
	r.HandleFunc("/governance/proposals/{id}/votes", h.castVote).Methods(http.MethodPost)
	r.HandleFunc("/governance/proposals/{id}/votes", h.listVotes).Methods(http.MethodGet)
	r.Handle("/governance/tick", admin(h.governanceTick)).Methods(http.MethodPost)
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

func (h *handler) registerValidator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address       string `json:"address"`
		Stake         uint64 `json:"stake"`
		CommissionBps uint64 `json:"commission_bps"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "address", req.Address); err != nil {
		fail(w, err)
		return
	}
	v, err := h.app.Staking.RegisterValidator(r.Context(), req.Address, req.Stake, req.CommissionBps)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) listValidators(w http.ResponseWriter, r *http.Request) {
	vals, err := h.app.Staking.ListValidators(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}

func (h *handler) getValidator(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.Staking.GetValidator(r.Context(), pathVar(r, "address"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) addStake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "address", pathVar(r, "address")); err != nil {
		fail(w, err)
		return
	}
	v, err := h.app.Staking.AddStake(r.Context(), pathVar(r, "address"), req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) unstake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "address", pathVar(r, "address")); err != nil {
		fail(w, err)
		return
	}
	v, err := h.app.Staking.Unstake(r.Context(), pathVar(r, "address"), req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) slash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fraction float64 `json:"fraction"`
		Reason   string  `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := h.app.Staking.Slash(r.Context(), pathVar(r, "address"), req.Fraction, req.Reason)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) unjail(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.Staking.Unjail(r.Context(), pathVar(r, "address"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) createStakePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		Validator string `json:"validator"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "validator", req.Validator); err != nil {
		fail(w, err)
		return
	}
	pool, err := h.app.Staking.CreatePool(r.Context(), req.Name, req.Validator)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (h *handler) listStakePools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.app.Staking.ListPools(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (h *handler) getStakePool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.app.Staking.GetPool(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

type delegationRequest struct {
	Delegator string `json:"delegator"`
	Amount    uint64 `json:"amount"`
}

func (h *handler) delegate(w http.ResponseWriter, r *http.Request) {
	var req delegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "delegator", req.Delegator); err != nil {
		fail(w, err)
		return
	}
	d, err := h.app.Staking.Delegate(r.Context(), pathVar(r, "id"), req.Delegator, req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *handler) undelegate(w http.ResponseWriter, r *http.Request) {
	var req delegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "delegator", req.Delegator); err != nil {
		fail(w, err)
		return
	}
	d, err := h.app.Staking.Undelegate(r.Context(), pathVar(r, "id"), req.Delegator, req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) listDelegations(w http.ResponseWriter, r *http.Request) {
	ds, err := h.app.Staking.ListDelegations(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *handler) delegationsOf(w http.ResponseWriter, r *http.Request) {
	ds, err := h.app.Staking.DelegationsOf(r.Context(), pathVar(r, "delegator"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (h *handler) distributeRewards(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	report, err := h.app.Staking.DistributeRewards(r.Context(), req.Amount)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) deployContract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "owner", req.Owner); err != nil {
		fail(w, err)
		return
	}
	c, err := h.app.Contracts.Deploy(r.Context(), req.Owner, req.Name, req.Code)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handler) listContracts(w http.ResponseWriter, r *http.Request) {
	cs, err := h.app.Contracts.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *handler) getContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.app.Contracts.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// executeContract runs a method off-chain; state changes persist but no
// transaction is recorded.
func (h *handler) executeContract(w http.ResponseWriter, r *http.Request) {
	var req contracts.ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ContractID = pathVar(r, "id")
	if req.Caller == "" {
		req.Caller = principal(r).UserID
	} else if err := h.actingAs(r, "caller", req.Caller); err != nil {
		fail(w, err)
		return
	}
	exec, err := h.app.Contracts.Execute(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	execs, err := h.app.Contracts.ListExecutions(r.Context(), pathVar(r, "id"), limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *handler) contractState(w http.ResponseWriter, r *http.Request) {
	state, err := h.app.Contracts.State(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) createProposal(w http.ResponseWriter, r *http.Request) {
	var req governance.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "proposer", req.Proposer); err != nil {
		fail(w, err)
		return
	}
	p, err := h.app.Governance.CreateProposal(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) listProposals(w http.ResponseWriter, r *http.Request) {
	ps, err := h.app.Governance.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *handler) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Governance.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) castVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Voter  string `json:"voter"`
		Choice string `json:"choice"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.actingAs(r, "voter", req.Voter); err != nil {
		fail(w, err)
		return
	}
	v, err := h.app.Governance.CastVote(r.Context(), pathVar(r, "id"), req.Voter, req.Choice)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *handler) listVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.app.Governance.ListVotes(r.Context(), pathVar(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, votes)
}

func (h *handler) governanceTick(w http.ResponseWriter, r *http.Request) {
	report, err := h.app.Governance.Tick(r.Context(), h.now())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
