package contracts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumshield/backend/internal/app/domain/contract"
	"github.com/quantumshield/backend/internal/app/storage/memory"
	"github.com/quantumshield/backend/pkg/logger"
)

const counterCode = `
function increment(by) {
  var n = Number(storage.get("count") || 0) + (by || 1);
  storage.set("count", n);
  emit("incremented", { count: n, caller: ctx.caller });
  return n;
}
function fail() {
  storage.set("count", 999);
  throw new Error("nope");
}
function spin() {
  while (true) { storage.get("count"); }
}
function loop() {
  while (true) {}
}
var helper = (a, b = 2) => a + b;
storage.set("count", 10);
`

func newTestService() *Service {
	return New(memory.NewStore(), nil, 100*time.Millisecond, logger.NewNop())
}

func TestDeployBuildsABIAndInitialState(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	c, err := svc.Deploy(ctx, "alice", "counter", counterCode)
	require.NoError(t, err)
	assert.Len(t, c.Bytecode, 64)
	assert.Equal(t, DeployBaseGas+DeployGasPerByte*uint64(len(counterCode)), c.DeployGas)
	assert.Equal(t, map[string]string{"count": "10"}, c.State)

	names := make([]string, 0, len(c.ABI))
	for _, m := range c.ABI {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"fail", "helper", "increment", "loop", "spin"}, names)
	assert.Equal(t, []string{"by"}, c.ABI[2].Params)
}

type fakePayer struct {
	balance uint64
	charged map[string]uint64
}

func (f *fakePayer) ChargeGas(_ context.Context, address string, gas uint64) (uint64, error) {
	if gas > f.balance {
		return 0, errors.New("insufficient balance")
	}
	f.balance -= gas
	if f.charged == nil {
		f.charged = map[string]uint64{}
	}
	f.charged[address] += gas
	return gas, nil
}

func TestDeployChargesDeployer(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	gas := DeployGas(counterCode)
	payer := &fakePayer{balance: gas + 10}
	svc.AttachPayer(payer)

	c, err := svc.Deploy(ctx, "alice", "counter", counterCode)
	require.NoError(t, err)
	assert.Equal(t, gas, c.DeployFee)
	assert.Equal(t, gas, payer.charged["alice"])

	_, err = svc.Deploy(ctx, "alice", "counter-2", counterCode)
	require.Error(t, err)
	all, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeployRejectsBadCode(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	_, err := svc.Deploy(ctx, "alice", "empty", "var x = 1;")
	require.ErrorIs(t, err, ErrNoFunctions)
	_, err = svc.Deploy(ctx, "alice", "broken", "function (")
	require.Error(t, err)
	_, err = svc.Deploy(ctx, "", "x", "function f() {}")
	require.Error(t, err)
}

func TestExecuteCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	svc.AttachHeight(func(context.Context) uint64 { return 42 })
	c, err := svc.Deploy(ctx, "alice", "counter", counterCode)
	require.NoError(t, err)

	exec, err := svc.Execute(ctx, ExecuteRequest{ContractID: c.ID, Caller: "bob", Method: "increment", Args: []any{5}})
	require.NoError(t, err)
	assert.Equal(t, contract.StatusSuccess, exec.Status)
	assert.EqualValues(t, 15, exec.Result)
	assert.Equal(t, 3*HostCallGas, exec.GasUsed)
	assert.Equal(t, uint64(42), exec.BlockHeight)
	require.Len(t, exec.Events, 1)
	assert.Equal(t, "incremented", exec.Events[0].Name)

	// Top-level writes are not replayed on later calls.
	_, err = svc.Execute(ctx, ExecuteRequest{ContractID: c.ID, Caller: "bob", Method: "increment"})
	require.NoError(t, err)
	state, err := svc.State(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "16", state["count"])

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Executions)
}

func TestExecuteFailuresDoNotCommit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	c, err := svc.Deploy(ctx, "alice", "counter", counterCode)
	require.NoError(t, err)

	exec, err := svc.Execute(ctx, ExecuteRequest{ContractID: c.ID, Caller: "bob", Method: "fail"})
	require.NoError(t, err)
	assert.Equal(t, contract.StatusReverted, exec.Status)
	assert.Contains(t, exec.Error, "nope")

	exec, err = svc.Execute(ctx, ExecuteRequest{ContractID: c.ID, Caller: "bob", Method: "spin", GasLimit: 100})
	require.NoError(t, err)
	assert.Equal(t, contract.StatusOutOfGas, exec.Status)
	assert.Equal(t, uint64(100), exec.GasUsed)

	exec, err = svc.Execute(ctx, ExecuteRequest{ContractID: c.ID, Caller: "bob", Method: "loop"})
	require.NoError(t, err)
	assert.Equal(t, contract.StatusOutOfGas, exec.Status)

	state, err := svc.State(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", state["count"])

	execs, err := svc.ListExecutions(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 3)

	_, err = svc.Execute(ctx, ExecuteRequest{ContractID: c.ID, Caller: "bob", Method: "storage"})
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestExecuteTx(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	c, err := svc.Deploy(ctx, "alice", "counter", counterCode)
	require.NoError(t, err)

	gas, err := svc.ExecuteTx(ctx, c.ID, "bob", "increment", []any{1.0}, 1000, 7)
	require.NoError(t, err)
	assert.Equal(t, 3*HostCallGas, gas)

	_, err = svc.ExecuteTx(ctx, c.ID, "bob", "fail", nil, 1000, 8)
	require.Error(t, err)
}

func TestParamNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, paramNames("function f(a, b) { return a }"))
	assert.Equal(t, []string{}, paramNames("function () {}"))
	assert.Equal(t, []string{"x"}, paramNames("x => x * 2"))
}
