package contracts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/quantumshield/backend/internal/app/domain/contract"
)

// HostCallGas is charged for every call into storage, emit or ctx helpers.
const HostCallGas uint64 = 10

var (
	errOutOfGas = errors.New("out of gas")
	errTimeout  = errors.New("execution time budget exceeded")

	reservedGlobals = map[string]struct{}{"storage": {}, "ctx": {}, "emit": {}}

	functionParams = regexp.MustCompile(`^\s*(?:async\s+)?function\s*\*?\s*[\w$]*\s*\(([^)]*)\)`)
	arrowParams    = regexp.MustCompile(`^\s*(?:async\s+)?(?:\(([^)]*)\)|([\w$]+))\s*=>`)
)

type phase int

const (
	phaseDeploy phase = iota
	phaseLoad
	phaseCall
)

// sandbox is one goja runtime bound to a contract's state. Storage writes go
// to a private copy that the caller commits only on success.
type sandbox struct {
	vm       *goja.Runtime
	state    map[string]string
	events   []contract.EmittedEvent
	gasUsed  uint64
	gasLimit uint64
	phase    phase
}

func newSandbox(state map[string]string, contractID, caller string, height, gasLimit uint64) *sandbox {
	sb := &sandbox{vm: goja.New(), state: make(map[string]string, len(state)), gasLimit: gasLimit}
	for k, v := range state {
		sb.state[k] = v
	}
	vm := sb.vm

	store := vm.NewObject()
	_ = store.Set("get", func(key string) goja.Value {
		sb.charge()
		if v, ok := sb.state[key]; ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = store.Set("set", func(key string, value goja.Value) {
		sb.charge()
		if sb.phase == phaseLoad {
			return
		}
		sb.state[key] = value.String()
	})
	_ = store.Set("del", func(key string) {
		sb.charge()
		if sb.phase == phaseLoad {
			return
		}
		delete(sb.state, key)
	})
	_ = vm.Set("storage", store)

	info := vm.NewObject()
	_ = info.Set("caller", caller)
	_ = info.Set("block", height)
	_ = info.Set("contract", contractID)
	_ = vm.Set("ctx", info)

	_ = vm.Set("emit", func(name string, data goja.Value) {
		sb.charge()
		if sb.phase != phaseCall {
			return
		}
		var payload any
		if data != nil && !goja.IsUndefined(data) && !goja.IsNull(data) {
			payload = data.Export()
		}
		sb.events = append(sb.events, contract.EmittedEvent{Name: name, Data: payload})
	})
	return sb
}

// charge meters host calls during method execution.
func (sb *sandbox) charge() {
	if sb.phase != phaseCall {
		return
	}
	sb.gasUsed += HostCallGas
	if sb.gasLimit > 0 && sb.gasUsed > sb.gasLimit {
		sb.vm.Interrupt(errOutOfGas)
	}
}

func (sb *sandbox) withBudget(budget time.Duration, fn func() (goja.Value, error)) (goja.Value, error) {
	timer := time.AfterFunc(budget, func() { sb.vm.Interrupt(errTimeout) })
	defer timer.Stop()
	return fn()
}

func (sb *sandbox) load(prog *goja.Program, budget time.Duration) error {
	_, err := sb.withBudget(budget, func() (goja.Value, error) { return sb.vm.RunProgram(prog) })
	return err
}

func (sb *sandbox) call(method string, args []any, budget time.Duration) (any, error) {
	fn, ok := goja.AssertFunction(sb.vm.Get(method))
	if !ok {
		return nil, fmt.Errorf("%s is not a function", method)
	}
	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = sb.vm.ToValue(a)
	}
	sb.phase = phaseCall
	result, err := sb.withBudget(budget, func() (goja.Value, error) { return fn(goja.Undefined(), values...) })
	if err != nil {
		return nil, err
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// abi lists user-defined top-level functions sorted by name.
func (sb *sandbox) abi() []contract.Method {
	var methods []contract.Method
	global := sb.vm.GlobalObject()
	for _, key := range global.Keys() {
		if _, reserved := reservedGlobals[key]; reserved {
			continue
		}
		value := global.Get(key)
		if _, ok := goja.AssertFunction(value); !ok {
			continue
		}
		methods = append(methods, contract.Method{Name: key, Params: paramNames(value.String())})
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	return methods
}

func paramNames(source string) []string {
	params := []string{}
	var list string
	if m := functionParams.FindStringSubmatch(source); m != nil {
		list = m[1]
	} else if m := arrowParams.FindStringSubmatch(source); m != nil {
		list = m[1] + m[2]
	} else {
		return params
	}
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if i := strings.Index(p, "="); i >= 0 {
			p = strings.TrimSpace(p[:i])
		}
		if p != "" {
			params = append(params, p)
		}
	}
	return params
}

// classify maps a VM error onto an execution status.
func classify(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok && (errors.Is(v, errOutOfGas) || errors.Is(v, errTimeout)) {
			return contract.StatusOutOfGas
		}
	}
	return contract.StatusReverted
}

// describe returns the message of a VM error without goja's stack suffix.
func describe(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if v, ok := interrupted.Value().(error); ok {
			return v.Error()
		}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return exception.Value().String()
	}
	return err.Error()
}
