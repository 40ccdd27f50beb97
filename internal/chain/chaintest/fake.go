// Package chaintest provides a scripted chain.Executor for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/auction-relay/internal/chain"
)

// ErrNodeDown simulates a transport failure.
var ErrNodeDown = errors.New("chaintest: node unavailable")

// Executor is an in-memory chain.Executor. Calls whose calldata is listed in
// Revert fail simulation with chain.ErrReverted. SimulateErr and SubmitErrs
// inject transient failures.
type Executor struct {
	mu          sync.Mutex
	revert      map[string]bool
	simulateErr error
	submitErrs  []error
	submitted   []chain.Call
	simulated   int
}

// NewExecutor creates an executor where every call succeeds.
func NewExecutor() *Executor {
	return &Executor{revert: make(map[string]bool)}
}

// Revert makes simulation of calls with the given calldata revert.
func (e *Executor) Revert(calldata []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revert[string(calldata)] = true
}

// FailSimulation makes every simulation return err until cleared with nil.
func (e *Executor) FailSimulation(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simulateErr = err
}

// FailSubmissions queues errors returned by the next Submit calls in order.
func (e *Executor) FailSubmissions(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitErrs = append(e.submitErrs, errs...)
}

// Simulate implements chain.Executor.
func (e *Executor) Simulate(_ context.Context, call chain.Call) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.simulated++
	if e.simulateErr != nil {
		return e.simulateErr
	}
	if e.revert[string(call.Data)] {
		return fmt.Errorf("%w: scripted revert", chain.ErrReverted)
	}
	return nil
}

// Submit implements chain.Executor. The returned hash is derived from the
// submission sequence number so tests can predict it.
func (e *Executor) Submit(_ context.Context, call chain.Call) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.submitErrs) > 0 {
		err := e.submitErrs[0]
		e.submitErrs = e.submitErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	e.submitted = append(e.submitted, call)
	return TxHash(len(e.submitted)), nil
}

// Submitted returns the calls that were successfully submitted.
func (e *Executor) Submitted() []chain.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chain.Call, len(e.submitted))
	copy(out, e.submitted)
	return out
}

// Simulations returns the number of Simulate calls so far.
func (e *Executor) Simulations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simulated
}

// TxHash is the hash returned for the n-th successful submission (1-based).
func TxHash(n int) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", n)))
}
