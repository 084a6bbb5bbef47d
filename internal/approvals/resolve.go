package approvals

import (
	"fmt"

	"github.com/fakeyudi/agentconsole/internal/gateway"
)

// Outcome is how a resolve attempt ended.
type Outcome int

const (
	// Resolved means the gateway accepted the decision.
	Resolved Outcome = iota
	// AlreadyResolved means the gateway no longer knew the id.
	AlreadyResolved
	// SoftFailure means the transport dropped; the approval stays as it was.
	SoftFailure
	// Failed means the gateway rejected the decision.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case AlreadyResolved:
		return "already-resolved"
	case SoftFailure:
		return "soft-failure"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Removes reports whether the approval should leave the store.
func (o Outcome) Removes() bool { return o == Resolved || o == AlreadyResolved }

// BeginResolve marks id as resolving and clears its previous error.
func BeginResolve(s Set, id string) (Set, Pending, error) {
	p, ok := s.Find(id)
	if !ok {
		return s, Pending{}, fmt.Errorf("resolve %s: %w", id, ErrNotFound)
	}
	if p.Resolving {
		return s, p, fmt.Errorf("resolve %s: %w", id, ErrAlreadyResolving)
	}
	s = s.Update(id, func(p Pending) Pending {
		p.Resolving = true
		p.Error = ""
		return p
	})
	p, _ = s.Find(id)
	return s, p, nil
}

// Classify maps a resolve RPC error to an outcome. A nil isDisconnect uses
// gateway.IsDisconnect.
func Classify(err error, isDisconnect func(error) bool) Outcome {
	if isDisconnect == nil {
		isDisconnect = gateway.IsDisconnect
	}
	switch {
	case err == nil:
		return Resolved
	case gateway.IsUnknownApprovalID(err):
		return AlreadyResolved
	case isDisconnect(err):
		return SoftFailure
	}
	return Failed
}

// FinishResolve records the result of the resolve RPC for id.
func FinishResolve(s Set, id string, err error, isDisconnect func(error) bool) (Set, Outcome) {
	outcome := Classify(err, isDisconnect)
	switch outcome {
	case Resolved, AlreadyResolved:
		return s.RemoveEverywhere(id), outcome
	case SoftFailure:
		return s.Update(id, func(p Pending) Pending {
			p.Resolving = false
			return p
		}), outcome
	}
	return s.Update(id, func(p Pending) Pending {
		p.Resolving = false
		p.Error = err.Error()
		return p
	}), outcome
}
