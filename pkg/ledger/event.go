package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/substrate/pkg/canonicalize"
)

// Event types recorded by the kernel.
const (
	EventPlanOpened         = "plan.opened"
	EventBudgetReserved     = "budget.reserved"
	EventBudgetSettled      = "budget.settled"
	EventBudgetOverrun      = "budget.overrun"
	EventExecutionStarted   = "execution.started"
	EventExecutionMemoHit   = "execution.memo_hit"
	EventExecutionSucceeded = "execution.succeeded"
	EventExecutionFailed    = "execution.failed"
	EventTransitionFailed   = "transition.failed"
	EventPredicateRegressed = "predicate.regressed"
)

// Event is one immutable, hash-chained ledger record. Payload holds the
// RFC 8785 canonical JSON that was hashed.
type Event struct {
	PlanID    string          `json:"plan_id"`
	Seq       int64           `json:"seq"`
	PrevHash  string          `json:"prev_hash"`
	ThisHash  string          `json:"this_hash"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ComputeHash returns hex(SHA-256(prev_hash_bytes || payload)). prevHash is
// the hex of the previous event's digest, or "" for the first event.
func ComputeHash(prevHash string, canonicalPayload []byte) (string, error) {
	prev, err := hex.DecodeString(prevHash)
	if err != nil {
		return "", fmt.Errorf("%w: prev_hash is not hex", ErrChainBroken)
	}
	h := sha256.New()
	h.Write(prev)
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainError reports where a chain stopped verifying.
type ChainError struct {
	PlanID string
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger: chain broken for plan %s at seq %d: %s", e.PlanID, e.Seq, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// VerifyChain recomputes every hash and link of a single plan's events,
// which must be ordered by seq. It is pure.
func VerifyChain(events []Event) error {
	prev := ""
	for i := range events {
		ev := &events[i]
		fail := func(reason string) error {
			return &ChainError{PlanID: ev.PlanID, Seq: ev.Seq, Reason: reason}
		}
		if i > 0 && ev.PlanID != events[0].PlanID {
			return fail("event belongs to another plan")
		}
		if ev.Seq != int64(i)+1 {
			return fail(fmt.Sprintf("expected seq %d", i+1))
		}
		if ev.PrevHash != prev {
			return fail("prev_hash does not link to the previous event")
		}
		if err := verifyEvent(ev); err != nil {
			return fail(err.Error())
		}
		prev = ev.ThisHash
	}
	return nil
}

func verifyEvent(ev *Event) error {
	canonical, err := canonicalize.Transform(ev.Payload)
	if err != nil {
		return errors.New("payload is not valid JSON")
	}
	want, err := ComputeHash(ev.PrevHash, canonical)
	if err != nil {
		return err
	}
	if want != ev.ThisHash {
		return errors.New("this_hash does not match payload")
	}
	return nil
}
