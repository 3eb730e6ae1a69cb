package budget

import (
	"fmt"
	"time"
)

// Balance is the aggregate budget ledger of one plan. Reserved, Settled and
// Refunded are cumulative; Outstanding is what is reserved but not yet
// settled or refunded.
type Balance struct {
	PlanID   string `json:"plan_id"`
	Ceiling  Amount `json:"ceiling"`
	Reserved Amount `json:"reserved"`
	Settled  Amount `json:"settled"`
	Refunded Amount `json:"refunded"`
}

// Outstanding returns Reserved - Settled - Refunded.
func (b Balance) Outstanding() (Amount, error) {
	closed, err := b.Settled.Add(b.Refunded)
	if err != nil {
		return Amount{}, err
	}
	return b.Reserved.Sub(closed)
}

// Committed returns Settled + Outstanding, the amount counted against the ceiling.
func (b Balance) Committed() (Amount, error) {
	out, err := b.Outstanding()
	if err != nil {
		return Amount{}, err
	}
	return b.Settled.Add(out)
}

// Available returns the per-dimension headroom under the ceiling for the
// enforced dimensions. Unenforced dimensions report zero.
func (b Balance) Available() (Amount, error) {
	committed, err := b.Committed()
	if err != nil {
		return Amount{}, err
	}
	avail := Amount{USDMicro: b.Ceiling.USDMicro - committed.USDMicro}
	if b.Ceiling.CPUMs > 0 {
		avail.CPUMs = b.Ceiling.CPUMs - committed.CPUMs
	}
	if b.Ceiling.IOBytes > 0 {
		avail.IOBytes = b.Ceiling.IOBytes - committed.IOBytes
	}
	return avail, nil
}

// CanReserve reports whether amount fits without mutating the balance.
func (b Balance) CanReserve(amount Amount) error {
	if err := amount.Validate(); err != nil {
		return err
	}
	committed, err := b.Committed()
	if err != nil {
		return err
	}
	next, err := committed.Add(amount)
	if err != nil {
		return err
	}
	if dim, ok := next.Within(b.Ceiling); !ok {
		return fmt.Errorf("%w: %s would exceed ceiling (%s)", ErrInsufficient, dim, b.Ceiling)
	}
	return nil
}

// Reserve adds amount to Reserved. Fails closed when the ceiling would be exceeded.
func (b *Balance) Reserve(amount Amount) error {
	if err := b.CanReserve(amount); err != nil {
		return err
	}
	next, err := b.Reserved.Add(amount)
	if err != nil {
		return err
	}
	b.Reserved = next
	return nil
}

// Settle closes a reservation of size reserved. reserved must equal
// actual + refund exactly, and no running total may go negative.
func (b *Balance) Settle(reserved, actual, refund Amount) error {
	sum, err := actual.Add(refund)
	if err != nil {
		return err
	}
	if sum != reserved {
		return fmt.Errorf("%w: reserved %s != actual %s + refund %s", ErrUnbalanced, reserved, actual, refund)
	}
	out, err := b.Outstanding()
	if err != nil {
		return err
	}
	if _, err := out.Sub(reserved); err != nil {
		return fmt.Errorf("settle exceeds outstanding reservations: %w", err)
	}
	settled, err := b.Settled.Add(actual)
	if err != nil {
		return err
	}
	refunded, err := b.Refunded.Add(refund)
	if err != nil {
		return err
	}
	b.Settled, b.Refunded = settled, refunded
	return nil
}

// ReservationState tracks whether a reservation has been settled.
type ReservationState string

const (
	ReservationOpen    ReservationState = "open"
	ReservationSettled ReservationState = "settled"
)

// Reservation is the token returned by a successful reserve.
type Reservation struct {
	Token        string           `json:"token"`
	PlanID       string           `json:"plan_id"`
	TransitionID string           `json:"transition_id"`
	Amount       Amount           `json:"amount"`
	State        ReservationState `json:"state"`
	CreatedAt    time.Time        `json:"created_at"`
}
