// Package budget provides integer-only budget value objects with checked
// arithmetic. Nothing here clamps: an operation that would drive a balance
// negative or overflow fails instead, and callers fail closed.
package budget

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNegative is returned when an amount or a result would be negative.
	ErrNegative = errors.New("budget: negative amount")
	// ErrOverflow is returned when an addition would overflow int64.
	ErrOverflow = errors.New("budget: overflow")
	// ErrInsufficient is returned when a reservation would exceed the ceiling.
	ErrInsufficient = errors.New("budget: insufficient budget")
	// ErrUnbalanced is returned when reserved != actual + refund.
	ErrUnbalanced = errors.New("budget: settle does not balance")
)

// Amount is a multi-dimensional integer cost. USDMicro is always enforced;
// CPUMs and IOBytes are enforced only when the ceiling sets them.
type Amount struct {
	USDMicro int64 `json:"usd_micro"`
	CPUMs    int64 `json:"cpu_ms,omitempty"`
	IOBytes  int64 `json:"io_bytes,omitempty"`
}

// USD is shorthand for an amount with only the usd_micro dimension set.
func USD(micro int64) Amount { return Amount{USDMicro: micro} }

func (a Amount) String() string {
	return fmt.Sprintf("usd_micro=%d cpu_ms=%d io_bytes=%d", a.USDMicro, a.CPUMs, a.IOBytes)
}

// IsZero reports whether every dimension is zero.
func (a Amount) IsZero() bool { return a == Amount{} }

// Validate rejects negative dimensions.
func (a Amount) Validate() error {
	if a.USDMicro < 0 || a.CPUMs < 0 || a.IOBytes < 0 {
		return fmt.Errorf("%w: %s", ErrNegative, a)
	}
	return nil
}

// Add returns a+b, failing on overflow or negative operands.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	if err := b.Validate(); err != nil {
		return Amount{}, err
	}
	var out Amount
	var err error
	if out.USDMicro, err = add(a.USDMicro, b.USDMicro); err != nil {
		return Amount{}, err
	}
	if out.CPUMs, err = add(a.CPUMs, b.CPUMs); err != nil {
		return Amount{}, err
	}
	if out.IOBytes, err = add(a.IOBytes, b.IOBytes); err != nil {
		return Amount{}, err
	}
	return out, nil
}

// Sub returns a-b, failing if any dimension would go negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := b.Validate(); err != nil {
		return Amount{}, err
	}
	out := Amount{
		USDMicro: a.USDMicro - b.USDMicro,
		CPUMs:    a.CPUMs - b.CPUMs,
		IOBytes:  a.IOBytes - b.IOBytes,
	}
	if err := out.Validate(); err != nil {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrNegative, a, b)
	}
	return out, nil
}

// Within reports whether a fits under ceiling. It returns the name of the
// first dimension that does not fit.
func (a Amount) Within(ceiling Amount) (string, bool) {
	if a.USDMicro > ceiling.USDMicro {
		return "usd_micro", false
	}
	if ceiling.CPUMs > 0 && a.CPUMs > ceiling.CPUMs {
		return "cpu_ms", false
	}
	if ceiling.IOBytes > 0 && a.IOBytes > ceiling.IOBytes {
		return "io_bytes", false
	}
	return "", true
}

// Min returns the per-dimension minimum of a and b.
func (a Amount) Min(b Amount) Amount {
	return Amount{
		USDMicro: min(a.USDMicro, b.USDMicro),
		CPUMs:    min(a.CPUMs, b.CPUMs),
		IOBytes:  min(a.IOBytes, b.IOBytes),
	}
}

func add(x, y int64) (int64, error) {
	if y > 0 && x > math.MaxInt64-y {
		return 0, ErrOverflow
	}
	return x + y, nil
}
