package fee

import "errors"

// Amounts are integer minor units (cents). HourlyRate is cents per
// hour, hours are whole hours worked on the booking.

var (
	ErrInvalidHours = errors.New("invalid_hours")
	ErrInvalidRate  = errors.New("invalid_rate")
	ErrInvalidFee   = errors.New("invalid_fee")
)

// Breakdown is the fee split for one booking charge.
type Breakdown struct {
	Amount       int64
	PlatformFee  int64
	WorkerAmount int64
}

// Calculator computes the platform fee split. BasisPoints is the
// platform's cut of the subtotal, e.g. 500 for 5%.
type Calculator struct {
	BasisPoints int64
}

func NewCalculator(basisPoints int64) (Calculator, error) {
	if basisPoints < 0 || basisPoints > 10000 {
		return Calculator{}, ErrInvalidFee
	}
	return Calculator{BasisPoints: basisPoints}, nil
}

// Bounds on a single booking charge. They cap the subtotal well below
// the int64 range so hours * hourlyRate cannot overflow.
const (
	MaxHours      = 10_000
	MaxHourlyRate = 100_000_000 // one million dollars per hour, in cents
)

// Calculate splits hours x rate into platform fee and worker payout.
// The fee truncates toward zero, so rounding cents stay with the
// worker; Amount == PlatformFee + WorkerAmount always holds.
func (c Calculator) Calculate(hours int64, hourlyRate int64) (Breakdown, error) {
	if hours <= 0 || hours > MaxHours {
		return Breakdown{}, ErrInvalidHours
	}
	if hourlyRate <= 0 || hourlyRate > MaxHourlyRate {
		return Breakdown{}, ErrInvalidRate
	}

	amount := hours * hourlyRate
	platformFee := amount * c.BasisPoints / 10000
	return Breakdown{
		Amount:       amount,
		PlatformFee:  platformFee,
		WorkerAmount: amount - platformFee,
	}, nil
}
