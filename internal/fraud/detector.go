// Package fraud classifies committed transactions against history-windowed
// heuristics. It never writes; persisting a flag is the caller's job.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"wallet_ledger/internal/domain"
)

// Flag reasons, in rule priority order
const (
	ReasonVelocity        = "Multiple transfers in a short period"
	ReasonLargeWithdrawal = "Large withdrawal"
	ReasonOutlier         = "Transaction amount significantly higher than average"
)

// Rules holds the tunable thresholds of the detector
type Rules struct {
	VelocityWindow           time.Duration   // Trailing window for counting transfers
	VelocityLimit            int             // Transfers in the window that trigger a flag
	LargeWithdrawalThreshold decimal.Decimal // Withdrawals strictly above this are flagged
	OutlierWindow            time.Duration   // Trailing window for the average
	OutlierFactor            decimal.Decimal // Amounts above factor x average are flagged
}

// DefaultRules returns the stock thresholds: 5 transfers per hour, 1000 per
// withdrawal, 3x the 30-day average.
func DefaultRules() Rules {
	return Rules{
		VelocityWindow:           time.Hour,
		VelocityLimit:            5,
		LargeWithdrawalThreshold: decimal.NewFromInt(1000),
		OutlierWindow:            30 * 24 * time.Hour,
		OutlierFactor:            decimal.NewFromInt(3),
	}
}

// History is the read side of the transaction ledger the detector needs
type History interface {
	FindByActorAndType(ctx context.Context, ownerID string, txType domain.TransactionType, since time.Time) ([]domain.Transaction, error)
	FindByActor(ctx context.Context, ownerID string, since time.Time) ([]domain.Transaction, error)
}

// Verdict is the outcome of classifying one transaction
type Verdict struct {
	Flagged bool
	Reason  string
}

func flag(reason string) Verdict { return Verdict{Flagged: true, Reason: reason} }

// Detector evaluates the rules in fixed order, first match wins
type Detector struct {
	history History
	rules   Rules
}

// NewDetector returns a Detector reading from history
func NewDetector(history History, rules Rules) *Detector {
	return &Detector{history: history, rules: rules}
}

// Rules returns the thresholds in use
func (d *Detector) Rules() Rules { return d.rules }

// Classify checks tx, already committed, for actorID as of now
func (d *Detector) Classify(ctx context.Context, actorID string, tx domain.Transaction, now time.Time) (Verdict, error) {
	// Velocity applies to transfers only
	if tx.Type == domain.TransactionTypeTransfer {
		hit, err := d.velocity(ctx, actorID, now)
		if err != nil {
			return Verdict{}, err
		}
		if hit {
			return flag(ReasonVelocity), nil
		}
	}

	if tx.Type == domain.TransactionTypeWithdrawal && tx.Amount.GreaterThan(d.rules.LargeWithdrawalThreshold) {
		return flag(ReasonLargeWithdrawal), nil
	}

	hit, err := d.outlier(ctx, actorID, tx.Amount, now) // Any type
	if err != nil {
		return Verdict{}, err
	}
	if hit {
		return flag(ReasonOutlier), nil
	}
	return Verdict{}, nil
}

func (d *Detector) velocity(ctx context.Context, actorID string, now time.Time) (bool, error) {
	if d.rules.VelocityLimit <= 0 {
		return false, nil
	}
	txs, err := d.history.FindByActorAndType(ctx, actorID, domain.TransactionTypeTransfer, now.Add(-d.rules.VelocityWindow))
	if err != nil {
		return false, fmt.Errorf("velocity history: %w", err)
	}
	count := 0 // Includes tx itself, already committed
	for _, tx := range until(txs, now) {
		if tx.FromOwnerID == actorID {
			count++
		}
	}
	return count >= d.rules.VelocityLimit, nil
}

func (d *Detector) outlier(ctx context.Context, actorID string, amount decimal.Decimal, now time.Time) (bool, error) {
	txs, err := d.history.FindByActor(ctx, actorID, now.Add(-d.rules.OutlierWindow))
	if err != nil {
		return false, fmt.Errorf("outlier history: %w", err)
	}
	txs = until(txs, now)
	if len(txs) == 0 {
		return false, nil
	}
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(txs)))) // Mean over the window
	return amount.GreaterThan(mean.Mul(d.rules.OutlierFactor)), nil
}

// until drops records created after now
func until(txs []domain.Transaction, now time.Time) []domain.Transaction {
	out := txs[:0:0]
	for _, tx := range txs {
		if !tx.CreatedAt.After(now) {
			out = append(out, tx)
		}
	}
	return out
}
