package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/idgen"
	"github.com/swifthaul/payhold/internal/money"
)

// windowEntry records a single escrow creation for sliding-window analysis.
type windowEntry struct {
	PayeeID   string
	Amount    money.Cents
	Timestamp time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	weightMethod   = 0.30
	weightAmount   = 0.30
	weightVelocity = 0.25
	weightNovelty  = 0.15
)

// Engine scores escrow creations using in-memory sliding windows per payer.
type Engine struct {
	windows sync.Map // map[string]*payerWindow
	store   Store
}

type payerWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewEngine creates a risk scoring engine backed by the given audit store.
// A nil store disables the audit trail.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Score implements the ledger's scorer interface: a synchronous 0-100
// score for a new escrow. The window is updated as a side effect so the
// next creation sees this one in the history.
func (e *Engine) Score(payerID, payeeID string, amount money.Cents, method escrow.Method) int {
	return e.Assess(payerID, payeeID, amount, method).Score
}

// Assess evaluates an escrow creation and records the assessment.
func (e *Engine) Assess(payerID, payeeID string, amount money.Cents, method escrow.Method) *Assessment {
	w := e.getWindow(payerID)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	factors := map[string]float64{
		"method":   methodFactor(method),
		"amount":   amountFactor(entries, amount),
		"velocity": velocityFactor(entries),
		"novelty":  noveltyFactor(entries, payeeID),
	}

	raw := factors["method"]*weightMethod +
		factors["amount"]*weightAmount +
		factors["velocity"]*weightVelocity +
		factors["novelty"]*weightNovelty
	if raw > 1.0 {
		raw = 1.0
	}
	if raw < 0.0 {
		raw = 0.0
	}
	score := int(math.Round(raw * 100))

	band := BandLow
	if score >= DefaultHighThreshold {
		band = BandHigh
	} else if score >= DefaultElevatedThreshold {
		band = BandElevated
	}

	a := &Assessment{
		ID:          idgen.WithPrefix("rsk_"),
		PayerID:     payerID,
		Score:       score,
		Factors:     factors,
		Band:        band,
		EvaluatedAt: time.Now(),
	}

	e.recordCreation(payerID, payeeID, amount)

	// Best-effort audit trail.
	if e.store != nil {
		go func() {
			_ = e.store.Record(context.Background(), a)
		}()
	}
	return a
}

// recordCreation appends the creation to the payer's sliding window.
func (e *Engine) recordCreation(payerID, payeeID string, amount money.Cents) {
	w := e.getWindow(payerID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		PayeeID:   payeeID,
		Amount:    amount,
		Timestamp: time.Now(),
	})
	e.pruneWindow(w)
}

func (e *Engine) getWindow(payerID string) *payerWindow {
	v, _ := e.windows.LoadOrStore(payerID, &payerWindow{})
	return v.(*payerWindow)
}

// snapshotEntries returns a copy of non-expired entries (caller holds lock).
func (e *Engine) snapshotEntries(w *payerWindow) []windowEntry {
	cutoff := time.Now().Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize.
func (e *Engine) pruneWindow(w *payerWindow) {
	cutoff := time.Now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// methodFactor ranks payment methods by chargeback and fraud exposure.
func methodFactor(m escrow.Method) float64 {
	switch m {
	case escrow.MethodCash:
		return 0.5
	case escrow.MethodCard:
		return 0.3
	case escrow.MethodBank:
		return 0.2
	case escrow.MethodWallet:
		return 0.0
	}
	return 0.4
}

// amountFactor: how far the amount sits above the payer's 24h average.
// 10x the average = 0.5, 100x = 1.0, log10 scaling.
func amountFactor(entries []windowEntry, amount money.Cents) float64 {
	if len(entries) < 2 {
		return 0.0 // not enough history
	}

	var total money.Cents
	for _, entry := range entries {
		total += entry.Amount
	}
	avg := float64(total) / float64(len(entries))
	if avg <= 0 {
		return 0.0
	}

	ratio := float64(amount) / avg
	if ratio <= 1.0 {
		return 0.0
	}
	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1000) / 1000
}

// velocityFactor: creations in the last hour vs the 24h hourly average.
func velocityFactor(entries []windowEntry) float64 {
	if len(entries) < 3 {
		return 0.0
	}

	oneHourAgo := time.Now().Add(-time.Hour)
	lastHour := 0
	for _, entry := range entries {
		if entry.Timestamp.After(oneHourAgo) {
			lastHour++
		}
	}

	avgHourly := float64(len(entries)) / 24.0
	if avgHourly <= 0 {
		return 0.0
	}
	ratio := float64(lastHour+1) / avgHourly
	if ratio <= 1.0 {
		return 0.0
	}
	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1000) / 1000
}

// noveltyFactor: score based on how many times this payer has paid this
// payee. Never seen = 0.6, seen 1-2x = 0.3, seen 3+ = 0.0.
func noveltyFactor(entries []windowEntry, payeeID string) float64 {
	if payeeID == "" {
		return 0.0
	}
	count := 0
	for _, entry := range entries {
		if entry.PayeeID == payeeID {
			count++
		}
	}
	switch {
	case count >= 3:
		return 0.0
	case count >= 1:
		return 0.3
	default:
		if len(entries) == 0 {
			// No history at all, cold start, treat as safe
			return 0.0
		}
		return 0.6
	}
}
