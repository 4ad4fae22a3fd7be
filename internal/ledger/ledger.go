package ledger

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/GEJFY/inference-gateway/internal/pricing"
)

const defaultMaxEntries = 10000

// Entry is one completed, billed call. Entries are never mutated after
// Record returns them.
type Entry struct {
	Timestamp    time.Time    `json:"timestamp"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Tier         pricing.Tier `json:"tier"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	CostUSD      float64      `json:"cost_usd"`
	UserID       string       `json:"user_id,omitempty"`
	RequestID    string       `json:"request_id,omitempty"`
	Operation    string       `json:"operation"`
}

// Usage is the input to Record; the ledger computes the cost.
type Usage struct {
	Provider     string
	Model        string
	Tier         pricing.Tier
	InputTokens  int
	OutputTokens int
	UserID       string
	RequestID    string
	Operation    string
}

// Sink receives entries for durable storage. Writes happen off the request
// path; a failing sink never fails a request.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Ledger is the append-only in-memory record of completed requests. It is
// bounded: past maxEntries the oldest entries are evicted first, so summaries
// over evicted ranges undercount. That is an accepted limitation, not a bug.
type Ledger struct {
	mu         sync.Mutex
	entries    []Entry
	maxEntries int
	table      *pricing.Table
	sink       Sink

	now func() time.Time
}

func New(table *pricing.Table, maxEntries int) *Ledger {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Ledger{
		maxEntries: maxEntries,
		table:      table,
		now:        time.Now,
	}
}

// SetSink attaches a durable sink. Startup-time only.
func (l *Ledger) SetSink(s Sink) { l.sink = s }

// Record computes the cost for the usage via the tier table, appends an
// entry, and returns it. Safe for concurrent use.
func (l *Ledger) Record(ctx context.Context, u Usage) (Entry, error) {
	cost, err := l.table.EstimateCost(u.Provider, u.Tier, u.InputTokens, u.OutputTokens)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Timestamp:    l.now().UTC(),
		Provider:     u.Provider,
		Model:        u.Model,
		Tier:         u.Tier,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		UserID:       u.UserID,
		RequestID:    u.RequestID,
		Operation:    u.Operation,
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxEntries {
		// FIFO eviction; copy down so the backing array does not pin
		// evicted entries.
		n := copy(l.entries, l.entries[len(l.entries)-l.maxEntries:])
		l.entries = l.entries[:n]
	}
	l.mu.Unlock()

	if l.sink != nil {
		go func() {
			if err := l.sink.Write(context.Background(), e); err != nil {
				log.Printf("ledger: sink write failed: %v", err)
			}
		}()
	}
	return e, nil
}

type Summary struct {
	Since             time.Time          `json:"since"`
	Until             time.Time          `json:"until"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	TotalRequests     int                `json:"total_requests"`
	TotalInputTokens  int                `json:"total_input_tokens"`
	TotalOutputTokens int                `json:"total_output_tokens"`
	ByProvider        map[string]float64 `json:"by_provider"`
	ByModel           map[string]float64 `json:"by_model"`
	ByTier            map[string]float64 `json:"by_tier"`
	ByUser            map[string]float64 `json:"by_user"`
}

// Summary aggregates entries with timestamps in [since, until). Zero values
// default to the start of the current calendar month and now respectively.
func (l *Ledger) Summary(since, until time.Time) Summary {
	return l.summarize(since, until, "")
}

// UserSummary is Summary restricted to one user's entries.
func (l *Ledger) UserSummary(userID string, since, until time.Time) Summary {
	return l.summarize(since, until, userID)
}

func (l *Ledger) summarize(since, until time.Time, userID string) Summary {
	now := l.now().UTC()
	if since.IsZero() {
		since = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if until.IsZero() {
		until = now
	}

	s := Summary{
		Since:      since,
		Until:      until,
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
		ByTier:     make(map[string]float64),
		ByUser:     make(map[string]float64),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Timestamp.Before(since) || !e.Timestamp.Before(until) {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		s.TotalCostUSD += e.CostUSD
		s.TotalRequests++
		s.TotalInputTokens += e.InputTokens
		s.TotalOutputTokens += e.OutputTokens
		s.ByProvider[e.Provider] += e.CostUSD
		s.ByModel[e.Model] += e.CostUSD
		s.ByTier[string(e.Tier)] += e.CostUSD
		if e.UserID != "" {
			s.ByUser[e.UserID] += e.CostUSD
		}
	}
	return s
}

// Round4 rounds a USD amount to 4 decimals for presentation.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Rounded returns a copy of s with all amounts rounded to 4 decimals.
func (s Summary) Rounded() Summary {
	out := s
	out.TotalCostUSD = Round4(s.TotalCostUSD)
	out.ByProvider = roundMap(s.ByProvider)
	out.ByModel = roundMap(s.ByModel)
	out.ByTier = roundMap(s.ByTier)
	out.ByUser = roundMap(s.ByUser)
	return out
}

func roundMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = Round4(v)
	}
	return out
}
