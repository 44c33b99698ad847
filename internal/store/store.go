package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the call log. The server runs fine without a database:
// a Store built over a nil pool reports Enabled() == false and every write
// becomes a no-op, so handlers never need to branch on configuration.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

type Call struct {
	ID                 string     `json:"id,omitempty"`
	Provider           string     `json:"provider"`
	ProviderCallID     string     `json:"provider_call_id"`
	Direction          string     `json:"direction"`
	FromNumber         string     `json:"from_number"`
	ToNumber           string     `json:"to_number"`
	Status             string     `json:"status"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	EstimatedCostCents *int       `json:"estimated_cost_cents,omitempty"`
}

type Transcript struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

type CallListItem struct {
	Call
	TranscriptCount int `json:"transcript_count"`
}

// terminalStatuses are the provider statuses after which a call can no
// longer progress.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

func IsTerminalStatus(status string) bool {
	return terminalStatuses[status]
}

func (s *Store) UpsertCall(ctx context.Context, c Call) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (id, provider, provider_call_id, direction, from_number, to_number, status, started_at)
		VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider, provider_call_id) DO UPDATE SET
			from_number = EXCLUDED.from_number,
			to_number = EXCLUDED.to_number,
			status = EXCLUDED.status
	`, c.Provider, c.ProviderCallID, c.Direction, c.FromNumber, c.ToNumber, c.Status, c.StartedAt)
	return err
}

// EnsureCall inserts a call row only when none exists yet. The media stream
// start event knows the call SID but not the phone numbers, so it must not
// overwrite rows created with full details.
func (s *Store) EnsureCall(ctx context.Context, c Call) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (id, provider, provider_call_id, direction, from_number, to_number, status, started_at)
		VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider, provider_call_id) DO NOTHING
	`, c.Provider, c.ProviderCallID, c.Direction, c.FromNumber, c.ToNumber, c.Status, c.StartedAt)
	return err
}

func (s *Store) UpdateCallStatus(ctx context.Context, providerCallID string, status string, at time.Time) error {
	if !s.Enabled() {
		return nil
	}
	var endedAt *time.Time
	if IsTerminalStatus(status) {
		endedAt = &at
	}
	_, err := s.db.Exec(ctx, `
		UPDATE calls
		SET status = $1,
		    ended_at = COALESCE($2, ended_at)
		WHERE provider='twilio' AND provider_call_id=$3
	`, status, endedAt, providerCallID)
	return err
}

func (s *Store) UpdateCallCost(ctx context.Context, providerCallID string, costCents int) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE calls
		SET estimated_cost_cents = $1
		WHERE provider='twilio' AND provider_call_id=$2
	`, costCents, providerCallID)
	return err
}

// GetCallID retrieves the internal call ID for a provider call ID. Unknown
// calls resolve to an empty ID without error so callers can log against the
// result unconditionally.
func (s *Store) GetCallID(ctx context.Context, providerCallID string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	var callID string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM calls WHERE provider='twilio' AND provider_call_id=$1
	`, providerCallID).Scan(&callID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return callID, nil
}

// InsertTranscript appends one transcript line to a call.
func (s *Store) InsertTranscript(ctx context.Context, callID string, t Transcript) error {
	if !s.Enabled() || callID == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_transcripts (id, call_id, speaker, text, sequence, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now())
	`, callID, t.Speaker, t.Text, t.Sequence)
	return err
}

func (s *Store) ListCalls(ctx context.Context, limit int) ([]CallListItem, error) {
	if !s.Enabled() {
		return nil, errors.New("store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.provider, c.provider_call_id, c.direction, c.from_number, c.to_number,
		       c.status, c.started_at, c.ended_at, c.estimated_cost_cents,
		       COUNT(t.id) AS transcript_count
		FROM calls c
		LEFT JOIN call_transcripts t ON t.call_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallListItem
	for rows.Next() {
		var item CallListItem
		err := rows.Scan(
			&item.ID, &item.Provider, &item.ProviderCallID, &item.Direction, &item.FromNumber,
			&item.ToNumber, &item.Status, &item.StartedAt, &item.EndedAt, &item.EstimatedCostCents,
			&item.TranscriptCount,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListTranscripts returns a call's transcript lines in spoken order.
func (s *Store) ListTranscripts(ctx context.Context, callID string) ([]Transcript, error) {
	if !s.Enabled() {
		return nil, errors.New("store is not configured")
	}
	rows, err := s.db.Query(ctx, `
		SELECT speaker, text, sequence, created_at
		FROM call_transcripts
		WHERE call_id = $1
		ORDER BY sequence ASC
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.Speaker, &t.Text, &t.Sequence, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteCallsBefore removes calls that started before the cutoff. Transcript
// and event rows cascade with their call. It reports the number of calls
// removed.
func (s *Store) DeleteCallsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	result, err := s.db.Exec(ctx, `
		DELETE FROM calls WHERE started_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
