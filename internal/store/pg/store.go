package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wacast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignColumns = `
	id, name, template_name, template_language, template_vars,
	COALESCE(rate_limit, 0), retry_failed, max_retries, status,
	sent_count, delivered_count, read_count, failed_count, responded_count,
	started_at, completed_at, created_at, updated_at`

func (s *Store) InsertCampaign(ctx context.Context, in store.CampaignInsert) error {
	vars, _ := json.Marshal(in.TemplateVars)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, name, template_name, template_language, template_vars,
			rate_limit, retry_failed, max_retries, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, in.ID, in.Name, in.TemplateName, in.TemplateLanguage, vars,
		nullIfZero(in.RateLimit), in.RetryFailed, in.MaxRetries, in.Status, in.Now)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (store.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Campaign{}, false, nil
		}
		return store.Campaign{}, false, err
	}
	return c, true, nil
}

func scanCampaign(row pgx.Row) (store.Campaign, error) {
	var c store.Campaign
	var vars []byte
	err := row.Scan(&c.ID, &c.Name, &c.TemplateName, &c.TemplateLanguage, &vars,
		&c.RateLimit, &c.RetryFailed, &c.MaxRetries, &c.Status,
		&c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount, &c.RespondedCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return store.Campaign{}, err
	}
	_ = json.Unmarshal(vars, &c.TemplateVars)
	return c, nil
}

// UpdateCampaignStatusIf performs a conditional status transition and reports
// whether a row moved. The sending transition doubles as the dispatch claim:
// only one caller wins the update.
func (s *Store) UpdateCampaignStatusIf(ctx context.Context, id string, from []string, to string, now time.Time) (bool, error) {
	var startedAt any
	if to == "sending" {
		startedAt = now
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2,
		    started_at=COALESCE($3, started_at),
		    completed_at=CASE WHEN $2='sending' THEN NULL ELSE completed_at END,
		    updated_at=$4
		WHERE id=$1 AND status = ANY($5)
	`, id, to, startedAt, now, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkCampaignStatus(ctx context.Context, id, status string, completedAt *time.Time, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, completed_at=COALESCE($3, completed_at), updated_at=$4 WHERE id=$1
	`, id, status, completedAt, now)
	return err
}

// SetCampaignCompletedAt records a completion timestamp without touching the
// status (used when a window-level pause/cancel halts the loop).
func (s *Store) SetCampaignCompletedAt(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET completed_at=$2, updated_at=$2 WHERE id=$1
	`, id, now)
	return err
}

// ResetCampaignForResend re-arms a completed campaign: every recipient back
// to pending with cleared attempt state, all aggregate counters zeroed. The
// reset only applies while the campaign is still completed; the guarded
// campaign update runs first and holds the row lock for the rest of the
// transaction, so a concurrent start that has already claimed the campaign
// can never have its recipients wiped underneath it.
func (s *Store) ResetCampaignForResend(ctx context.Context, id string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE campaigns
		SET sent_count=0, delivered_count=0, read_count=0, failed_count=0, responded_count=0,
		    started_at=NULL, completed_at=NULL, updated_at=$2
		WHERE id=$1 AND status='completed'
	`, id, now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE recipients
		SET status='pending', retry_count=0, last_retry_at=NULL,
		    error_code=NULL, error_message=NULL,
		    sent_at=NULL, failed_at=NULL, delivered_at=NULL, read_at=NULL, responded_at=NULL,
		    provider_msg_id=NULL, updated_at=$2
		WHERE campaign_id=$1
	`, id, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertRecipients(ctx context.Context, in []store.RecipientInsert) error {
	batch := &pgx.Batch{}
	for _, r := range in {
		vars, _ := json.Marshal(r.Vars)
		batch.Queue(`
			INSERT INTO recipients (id, campaign_id, phone, vars, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'pending',$5,$5)
		`, r.ID, r.CampaignID, r.Phone, vars, r.Now)
	}
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	for range in {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

const recipientColumns = `
	id, campaign_id, phone, vars, status, retry_count, last_retry_at,
	COALESCE(error_code,''), COALESCE(error_message,''),
	sent_at, failed_at, delivered_at, read_at, responded_at,
	COALESCE(provider_msg_id,''), created_at`

func scanRecipients(rows pgx.Rows) ([]store.Recipient, error) {
	defer rows.Close()
	var out []store.Recipient
	for rows.Next() {
		var r store.Recipient
		var vars []byte
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Phone, &vars, &r.Status,
			&r.RetryCount, &r.LastRetryAt, &r.ErrorCode, &r.ErrorMessage,
			&r.SentAt, &r.FailedAt, &r.DeliveredAt, &r.ReadAt, &r.RespondedAt,
			&r.ProviderMsgID, &r.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(vars, &r.Vars)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDispatchable returns the next batch of sendable recipients. Pending
// rows come before retry rows, oldest first, so a retry storm cannot starve
// first-attempt sends.
func (s *Store) ListDispatchable(ctx context.Context, campaignID string, limit int) ([]store.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE campaign_id=$1 AND status IN ('pending','retry')
		ORDER BY CASE WHEN status='pending' THEN 0 ELSE 1 END, created_at
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecipients(rows)
}

func (s *Store) ListRecipients(ctx context.Context, campaignID, status string, limit int) ([]store.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE campaign_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at
		LIMIT $3
	`, campaignID, status, limit)
	if err != nil {
		return nil, err
	}
	return scanRecipients(rows)
}

// ListCampaignIDsByStatus returns campaign ids in the given status, oldest
// first.
func (s *Store) ListCampaignIDsByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM campaigns WHERE status=$1 ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountInFlight counts recipients that still have work pending or in
// progress for the campaign.
func (s *Store) CountInFlight(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM recipients
		WHERE campaign_id=$1 AND status IN ('pending','retry','sending')
	`, campaignID).Scan(&n)
	return n, err
}

func (s *Store) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND status='pending'
	`, campaignID).Scan(&n)
	return n, err
}

func (s *Store) MarkRecipientSending(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE recipients SET status='sending', updated_at=$2 WHERE id=$1
	`, id, now)
	return err
}

func (s *Store) MarkRecipientSent(ctx context.Context, id, campaignID, providerMsgID string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE recipients
		SET status='sent', sent_at=$2, provider_msg_id=$3,
		    retry_count=0, error_code=NULL, error_message=NULL, updated_at=$2
		WHERE id=$1
	`, id, now, nullIfEmpty(providerMsgID)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET sent_count=sent_count+1, updated_at=$2 WHERE id=$1
	`, campaignID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkRecipientRetry(ctx context.Context, id string, retryCount int, errCode, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE recipients
		SET status='retry', retry_count=$2, last_retry_at=$3,
		    error_code=$4, error_message=$5, updated_at=$3
		WHERE id=$1
	`, id, retryCount, now, nullIfEmpty(errCode), nullIfEmpty(errMsg))
	return err
}

// MarkRecipientTerminal ends a recipient as failed or opted_out and bumps the
// campaign failure counter.
func (s *Store) MarkRecipientTerminal(ctx context.Context, id, campaignID, status, errCode, errMsg string, now time.Time) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE recipients
		SET status=$2, failed_at=$3, error_code=$4, error_message=$5, updated_at=$3
		WHERE id=$1
	`, id, status, now, nullIfEmpty(errCode), nullIfEmpty(errMsg)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET failed_count=failed_count+1, updated_at=$2 WHERE id=$1
	`, campaignID, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	payload, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.Provider, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), payload, in.OccurredAt)
	return err
}

// MarkDelivered stamps delivered_at once per recipient and bumps the
// campaign counter only when the stamp was new, keeping counters monotonic
// under webhook redelivery.
func (s *Store) MarkDelivered(ctx context.Context, providerMsgID string, now time.Time) (bool, error) {
	return s.stampByProviderMsgID(ctx, `
		UPDATE recipients SET delivered_at=$2, updated_at=$2
		WHERE provider_msg_id=$1 AND delivered_at IS NULL
		RETURNING campaign_id
	`, `UPDATE campaigns SET delivered_count=delivered_count+1, updated_at=$2 WHERE id=$1`,
		providerMsgID, now)
}

func (s *Store) MarkRead(ctx context.Context, providerMsgID string, now time.Time) (bool, error) {
	return s.stampByProviderMsgID(ctx, `
		UPDATE recipients SET read_at=$2, delivered_at=COALESCE(delivered_at,$2), updated_at=$2
		WHERE provider_msg_id=$1 AND read_at IS NULL
		RETURNING campaign_id
	`, `UPDATE campaigns SET read_count=read_count+1, updated_at=$2 WHERE id=$1`,
		providerMsgID, now)
}

// MarkDeliveryFailed handles a post-send failure callback: the recipient was
// accepted by the provider but never delivered.
func (s *Store) MarkDeliveryFailed(ctx context.Context, providerMsgID, errCode, errMsg string, now time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var campaignID string
	err = tx.QueryRow(ctx, `
		UPDATE recipients
		SET status='failed', failed_at=$2, error_code=$3, error_message=$4, updated_at=$2
		WHERE provider_msg_id=$1 AND status='sent'
		RETURNING campaign_id
	`, providerMsgID, now, nullIfEmpty(errCode), nullIfEmpty(errMsg)).Scan(&campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET failed_count=failed_count+1, updated_at=$2 WHERE id=$1
	`, campaignID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MarkResponded attributes an inbound message to the most recent sent
// recipient for that phone number.
func (s *Store) MarkResponded(ctx context.Context, phone string, now time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var campaignID string
	err = tx.QueryRow(ctx, `
		UPDATE recipients SET responded_at=$2, updated_at=$2
		WHERE id = (
			SELECT id FROM recipients
			WHERE phone=$1 AND status='sent' AND responded_at IS NULL
			ORDER BY sent_at DESC NULLS LAST
			LIMIT 1
		)
		RETURNING campaign_id
	`, phone, now).Scan(&campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE campaigns SET responded_count=responded_count+1, updated_at=$2 WHERE id=$1
	`, campaignID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// HasProviderMsgID reports whether any recipient carries the provider
// message id. Callback processing uses it to tell an unknown message (the
// send bookkeeping has not landed yet, retry later) from an already-applied
// stamp.
func (s *Store) HasProviderMsgID(ctx context.Context, providerMsgID string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM recipients WHERE provider_msg_id=$1`, providerMsgID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) stampByProviderMsgID(ctx context.Context, recipientSQL, campaignSQL, providerMsgID string, now time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var campaignID string
	err = tx.QueryRow(ctx, recipientSQL, providerMsgID, now).Scan(&campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if _, err := tx.Exec(ctx, campaignSQL, campaignID, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
