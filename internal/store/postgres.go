package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-relay/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All wei amounts are stored as NUMERIC for exact integer precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const opportunityColumns = `id::TEXT, version, chain_id, permission_key, target_contract,
	target_calldata, target_call_value::TEXT, sell_tokens, buy_tokens, eip712_domain, creation_time`

func (s *PostgresStore) CreateOpportunity(ctx context.Context, o *model.Opportunity) error {
	sell, err := json.Marshal(o.SellTokens)
	if err != nil {
		return err
	}
	buy, err := json.Marshal(o.BuyTokens)
	if err != nil {
		return err
	}
	domain, err := json.Marshal(o.EIP712Domain)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO opportunities (id, version, chain_id, permission_key, target_contract,
		     target_calldata, target_call_value, sell_tokens, buy_tokens, eip712_domain, creation_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		o.ID, o.Version, o.ChainID, o.PermissionKey, o.TargetContract,
		o.TargetCalldata, o.TargetCallValue.String(), sell, buy, domain, o.CreationTime,
	)
	return mapInsertErr(err, "opportunity", o.ID)
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 AND active`, id)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: opportunity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, chainID string) ([]model.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunityColumns+`
		 FROM opportunities
		 WHERE active AND ($1 = '' OR chain_id = $1)
		 ORDER BY creation_time, id`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		opps = append(opps, *o)
	}
	return opps, rows.Err()
}

func (s *PostgresStore) DeactivateOpportunity(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE opportunities SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: opportunity %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ExpireOpportunities(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE opportunities SET active = FALSE
		 WHERE active AND creation_time < $1
		 RETURNING id::TEXT`, before.UnixMicro())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const bidColumns = `id::TEXT, kind, chain_id, permission_key, target_contract, target_calldata,
	target_call_value::TEXT, amount::TEXT, COALESCE(opportunity_id::TEXT, ''), executor, signature,
	valid_until::TEXT, submitted_at, status`

func (s *PostgresStore) InsertBid(ctx context.Context, b *model.BidRecord) error {
	status, err := json.Marshal(model.JSONStatus{BidStatus: b.Status})
	if err != nil {
		return err
	}
	var oppID *string
	if b.OpportunityID != "" {
		oppID = &b.OpportunityID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO bids (id, kind, chain_id, permission_key, target_contract, target_calldata,
		     target_call_value, amount, opportunity_id, executor, signature, valid_until,
		     submitted_at, status_type, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12::NUMERIC, $13, $14, $15)`,
		b.ID, string(b.Kind), b.ChainID, b.PermissionKey, b.TargetContract, b.TargetCalldata,
		b.TargetCallValue.String(), b.Amount.String(), oppID, b.Executor, b.Signature,
		b.ValidUntil.String(), b.SubmittedAt, string(b.Status.Type()), status,
	)
	return mapInsertErr(err, "bid", b.ID)
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.BidRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: bid %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) ListPendingBids(ctx context.Context, key BidKey) ([]model.BidRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidColumns+`
		 FROM bids
		 WHERE chain_id = $1 AND permission_key = $2 AND status_type = 'pending'
		 ORDER BY submitted_at, id`, key.ChainID, key.PermissionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.BidRecord
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) CountPendingBids(ctx context.Context, chainID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT permission_key, COUNT(*)
		 FROM bids
		 WHERE chain_id = $1 AND status_type = 'pending'
		 GROUP BY permission_key`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = int(n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) PendingKeys(ctx context.Context) ([]BidKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT chain_id, permission_key FROM bids WHERE status_type = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []BidKey
	for rows.Next() {
		var k BidKey
		if err := rows.Scan(&k.ChainID, &k.PermissionKey); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateBidStatus is a compare-and-set on status_type, so two writers can
// never both move the same pending bid.
func (s *PostgresStore) UpdateBidStatus(ctx context.Context, id string, from model.StatusType, to model.BidStatus) error {
	status, err := json.Marshal(model.JSONStatus{BidStatus: to})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET status_type = $3, status = $4
		 WHERE id = $1 AND status_type = $2`,
		id, string(from), string(to.Type()), status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bids WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: bid %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: bid %s", ErrStatusConflict, id)
}

func scanOpportunity(row pgx.Row) (*model.Opportunity, error) {
	var o model.Opportunity
	var valueS string
	var sell, buy, domain []byte

	if err := row.Scan(&o.ID, &o.Version, &o.ChainID, &o.PermissionKey, &o.TargetContract,
		&o.TargetCalldata, &valueS, &sell, &buy, &domain, &o.CreationTime); err != nil {
		return nil, err
	}

	o.TargetCallValue, _ = decimal.NewFromString(valueS)
	if err := json.Unmarshal(sell, &o.SellTokens); err != nil {
		return nil, fmt.Errorf("decode sell_tokens: %w", err)
	}
	if err := json.Unmarshal(buy, &o.BuyTokens); err != nil {
		return nil, fmt.Errorf("decode buy_tokens: %w", err)
	}
	if err := json.Unmarshal(domain, &o.EIP712Domain); err != nil {
		return nil, fmt.Errorf("decode eip712_domain: %w", err)
	}
	return &o, nil
}

func scanBid(row pgx.Row) (*model.BidRecord, error) {
	var b model.BidRecord
	var kind, valueS, amountS, validUntilS string
	var status []byte

	if err := row.Scan(&b.ID, &kind, &b.ChainID, &b.PermissionKey, &b.TargetContract, &b.TargetCalldata,
		&valueS, &amountS, &b.OpportunityID, &b.Executor, &b.Signature,
		&validUntilS, &b.SubmittedAt, &status); err != nil {
		return nil, err
	}

	b.Kind = model.BidKind(kind)
	b.TargetCallValue, _ = decimal.NewFromString(valueS)
	b.Amount, _ = decimal.NewFromString(amountS)
	b.ValidUntil, _ = decimal.NewFromString(validUntilS)

	var st model.JSONStatus
	if err := json.Unmarshal(status, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	b.Status = st.BidStatus
	return &b, nil
}

// mapInsertErr converts unique violations to ErrDuplicate.
func mapInsertErr(err error, what, id string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s %s", ErrDuplicate, what, id)
	}
	return err
}
