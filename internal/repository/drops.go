package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/deaddrop/internal/kvstore"
	"github.com/dharsanguruparan/deaddrop/internal/model"
)

const (
	uniqueViolation  = "23505"
	defaultScanLimit = 100
)

const dropColumns = `drop_id, status, created_at, updated_at, ttl_epoch, creator_id, size,
	manifest_s3_key, manifest_index, chunks, short_code, short_code_norm,
	reader_token_hash, reader_token_salt, writer_token_hash, writer_token_salt,
	read_count, failure_count`

// DropRepository implements kvstore.Store on PostgreSQL. The unique partial
// index on short_code_norm backs the global short code guarantee.
type DropRepository struct {
	pool *pgxpool.Pool
}

// NewDropRepository constructs a repository.
func NewDropRepository(pool *pgxpool.Pool) *DropRepository {
	return &DropRepository{pool: pool}
}

var _ kvstore.Store = (*DropRepository)(nil)

// Get returns a drop by id.
func (r *DropRepository) Get(ctx context.Context, dropID string) (*model.Drop, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+dropColumns+` FROM drops WHERE drop_id=$1`, dropID)
	d, err := scanDrop(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kvstore.ErrNotFound
		}
		return nil, fmt.Errorf("select drop: %w", err)
	}
	return d, nil
}

// PutNew inserts a drop, failing when the id already exists.
func (r *DropRepository) PutNew(ctx context.Context, d *model.Drop) error {
	chunks, err := json.Marshal(nonNilChunks(d.Chunks))
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	index, err := marshalIndex(d.ManifestIndex)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO drops (drop_id, status, created_at, updated_at, ttl_epoch, creator_id, size,
			manifest_s3_key, manifest_index, chunks, short_code, short_code_norm,
			reader_token_hash, reader_token_salt, writer_token_hash, writer_token_salt,
			read_count, failure_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, d.ID, d.Status, d.CreatedAt, time.Now().UTC(), nullInt(d.TTLEpoch), nullString(d.CreatorID), d.Size,
		nullString(d.ManifestKey), index, chunks, nullString(d.ShortCode), nullString(d.ShortCodeNorm),
		nullString(d.ReaderTokenHash), nullString(d.ReaderTokenSalt), nullString(d.WriterTokenHash), nullString(d.WriterTokenSalt),
		d.ReadCount, d.FailureCount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "drops_pkey" {
				return kvstore.ErrExists
			}
			return kvstore.ErrShortCodeTaken
		}
		return fmt.Errorf("insert drop: %w", err)
	}
	return nil
}

// ConditionalUpdate applies upd only when cond holds for the current row.
func (r *DropRepository) ConditionalUpdate(ctx context.Context, dropID string, upd kvstore.Update, cond kvstore.Condition) (*model.Drop, error) {
	d, err := r.update(ctx, dropID, upd, cond)
	if err == nil || !errors.Is(err, pgx.ErrNoRows) {
		return d, err
	}
	// no row matched: either the drop is absent or the condition failed
	if _, getErr := r.Get(ctx, dropID); getErr != nil {
		return nil, getErr
	}
	return nil, kvstore.ErrPreconditionFailed
}

// UnconditionalUpdate applies upd regardless of the current row state, as
// long as the status does not move backwards.
func (r *DropRepository) UnconditionalUpdate(ctx context.Context, dropID string, upd kvstore.Update) (*model.Drop, error) {
	return r.ConditionalUpdate(ctx, dropID, upd, kvstore.Condition{})
}

var lifecycleOrder = []model.DropStatus{
	model.StatusUploading,
	model.StatusReady,
	model.StatusBurning,
	model.StatusDeleted,
}

func (r *DropRepository) update(ctx context.Context, dropID string, upd kvstore.Update, cond kvstore.Condition) (*model.Drop, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, kvstore.ErrPreconditionFailed
		}
		set("status", string(*upd.Status))
	}
	if upd.ManifestKey != nil {
		set("manifest_s3_key", *upd.ManifestKey)
	}
	if upd.ManifestIndex != nil {
		index, err := marshalIndex(upd.ManifestIndex)
		if err != nil {
			return nil, err
		}
		set("manifest_index", index)
	}
	if upd.ShortCode != nil {
		set("short_code", *upd.ShortCode)
	}
	if upd.ShortCodeNorm != nil {
		set("short_code_norm", *upd.ShortCodeNorm)
	}
	if upd.TTLEpoch != nil {
		set("ttl_epoch", *upd.TTLEpoch)
	}
	if upd.ReaderTokenHash != nil {
		set("reader_token_hash", *upd.ReaderTokenHash)
	}
	if upd.ReaderTokenSalt != nil {
		set("reader_token_salt", *upd.ReaderTokenSalt)
	}
	if upd.WriterTokenHash != nil {
		set("writer_token_hash", *upd.WriterTokenHash)
	}
	if upd.WriterTokenSalt != nil {
		set("writer_token_salt", *upd.WriterTokenSalt)
	}

	args = append(args, dropID)
	where := fmt.Sprintf("drop_id = $%d", len(args))
	if len(cond.StatusIn) > 0 {
		statuses := make([]string, len(cond.StatusIn))
		for i, s := range cond.StatusIn {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if upd.Status != nil {
		var from []string
		for _, s := range lifecycleOrder {
			if upd.Forward(&model.Drop{Status: s}) {
				from = append(from, string(s))
			}
		}
		args = append(args, from)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := `UPDATE drops SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + dropColumns
	d, err := scanDrop(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, kvstore.ErrShortCodeTaken
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("update drop: %w", err)
	}
	return d, nil
}

// IncrementReadCount atomically bumps read_count and returns the new value.
func (r *DropRepository) IncrementReadCount(ctx context.Context, dropID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		UPDATE drops SET read_count = COALESCE(read_count, 0) + 1, updated_at = now()
		WHERE drop_id = $1
		RETURNING read_count
	`, dropID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, kvstore.ErrNotFound
		}
		return 0, fmt.Errorf("increment read count: %w", err)
	}
	return count, nil
}

// LookupShortCode queries the short_code_norm index.
func (r *DropRepository) LookupShortCode(ctx context.Context, norm string, limit int) ([]*model.Drop, error) {
	if limit <= 0 {
		limit = 1
	}
	return r.query(ctx, `SELECT `+dropColumns+` FROM drops WHERE short_code_norm = $1 LIMIT $2`, norm, limit)
}

// ScanShortCode matches either the normalized or the raw code so rows written
// before normalization existed are still found.
func (r *DropRepository) ScanShortCode(ctx context.Context, f kvstore.ScanFilter) ([]*model.Drop, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	return r.query(ctx, `SELECT `+dropColumns+` FROM drops WHERE short_code_norm = $1 OR short_code = $2 LIMIT $3`,
		f.ShortCodeNorm, f.ShortCode, limit)
}

func (r *DropRepository) query(ctx context.Context, sql string, args ...any) ([]*model.Drop, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query drops: %w", err)
	}
	defer rows.Close()
	var out []*model.Drop
	for rows.Next() {
		d, err := scanDrop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drop: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drops: %w", err)
	}
	return out, nil
}

// PutAttempt inserts an immutable attempt row.
func (r *DropRepository) PutAttempt(ctx context.Context, a *model.Attempt) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO attempts (attempt_id, drop_id, result, client_time, user_agent_redacted, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, a.AttemptID, a.DropID, a.Result, a.ClientTime, nullString(a.UserAgent), created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return kvstore.ErrExists
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts recorded for a drop, oldest first.
func (r *DropRepository) ListAttempts(ctx context.Context, dropID string) ([]*model.Attempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT attempt_id, drop_id, result, client_time, user_agent_redacted, created_at
		FROM attempts WHERE drop_id = $1 ORDER BY created_at
	`, dropID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	var out []*model.Attempt
	for rows.Next() {
		var (
			a  model.Attempt
			ua *string
		)
		if err := rows.Scan(&a.AttemptID, &a.DropID, &a.Result, &a.ClientTime, &ua, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if ua != nil {
			a.UserAgent = *ua
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanDrop(row pgx.Row) (*model.Drop, error) {
	var d model.Drop
	var ttl *int64
	var creator, manifestKey, code, codeNorm *string
	var readerHash, readerSalt, writerHash, writerSalt *string
	var indexJSON, chunksJSON []byte
	err := row.Scan(&d.ID, &d.Status, &d.CreatedAt, &d.UpdatedAt, &ttl, &creator, &d.Size,
		&manifestKey, &indexJSON, &chunksJSON, &code, &codeNorm,
		&readerHash, &readerSalt, &writerHash, &writerSalt,
		&d.ReadCount, &d.FailureCount)
	if err != nil {
		return nil, err
	}
	if ttl != nil {
		d.TTLEpoch = *ttl
	}
	d.CreatorID = deref(creator)
	d.ManifestKey = deref(manifestKey)
	d.ShortCode = deref(code)
	d.ShortCodeNorm = deref(codeNorm)
	d.ReaderTokenHash = deref(readerHash)
	d.ReaderTokenSalt = deref(readerSalt)
	d.WriterTokenHash = deref(writerHash)
	d.WriterTokenSalt = deref(writerSalt)
	if len(indexJSON) > 0 {
		if err := json.Unmarshal(indexJSON, &d.ManifestIndex); err != nil {
			return nil, fmt.Errorf("decode manifest index: %w", err)
		}
	}
	if len(chunksJSON) > 0 {
		if err := json.Unmarshal(chunksJSON, &d.Chunks); err != nil {
			return nil, fmt.Errorf("decode chunks: %w", err)
		}
	}
	return &d, nil
}

func marshalIndex(index []model.IndexEntry) ([]byte, error) {
	if index == nil {
		return nil, nil
	}
	b, err := json.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest index: %w", err)
	}
	return b, nil
}

func nonNilChunks(c []model.Chunk) []model.Chunk {
	if c == nil {
		return []model.Chunk{}
	}
	return c
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
