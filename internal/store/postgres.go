package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"licensegate/internal/license"
)

// defaultLockTimeout bounds how long a transaction waits for a contended row
// lock before giving up.
const defaultLockTimeout = 5 * time.Second

const licenseColumns = `code, status, device_id, device_fingerprint,
	device_systemversion, device_model, device_idfv, device_serialnumber,
	device_uuid, device_macaddress, last_ip,
	expires_at, activated_at, created_at, updated_at`

// Postgres implements Store on a Postgres database via the pgx stdlib driver.
type Postgres struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// OpenPostgres opens a Postgres-backed store using the given DSN and verifies
// connectivity. Caller must Close when done.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Postgres{db: db, lockTimeout: defaultLockTimeout}, nil
}

// NewPostgres wraps an existing database handle, primarily for tests.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, lockTimeout: defaultLockTimeout}
}

func (p *Postgres) lockBy(ctx context.Context, column, key string) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}

	// Bound the row-lock wait so one stalled transaction cannot starve
	// other contenders for the same code.
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("store: set lock_timeout: %w", err)
	}

	// Oldest row wins when several match, so a device bound to more than one
	// code always resolves to the same license.
	query := fmt.Sprintf(
		"SELECT %s FROM licenses WHERE %s = $1 ORDER BY created_at, code LIMIT 1 FOR UPDATE",
		licenseColumns, column)
	lic, err := scanLicense(tx.QueryRowContext(ctx, query, key))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	return &pgTx{tx: tx, lic: lic}, nil
}

// LockByCode locks the single row for code inside a new transaction.
func (p *Postgres) LockByCode(ctx context.Context, code string) (Tx, error) {
	return p.lockBy(ctx, "code", code)
}

// LockByFingerprint locks the row bound to the given device fingerprint.
func (p *Postgres) LockByFingerprint(ctx context.Context, fingerprint string) (Tx, error) {
	return p.lockBy(ctx, "device_fingerprint", fingerprint)
}

// ReadByCode returns the license for code without locking.
func (p *Postgres) ReadByCode(ctx context.Context, code string) (*license.License, error) {
	query := fmt.Sprintf("SELECT %s FROM licenses WHERE code = $1", licenseColumns)
	return scanLicense(p.db.QueryRowContext(ctx, query, code))
}

// MarkExpired flips status to expired outside any held transaction.
func (p *Postgres) MarkExpired(ctx context.Context, code string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE licenses SET status = 'expired', updated_at = now() WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("store: mark expired: %w", err)
	}
	return nil
}

const refreshQuery = `UPDATE licenses
	SET device_systemversion = COALESCE($1, device_systemversion),
	    device_model         = COALESCE($2, device_model),
	    device_idfv          = COALESCE($3, device_idfv),
	    device_serialnumber  = COALESCE($4, device_serialnumber),
	    device_uuid          = COALESCE($5, device_uuid),
	    device_macaddress    = COALESCE($6, device_macaddress),
	    last_ip              = COALESCE($7, last_ip),
	    updated_at           = now()
	WHERE code = $8`

// RefreshMetadata merges metadata per-field outside any held transaction.
func (p *Postgres) RefreshMetadata(ctx context.Context, code string, meta license.Metadata, ip string) error {
	_, err := p.db.ExecContext(ctx, refreshQuery,
		meta.SystemVersion, meta.Model, meta.IDFV,
		meta.SerialNumber, meta.UUID, meta.MACAddress,
		nullable(ip), code)
	if err != nil {
		return fmt.Errorf("store: refresh metadata: %w", err)
	}
	return nil
}

// Create inserts a fresh pending license row.
func (p *Postgres) Create(ctx context.Context, code string, expiresAt time.Time) (*license.License, error) {
	query := fmt.Sprintf(
		"INSERT INTO licenses (code, expires_at) VALUES ($1, $2) RETURNING %s", licenseColumns)
	lic, err := scanLicense(p.db.QueryRowContext(ctx, query, code, expiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateCode
		}
		return nil, err
	}
	return lic, nil
}

// Ping reports database reachability.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// pgTx is a Store transaction holding a FOR UPDATE row lock.
type pgTx struct {
	tx   *sql.Tx
	lic  *license.License
	done bool
}

func (t *pgTx) License() *license.License {
	return t.lic
}

func (t *pgTx) Bind(ctx context.Context, deviceID, fingerprint string, meta license.Metadata, ip string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE licenses
		SET device_id            = $1,
		    device_fingerprint   = $2,
		    device_systemversion = $3,
		    device_model         = $4,
		    device_idfv          = $5,
		    device_serialnumber  = $6,
		    device_uuid          = $7,
		    device_macaddress    = $8,
		    last_ip              = $9,
		    status               = 'active',
		    activated_at         = $10,
		    updated_at           = now()
		WHERE code = $11`,
		deviceID, fingerprint,
		meta.SystemVersion, meta.Model, meta.IDFV,
		meta.SerialNumber, meta.UUID, meta.MACAddress,
		nullable(ip), now, t.lic.Code)
	if err != nil {
		return fmt.Errorf("store: bind: %w", err)
	}

	t.lic.DeviceID = &deviceID
	t.lic.DeviceFingerprint = &fingerprint
	t.lic.Metadata = meta
	if ip != "" {
		t.lic.LastIP = &ip
	}
	t.lic.Status = license.StatusActive
	activatedAt := now
	t.lic.ActivatedAt = &activatedAt
	return nil
}

func (t *pgTx) MarkExpired(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE licenses SET status = 'expired', updated_at = now() WHERE code = $1`, t.lic.Code)
	if err != nil {
		return fmt.Errorf("store: mark expired: %w", err)
	}
	t.lic.Status = license.StatusExpired
	return nil
}

func (t *pgTx) Refresh(ctx context.Context, meta license.Metadata, ip string) error {
	_, err := t.tx.ExecContext(ctx, refreshQuery,
		meta.SystemVersion, meta.Model, meta.IDFV,
		meta.SerialNumber, meta.UUID, meta.MACAddress,
		nullable(ip), t.lic.Code)
	if err != nil {
		return fmt.Errorf("store: refresh: %w", err)
	}
	t.lic.Metadata.Merge(meta)
	if ip != "" {
		t.lic.LastIP = &ip
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var (
		lic           license.License
		deviceID      sql.NullString
		fingerprint   sql.NullString
		systemVersion sql.NullString
		model         sql.NullString
		idfv          sql.NullString
		serialNumber  sql.NullString
		deviceUUID    sql.NullString
		macAddress    sql.NullString
		lastIP        sql.NullString
		activatedAt   sql.NullTime
	)

	err := row.Scan(
		&lic.Code, &lic.Status, &deviceID, &fingerprint,
		&systemVersion, &model, &idfv, &serialNumber,
		&deviceUUID, &macAddress, &lastIP,
		&lic.ExpiresAt, &activatedAt, &lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan license: %w", err)
	}

	lic.DeviceID = fromNullString(deviceID)
	lic.DeviceFingerprint = fromNullString(fingerprint)
	lic.Metadata = license.Metadata{
		SystemVersion: fromNullString(systemVersion),
		Model:         fromNullString(model),
		IDFV:          fromNullString(idfv),
		SerialNumber:  fromNullString(serialNumber),
		UUID:          fromNullString(deviceUUID),
		MACAddress:    fromNullString(macAddress),
	}
	lic.LastIP = fromNullString(lastIP)
	if activatedAt.Valid {
		t := activatedAt.Time
		lic.ActivatedAt = &t
	}

	return &lic, nil
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
