package credential

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rohanthewiz/serr"
)

const createCredentialsTableSQL = `
CREATE TABLE IF NOT EXISTS credentials (
	id              BIGINT PRIMARY KEY,
	priority        INT NOT NULL DEFAULT 0,
	disabled        BOOLEAN NOT NULL DEFAULT FALSE,
	disabled_reason TEXT NOT NULL DEFAULT '',
	failure_count   INT NOT NULL DEFAULT 0,
	success_count   BIGINT NOT NULL DEFAULT 0,
	last_used       TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00',
	auth_method     TEXT NOT NULL DEFAULT 'social',
	client_id       TEXT NOT NULL DEFAULT '',
	client_secret   TEXT NOT NULL DEFAULT '',
	refresh_token   TEXT NOT NULL,
	profile_arn     TEXT NOT NULL DEFAULT '',
	auth_region     TEXT NOT NULL DEFAULT '',
	api_region      TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	proxy_url       TEXT NOT NULL DEFAULT '',
	proxy_username  TEXT NOT NULL DEFAULT '',
	proxy_password  TEXT NOT NULL DEFAULT '',
	machine_id      TEXT NOT NULL DEFAULT '',
	access_token    TEXT NOT NULL DEFAULT '',
	token_expiry    TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00'
);`

// PGStore persists credentials in PostgreSQL. Used when the config selects
// credentialStore "postgres".
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the database and ensures the credentials table
// exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, serr.Wrap(err, "failed to connect to postgres")
	}
	if _, err := pool.Exec(ctx, createCredentialsTableSQL); err != nil {
		pool.Close()
		return nil, serr.Wrap(err, "failed to create credentials table")
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// LoadAll reads every stored credential ordered by id.
func (s *PGStore) LoadAll() ([]*Credential, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, priority, disabled, disabled_reason, failure_count, success_count,
		       last_used, auth_method, client_id, client_secret, refresh_token,
		       profile_arn, auth_region, api_region, email,
		       proxy_url, proxy_username, proxy_password, machine_id,
		       access_token, token_expiry
		FROM credentials ORDER BY id`)
	if err != nil {
		return nil, serr.Wrap(err, "failed to query credentials")
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c := &Credential{}
		err := rows.Scan(&c.ID, &c.Priority, &c.Disabled, &c.DisabledReason, &c.FailureCount, &c.SuccessCount,
			&c.LastUsed, &c.AuthMethod, &c.ClientID, &c.ClientSecret, &c.RefreshToken,
			&c.ProfileArn, &c.AuthRegion, &c.APIRegion, &c.Email,
			&c.ProxyURL, &c.ProxyUser, &c.ProxyPass, &c.MachineID,
			&c.AccessToken, &c.TokenExpiry)
		if err != nil {
			return nil, serr.Wrap(err, "failed to scan credential row")
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, serr.Wrap(err, "failed to read credential rows")
	}
	return creds, nil
}

// Save upserts one credential.
func (s *PGStore) Save(c *Credential) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (
			id, priority, disabled, disabled_reason, failure_count, success_count,
			last_used, auth_method, client_id, client_secret, refresh_token,
			profile_arn, auth_region, api_region, email,
			proxy_url, proxy_username, proxy_password, machine_id,
			access_token, token_expiry
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			disabled = EXCLUDED.disabled,
			disabled_reason = EXCLUDED.disabled_reason,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			last_used = EXCLUDED.last_used,
			auth_method = EXCLUDED.auth_method,
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			refresh_token = EXCLUDED.refresh_token,
			profile_arn = EXCLUDED.profile_arn,
			auth_region = EXCLUDED.auth_region,
			api_region = EXCLUDED.api_region,
			email = EXCLUDED.email,
			proxy_url = EXCLUDED.proxy_url,
			proxy_username = EXCLUDED.proxy_username,
			proxy_password = EXCLUDED.proxy_password,
			machine_id = EXCLUDED.machine_id,
			access_token = EXCLUDED.access_token,
			token_expiry = EXCLUDED.token_expiry`,
		c.ID, c.Priority, c.Disabled, c.DisabledReason, c.FailureCount, c.SuccessCount,
		c.LastUsed, c.AuthMethod, c.ClientID, c.ClientSecret, c.RefreshToken,
		c.ProfileArn, c.AuthRegion, c.APIRegion, c.Email,
		c.ProxyURL, c.ProxyUser, c.ProxyPass, c.MachineID,
		c.AccessToken, c.TokenExpiry)
	if err != nil {
		return serr.Wrap(err, "failed to upsert credential")
	}
	return nil
}

// Remove deletes one credential by id.
func (s *PGStore) Remove(id int64) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id); err != nil {
		return serr.Wrap(err, "failed to delete credential")
	}
	return nil
}

func (s *PGStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
