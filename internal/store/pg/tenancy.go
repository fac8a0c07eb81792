package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"botgate.io/internal/tenancy"
)

var _ tenancy.Store = (*Store)(nil)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return tenancy.ErrNotFound
	}
	return err
}

func (s *Store) Principal(ctx context.Context, id string) (tenancy.Principal, error) {
	var p tenancy.Principal
	err := s.db.QueryRowContext(ctx,
		`select id, email, super_admin, created_at from principals where id=$1`, id,
	).Scan(&p.ID, &p.Email, &p.SuperAdmin, &p.CreatedAt)
	if err != nil {
		return tenancy.Principal{}, notFound(err)
	}
	rows, err := s.db.QueryContext(ctx,
		`select tenant_id from tenant_users where user_id=$1 order by tenant_id`, id)
	if err != nil {
		return tenancy.Principal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return tenancy.Principal{}, err
		}
		p.TenantIDs = append(p.TenantIDs, tid)
	}
	return p, rows.Err()
}

func (s *Store) Tenant(ctx context.Context, id string) (tenancy.Tenant, error) {
	var t tenancy.Tenant
	err := s.db.QueryRowContext(ctx,
		`select id, name, active, token_limit, created_at from tenants where id=$1`, id,
	).Scan(&t.ID, &t.Name, &t.Active, &t.TokenLimit, &t.CreatedAt)
	if err != nil {
		return tenancy.Tenant{}, notFound(err)
	}
	return t, nil
}

const botColumns = `id, name, description, capabilities, max_tokens_per_request, website, contact_email, active, secret_hash, created_at`

func scanBot(row interface{ Scan(...any) error }) (tenancy.Bot, error) {
	var (
		b    tenancy.Bot
		caps []byte
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Description, &caps, &b.MaxTokensPerRequest, &b.Website,
		&b.ContactEmail, &b.Active, &b.SecretHash, &b.CreatedAt); err != nil {
		return tenancy.Bot{}, err
	}
	_ = json.Unmarshal(caps, &b.Capabilities)
	return b, nil
}

func (s *Store) Bot(ctx context.Context, id string) (tenancy.Bot, error) {
	b, err := scanBot(s.db.QueryRowContext(ctx, `select `+botColumns+` from bots where id=$1`, id))
	if err != nil {
		return tenancy.Bot{}, notFound(err)
	}
	return b, nil
}

func (s *Store) TenantBotLink(ctx context.Context, tenantID, botID string) (tenancy.TenantBotLink, error) {
	var l tenancy.TenantBotLink
	err := s.db.QueryRowContext(ctx,
		`select tenant_id, bot_id, enabled, created_at from tenant_bots where tenant_id=$1 and bot_id=$2`,
		tenantID, botID,
	).Scan(&l.TenantID, &l.BotID, &l.Enabled, &l.CreatedAt)
	if err != nil {
		return tenancy.TenantBotLink{}, notFound(err)
	}
	return l, nil
}

func (s *Store) UserBotAuthorization(ctx context.Context, userID, tenantID, botID string) (tenancy.UserBotAuthorization, error) {
	var a tenancy.UserBotAuthorization
	err := s.db.QueryRowContext(ctx,
		`select user_id, tenant_id, bot_id, enabled from user_bot_authorizations
		 where user_id=$1 and tenant_id=$2 and bot_id=$3`,
		userID, tenantID, botID,
	).Scan(&a.UserID, &a.TenantID, &a.BotID, &a.Enabled)
	if err != nil {
		return tenancy.UserBotAuthorization{}, notFound(err)
	}
	return a, nil
}

func (s *Store) TenantUser(ctx context.Context, tenantID, userID string) (tenancy.TenantUser, error) {
	var u tenancy.TenantUser
	err := s.db.QueryRowContext(ctx,
		`select tenant_id, user_id, allow_bot_access, token_limit from tenant_users where tenant_id=$1 and user_id=$2`,
		tenantID, userID,
	).Scan(&u.TenantID, &u.UserID, &u.AllowBotAccess, &u.TokenLimit)
	if err != nil {
		return tenancy.TenantUser{}, notFound(err)
	}
	return u, nil
}

func (s *Store) PutPrincipal(ctx context.Context, p tenancy.Principal) error {
	_, err := s.db.ExecContext(ctx, `
		insert into principals(id, email, super_admin) values ($1,$2,$3)
		on conflict (id) do update set email = excluded.email, super_admin = excluded.super_admin
	`, p.ID, p.Email, p.SuperAdmin)
	return err
}

func (s *Store) PutTenant(ctx context.Context, t tenancy.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenants(id, name, active, token_limit) values ($1,$2,$3,$4)
		on conflict (id) do update set name = excluded.name, active = excluded.active, token_limit = excluded.token_limit
	`, t.ID, t.Name, t.Active, t.TokenLimit)
	return err
}

func (s *Store) PutBot(ctx context.Context, b tenancy.Bot) error {
	return putBot(ctx, s.db, b)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putBot(ctx context.Context, db execer, b tenancy.Bot) error {
	caps, _ := json.Marshal(b.Capabilities)
	_, err := db.ExecContext(ctx, `
		insert into bots(id, name, description, capabilities, max_tokens_per_request, website, contact_email, active, secret_hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do update set
			name = excluded.name, description = excluded.description, capabilities = excluded.capabilities,
			max_tokens_per_request = excluded.max_tokens_per_request, website = excluded.website,
			contact_email = excluded.contact_email, active = excluded.active, secret_hash = excluded.secret_hash
	`, b.ID, b.Name, b.Description, caps, b.MaxTokensPerRequest, b.Website, b.ContactEmail, b.Active, b.SecretHash)
	return err
}

func (s *Store) PutTenantBotLink(ctx context.Context, l tenancy.TenantBotLink) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_bots(tenant_id, bot_id, enabled) values ($1,$2,$3)
		on conflict (tenant_id, bot_id) do update set enabled = excluded.enabled
	`, l.TenantID, l.BotID, l.Enabled)
	return err
}

func (s *Store) PutUserBotAuthorization(ctx context.Context, a tenancy.UserBotAuthorization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_bot_authorizations(user_id, tenant_id, bot_id, enabled) values ($1,$2,$3,$4)
		on conflict (user_id, tenant_id, bot_id) do update set enabled = excluded.enabled
	`, a.UserID, a.TenantID, a.BotID, a.Enabled)
	return err
}

func (s *Store) PutTenantUser(ctx context.Context, u tenancy.TenantUser) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_users(tenant_id, user_id, allow_bot_access, token_limit) values ($1,$2,$3,$4)
		on conflict (tenant_id, user_id) do update set allow_bot_access = excluded.allow_bot_access, token_limit = excluded.token_limit
	`, u.TenantID, u.UserID, u.AllowBotAccess, u.TokenLimit)
	return err
}

func (s *Store) ActiveTenants(ctx context.Context) ([]tenancy.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, active, token_limit, created_at from tenants where active order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []tenancy.Tenant
	for rows.Next() {
		var t tenancy.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.TokenLimit, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const requestColumns = `id, name, name_key, description, capabilities, contact_email, website,
	max_tokens_per_request, status, attempts, message, coalesce(bot_id,''), created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (tenancy.BotRequest, error) {
	var (
		r    tenancy.BotRequest
		caps []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.NameKey, &r.Description, &caps, &r.ContactEmail, &r.Website,
		&r.MaxTokensPerRequest, &r.Status, &r.Attempts, &r.Message, &r.BotID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return tenancy.BotRequest{}, notFound(err)
	}
	_ = json.Unmarshal(caps, &r.Capabilities)
	return r, nil
}

func (s *Store) BotRequest(ctx context.Context, id string) (tenancy.BotRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `select `+requestColumns+` from bot_requests where id=$1`, id))
}

func (s *Store) BotRequestByName(ctx context.Context, nameKey string) (tenancy.BotRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx, `select `+requestColumns+` from bot_requests where name_key=$1`, nameKey))
}

func (s *Store) SaveBotRequest(ctx context.Context, r tenancy.BotRequest) error {
	if r.ID == "" || r.NameKey == "" {
		return errors.New("tenancy: request id and name required")
	}
	caps, _ := json.Marshal(r.Capabilities)
	res, err := s.db.ExecContext(ctx, `
		insert into bot_requests(id, name, name_key, description, capabilities, contact_email, website,
			max_tokens_per_request, status, attempts, message, bot_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,nullif($12,''),$13,$14)
		on conflict (id) do update set
			name = excluded.name, description = excluded.description, capabilities = excluded.capabilities,
			contact_email = excluded.contact_email, website = excluded.website,
			max_tokens_per_request = excluded.max_tokens_per_request, status = excluded.status,
			attempts = excluded.attempts, message = excluded.message, bot_id = excluded.bot_id,
			updated_at = excluded.updated_at
		where bot_requests.name_key = excluded.name_key
	`, r.ID, r.Name, r.NameKey, r.Description, caps, r.ContactEmail, r.Website,
		r.MaxTokensPerRequest, string(r.Status), r.Attempts, r.Message, r.BotID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return tenancy.ErrConflict
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenancy.ErrConflict
	}
	return nil
}

func (s *Store) ApproveBotRequest(ctx context.Context, r tenancy.BotRequest, bot tenancy.Bot) ([]tenancy.TenantBotLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status tenancy.RequestStatus
	if err := tx.QueryRowContext(ctx,
		`select status from bot_requests where id=$1 for update`, r.ID,
	).Scan(&status); err != nil {
		return nil, notFound(err)
	}
	if status != tenancy.StatusPending {
		return nil, tenancy.ErrConflict
	}

	caps, _ := json.Marshal(bot.Capabilities)
	res, err := tx.ExecContext(ctx, `
		insert into bots(id, name, description, capabilities, max_tokens_per_request, website, contact_email, active, secret_hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do nothing
	`, bot.ID, bot.Name, bot.Description, caps, bot.MaxTokensPerRequest, bot.Website, bot.ContactEmail, bot.Active, bot.SecretHash)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, tenancy.ErrConflict
	}

	rows, err := tx.QueryContext(ctx, `
		insert into tenant_bots(tenant_id, bot_id, enabled)
		select id, $1, true from tenants where active
		on conflict (tenant_id, bot_id) do update set enabled = true
		returning tenant_id, created_at
	`, bot.ID)
	if err != nil {
		return nil, err
	}
	var links []tenancy.TenantBotLink
	for rows.Next() {
		l := tenancy.TenantBotLink{BotID: bot.ID, Enabled: true}
		if err := rows.Scan(&l.TenantID, &l.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		links = append(links, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		update bot_requests set status=$2, bot_id=$3, message=$4, updated_at=$5 where id=$1
	`, r.ID, string(tenancy.StatusApproved), bot.ID, r.Message, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return links, nil
}
