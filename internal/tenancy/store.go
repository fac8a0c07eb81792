package tenancy

import "context"

// Directory is the read side consulted by the access policy and the proxy.
// Missing rows are reported as ErrNotFound.
type Directory interface {
	Principal(ctx context.Context, id string) (Principal, error)
	Tenant(ctx context.Context, id string) (Tenant, error)
	Bot(ctx context.Context, id string) (Bot, error)
	TenantBotLink(ctx context.Context, tenantID, botID string) (TenantBotLink, error)
	UserBotAuthorization(ctx context.Context, userID, tenantID, botID string) (UserBotAuthorization, error)
	TenantUser(ctx context.Context, tenantID, userID string) (TenantUser, error)
}

// Store is the persistent store owned by the dashboard.
type Store interface {
	Directory

	PutPrincipal(ctx context.Context, p Principal) error
	PutTenant(ctx context.Context, t Tenant) error
	PutBot(ctx context.Context, b Bot) error
	PutTenantBotLink(ctx context.Context, l TenantBotLink) error
	PutUserBotAuthorization(ctx context.Context, a UserBotAuthorization) error
	PutTenantUser(ctx context.Context, u TenantUser) error
	ActiveTenants(ctx context.Context) ([]Tenant, error)

	BotRequest(ctx context.Context, id string) (BotRequest, error)
	BotRequestByName(ctx context.Context, nameKey string) (BotRequest, error)
	// SaveBotRequest inserts or updates by ID. Inserting a second request with an existing
	// NameKey returns ErrConflict.
	SaveBotRequest(ctx context.Context, r BotRequest) error
	// ApproveBotRequest atomically stores bot, links it enabled to every active tenant and
	// marks the request approved. It returns ErrConflict when the request is not pending.
	ApproveBotRequest(ctx context.Context, r BotRequest, bot Bot) ([]TenantBotLink, error)
}
