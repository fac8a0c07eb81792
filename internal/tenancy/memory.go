package tenancy

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemory is a process-local Store used in development and tests.
type InMemory struct {
	mu         sync.RWMutex
	principals map[string]Principal
	tenants    map[string]Tenant
	bots       map[string]Bot
	links      map[[2]string]TenantBotLink
	auths      map[[3]string]UserBotAuthorization
	members    map[[2]string]TenantUser
	requests   map[string]BotRequest
	byName     map[string]string
	now        func() time.Time
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		principals: make(map[string]Principal),
		tenants:    make(map[string]Tenant),
		bots:       make(map[string]Bot),
		links:      make(map[[2]string]TenantBotLink),
		auths:      make(map[[3]string]UserBotAuthorization),
		members:    make(map[[2]string]TenantUser),
		requests:   make(map[string]BotRequest),
		byName:     make(map[string]string),
		now:        time.Now,
	}
}

func (m *InMemory) Principal(_ context.Context, id string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	p.TenantIDs = slices.Clone(p.TenantIDs)
	return p, nil
}

func (m *InMemory) Tenant(_ context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *InMemory) Bot(_ context.Context, id string) (Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return Bot{}, ErrNotFound
	}
	b.Capabilities = slices.Clone(b.Capabilities)
	return b, nil
}

func (m *InMemory) TenantBotLink(_ context.Context, tenantID, botID string) (TenantBotLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[[2]string{tenantID, botID}]
	if !ok {
		return TenantBotLink{}, ErrNotFound
	}
	return l, nil
}

func (m *InMemory) UserBotAuthorization(_ context.Context, userID, tenantID, botID string) (UserBotAuthorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[[3]string{userID, tenantID, botID}]
	if !ok {
		return UserBotAuthorization{}, ErrNotFound
	}
	return a, nil
}

func (m *InMemory) TenantUser(_ context.Context, tenantID, userID string) (TenantUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.members[[2]string{tenantID, userID}]
	if !ok {
		return TenantUser{}, ErrNotFound
	}
	return u, nil
}

func (m *InMemory) PutPrincipal(_ context.Context, p Principal) error {
	if p.ID == "" {
		return errors.New("tenancy: principal id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	p.TenantIDs = slices.Clone(p.TenantIDs)
	m.principals[p.ID] = p
	return nil
}

func (m *InMemory) PutTenant(_ context.Context, t Tenant) error {
	if t.ID == "" {
		return errors.New("tenancy: tenant id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *InMemory) PutBot(_ context.Context, b Bot) error {
	if b.ID == "" {
		return errors.New("tenancy: bot id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = m.now().UTC()
	}
	b.Capabilities = slices.Clone(b.Capabilities)
	m.bots[b.ID] = b
	return nil
}

func (m *InMemory) PutTenantBotLink(_ context.Context, l TenantBotLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now().UTC()
	}
	m.links[[2]string{l.TenantID, l.BotID}] = l
	return nil
}

func (m *InMemory) PutUserBotAuthorization(_ context.Context, a UserBotAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auths[[3]string{a.UserID, a.TenantID, a.BotID}] = a
	return nil
}

func (m *InMemory) PutTenantUser(_ context.Context, u TenantUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[[2]string{u.TenantID, u.UserID}] = u
	return nil
}

func (m *InMemory) ActiveTenants(context.Context) ([]Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeTenantsLocked(), nil
}

func (m *InMemory) activeTenantsLocked() []Tenant {
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *InMemory) BotRequest(_ context.Context, id string) (BotRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return BotRequest{}, ErrNotFound
	}
	r.Capabilities = slices.Clone(r.Capabilities)
	return r, nil
}

func (m *InMemory) BotRequestByName(_ context.Context, nameKey string) (BotRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[nameKey]
	if !ok {
		return BotRequest{}, ErrNotFound
	}
	r := m.requests[id]
	r.Capabilities = slices.Clone(r.Capabilities)
	return r, nil
}

func (m *InMemory) SaveBotRequest(_ context.Context, r BotRequest) error {
	if r.ID == "" || r.NameKey == "" {
		return errors.New("tenancy: request id and name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[r.NameKey]; ok && id != r.ID {
		return ErrConflict
	}
	r.Capabilities = slices.Clone(r.Capabilities)
	m.requests[r.ID] = r
	m.byName[r.NameKey] = r.ID
	return nil
}

func (m *InMemory) ApproveBotRequest(_ context.Context, r BotRequest, bot Bot) ([]TenantBotLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != StatusPending {
		return nil, ErrConflict
	}
	if _, exists := m.bots[bot.ID]; exists {
		return nil, ErrConflict
	}
	now := m.now().UTC()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.Capabilities = slices.Clone(bot.Capabilities)
	m.bots[bot.ID] = bot

	tenants := m.activeTenantsLocked()
	links := make([]TenantBotLink, 0, len(tenants))
	for _, t := range tenants {
		l := TenantBotLink{TenantID: t.ID, BotID: bot.ID, Enabled: true, CreatedAt: now}
		m.links[[2]string{t.ID, bot.ID}] = l
		links = append(links, l)
	}

	r.Status = StatusApproved
	r.BotID = bot.ID
	r.Capabilities = slices.Clone(r.Capabilities)
	m.requests[r.ID] = r
	return links, nil
}
