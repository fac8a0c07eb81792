// Package telemetry is the bot-facing side of the dashboard: bot authentication,
// user sessions and ingestion of usage and error reports.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"botgate.io/internal/events"
	"botgate.io/internal/ids"
	"botgate.io/internal/obs"
	"botgate.io/internal/policy"
	"botgate.io/internal/quota"
	"botgate.io/internal/tenancy"
	"botgate.io/internal/token"
)

// Issuer signs tokens.
type Issuer interface {
	Issue(ctx context.Context, claims token.Claims, ttl time.Duration) (string, time.Time, error)
}

// Service handles bot authentication, sessions and telemetry ingestion.
type Service struct {
	dir      tenancy.Directory
	policy   *policy.Evaluator
	issuer   Issuer
	ledger   quota.Ledger
	sessions SessionStore
	receipts Receipts
	errs     ErrorLog
	events   events.Publisher
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReceipts sets where delivered usage event ids are remembered. Defaults to memory.
func WithReceipts(r Receipts) Option {
	return func(s *Service) {
		if r != nil {
			s.receipts = r
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(dir tenancy.Directory, pol *policy.Evaluator, issuer Issuer, ledger quota.Ledger, sessions SessionStore, errs ErrorLog, opts ...Option) *Service {
	s := &Service{
		dir:      dir,
		policy:   pol,
		issuer:   issuer,
		ledger:   ledger,
		sessions: sessions,
		receipts: NewMemoryReceipts(),
		errs:     errs,
		events:   events.Discard,
		log:      obs.Logger().WithField("component", "telemetry"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthenticateBot exchanges bot credentials for a bot token.
func (s *Service) AuthenticateBot(ctx context.Context, botID, secret string) (string, time.Time, error) {
	if botID == "" || secret == "" {
		return "", time.Time{}, ErrBotAuth
	}
	bot, err := s.dir.Bot(ctx, botID)
	if errors.Is(err, tenancy.ErrNotFound) {
		return "", time.Time{}, ErrBotAuth
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("telemetry: load bot: %w", err)
	}
	if !bot.Active || bot.SecretHash == "" {
		return "", time.Time{}, ErrBotAuth
	}
	if err := bcrypt.CompareHashAndPassword([]byte(bot.SecretHash), []byte(secret)); err != nil {
		return "", time.Time{}, ErrBotAuth
	}
	claims := token.Claims{Kind: token.KindBot, BotID: bot.ID, Bots: []string{bot.ID}, Allow: true}
	claims.Subject = bot.ID
	return s.issuer.Issue(ctx, claims, token.BotTokenTTL)
}

// OpenSession creates a session for a user on behalf of botID. The policy must grant
// (user, tenant, bot); a *policy.DenyError is returned otherwise.
func (s *Service) OpenSession(ctx context.Context, botID, userID, tenantID string) (Session, string, error) {
	if _, err := s.policy.Require(ctx, policy.Subject{UserID: userID, TenantID: tenantID, BotID: botID}); err != nil {
		return Session{}, "", err
	}
	bal, err := s.ledger.Balance(ctx, quota.Scope{UserID: userID, TenantID: tenantID, BotID: botID})
	if err != nil {
		return Session{}, "", fmt.Errorf("telemetry: balance: %w", err)
	}

	now := s.now().UTC()
	sess := Session{
		ID:        ids.WithPrefix(ids.PrefixSession),
		BotID:     botID,
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: now,
	}
	claims := token.Claims{
		Kind:      token.KindSession,
		TenantID:  tenantID,
		BotID:     botID,
		Bots:      []string{botID},
		Quota:     bal.Limit,
		Allow:     true,
		SessionID: sess.ID,
	}
	claims.Subject = userID
	raw, exp, err := s.issuer.Issue(ctx, claims, token.UserTokenTTL)
	if err != nil {
		return Session{}, "", err
	}
	sess.ExpiresAt = exp
	if err := s.sessions.Save(ctx, sess); err != nil {
		return Session{}, "", fmt.Errorf("telemetry: save session: %w", err)
	}
	return sess, raw, nil
}

// RecordUsage commits each event against its session scope. Events referencing unknown
// sessions, sessions of another bot or exceeding the balance are rejected individually.
// An event carrying an id that was already committed counts as processed and is not
// charged again, so a batch resent after a partial failure settles exactly once.
func (s *Service) RecordUsage(ctx context.Context, botID string, batch []UsageEvent) (Result, error) {
	var res Result
	for i, ev := range batch {
		if err := ev.Validate(); err != nil {
			res.reject(i, err.Error())
			continue
		}
		sess, err := s.sessions.Get(ctx, ev.SessionID)
		if errors.Is(err, ErrUnknownSession) || (err == nil && sess.BotID != botID) {
			res.reject(i, ErrUnknownSession.Error())
			continue
		}
		if err != nil {
			return res, fmt.Errorf("telemetry: load session: %w", err)
		}

		if ev.EventID != "" {
			fresh, err := s.receipts.Claim(ctx, botID, ev.EventID)
			if err != nil {
				return res, fmt.Errorf("telemetry: claim event: %w", err)
			}
			if !fresh {
				res.Processed++
				res.Duplicates++
				continue
			}
		}
		committed, err := s.commitUsage(ctx, sess, ev)
		if !committed && ev.EventID != "" {
			if rerr := s.receipts.Release(ctx, botID, ev.EventID); rerr != nil {
				s.log.WithError(rerr).WithField("event_id", ev.EventID).Warn("release usage receipt")
			}
		}
		switch {
		case errors.Is(err, quota.ErrInsufficientQuota):
			res.reject(i, err.Error())
			continue
		case err != nil:
			return res, err
		}
		res.Processed++
	}
	return res, nil
}

func (s *Service) commitUsage(ctx context.Context, sess Session, ev UsageEvent) (bool, error) {
	scope := quota.Scope{UserID: sess.UserID, TenantID: sess.TenantID, BotID: sess.BotID}
	if ev.Tokens == 0 {
		if err := s.ledger.Touch(ctx, scope); err != nil {
			return false, fmt.Errorf("telemetry: touch: %w", err)
		}
		return true, nil
	}

	meta := map[string]string{"session_id": sess.ID}
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	if ev.EventID != "" {
		meta["event_id"] = ev.EventID
	}
	_, bal, err := s.ledger.ReserveAndCommit(ctx, scope, ev.Tokens, quota.Action{Type: string(ev.Type), Metadata: meta})
	switch {
	case errors.Is(err, quota.ErrInsufficientQuota):
		s.exhausted(scope, bal)
		return false, err
	case err != nil:
		return false, fmt.Errorf("telemetry: commit usage: %w", err)
	}
	if bal.Remaining() == 0 {
		s.exhausted(scope, bal)
	}
	return true, nil
}

func (s *Service) exhausted(scope quota.Scope, bal quota.Balance) {
	s.events.Publish(events.Event{
		Kind:     events.KindQuotaExhausted,
		UserID:   scope.UserID,
		TenantID: scope.TenantID,
		BotID:    scope.BotID,
		Attrs: map[string]string{
			"limit": strconv.FormatInt(bal.Limit, 10),
			"used":  strconv.FormatInt(bal.Used, 10),
		},
	})
}

// RecordErrors stores each valid error report and publishes it.
func (s *Service) RecordErrors(ctx context.Context, botID string, batch []ErrorEvent) (Result, error) {
	var res Result
	for i, ev := range batch {
		if err := ev.Validate(); err != nil {
			res.reject(i, err.Error())
			continue
		}
		now := s.now().UTC()
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		rec := ErrorRecord{ID: ids.WithPrefix(ids.PrefixError), BotID: botID, ErrorEvent: ev, CreatedAt: now}
		if err := s.errs.Append(ctx, rec); err != nil {
			return res, fmt.Errorf("telemetry: store error: %w", err)
		}
		res.Processed++

		entry := s.log.WithFields(logrus.Fields{
			"bot_id":   botID,
			"severity": ev.Severity,
			"type":     ev.Type,
			"error_id": rec.ID,
		})
		if ev.Severity == SeverityCritical || ev.Severity == SeverityHigh {
			entry.Error(ev.Message)
		} else {
			entry.Warn(ev.Message)
		}
		s.events.Publish(events.Event{
			Kind:  events.KindBotError,
			BotID: botID,
			Attrs: map[string]string{"severity": string(ev.Severity), "type": ev.Type, "id": rec.ID},
		})
	}
	return res, nil
}

// Errors lists recent error reports of a bot.
func (s *Service) Errors(ctx context.Context, botID string, n int) ([]ErrorRecord, error) {
	return s.errs.Recent(ctx, botID, n)
}
