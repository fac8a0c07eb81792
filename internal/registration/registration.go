// Package registration runs the BotRequest lifecycle: submission with a capped number of
// attempts, then approval (bot provisioning and tenant fan-out) or rejection.
package registration

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"botgate.io/internal/events"
	"botgate.io/internal/ids"
	"botgate.io/internal/obs"
	"botgate.io/internal/tenancy"
)

// MaxAttempts is the number of submissions accepted per bot name.
const MaxAttempts = 5

// Messages returned to submitters.
const (
	MsgMaxAttempts     = "Número máximo de tentativas excedido"
	MsgAlreadyApproved = "Bot já aprovado"
)

var (
	ErrNotFound   = errors.New("registration: request not found")
	ErrNotPending = errors.New("registration: request already decided")
)

// ValidationError reports an invalid submission or decision field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// Submission is the payload of POST /bots/request.
type Submission struct {
	Name                string   `json:"name"`
	Description         string   `json:"description,omitempty"`
	Capabilities        []string `json:"capabilities,omitempty"`
	ContactEmail        string   `json:"contactEmail"`
	Website             string   `json:"website,omitempty"`
	MaxTokensPerRequest int64    `json:"maxTokensPerRequest,omitempty"`
}

func (s Submission) Validate() error {
	name := strings.TrimSpace(s.Name)
	switch {
	case name == "":
		return &ValidationError{Field: "name", Msg: "required"}
	case len(name) > 100:
		return &ValidationError{Field: "name", Msg: "must be at most 100 characters"}
	case strings.TrimSpace(s.ContactEmail) == "":
		return &ValidationError{Field: "contactEmail", Msg: "required"}
	case s.MaxTokensPerRequest < 0:
		return &ValidationError{Field: "maxTokensPerRequest", Msg: "must not be negative"}
	}
	if _, err := mail.ParseAddress(s.ContactEmail); err != nil {
		return &ValidationError{Field: "contactEmail", Msg: "invalid address"}
	}
	if s.Website != "" {
		u, err := url.Parse(s.Website)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "website", Msg: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

// Receipt is returned for every submission.
type Receipt struct {
	RequestID string                `json:"requestId"`
	Status    tenancy.RequestStatus `json:"status"`
	Attempts  int                   `json:"attempts"`
	Message   string                `json:"message,omitempty"`
}

// Decision is the payload of PATCH /bots/request/{id}.
type Decision struct {
	Status  tenancy.RequestStatus `json:"status"`
	Message string                `json:"message,omitempty"`
}

// Outcome describes the effect of a decision. Secret is only set on approval and is
// never retrievable again.
type Outcome struct {
	Request tenancy.BotRequest      `json:"request"`
	Bot     *tenancy.Bot            `json:"bot,omitempty"`
	Secret  string                  `json:"botSecret,omitempty"`
	Links   []tenancy.TenantBotLink `json:"links,omitempty"`
}

// NormalizeName is the key under which requests for the same bot collapse.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Service owns BotRequest state transitions.
type Service struct {
	store      tenancy.Store
	events     events.Publisher
	log        logrus.FieldLogger
	bcryptCost int
	now        func() time.Time
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

func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
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

func NewService(store tenancy.Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		events:     events.Discard,
		log:        obs.Logger().WithField("component", "registration"),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit records a submission. A name seen before counts as a new attempt of the same
// request; once MaxAttempts is reached further submissions are refused without change.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if err := sub.Validate(); err != nil {
		return Receipt{}, err
	}
	key := NormalizeName(sub.Name)

	for try := 0; try < 2; try++ {
		cur, err := s.store.BotRequestByName(ctx, key)
		switch {
		case errors.Is(err, tenancy.ErrNotFound):
			now := s.now().UTC()
			r := tenancy.BotRequest{ID: ids.WithPrefix(ids.PrefixBotRequest), NameKey: key, Status: tenancy.StatusPending, Attempts: 1, CreatedAt: now}
			apply(&r, sub, now)
			if err := s.store.SaveBotRequest(ctx, r); errors.Is(err, tenancy.ErrConflict) {
				continue
			} else if err != nil {
				return Receipt{}, fmt.Errorf("registration: save request: %w", err)
			}
			s.submitted(r)
			return receipt(r), nil
		case err != nil:
			return Receipt{}, fmt.Errorf("registration: load request: %w", err)
		}

		if cur.Status == tenancy.StatusApproved {
			return Receipt{RequestID: cur.ID, Status: cur.Status, Attempts: cur.Attempts, Message: MsgAlreadyApproved}, nil
		}
		if cur.Attempts >= MaxAttempts {
			return Receipt{RequestID: cur.ID, Status: tenancy.StatusRejected, Attempts: MaxAttempts, Message: MsgMaxAttempts}, nil
		}
		now := s.now().UTC()
		cur.Attempts++
		cur.Status = tenancy.StatusPending
		cur.Message = ""
		apply(&cur, sub, now)
		if err := s.store.SaveBotRequest(ctx, cur); err != nil {
			return Receipt{}, fmt.Errorf("registration: save request: %w", err)
		}
		s.submitted(cur)
		return receipt(cur), nil
	}
	return Receipt{}, fmt.Errorf("registration: save request: %w", tenancy.ErrConflict)
}

func apply(r *tenancy.BotRequest, sub Submission, now time.Time) {
	r.Name = strings.TrimSpace(sub.Name)
	r.Description = sub.Description
	r.Capabilities = sub.Capabilities
	r.ContactEmail = strings.TrimSpace(sub.ContactEmail)
	r.Website = sub.Website
	r.MaxTokensPerRequest = sub.MaxTokensPerRequest
	r.UpdatedAt = now
}

func receipt(r tenancy.BotRequest) Receipt {
	return Receipt{RequestID: r.ID, Status: r.Status, Attempts: r.Attempts, Message: r.Message}
}

func (s *Service) submitted(r tenancy.BotRequest) {
	s.log.WithFields(logrus.Fields{"request_id": r.ID, "name": r.Name, "attempts": r.Attempts}).Info("bot request submitted")
	s.events.Publish(events.Event{
		Kind:  events.KindBotRequestSubmitted,
		Attrs: map[string]string{"request_id": r.ID, "name": r.Name, "attempts": fmt.Sprint(r.Attempts)},
	})
}

// Status returns the current state of a request.
func (s *Service) Status(ctx context.Context, id string) (tenancy.BotRequest, error) {
	r, err := s.store.BotRequest(ctx, id)
	if errors.Is(err, tenancy.ErrNotFound) {
		return tenancy.BotRequest{}, ErrNotFound
	}
	return r, err
}

// Decide approves or rejects a pending request.
func (s *Service) Decide(ctx context.Context, id string, d Decision) (Outcome, error) {
	if d.Status != tenancy.StatusApproved && d.Status != tenancy.StatusRejected {
		return Outcome{}, &ValidationError{Field: "status", Msg: "must be approved or rejected"}
	}
	r, err := s.Status(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if r.Status != tenancy.StatusPending {
		return Outcome{}, ErrNotPending
	}
	r.Message = d.Message
	r.UpdatedAt = s.now().UTC()

	if d.Status == tenancy.StatusRejected {
		r.Status = tenancy.StatusRejected
		if err := s.store.SaveBotRequest(ctx, r); err != nil {
			return Outcome{}, fmt.Errorf("registration: save request: %w", err)
		}
		s.log.WithField("request_id", r.ID).Info("bot request rejected")
		s.events.Publish(events.Event{
			Kind:  events.KindBotRequestRejected,
			Attrs: map[string]string{"request_id": r.ID, "name": r.Name},
		})
		return Outcome{Request: r}, nil
	}
	return s.approve(ctx, r)
}

func (s *Service) approve(ctx context.Context, r tenancy.BotRequest) (Outcome, error) {
	secret, err := newSecret()
	if err != nil {
		return Outcome{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return Outcome{}, fmt.Errorf("registration: hash secret: %w", err)
	}
	bot := tenancy.Bot{
		ID:                  ids.WithPrefix(ids.PrefixBot),
		Name:                r.Name,
		Description:         r.Description,
		Capabilities:        r.Capabilities,
		MaxTokensPerRequest: r.MaxTokensPerRequest,
		Website:             r.Website,
		ContactEmail:        r.ContactEmail,
		Active:              true,
		SecretHash:          string(hash),
		CreatedAt:           s.now().UTC(),
	}
	links, err := s.store.ApproveBotRequest(ctx, r, bot)
	if errors.Is(err, tenancy.ErrConflict) {
		return Outcome{}, ErrNotPending
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("registration: approve: %w", err)
	}
	r.Status = tenancy.StatusApproved
	r.BotID = bot.ID

	s.log.WithFields(logrus.Fields{"request_id": r.ID, "bot_id": bot.ID, "tenants": len(links)}).Info("bot request approved")
	s.events.Publish(events.Event{
		Kind:  events.KindBotRequestApproved,
		BotID: bot.ID,
		Attrs: map[string]string{"request_id": r.ID, "name": r.Name, "tenants": fmt.Sprint(len(links))},
	})
	return Outcome{Request: r, Bot: &bot, Secret: secret, Links: links}, nil
}

func newSecret() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("registration: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
