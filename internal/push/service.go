package push

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/workerpool"
)

var log = logging.L("push")

// TokenStore is the slice of the persistence layer the service needs:
// who to push to, and how to forget dead tokens.
type TokenStore interface {
	PushTokensForUser(ctx context.Context, userID int64) ([]string, error)
	DeleteFCMToken(ctx context.Context, token string) error
}

const defaultRatePerSecond = 10

// Service fans pushes out to every registered device of a user on the
// shared worker pool. Sends are fire-and-forget: a push failure never
// fails the event that triggered it.
type Service struct {
	sender  Sender
	tokens  TokenStore
	pool    *workerpool.Pool
	limiter *rate.Limiter
}

// NewService creates a push service. perSecond paces provider calls
// across the whole hub.
func NewService(sender Sender, tokens TokenStore, pool *workerpool.Pool, perSecond float64) *Service {
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Service{
		sender:  sender,
		tokens:  tokens,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Notify queues one push per registered device of the user. It returns
// as soon as the sends are handed to the pool.
func (s *Service) Notify(ctx context.Context, userID int64, title string, data map[string]string) {
	tokens, err := s.tokens.PushTokensForUser(ctx, userID)
	if err != nil {
		log.Error("failed to load push targets", "userId", userID, logging.KeyError, err)
		return
	}
	if len(tokens) == 0 {
		log.Debug("no push targets registered", "userId", userID)
		return
	}

	for _, token := range tokens {
		token := token
		if !s.pool.Submit(func() { s.sendOne(token, title, data) }) {
			log.Warn("push dropped, worker pool saturated", "userId", userID, "token", tokenTag(token))
		}
	}
}

// sendOne runs on a pool worker, so it paces and delivers under the
// pool's lifetime context rather than the triggering request's.
func (s *Service) sendOne(token, title string, data map[string]string) {
	ctx := s.pool.Context()
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	err := s.sender.Send(ctx, token, title, data)
	switch {
	case err == nil:
		log.Debug("push delivered", "token", tokenTag(token))
	case errors.Is(err, ErrUnregistered):
		log.Info("pruning dead push token", "token", tokenTag(token))
		if derr := s.tokens.DeleteFCMToken(ctx, token); derr != nil {
			log.Error("failed to prune push token", "token", tokenTag(token), logging.KeyError, derr)
		}
	default:
		log.Warn("push delivery failed", "token", tokenTag(token), logging.KeyError, err)
	}
}

// tokenTag shortens a token for log lines.
func tokenTag(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
