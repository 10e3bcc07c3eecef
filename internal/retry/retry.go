// Package retry layers recovery policy above the request router: transient
// overload is retried with backoff, and optional parameters the server
// rejects are negotiated away.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/agentlink/internal/consts"
	"github.com/codefionn/agentlink/internal/fields"
	"github.com/codefionn/agentlink/internal/logger"
	"github.com/codefionn/agentlink/internal/wire"
)

// CallFunc issues one request attempt.
type CallFunc func(ctx context.Context) (wire.Value, error)

// Policy holds the retry knobs for one session.
type Policy struct {
	// Budget is the number of retries after an overloaded reply
	Budget int
	// BaseDelay is the first backoff interval; each attempt doubles it
	BaseDelay time.Duration
	// Jitter is the bounded randomization factor applied per interval
	Jitter float64

	log *logger.Logger
}

// NewPolicy returns the default policy.
func NewPolicy(log *logger.Logger) *Policy {
	if log == nil {
		log = logger.Global()
	}
	return &Policy{
		Budget:    consts.OverloadRetryBudget,
		BaseDelay: consts.OverloadBaseDelay,
		Jitter:    consts.OverloadJitter,
		log:       log.WithPrefix("retry"),
	}
}

// Do runs call, retrying with exponential backoff while the remote reports
// transient overload. Exhausting the budget propagates the last error; any
// other error stops immediately. The budget is scoped per call, so many
// concurrently retried calls can still pile load on an overloaded peer.
func (p *Policy) Do(ctx context.Context, call CallFunc) (wire.Value, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.BaseDelay << uint(p.Budget)
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryWithData(func() (wire.Value, error) {
		v, err := call(ctx)
		if err == nil {
			return v, nil
		}
		var remote *wire.RemoteError
		if errors.As(err, &remote) && remote.IsOverloaded() {
			attempt++
			p.log.Debug("remote overloaded, retry %d/%d", attempt, p.Budget)
			return wire.Value{}, err
		}
		return wire.Value{}, backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Budget)), ctx))
}

// OptionalParam names a request parameter the server may reject.
type OptionalParam string

const (
	// ParamModel is the preferred-model optional parameter
	ParamModel OptionalParam = "model"
	// ParamEffort is the reasoning-effort optional parameter
	ParamEffort OptionalParam = "effort"
	// ParamReviewTarget is the review-target variant-shape parameter
	ParamReviewTarget OptionalParam = "reviewTarget"
)

// SendFunc issues one request attempt without the stripped optionals.
type SendFunc func(ctx context.Context, stripped map[OptionalParam]bool) (wire.Value, error)

// DoNegotiated runs send through the overload policy and, when the server
// rejects the parameters, retries without the rejected optional. The
// server-named parameter is stripped first when the error identifies one;
// otherwise optionals are stripped in declaration order. Each optional is
// stripped at most once per call.
func (p *Policy) DoNegotiated(ctx context.Context, optionals []OptionalParam, send SendFunc) (wire.Value, error) {
	stripped := make(map[OptionalParam]bool)

	for {
		v, err := p.Do(ctx, func(ctx context.Context) (wire.Value, error) {
			return send(ctx, stripped)
		})
		if err == nil {
			return v, nil
		}

		var remote *wire.RemoteError
		if !errors.As(err, &remote) || !remote.IsInvalidParams() {
			return wire.Value{}, err
		}

		next, ok := rejectedOptional(remote, optionals, stripped)
		if !ok {
			return wire.Value{}, err
		}
		p.log.Debug("server rejected optional parameter %q, retrying without it", next)
		stripped[next] = true
	}
}

// rejectedOptional picks the optional to strip for an invalid-params reply:
// the one named in the error data if it is still present, else the first
// unstripped optional.
func rejectedOptional(remote *wire.RemoteError, optionals []OptionalParam, stripped map[OptionalParam]bool) (OptionalParam, bool) {
	if remote.Data != nil {
		doc := fields.Wrap(*remote.Data)
		if name, ok := doc.Str("param", "parameter", "field", "name"); ok {
			for _, opt := range optionals {
				if string(opt) == name && !stripped[opt] {
					return opt, true
				}
			}
		}
	}
	for _, opt := range optionals {
		if !stripped[opt] {
			return opt, true
		}
	}
	return "", false
}
