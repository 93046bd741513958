package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RefreshRegistry coordinates refreshes across every Manager of a process.
// It is keyed by refresh-token value: callers holding the same refresh token
// share one in-flight refresh and one cooldown, unrelated tokens never wait
// on each other.
type RefreshRegistry struct {
	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]bool
	last     map[string]time.Time
	results  map[string]*Credential
	cooldown time.Duration
	now      func() time.Time
}

// NewRefreshRegistry creates a registry. A non-positive cooldown uses
// RefreshCooldown.
func NewRefreshRegistry(cooldown time.Duration) *RefreshRegistry {
	if cooldown <= 0 {
		cooldown = RefreshCooldown
	}
	return &RefreshRegistry{
		inflight: make(map[string]bool),
		last:     make(map[string]time.Time),
		results:  make(map[string]*Credential),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Refresh runs fn for key unless a refresh for key is already running (the
// caller joins it and gets its result) or the last attempt is within the
// cooldown. A skipped caller gets the last successful result; when that
// attempt failed it gets nil, nil, or ErrReauthRequired if its token has
// already expired.
//
// fn runs detached from the caller's cancellation: a canceled caller stops
// waiting, the refresh still completes for everyone else.
func (r *RefreshRegistry) Refresh(ctx context.Context, key string, expired bool, fn func(context.Context) (*Credential, error)) (*Credential, error) {
	r.mu.Lock()
	if !r.inflight[key] {
		if last, ok := r.last[key]; ok && r.now().Sub(last) < r.cooldown {
			prev := r.results[key]
			r.mu.Unlock()
			log.Debug().Dur("since", r.now().Sub(last)).Msg("credentials: refresh skipped (cooldown)")
			if prev != nil {
				return prev, nil
			}
			if expired {
				return nil, ErrReauthRequired
			}
			return nil, nil
		}
		r.last[key] = r.now()
		r.inflight[key] = true
	} else {
		log.Debug().Msg("credentials: joining in-flight refresh")
	}
	// DoChan is registered under the lock so a joiner can never miss the
	// flight it saw in inflight.
	ch := r.group.DoChan(key, func() (any, error) {
		cred, err := fn(context.WithoutCancel(ctx))
		r.mu.Lock()
		delete(r.inflight, key)
		if err == nil && cred != nil {
			r.results[key] = cred
		} else {
			delete(r.results, key)
		}
		r.mu.Unlock()
		return cred, err
	})
	r.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred, _ := res.Val.(*Credential)
		return cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
