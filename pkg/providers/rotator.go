package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/logger"
)

// Credential is one API key bound to its provider client.
type Credential struct {
	Label    string
	Provider LLMProvider
}

// Profile is the model selection used for one Mode.
type Profile struct {
	Model     string
	MaxTokens int
}

type RotatorOptions struct {
	Cooldown    time.Duration
	Temperature float64
	Quality     Profile
	Fast        Profile
	// Now overrides the clock in tests.
	Now func() time.Time
}

// CredentialStatus reports the cooldown state of one credential.
type CredentialStatus struct {
	Label     string        `json:"label"`
	Cooling   bool          `json:"cooling"`
	Remaining time.Duration `json:"remaining_ns"`
}

// Rotator fails over across credentials in configured order. A credential
// that returned a rate-limit error is skipped until its cooldown elapses.
type Rotator struct {
	creds []Credential
	opts  RotatorOptions

	mu        sync.Mutex
	limitedAt []time.Time
}

const (
	exhaustedPrefix  = "um... sorry.. all the keys are rate limited rn\n"
	exhaustedGeneric = exhaustedPrefix + "im broke i cant afford more D:\ntry again tmrw 😭"
)

func NewRotator(creds []Credential, opts RotatorOptions) *Rotator {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Rotator{
		creds:     creds,
		opts:      opts,
		limitedAt: make([]time.Time, len(creds)),
	}
}

// Complete returns the first successful completion. When every credential is
// cooling down it returns a user-facing wait message instead of an error.
func (r *Rotator) Complete(ctx context.Context, messages []Message, mode Mode) (string, error) {
	profile := r.opts.Quality
	if mode == ModeFast {
		profile = r.opts.Fast
	}
	opts := ChatOptions{
		Model:       profile.Model,
		MaxTokens:   profile.MaxTokens,
		Temperature: r.opts.Temperature,
	}

	for i, cred := range r.creds {
		if r.cooling(i) {
			continue
		}

		text, err := cred.Provider.Chat(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		if !IsRateLimited(err) {
			return "", fmt.Errorf("%s: %w", cred.Label, err)
		}

		r.mu.Lock()
		r.limitedAt[i] = r.opts.Now()
		r.mu.Unlock()
		logger.WarnCF("rotator", "Credential rate limited", map[string]any{
			"credential": cred.Label,
			"mode":       mode.String(),
		})
	}

	return r.exhaustedMessage(), nil
}

// cooling reports whether credential i is inside its cooldown, clearing an
// expired mark as a side effect.
func (r *Rotator) cooling(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mark := r.limitedAt[i]
	if mark.IsZero() {
		return false
	}
	if r.opts.Now().Sub(mark) < r.opts.Cooldown {
		return true
	}
	r.limitedAt[i] = time.Time{}
	return false
}

// RateLimitedCount is the number of credentials currently cooling down.
func (r *Rotator) RateLimitedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Now()
	n := 0
	for _, mark := range r.limitedAt {
		if !mark.IsZero() && now.Sub(mark) < r.opts.Cooldown {
			n++
		}
	}
	return n
}

func (r *Rotator) Len() int { return len(r.creds) }

func (r *Rotator) Status() []CredentialStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Now()
	out := make([]CredentialStatus, len(r.creds))
	for i, cred := range r.creds {
		out[i] = CredentialStatus{Label: cred.Label}
		if mark := r.limitedAt[i]; !mark.IsZero() {
			if left := r.opts.Cooldown - now.Sub(mark); left > 0 {
				out[i].Cooling = true
				out[i].Remaining = left
			}
		}
	}
	return out
}

func (r *Rotator) exhaustedMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	soonest := time.Duration(-1)
	for _, mark := range r.limitedAt {
		if mark.IsZero() {
			continue
		}
		left := r.opts.Cooldown - now.Sub(mark)
		if left < 0 {
			left = 0
		}
		if soonest < 0 || left < soonest {
			soonest = left
		}
	}
	if soonest < 0 {
		return exhaustedGeneric
	}
	return exhaustedPrefix + "try again in " + formatWait(soonest) + " 😭"
}

// formatWait renders d as "<N>m <S>s" or "<S>s", rounding seconds up.
func formatWait(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if secs >= 60 {
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}

// IsExhausted reports whether text is the wait message Complete returns
// when no credential could serve the request.
func IsExhausted(text string) bool {
	return strings.HasPrefix(text, exhaustedPrefix)
}
