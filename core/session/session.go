package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/animalexplorer/core/domain"
	"github.com/you-humble/animalexplorer/core/kv"

	"github.com/google/uuid"
)

const DefaultTTL = time.Hour

var ErrClaimLost = errors.New("session: claim expired or taken over")

type manager struct {
	store kv.Store
	ttl   time.Duration
}

func New(store kv.Store, ttl time.Duration) *manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &manager{store: store, ttl: ttl}
}

func (m *manager) Create(ctx context.Context, job domain.Job) error {
	if job.ID == "" {
		return errors.New("session: empty id")
	}
	return m.write(ctx, job)
}

func (m *manager) Get(ctx context.Context, id string) (domain.Job, error) {
	raw, err := m.store.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("session get %s: %w", id, err)
	}

	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, fmt.Errorf("session decode %s: %w", id, err)
	}
	return job, nil
}

// Update overwrites the whole record, as given, and refreshes its TTL.
// Concurrent writers are last-writer-wins; Claim keeps processing
// single-writer.
func (m *manager) Update(ctx context.Context, job domain.Job) error {
	return m.write(ctx, job)
}

func (m *manager) Extend(ctx context.Context, id string) error {
	ok, err := m.store.Expire(ctx, sessionKey(id), m.ttl)
	if err != nil {
		return fmt.Errorf("session extend %s: %w", id, err)
	}
	if !ok {
		return domain.ErrJobNotFound
	}
	return nil
}

func (m *manager) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.Delete(ctx, sessionKey(id))
	if err != nil {
		return false, fmt.Errorf("session delete %s: %w", id, err)
	}
	return ok, nil
}

// Count scans the session prefix, so it is linear in the number of live
// sessions.
func (m *manager) Count(ctx context.Context) (int64, error) {
	n, err := m.store.Count(ctx, sessionPrefix)
	if err != nil {
		return 0, fmt.Errorf("session count: %w", err)
	}
	return n, nil
}

// Claim grants processing rights on id to exactly one caller until ttl
// passes or the holder releases it. The returned token identifies the
// holder to Release.
func (m *manager) Claim(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, claimKey(id), []byte(token), ttl)
	if err != nil {
		return "", false, fmt.Errorf("session claim %s: %w", id, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the claim only while token still holds it, so a run that
// outlived its claim cannot free a later run's.
func (m *manager) Release(ctx context.Context, id, token string) error {
	ok, err := m.store.DeleteIfEqual(ctx, claimKey(id), []byte(token))
	if err != nil {
		return fmt.Errorf("session release %s: %w", id, err)
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}

// Holds reports whether token is still the live claim on id.
func (m *manager) Holds(ctx context.Context, id, token string) (bool, error) {
	raw, err := m.store.Get(ctx, claimKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("session claim check %s: %w", id, err)
	}
	return string(raw) == token, nil
}

func (m *manager) write(ctx context.Context, job domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("session encode %s: %w", job.ID, err)
	}
	if err := m.store.Set(ctx, sessionKey(job.ID), raw, m.ttl); err != nil {
		return fmt.Errorf("session write %s: %w", job.ID, err)
	}
	return nil
}

const (
	sessionPrefix = "session:"
	claimPrefix   = "claim:session:"
)

func sessionKey(id string) string { return sessionPrefix + id }

func claimKey(id string) string { return claimPrefix + id }
