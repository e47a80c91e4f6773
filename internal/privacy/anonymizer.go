// Package privacy implements the anonymization and PII-guard layer of the
// pipeline. The anonymizer turns a raw local identifier into a per-day-salted
// one-way digest; the scanner and allow-list keep personally identifiable
// text out of durable storage on both ends of the wire.
package privacy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/timeutil"
)

// Anonymizer derives stable-per-day, unlinkable-across-days subject hashes.
// Deterministic within a day so one student's events group correctly;
// different across days so correlation becomes computationally infeasible
// once old salts are erased.
type Anonymizer struct {
	salts identity.SaltStore
	now   func() time.Time
}

// NewAnonymizer creates an Anonymizer backed by the given salt store.
func NewAnonymizer(salts identity.SaltStore) *Anonymizer {
	return &Anonymizer{salts: salts, now: timeutil.Now}
}

// Hash derives the anonymous subject hash for subjectIdentifier as of
// forDate. The identifier is normalized (trimmed, case-folded) before
// hashing so cosmetic variations of the same local ID converge. The day's
// salt is lazily created only for days still inside the salt-retention
// window; a day past it may only use a salt that survived cleanup, so
// hashing against an already-purged day fails with
// shared.ErrSaltUnavailable and must not be retried. Minting a fresh salt
// for an expired day would produce hashes no stored record can match and
// quietly undo the unlinkability the purge bought.
func (a *Anonymizer) Hash(ctx context.Context, subjectIdentifier string, forDate time.Time) (shared.AnonymousHash, error) {
	normalized := Normalize(subjectIdentifier)
	if normalized == "" {
		return "", shared.ErrEmptySubject
	}

	day := timeutil.DayKey(forDate)

	if a.beyondSaltRetention(forDate) {
		rec, err := a.salts.Get(ctx, day)
		if err != nil {
			return "", err
		}
		return digest(normalized, rec.SaltValue), nil
	}

	candidate, err := NewSaltValue()
	if err != nil {
		return "", shared.WrapError("identity", "Hash", shared.ErrInvalidState, "salt generation failed", err)
	}

	rec, err := a.salts.GetOrCreate(ctx, day, candidate)
	if err != nil {
		return "", err
	}

	return digest(normalized, rec.SaltValue), nil
}

// beyondSaltRetention reports whether forDate is older than the oldest day
// whose salt cleanup still retains.
func (a *Anonymizer) beyondSaltRetention(forDate time.Time) bool {
	oldestRetained := timeutil.DaysAgo(a.now(), identity.DefaultSaltRetentionDays)
	return forDate.Before(oldestRetained)
}

// HashToday derives the hash for the current UTC day.
func (a *Anonymizer) HashToday(ctx context.Context, subjectIdentifier string) (shared.AnonymousHash, error) {
	return a.Hash(ctx, subjectIdentifier, timeutil.Now())
}

// HashExisting derives the hash for forDate without creating a salt. Used by
// the consent-withdrawal purge, which must never mint salts for days the
// subject was not hashed on.
func (a *Anonymizer) HashExisting(ctx context.Context, subjectIdentifier string, day string) (shared.AnonymousHash, error) {
	normalized := Normalize(subjectIdentifier)
	if normalized == "" {
		return "", shared.ErrEmptySubject
	}

	rec, err := a.salts.Get(ctx, day)
	if err != nil {
		return "", err
	}

	return digest(normalized, rec.SaltValue), nil
}

// HashAllRetainedDays derives the subject's hash for every day whose salt is
// still retained. The purge path matches records against all of them.
func (a *Anonymizer) HashAllRetainedDays(ctx context.Context, subjectIdentifier string) ([]shared.AnonymousHash, error) {
	normalized := Normalize(subjectIdentifier)
	if normalized == "" {
		return nil, shared.ErrEmptySubject
	}

	days, err := a.salts.ListDays(ctx)
	if err != nil {
		return nil, err
	}

	hashes := make([]shared.AnonymousHash, 0, len(days))
	for _, day := range days {
		rec, err := a.salts.Get(ctx, day)
		if err != nil {
			// A salt deleted between ListDays and Get is fine: its hashes
			// are unrecoverable anyway.
			if shared.IsNotFound(err) || isSaltUnavailable(err) {
				continue
			}
			return nil, err
		}
		hashes = append(hashes, digest(normalized, rec.SaltValue))
	}

	return hashes, nil
}

// Normalize trims and case-folds a raw subject identifier.
func Normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// NewSaltValue generates a fresh random daily salt.
func NewSaltValue() ([]byte, error) {
	salt := make([]byte, identity.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("privacy: salt generation: %w", err)
	}
	return salt, nil
}

// digest computes SHA3-256(identifier || salt) as a lowercase hex string.
func digest(normalizedIdentifier string, salt []byte) shared.AnonymousHash {
	h := sha3.New256()
	h.Write([]byte(normalizedIdentifier))
	h.Write(salt)
	return shared.AnonymousHash(hex.EncodeToString(h.Sum(nil)))
}

func isSaltUnavailable(err error) bool {
	return errors.Is(err, shared.ErrSaltUnavailable)
}
