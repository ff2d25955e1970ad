package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/taxintake/internal/document"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/template"
)

const defaultAttempts = 3

// Outcome reports what Resolve did.
type Outcome struct {
	// Document is the resolved upload after the change.
	Document *document.Document

	// Replaced lists the previously active uploads it rectified.
	Replaced []*document.Document

	// Rejected is set when the policy denied the rectification; Blocker is the
	// sibling that caused it.
	Rejected bool
	Blocker  *document.Document

	// DuplicateContent is set when a replaced upload had the same file hash.
	DuplicateContent bool
}

// Resolver activates accepted uploads, rectifying the previous active upload
// for the same key.
type Resolver struct {
	store    lifecycle.Store
	policy   Policy
	now      func() time.Time
	attempts int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy replaces AllowRectification.
func WithPolicy(p Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithClock sets the clock used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithAttempts sets how many times Resolve retries after a version conflict.
func WithAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// NewResolver creates a Resolver over store.
func NewResolver(store lifecycle.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		policy:   AllowRectification,
		now:      time.Now,
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LockKey is the lock key serialising resolution for a uniqueness key.
func LockKey(key string) string { return "uniqueness:" + key }

// Resolve activates the accepted upload id. The upload must carry its
// uniqueness key and be inactive (Rectified), which is how intake creates it.
//
// With no other active upload for the key, the upload becomes active and
// VALID. Otherwise the policy is consulted: when allowed, every active
// predecessor is rectified and REPLACED and the upload becomes active,
// rectifying and VALID; when denied, the upload stays inactive and becomes
// INVALID. All changes for a key happen in one atomic step.
func (r *Resolver) Resolve(ctx context.Context, tmpl template.Template, id uuid.UUID) (Outcome, error) {
	var out Outcome
	var err error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		out, err = r.resolveOnce(ctx, tmpl, id)
		if !errors.Is(err, lifecycle.ErrVersionConflict) {
			break
		}
		logging.FromContext(ctx).Debug("uniqueness resolution conflicted, retrying",
			"document_id", id.String(),
			"attempt", attempt,
		)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve uniqueness of %s: %w", id, err)
	}

	log := logging.WithDocument(ctx, out.Document)
	switch {
	case out.Rejected && out.Blocker != nil:
		log.Warn("rectification denied", "blocker", out.Blocker.ID.String(), "blocker_period", out.Blocker.PeriodNumber())
	case out.Rejected:
		log.Warn("rectification denied")
	case len(out.Replaced) > 0:
		for _, p := range out.Replaced {
			log.Info("document rectified", "replaced", p.ID.String(), "duplicate_content", out.DuplicateContent)
		}
	default:
		log.Info("document activated")
	}
	return out, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, tmpl template.Template, id uuid.UUID) (Outcome, error) {
	var out Outcome

	// The key is read outside the transaction to pick the lock; it never
	// changes after intake sets it.
	var key string
	err := r.store.Atomically(ctx, lifecycle.DocumentLockKey(id), func(tx lifecycle.Tx) error {
		d, err := tx.Document(ctx, id)
		if err != nil {
			return err
		}
		key = d.UniquenessKey
		return nil
	})
	if err != nil {
		return out, err
	}
	if key == "" {
		return out, fmt.Errorf("%w: document has no uniqueness key", ErrMissingKeyField)
	}

	err = r.store.Atomically(ctx, LockKey(key), func(tx lifecycle.Tx) error {
		out = Outcome{}
		now := r.now()

		u, err := tx.Document(ctx, id)
		if err != nil {
			return err
		}

		all, err := tx.ByKey(ctx, key)
		if err != nil {
			return err
		}
		var actives []*document.Document
		for _, d := range all {
			if d.ID != u.ID && d.Active() {
				actives = append(actives, d)
			}
		}

		if len(actives) == 0 {
			u.Rectified = false
			u.Rectifying = false
			if _, err := lifecycle.ApplyInTx(ctx, tx, u, document.Validate, now); err != nil {
				return err
			}
			out.Document = u
			return nil
		}

		siblings, err := tx.Siblings(ctx, u.TemplateName, u.TaxpayerID)
		if err != nil {
			return err
		}
		if ok, blocker := r.policy(tmpl, u, siblings); !ok {
			u.Rectified = true
			if _, err := lifecycle.ApplyInTx(ctx, tx, u, document.Reject, now); err != nil {
				return err
			}
			out.Document = u
			out.Rejected = true
			out.Blocker = blocker
			return nil
		}

		for _, p := range actives {
			p.Rectified = true
			if document.Can(p.Situation, document.Replace) {
				if _, err := lifecycle.ApplyInTx(ctx, tx, p, document.Replace, now); err != nil {
					return err
				}
			} else if err := tx.SaveDocument(ctx, p); err != nil {
				return err
			}
			if p.Hash != "" && p.Hash == u.Hash {
				out.DuplicateContent = true
			}
			out.Replaced = append(out.Replaced, p)
		}

		u.Rectified = false
		u.Rectifying = true
		if _, err := lifecycle.ApplyInTx(ctx, tx, u, document.Validate, now); err != nil {
			return err
		}
		out.Document = u
		return nil
	})
	return out, err
}

// Prediction is what Resolve would do with a candidate upload right now.
type Prediction struct {
	// Active lists the uploads the candidate would rectify.
	Active []*document.Document

	// Allowed is false when the policy would deny the rectification; Blocker
	// is the sibling that causes it.
	Allowed bool
	Blocker *document.Document

	// DuplicateContent is set when an active upload has the candidate's hash.
	DuplicateContent bool
}

// Predict reports how candidate would be resolved without changing anything.
// candidate must carry its uniqueness key; it does not need to be stored.
func (r *Resolver) Predict(ctx context.Context, tmpl template.Template, candidate *document.Document) (Prediction, error) {
	if candidate.UniquenessKey == "" {
		return Prediction{}, fmt.Errorf("%w: document has no uniqueness key", ErrMissingKeyField)
	}

	var out Prediction
	err := r.store.Atomically(ctx, LockKey(candidate.UniquenessKey), func(tx lifecycle.Tx) error {
		out = Prediction{Allowed: true}

		all, err := tx.ByKey(ctx, candidate.UniquenessKey)
		if err != nil {
			return err
		}
		for _, d := range all {
			if d.ID != candidate.ID && d.Active() {
				out.Active = append(out.Active, d)
				if d.Hash != "" && d.Hash == candidate.Hash {
					out.DuplicateContent = true
				}
			}
		}
		if len(out.Active) == 0 {
			return nil
		}

		siblings, err := tx.Siblings(ctx, candidate.TemplateName, candidate.TaxpayerID)
		if err != nil {
			return err
		}
		out.Allowed, out.Blocker = r.policy(tmpl, candidate, siblings)
		return nil
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("predict uniqueness of %s: %w", candidate.UniquenessKey, err)
	}
	return out, nil
}
