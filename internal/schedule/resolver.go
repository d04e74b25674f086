package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"calsched/internal/config"
	appLog "calsched/internal/log"
	"calsched/internal/model"
	"calsched/internal/store"
	"calsched/internal/version"
)

const (
	defaultMaxAttempts = 3
	defaultCollection  = "/calendars/inbox"
)

// Resolver classifies scheduling messages. It is safe for concurrent use;
// all shared state lives in the stores.
type Resolver struct {
	versions    store.VersionStore
	collections store.CollectionStore
	directory   Directory

	maxAttempts       int
	defaultCollection string
	now               func() time.Time
}

// NewResolver creates a resolver. Zero values in cfg fall back to defaults.
func NewResolver(versions store.VersionStore, collections store.CollectionStore, directory Directory, cfg config.SchedulingConfig) *Resolver {
	r := &Resolver{
		versions:          versions,
		collections:       collections,
		directory:         directory,
		maxAttempts:       cfg.MaxAttempts,
		defaultCollection: strings.TrimSpace(cfg.DefaultCollection),
		now:               time.Now,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.defaultCollection == "" {
		r.defaultCollection = defaultCollection
	}
	return r
}

// Resolve classifies msg. Malformed messages yield a Result with ErrorCode
// set and a nil error. Store and directory failures and version conflicts
// that persist past the retry budget are returned as errors. Once the new
// version is stored Resolve always returns the Rescheduled result; if the
// collection could not be stamped, Result.Collection is nil.
func (r *Resolver) Resolve(ctx context.Context, msg Message) (*Result, error) {
	msg, err := msg.validate()
	if err != nil {
		appLog.Debug("scheduling message rejected", "uid", msg.UID, "err", err)
		return malformed(err), nil
	}

	internal, external, err := r.partition(ctx, msg.Recipients)
	if err != nil {
		return nil, err
	}

	if msg.EntityType == model.EntityFreeBusy {
		return r.resolveFreeBusy(msg, internal, external), nil
	}

	outcome, err := r.classify(ctx, msg)
	if err != nil {
		return nil, err
	}

	res := newResult()
	res.setOutcome(outcome)
	res.ExternalRecipients = external
	status := statusFor(outcome)
	for _, addr := range internal {
		res.RecipientResults[addr] = RecipientResult{Recipient: addr, Status: status}
	}

	// The version is committed at this point; a failed stamp is logged and
	// leaves Collection nil.
	if outcome == OutcomeRescheduled {
		path := r.collectionPath(msg)
		c, err := r.stampCollection(ctx, path)
		if err != nil {
			appLog.Error("collection stamp failed", err, "uid", msg.UID, "path", path)
		} else {
			res.Collection = &c
		}
	}

	appLog.Debug("scheduling message classified",
		"uid", msg.UID,
		"sequence", msg.Sequence,
		"recurring", msg.Recurring,
		"outcome", string(outcome),
		"internal", len(internal),
		"external", len(external),
	)
	return res, nil
}

// classify runs load, compare and compare-and-swap, restarting from a fresh
// prior after a lost race.
func (r *Resolver) classify(ctx context.Context, msg Message) (Outcome, error) {
	incoming := version.NewTag(msg.Sequence, msg.DTStamp)

	for attempt := 1; ; attempt++ {
		prior, ok, err := r.versions.LoadVersionTag(ctx, msg.UID)
		if err != nil {
			return "", fmt.Errorf("load version of %s: %w", msg.UID, err)
		}

		var outcome Outcome
		switch {
		case !ok:
			outcome = OutcomeRescheduled
			err = r.versions.CompareAndSwapVersionTag(ctx, msg.UID, nil, incoming)
		default:
			switch version.Compare(incoming, prior) {
			case version.Less:
				return OutcomeIgnored, nil
			case version.Equal:
				return OutcomeUpdated, nil
			}
			outcome = OutcomeRescheduled
			err = r.versions.CompareAndSwapVersionTag(ctx, msg.UID, &prior, incoming)
		}
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, store.ErrStoreConflict) {
			return "", fmt.Errorf("store version of %s: %w", msg.UID, err)
		}
		if attempt >= r.maxAttempts {
			return "", fmt.Errorf("classify %s: gave up after %d attempts: %w", msg.UID, attempt, err)
		}
		appLog.Info("version conflict, retrying classification", "uid", msg.UID, "attempt", attempt, "err", err)
	}
}

// stampCollection advances the live version of path, creating it at
// sequence 0 when absent. Losing the compare-and-swap means another writer
// advanced the collection after our version was stored, so the live version
// already covers this change and is returned as is.
func (r *Resolver) stampCollection(ctx context.Context, path string) (version.Collection, error) {
	current, ok, err := r.collections.LoadCollection(ctx, path)
	if err != nil {
		return version.Collection{}, fmt.Errorf("load collection %s: %w", path, err)
	}

	var (
		prior *version.Collection
		next  version.Collection
	)
	if ok {
		prior = &current
		next, err = current.Advance(r.now())
		if err != nil {
			return version.Collection{}, err
		}
	} else {
		next = version.NewCollection(path, r.now())
	}

	err = r.collections.CompareAndSwapCollection(ctx, prior, next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, store.ErrStoreConflict) {
		return version.Collection{}, fmt.Errorf("stamp collection %s: %w", path, err)
	}

	live, ok, err := r.collections.LoadCollection(ctx, path)
	if err != nil {
		return version.Collection{}, fmt.Errorf("reload collection %s: %w", path, err)
	}
	if !ok {
		return version.Collection{}, fmt.Errorf("collection %s vanished after conflict: %w", path, store.ErrStoreConflict)
	}
	appLog.Debug("collection advanced concurrently, using live version", "path", path, "version", live.Tag.String())
	return live, nil
}

func (r *Resolver) resolveFreeBusy(msg Message, internal, external []string) *Result {
	fb, ok := SynthesizeFreeBusyRequest(FreeBusyParams{
		UID:        msg.UID,
		DTStamp:    msg.DTStamp,
		Start:      msg.Start,
		End:        msg.End,
		Organizer:  msg.Organizer,
		Originator: msg.Originator,
		Attendees:  msg.Attendees,
		Recipients: msg.Recipients,
	})
	if !ok {
		return malformed(fmt.Errorf("%w: cannot build free/busy query", ErrMalformedMessage))
	}

	res := newResult()
	res.setOutcome(OutcomeUpdated)
	res.ExternalRecipients = external
	for _, addr := range internal {
		res.RecipientResults[addr] = RecipientResult{
			Recipient: addr,
			Status:    StatusDelivered,
			FreeBusy:  fb.Clone(),
		}
	}
	return res
}

// partition splits recipients into internal and external addresses.
// Addresses are compared as calendar user addresses: surrounding space is
// trimmed and a mailto: prefix and letter case are ignored. Each address is
// reported once, under its first trimmed spelling, so the union of both
// outputs equals the normalized input set. External addresses keep
// first-seen order.
func (r *Resolver) partition(ctx context.Context, recipients []string) (internal, external []string, err error) {
	seen := make(map[string]struct{}, len(recipients))
	external = []string{}
	for _, addr := range recipients {
		addr = strings.TrimSpace(addr)
		key := model.NormalizeAddress(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		loc, err := r.directory.Classify(ctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("classify recipient %s: %w", addr, err)
		}
		if loc == Internal {
			internal = append(internal, addr)
		} else {
			external = append(external, addr)
		}
	}
	return internal, external, nil
}

func (r *Resolver) collectionPath(msg Message) string {
	if p := strings.TrimSpace(msg.CollectionPath); p != "" {
		return p
	}
	return r.defaultCollection
}
