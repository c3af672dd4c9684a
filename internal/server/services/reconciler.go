// Package services contains the sync worker's business logic. Reconciler
// drives a member directory record and its identity at the provider toward
// the same state, one change event at a time.
//
// Every handler is safe under duplicate and out-of-order delivery. Only
// failures that can succeed on retry are returned as errors; every other
// branch is logged, counted and swallowed.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/membersync/internal/common"
	"github.com/dmitrijs2005/membersync/internal/dbx"
	"github.com/dmitrijs2005/membersync/internal/logging"
	"github.com/dmitrijs2005/membersync/internal/server/defects"
	"github.com/dmitrijs2005/membersync/internal/server/identity"
	"github.com/dmitrijs2005/membersync/internal/server/metrics"
	"github.com/dmitrijs2005/membersync/internal/server/models"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/records"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/repomanager"
)

const (
	HandlerCreate = "create"
	HandlerUpdate = "update"
	HandlerDelete = "delete"
	HandlerResync = "resync"
)

// Outcomes are logged and counted once per decision.
const (
	OutcomeAlreadyLinked   = "already_linked"
	OutcomeMissingUsername = "missing_username"
	OutcomeBadCredential   = "unresolvable_credential"
	OutcomeLinked          = "linked"
	OutcomeAdopted         = "adopted"
	OutcomeIdentityExists  = "identity_exists"
	OutcomeRecordGone      = "record_gone"
	OutcomeNotLinked       = "not_linked"
	OutcomeNoChange        = "no_change"
	OutcomeNothingToSend   = "nothing_to_send"
	OutcomeUpdated         = "updated"
	OutcomeSelfHealed      = "self_healed"
	OutcomeEmailTaken      = "email_taken"
	OutcomeDeleted         = "deleted"
	OutcomeAlreadyGone     = "already_gone"
	OutcomeTransient       = "transient"
)

// CredentialResolver turns a stored credential into a provider password.
type CredentialResolver interface {
	Resolve(raw string) (string, error)
}

type ReconcilerOptions struct {
	// LoginDomain is appended to usernames that are not emails.
	LoginDomain string
	// AdoptExistingIdentities links an identity that already uses the
	// record's email instead of leaving the record unlinked.
	AdoptExistingIdentities bool
}

type Reconciler struct {
	db          dbx.DBTX
	repomanager repomanager.RepositoryManager
	provider    identity.Provider
	codec       CredentialResolver
	defects     defects.Sink
	metrics     *metrics.Metrics
	log         logging.Logger
	opts        ReconcilerOptions
}

// NewReconciler wires a Reconciler. A nil sink drops defects and nil metrics
// disables counting.
func NewReconciler(
	db dbx.DBTX,
	rm repomanager.RepositoryManager,
	provider identity.Provider,
	codec CredentialResolver,
	sink defects.Sink,
	m *metrics.Metrics,
	log logging.Logger,
	opts ReconcilerOptions,
) *Reconciler {
	if sink == nil {
		sink = defects.NopSink{}
	}
	return &Reconciler{
		db:          db,
		repomanager: rm,
		provider:    provider,
		codec:       codec,
		defects:     sink,
		metrics:     m,
		log:         log,
		opts:        opts,
	}
}

// OnCreate links a new record to a freshly created identity. The event only
// says a record appeared; the stored row decides what gets created, since a
// late or redelivered event may trail updates that already linked it.
func (s *Reconciler) OnCreate(ctx context.Context, rec models.DirectoryRecord) error {
	if rec.LinkState() == models.Linked {
		s.decide(ctx, HandlerCreate, rec, OutcomeAlreadyLinked, "external_id", rec.ExternalID)
		return nil
	}

	stored, err := s.records().GetByID(ctx, rec.ID)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		s.decide(ctx, HandlerCreate, rec, OutcomeRecordGone, "compensated", false)
		return nil
	case err != nil:
		return s.transient(ctx, HandlerCreate, rec, "read record", err)
	}
	if stored.LinkState() == models.Linked {
		s.decide(ctx, HandlerCreate, *stored, OutcomeAlreadyLinked, "external_id", stored.ExternalID)
		return nil
	}

	_, err = s.create(ctx, HandlerCreate, *stored, s.opts.AdoptExistingIdentities)
	return err
}

// OnUpdate pushes the changed tracked fields of a linked record. It never
// creates identities; a stale link is cleared instead.
func (s *Reconciler) OnUpdate(ctx context.Context, before, after models.DirectoryRecord) error {
	if after.LinkState() == models.Unlinked {
		s.decide(ctx, HandlerUpdate, after, OutcomeNotLinked)
		return nil
	}

	oldEmail, _ := DeriveLoginEmail(before.Username, s.opts.LoginDomain)
	newEmail, newOK := DeriveLoginEmail(after.Username, s.opts.LoginDomain)

	emailChanged := oldEmail != newEmail
	displayNameChanged := before.Username != after.Username
	credentialChanged := before.Credential != after.Credential
	activeChanged := before.IsActive != after.IsActive

	if !emailChanged && !displayNameChanged && !credentialChanged && !activeChanged {
		s.decide(ctx, HandlerUpdate, after, OutcomeNoChange, "external_id", after.ExternalID)
		return nil
	}

	var (
		u     identity.Update
		notes []any
	)
	if (emailChanged || displayNameChanged) && !newOK {
		s.defect(ctx, HandlerUpdate, after, defects.ReasonMissingUsername, "username cleared on a linked record")
		notes = append(notes, "username_omitted", true)
	} else {
		if emailChanged {
			u.Email = &newEmail
		}
		if displayNameChanged {
			name := after.Username
			u.DisplayName = &name
		}
	}
	if activeChanged {
		disabled := !after.IsActive
		u.Disabled = &disabled
	}
	if credentialChanged {
		if password, err := s.codec.Resolve(after.Credential); err == nil {
			u.Password = &password
		} else {
			notes = append(notes, "password_omitted", err.Error())
		}
	}

	if u.IsEmpty() {
		s.decide(ctx, HandlerUpdate, after, OutcomeNothingToSend, append([]any{"external_id", after.ExternalID}, notes...)...)
		return nil
	}

	_, err := s.push(ctx, HandlerUpdate, after, u, notes...)
	return err
}

// OnDelete removes the identity of a deleted record. An identity that is
// already gone counts as success.
func (s *Reconciler) OnDelete(ctx context.Context, before models.DirectoryRecord) error {
	if before.LinkState() == models.Unlinked {
		s.decide(ctx, HandlerDelete, before, OutcomeNotLinked)
		return nil
	}

	err := s.provider.DeleteIdentity(ctx, before.ExternalID)
	switch {
	case err == nil:
		s.decide(ctx, HandlerDelete, before, OutcomeDeleted, "external_id", before.ExternalID)
		return nil
	case identity.Classify(err) == identity.KindNotFound:
		s.decide(ctx, HandlerDelete, before, OutcomeAlreadyGone, "external_id", before.ExternalID)
		return nil
	default:
		return s.transient(ctx, HandlerDelete, before, "delete identity", err)
	}
}

// Resync reconciles the stored state of one record on operator request.
// A linked record gets its full state pushed and is recreated when its
// identity is gone; an unlinked one is created or adopted by email.
func (s *Reconciler) Resync(ctx context.Context, id string) (string, error) {
	rec, err := s.records().GetByID(ctx, id)
	if errors.Is(err, common.ErrorNotFound) {
		return "", fmt.Errorf("%w: %s", common.ErrorUnknownRecord, id)
	}
	if err != nil {
		return "", err
	}

	if rec.LinkState() == models.Unlinked {
		return s.create(ctx, HandlerResync, *rec, true)
	}

	email, ok := DeriveLoginEmail(rec.Username, s.opts.LoginDomain)
	if !ok {
		s.defect(ctx, HandlerResync, *rec, defects.ReasonMissingUsername, "")
		s.decide(ctx, HandlerResync, *rec, OutcomeMissingUsername, "external_id", rec.ExternalID)
		return OutcomeMissingUsername, nil
	}

	disabled := !rec.IsActive
	name := rec.Username
	u := identity.Update{Email: &email, DisplayName: &name, Disabled: &disabled}
	var notes []any
	if password, err := s.codec.Resolve(rec.Credential); err == nil {
		u.Password = &password
	} else {
		notes = append(notes, "password_omitted", err.Error())
	}

	outcome, err := s.push(ctx, HandlerResync, *rec, u, notes...)
	if err != nil || outcome != OutcomeSelfHealed {
		return outcome, err
	}

	rec.ExternalID = ""
	return s.create(ctx, HandlerResync, *rec, true)
}

// create runs the create path for an unlinked record and returns the outcome.
func (s *Reconciler) create(ctx context.Context, handler string, rec models.DirectoryRecord, adopt bool) (string, error) {
	email, ok := DeriveLoginEmail(rec.Username, s.opts.LoginDomain)
	if !ok {
		s.defect(ctx, handler, rec, defects.ReasonMissingUsername, "")
		s.decide(ctx, handler, rec, OutcomeMissingUsername)
		return OutcomeMissingUsername, nil
	}

	password, err := s.codec.Resolve(rec.Credential)
	if err != nil {
		s.defect(ctx, handler, rec, defects.ReasonBadCredential, err.Error())
		s.decide(ctx, handler, rec, OutcomeBadCredential, "error", err)
		return OutcomeBadCredential, nil
	}

	want := identity.Identity{
		Email:       email,
		Password:    password,
		DisplayName: rec.Username,
		Disabled:    !rec.IsActive,
	}

	externalID, err := s.provider.CreateIdentity(ctx, want)
	if err != nil {
		if identity.Classify(err) != identity.KindAlreadyExists {
			return OutcomeTransient, s.transient(ctx, handler, rec, "create identity", err)
		}
		if adopt {
			return s.adopt(ctx, handler, rec, want)
		}
		s.defect(ctx, handler, rec, defects.ReasonUnlinkedDuplicate, "identity with email "+email+" exists")
		s.decide(ctx, handler, rec, OutcomeIdentityExists, "email", email)
		return OutcomeIdentityExists, nil
	}

	return s.link(ctx, handler, rec, externalID, OutcomeLinked, true)
}

// adopt links the identity that already uses want.Email and brings it in
// line with the record.
func (s *Reconciler) adopt(ctx context.Context, handler string, rec models.DirectoryRecord, want identity.Identity) (string, error) {
	externalID, err := s.provider.LookupByEmail(ctx, want.Email)
	if err != nil {
		// Also covers an identity deleted since the create attempt; the
		// retry will create it.
		return OutcomeTransient, s.transient(ctx, handler, rec, "look up identity", err)
	}

	disabled := want.Disabled
	u := identity.Update{Password: &want.Password, DisplayName: &want.DisplayName, Disabled: &disabled}
	if err := s.provider.UpdateIdentity(ctx, externalID, u); err != nil {
		return OutcomeTransient, s.transient(ctx, handler, rec, "align adopted identity", err)
	}

	return s.link(ctx, handler, rec, externalID, OutcomeAdopted, false)
}

// link writes externalID back to the record. When the record was deleted or
// linked to another identity meanwhile, an identity created for it is deleted
// again.
func (s *Reconciler) link(ctx context.Context, handler string, rec models.DirectoryRecord, externalID, outcome string, created bool) (string, error) {
	err := s.records().SetExternalID(ctx, rec.ID, externalID)
	switch {
	case err == nil:
		s.decide(ctx, handler, rec, outcome, "external_id", externalID)
		return outcome, nil

	case errors.Is(err, common.ErrorNotFound), errors.Is(err, common.ErrorAlreadyLinked):
		if created {
			derr := s.provider.DeleteIdentity(ctx, externalID)
			if derr != nil && identity.Classify(derr) != identity.KindNotFound {
				return OutcomeTransient, s.transient(ctx, handler, rec, "delete orphaned identity", derr)
			}
		}
		outcome := OutcomeRecordGone
		if errors.Is(err, common.ErrorAlreadyLinked) {
			outcome = OutcomeAlreadyLinked
		}
		s.decide(ctx, handler, rec, outcome, "external_id", externalID, "compensated", created)
		return outcome, nil

	case errors.Is(err, common.ErrorAlreadyExists):
		s.defect(ctx, handler, rec, defects.ReasonEmailTaken, "identity "+externalID+" is linked to another record")
		s.decide(ctx, handler, rec, OutcomeEmailTaken, "external_id", externalID)
		return OutcomeEmailTaken, nil

	default:
		return OutcomeTransient, s.transient(ctx, handler, rec, "write back external id", err)
	}
}

// push sends u to the linked identity of rec. A missing identity clears the
// link so the record can be created again later.
func (s *Reconciler) push(ctx context.Context, handler string, rec models.DirectoryRecord, u identity.Update, notes ...any) (string, error) {
	kv := append([]any{"external_id", rec.ExternalID, "fields", u.Fields()}, notes...)

	err := s.provider.UpdateIdentity(ctx, rec.ExternalID, u)
	if err == nil {
		s.decide(ctx, handler, rec, OutcomeUpdated, kv...)
		return OutcomeUpdated, nil
	}

	switch identity.Classify(err) {
	case identity.KindNotFound:
		cerr := s.records().ClearExternalID(ctx, rec.ID, rec.ExternalID)
		if cerr != nil && !errors.Is(cerr, common.ErrorNotFound) {
			return OutcomeTransient, s.transient(ctx, handler, rec, "clear stale external id", cerr)
		}
		// ErrorNotFound here means the record is gone or already re-linked.
		s.decide(ctx, handler, rec, OutcomeSelfHealed, append(kv, "cleared", cerr == nil)...)
		return OutcomeSelfHealed, nil

	case identity.KindAlreadyExists:
		s.defect(ctx, handler, rec, defects.ReasonEmailTaken, "email belongs to another identity")
		s.decide(ctx, handler, rec, OutcomeEmailTaken, kv...)
		return OutcomeEmailTaken, nil

	default:
		return OutcomeTransient, s.transient(ctx, handler, rec, "update identity", err)
	}
}

func (s *Reconciler) records() records.Repository {
	return s.repomanager.Records(s.db)
}

// decide reports one reconciler decision as a log line and a counter.
func (s *Reconciler) decide(ctx context.Context, handler string, rec models.DirectoryRecord, outcome string, kv ...any) {
	s.metrics.Outcome(handler, outcome)

	args := append([]any{"handler", handler, "record_id", rec.ID, "outcome", outcome}, kv...)
	switch outcome {
	case OutcomeMissingUsername, OutcomeBadCredential, OutcomeIdentityExists, OutcomeEmailTaken,
		OutcomeRecordGone, OutcomeSelfHealed:
		s.log.Warn(ctx, "reconcile", args...)
	case OutcomeAlreadyLinked, OutcomeNotLinked, OutcomeNoChange:
		s.log.Debug(ctx, "reconcile", args...)
	default:
		s.log.Info(ctx, "reconcile", args...)
	}
}

func (s *Reconciler) transient(ctx context.Context, handler string, rec models.DirectoryRecord, op string, err error) error {
	s.metrics.Outcome(handler, OutcomeTransient)
	s.log.Error(ctx, "reconcile", "handler", handler, "record_id", rec.ID, "outcome", OutcomeTransient, "op", op, "error", err)
	return fmt.Errorf("%s %s: %w", op, rec.ID, err)
}

func (s *Reconciler) defect(ctx context.Context, handler string, rec models.DirectoryRecord, reason, detail string) {
	d := defects.Defect{
		RecordID:   rec.ID,
		Handler:    handler,
		Reason:     reason,
		Username:   rec.Username,
		ExternalID: rec.ExternalID,
		Detail:     detail,
	}
	if err := s.defects.Report(ctx, d); err != nil {
		s.log.Error(ctx, "defect archive failed", "record_id", rec.ID, "reason", reason, "error", err)
	}
}
