package slotsync

import "time"

// Index sync outcomes.
const (
	IndexCreated   = "created"
	IndexRefreshed = "refreshed"
	IndexConflict  = "conflict"
	IndexCleaned   = "cleaned"
	IndexSkipped   = "skipped"
)

// EmailIndex maintains the normalized email to account id mapping.
// An entry is never re-pointed to a different account; a collision is
// recorded as an IdentityConflict instead.
type EmailIndex struct {
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewEmailIndex creates an index maintainer.
func NewEmailIndex(opts Options) *EmailIndex {
	opts = opts.withDefaults()
	return &EmailIndex{logger: opts.Logger, metrics: opts.Metrics, now: opts.Now}
}

// IndexChange is the write set decided by Prepare. It is applied with Apply
// once every other read of the surrounding transaction is done.
type IndexChange struct {
	AccountID string
	NewEmail  string
	OldEmail  string
	Outcome   string
	Cleaned   bool

	entry    *EmailIndexEntry
	conflict *IdentityConflict
	deleteOf string
}

// Conflict returns the conflict record the change will write, if any.
func (c *IndexChange) Conflict() *IdentityConflict {
	if c == nil {
		return nil
	}
	return c.conflict
}

// Prepare reads the index entries needed to sync accountID from oldEmail to
// newEmail. It issues no writes.
func (x *EmailIndex) Prepare(tx Tx, oldEmail, newEmail, accountID, source string) (*IndexChange, error) {
	newLower := NormalizeEmail(newEmail)
	oldLower := NormalizeEmail(oldEmail)
	change := &IndexChange{AccountID: accountID, NewEmail: newLower, OldEmail: oldLower, Outcome: IndexSkipped}
	if newLower == "" || accountID == "" {
		return change, nil
	}
	now := x.now()

	current, err := tx.GetEmailIndex(newLower)
	if err != nil {
		return nil, err
	}

	var old *EmailIndexEntry
	if oldLower != "" && oldLower != newLower {
		if old, err = tx.GetEmailIndex(oldLower); err != nil {
			return nil, err
		}
	}

	switch {
	case current == nil:
		change.Outcome = IndexCreated
		change.entry = &EmailIndexEntry{EmailLower: newLower, AccountID: accountID, CreatedAt: now, UpdatedAt: now}
	case current.AccountID == accountID:
		change.Outcome = IndexRefreshed
		refreshed := *current
		refreshed.UpdatedAt = now
		change.entry = &refreshed
	default:
		change.Outcome = IndexConflict
		change.conflict = &IdentityConflict{
			EmailLower:         newLower,
			AttemptedAccountID: accountID,
			ExistingAccountID:  current.AccountID,
			Source:             source,
			CreatedAt:          now,
		}
	}

	if old != nil && old.AccountID == accountID {
		change.deleteOf = oldLower
		change.Cleaned = true
	}
	return change, nil
}

// Apply writes the prepared change.
func (c *IndexChange) Apply(tx Tx) error {
	if c == nil {
		return nil
	}
	if c.entry != nil {
		if err := tx.PutEmailIndex(c.entry); err != nil {
			return err
		}
	}
	if c.conflict != nil {
		if err := tx.PutIdentityConflict(c.conflict); err != nil {
			return err
		}
	}
	if c.deleteOf != "" {
		if err := tx.DeleteEmailIndex(c.deleteOf); err != nil {
			return err
		}
	}
	return nil
}

// Sync prepares and applies in one step. It must be the last read of tx.
func (x *EmailIndex) Sync(tx Tx, oldEmail, newEmail, accountID, source string) (*IndexChange, error) {
	change, err := x.Prepare(tx, oldEmail, newEmail, accountID, source)
	if err != nil {
		return nil, err
	}
	return change, change.Apply(tx)
}

// Report logs and counts a committed change.
func (x *EmailIndex) Report(c *IndexChange) {
	if c == nil || c.Outcome == IndexSkipped {
		return
	}
	x.metrics.RecordIndexSync(c.Outcome)
	if c.Cleaned {
		x.metrics.RecordIndexSync(IndexCleaned)
	}
	if c.conflict != nil {
		x.logger.Warn("email index conflict recorded",
			Field{"email", c.NewEmail},
			Field{"attempted_account_id", c.conflict.AttemptedAccountID},
			Field{"existing_account_id", c.conflict.ExistingAccountID},
			Field{"source", c.conflict.Source},
		)
		return
	}
	x.logger.Debug("email index synced",
		Field{"email", c.NewEmail},
		Field{"account_id", c.AccountID},
		Field{"outcome", c.Outcome},
		Field{"cleaned_old", c.Cleaned},
	)
}
