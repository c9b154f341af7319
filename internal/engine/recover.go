package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"restune/internal/logging"
	"restune/internal/recovery"
	"restune/internal/registry"
	"restune/internal/tuning"
)

// RecoveryReport summarizes a startup recovery pass.
type RecoveryReport struct {
	// Forced counts records whose previous value was written back.
	Forced int
	// Adopted counts committed tunings taken over by recovered clients.
	Adopted int
	// Clients counts distinct recovered clients.
	Clients int
}

// Recover rebuilds engine state from the recovery store. It must run before
// Run. Intent rows are reverted to their previous value; committed rows are
// adopted by recovered clients that must reconnect within grace.
func (m *Manager) Recover(ctx context.Context, grace time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	if m.store == nil {
		return report, nil
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list recovery records: %w", err)
	}

	var (
		errs      error
		committed []recovery.Record
	)
	for _, rec := range records {
		if rec.Status == recovery.StatusIntent {
			errs = multierr.Append(errs, m.forceTeardown(ctx, rec, "interrupted "+rec.Op.String()))
			report.Forced++
			continue
		}
		committed = append(committed, rec)
	}

	// The earliest claim on a node saw the node's own value.
	sort.SliceStable(committed, func(i, j int) bool {
		return committed[i].Payload.AppliedAt.Before(committed[j].Payload.AppliedAt)
	})
	deadline := m.clk.Now().Add(grace)
	recovered := make(map[tuning.ClientID]struct{})
	touched := make(map[string]struct{})
	for _, rec := range committed {
		desc, err := m.reg.Lookup(rec.Opcode)
		if err != nil {
			errs = multierr.Append(errs, m.forceTeardown(ctx, rec, "resource no longer registered"))
			report.Forced++
			continue
		}
		targetKey, err := m.adopt(rec, desc, deadline)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if targetKey != "" {
			touched[targetKey] = struct{}{}
		}
		recovered[rec.Client] = struct{}{}
		report.Adopted++
		m.metrics.Recovery("adopted")
	}
	report.Clients = len(recovered)

	nodes := make([]string, 0, len(touched))
	for key := range touched {
		nodes = append(nodes, key)
	}
	sort.Strings(nodes)
	for _, key := range nodes {
		errs = multierr.Append(errs, m.arbiter.Reassert(ctx, key))
	}

	m.logger.Info("crash recovery complete",
		logging.Int("forced", report.Forced),
		logging.Int("adopted", report.Adopted),
		logging.Int("clients", report.Clients),
		logging.Duration("grace", grace),
		logging.String(logging.FieldEventType, "recovery_complete"),
	)
	m.publishGauges()
	return report, errs
}

// forceTeardown writes a record's previous value back to its node and drops
// the row.
func (m *Manager) forceTeardown(ctx context.Context, rec recovery.Record, why string) error {
	target := targetFromRecord(rec)
	policy := registry.FilePolicy()
	if desc, err := m.reg.Lookup(rec.Opcode); err == nil {
		policy = desc.Policy
	}
	logging.ErrorWithContext(m.logger, "forcing teardown of unreclaimed tuning", "recovery_forced_teardown",
		logging.String(logging.FieldClientID, string(rec.Client)),
		logging.String(logging.FieldOpcode, rec.Opcode.String()),
		logging.String(logging.FieldTarget, target.Key()),
		logging.Int64("restore", rec.PreviousValue),
		logging.String("reason", why),
		logging.String("error_kind", tuning.KindOf(tuning.ErrCrashRecoveryInconsistency)),
		logging.String(logging.FieldErrorHint, "the daemon stopped while this tuning was changing"),
		logging.String(logging.FieldImpact, "the node is returned to its pre-tune value"),
	)
	m.metrics.Recovery("forced")
	var errs error
	if !rec.Payload.Suspended && target.Path != "" {
		if err := policy.Teardown(ctx, target, rec.PreviousValue); err != nil {
			errs = tuning.Wrap(tuning.ErrCrashRecoveryInconsistency, "restore "+target.Key(), err)
		}
	}
	if err := m.store.Delete(ctx, rec.Key()); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete recovery record %s: %w", rec.Key(), err))
	}
	return errs
}

// adopt installs a committed record as an active tuning without writing to
// the node. It returns the target key to reassert, empty when suspended.
func (m *Manager) adopt(rec recovery.Record, desc registry.ResourceDescriptor, deadline time.Time) (string, error) {
	key := rec.Key()
	if _, err := m.dedup.TryReserve(key); err != nil {
		return "", tuning.Wrap(tuning.ErrCrashRecoveryInconsistency, "adopt "+key.String(), err)
	}
	m.dedup.Activate(key)
	if err := m.limiter.AcquireSlots(1); err != nil {
		logging.WarnWithContext(m.logger, "recovered tuning exceeds the active ceiling", "recovery_over_ceiling",
			logging.String(logging.FieldClientID, string(rec.Client)),
			logging.String(logging.FieldOpcode, rec.Opcode.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "new tunes are refused until tunings are released"),
		)
	}
	m.clients.Restore(rec.Client, rec.Payload.PID, rec.Payload.Tier, deadline)
	m.clients.SetClass(rec.Client, rec.Payload.Class)
	m.clients.AddOwned(rec.Client, key)

	target := targetFromRecord(rec)
	at := ActiveTuning{
		Key:       key,
		RequestID: rec.RequestID,
		Value:     rec.TargetValue,
		Previous:  rec.PreviousValue,
		Location:  rec.Payload.Location,
		Target:    target,
		Priority:  rec.Priority,
		Class:     rec.Payload.Class,
		AppliedAt: rec.Payload.AppliedAt,
		ExpiresAt: rec.Payload.ExpiresAt,
		Duration:  rec.Payload.Duration,
		Suspended: rec.Payload.Suspended,
	}
	targetKey := ""
	if !at.Suspended {
		m.arbiter.Adopt(target, desc.Arbitration, desc.Policy, m.claim(at), rec.PreviousValue)
		targetKey = target.Key()
	}

	r := &record{ActiveTuning: at}
	expired := !at.ExpiresAt.IsZero() && expiryIn(at, m.clk.Now()) == 0
	m.mu.Lock()
	m.active[key] = r
	if !expired {
		m.scheduleExpiryLocked(r)
	}
	m.mu.Unlock()
	if expired {
		m.enqueueInternalUntune(key, "expired")
	}
	m.logger.Debug("tuning adopted",
		logging.String(logging.FieldClientID, string(rec.Client)),
		logging.String(logging.FieldOpcode, rec.Opcode.String()),
		logging.String(logging.FieldTarget, target.Key()),
		logging.Int64("value", at.Value),
		logging.Bool("suspended", at.Suspended),
		logging.String(logging.FieldEventType, "tuning_adopted"),
	)
	return targetKey, nil
}

func targetFromRecord(rec recovery.Record) registry.Target {
	return registry.Target{
		Opcode:  rec.Opcode,
		Path:    rec.TargetPath,
		Variant: rec.Payload.Variant,
		Cluster: rec.Payload.Cluster,
		CPU:     rec.Payload.CPU,
		CGroup:  rec.Payload.CGroup,
		Unit:    rec.Payload.Unit,
	}
}
