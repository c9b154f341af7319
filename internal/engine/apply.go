package engine

import (
	"context"
	"time"

	"restune/internal/arbiter"
	"restune/internal/logging"
	"restune/internal/queue"
	"restune/internal/recovery"
	"restune/internal/registry"
	"restune/internal/tuning"
)

// applyTune runs a fresh tune. The caller holds the key lock. Any failure
// releases the reservation so the client may try again.
func (m *Manager) applyTune(ctx context.Context, entry queue.Entry) error {
	key := entry.Key
	desc, err := m.reg.Lookup(key.Opcode)
	if err != nil {
		m.releaseReservation(key)
		return err
	}
	target, err := m.mapper.Resolve(key.Opcode, entry.Location)
	if err != nil {
		m.releaseReservation(key)
		return err
	}

	unlock := m.handles.Lock(target.Key())
	defer func() { unlock() }()

	previous, err := m.currentValue(ctx, target, desc.Policy)
	if err != nil {
		m.releaseReservation(key)
		m.metrics.ApplyFailure()
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "read "+target.Key(), err)
	}

	now := m.clk.Now()
	at := ActiveTuning{
		Key:       key,
		RequestID: entry.RequestID,
		Value:     entry.Value,
		Previous:  previous,
		Location:  entry.Location,
		Target:    target,
		Priority:  entry.Priority,
		Class:     entry.Class,
		AppliedAt: now,
		Duration:  entry.Duration,
	}
	if entry.Duration > 0 {
		at.ExpiresAt = now.Add(entry.Duration)
	}

	if err := m.persist(ctx, at, tuning.OpTune, recovery.StatusIntent); err != nil {
		m.releaseReservation(key)
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "persist intent", err)
	}
	start := m.clk.Now()
	_, err = m.arbiter.Insert(ctx, target, desc.Arbitration, desc.Policy, m.claim(at))
	m.metrics.ObserveApply(m.clk.Since(start))
	if err != nil {
		m.forget(ctx, key)
		m.releaseReservation(key)
		m.metrics.ApplyFailure()
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "apply "+target.Key(), err)
	}
	if err := m.persist(ctx, at, tuning.OpTune, recovery.StatusCommitted); err != nil {
		if _, rerr := m.arbiter.Remove(ctx, target.Key(), key); rerr != nil {
			m.logger.Error("rollback after commit failure left the claim applied",
				logging.String(logging.FieldTarget, target.Key()),
				logging.Error(rerr),
			)
		}
		m.forget(ctx, key)
		m.releaseReservation(key)
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "persist commit", err)
	}

	rec := &record{ActiveTuning: at}
	m.mu.Lock()
	m.active[key] = rec
	m.dedup.Activate(key)
	_, aborted := m.aborts[key]
	delete(m.aborts, key)
	m.scheduleExpiryLocked(rec)
	m.mu.Unlock()
	reason := "untuned_while_applying"
	// A client torn down during the apply no longer takes ownership.
	if !m.clients.AddOwned(key.Client, key) {
		aborted = true
		reason = "client_dead"
	}

	m.logger.Info("tuning applied",
		logging.String(logging.FieldClientID, string(key.Client)),
		logging.String(logging.FieldRequestID, string(entry.RequestID)),
		logging.String(logging.FieldOpcode, key.Opcode.String()),
		logging.String(logging.FieldTarget, target.Key()),
		logging.Int64("value", at.Value),
		logging.Int64("previous", previous),
		logging.String("priority", at.Priority.String()),
		logging.String(logging.FieldEventType, "tuning_applied"),
	)

	if aborted {
		unlock()
		unlock = func() {}
		return m.untuneLocked(ctx, key, reason)
	}
	return nil
}

// applyRetune updates an active tuning. When the policy cannot update in
// place, or the target moved, the claim is torn down and applied again.
func (m *Manager) applyRetune(ctx context.Context, entry queue.Entry) error {
	key := entry.Key
	m.mu.RLock()
	rec, ok := m.active[key]
	var cur ActiveTuning
	if ok {
		cur = rec.ActiveTuning
	}
	m.mu.RUnlock()
	if !ok {
		return tuning.Errorf(tuning.ErrClientNotFound, "no active tuning for %s", key)
	}
	desc, err := m.reg.Lookup(key.Opcode)
	if err != nil {
		return err
	}

	next := cur
	next.RequestID = entry.RequestID
	next.Value = entry.Value
	next.Location = entry.Location
	next.Priority = entry.Priority
	next.Class = entry.Class
	if entry.Duration > 0 {
		next.Duration = entry.Duration
		next.ExpiresAt = m.clk.Now().Add(entry.Duration)
	}

	if cur.Suspended {
		if err := m.persist(ctx, next, tuning.OpRetune, recovery.StatusCommitted); err != nil {
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "persist commit", err)
		}
		m.replace(key, next, entry.Duration > 0)
		return nil
	}

	target, err := m.mapper.Resolve(key.Opcode, entry.Location)
	if err != nil {
		return err
	}
	next.Target = target

	if err := m.persist(ctx, next, tuning.OpRetune, recovery.StatusIntent); err != nil {
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "persist intent", err)
	}
	start := m.clk.Now()
	if target.Key() == cur.Target.Key() && desc.Policy.InPlace {
		unlock := m.handles.Lock(target.Key())
		_, err = m.arbiter.Update(ctx, target.Key(), m.claim(next))
		unlock()
		m.metrics.ObserveApply(m.clk.Since(start))
		if err != nil {
			m.recommit(ctx, cur)
			m.metrics.ApplyFailure()
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "update "+target.Key(), err)
		}
	} else {
		unlock := m.handles.Lock(cur.Target.Key())
		_, err = m.arbiter.Remove(ctx, cur.Target.Key(), key)
		unlock()
		if err != nil {
			m.recommit(ctx, cur)
			m.metrics.ApplyFailure()
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "teardown "+cur.Target.Key(), err)
		}
		unlock = m.handles.Lock(target.Key())
		if target.Key() != cur.Target.Key() {
			next.Previous, err = m.currentValue(ctx, target, desc.Policy)
		}
		if err == nil {
			_, err = m.arbiter.Insert(ctx, target, desc.Arbitration, desc.Policy, m.claim(next))
		}
		unlock()
		m.metrics.ObserveApply(m.clk.Since(start))
		if err != nil {
			// The old value is gone and the new one did not land: the
			// tuning no longer exists.
			m.metrics.ApplyFailure()
			m.drop(ctx, key)
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "reapply "+target.Key(), err)
		}
	}

	if err := m.persist(ctx, next, tuning.OpRetune, recovery.StatusCommitted); err != nil {
		logging.WarnWithContext(m.logger, "retune applied but not persisted", "recovery_commit_failed",
			logging.String(logging.FieldClientID, string(key.Client)),
			logging.String(logging.FieldOpcode, key.Opcode.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "a crash now restores the pre-tune value instead of adopting the retune"),
		)
	}
	m.replace(key, next, entry.Duration > 0)
	m.logger.Info("tuning updated",
		logging.String(logging.FieldClientID, string(key.Client)),
		logging.String(logging.FieldRequestID, string(entry.RequestID)),
		logging.String(logging.FieldOpcode, key.Opcode.String()),
		logging.String(logging.FieldTarget, target.Key()),
		logging.Int64("value", next.Value),
		logging.String(logging.FieldEventType, "tuning_retuned"),
	)
	return nil
}

// untuneLocked reverts an active tuning. The caller holds the key lock. On a
// failed write the tuning stays active and committed so it can be retried.
func (m *Manager) untuneLocked(ctx context.Context, key tuning.Key, reason string) error {
	m.mu.RLock()
	rec, ok := m.active[key]
	var cur ActiveTuning
	if ok {
		cur = rec.ActiveTuning
	}
	m.mu.RUnlock()
	if !ok {
		return tuning.Errorf(tuning.ErrClientNotFound, "no active tuning for %s", key)
	}

	if !cur.Suspended {
		if err := m.persist(ctx, cur, tuning.OpUntune, recovery.StatusIntent); err != nil {
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "persist intent", err)
		}
		unlock := m.handles.Lock(cur.Target.Key())
		result, err := m.arbiter.Remove(ctx, cur.Target.Key(), key)
		unlock()
		if err != nil {
			m.recommit(ctx, cur)
			m.metrics.ApplyFailure()
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "teardown "+cur.Target.Key(), err)
		}
		m.logger.Info("tuning reverted",
			logging.String(logging.FieldClientID, string(key.Client)),
			logging.String(logging.FieldOpcode, key.Opcode.String()),
			logging.String(logging.FieldTarget, cur.Target.Key()),
			logging.Int64("restored", result.Applied),
			logging.Bool("released", result.Released),
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "tuning_untuned"),
		)
	}
	m.drop(ctx, key)
	return nil
}

// drop forgets an active tuning whose node claim is already gone.
func (m *Manager) drop(ctx context.Context, key tuning.Key) {
	m.forget(ctx, key)
	m.mu.Lock()
	if rec, ok := m.active[key]; ok {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		rec.expiryGen++
		delete(m.active, key)
	}
	delete(m.aborts, key)
	m.dedup.Release(key)
	m.mu.Unlock()
	m.clients.RemoveOwned(key.Client, key)
	m.limiter.ReleaseSlot()
}

// replace stores an updated tuning, rescheduling expiry when asked.
func (m *Manager) replace(key tuning.Key, next ActiveTuning, resetExpiry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[key]
	if !ok {
		return
	}
	rec.ActiveTuning = next
	if resetExpiry {
		m.scheduleExpiryLocked(rec)
	}
}

func (m *Manager) claim(at ActiveTuning) arbiter.Claim {
	return arbiter.Claim{Key: at.Key, Value: at.Value, Priority: at.Priority}
}

// currentValue is what the node holds now: the arbitrated value when the node
// has claims, else a fresh read.
func (m *Manager) currentValue(ctx context.Context, target registry.Target, policy registry.Policy) (int64, error) {
	if value, ok := m.arbiter.Applied(target.Key()); ok {
		return value, nil
	}
	return policy.Read(ctx, target)
}

// scheduleExpiryLocked arms the expiry timer of rec. The caller holds m.mu.
func (m *Manager) scheduleExpiryLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.expiryGen++
	if rec.Duration <= 0 || rec.ExpiresAt.IsZero() {
		return
	}
	key, gen := rec.Key, rec.expiryGen
	delay := max(rec.ExpiresAt.Sub(m.clk.Now()), 0)
	rec.timer = m.clk.AfterFunc(delay, func() { m.expire(key, gen) })
}

func (m *Manager) expire(key tuning.Key, gen uint64) {
	m.mu.RLock()
	rec, ok := m.active[key]
	current := ok && rec.expiryGen == gen
	m.mu.RUnlock()
	if !current {
		return
	}
	m.logger.Debug("tuning expired",
		logging.String(logging.FieldClientID, string(key.Client)),
		logging.String(logging.FieldOpcode, key.Opcode.String()),
		logging.String(logging.FieldEventType, "tuning_expired"),
	)
	m.enqueueInternalUntune(key, "expired")
}

// persist writes the recovery row for at. It is a no-op without a store.
func (m *Manager) persist(ctx context.Context, at ActiveTuning, op tuning.OpKind, status recovery.Status) error {
	if m.store == nil {
		return nil
	}
	rec := recovery.Record{
		Client:        at.Key.Client,
		Opcode:        at.Key.Opcode,
		Op:            op,
		RequestID:     at.RequestID,
		TargetValue:   at.Value,
		PreviousValue: at.Previous,
		Status:        status,
		TargetPath:    at.Target.Path,
		Priority:      at.Priority,
		Payload: recovery.Payload{
			Location:  at.Location,
			Variant:   at.Target.Variant,
			Cluster:   at.Target.Cluster,
			CPU:       at.Target.CPU,
			CGroup:    at.Target.CGroup,
			Unit:      at.Target.Unit,
			ExpiresAt: at.ExpiresAt,
			Class:     at.Class,
			Duration:  at.Duration,
			AppliedAt: at.AppliedAt,
			Suspended: at.Suspended,
		},
	}
	if info, ok := m.clients.Get(at.Key.Client); ok {
		rec.Payload.PID = info.PID
		rec.Payload.Tier = info.Tier
	}
	if status == recovery.StatusIntent {
		return m.store.PutIntent(ctx, rec)
	}
	return m.store.Commit(ctx, rec)
}

// recommit writes the committed row for at, logging instead of failing. Used
// after a failed mutation and after suspend or resume.
func (m *Manager) recommit(ctx context.Context, at ActiveTuning) {
	if err := m.persist(ctx, at, tuning.OpTune, recovery.StatusCommitted); err != nil {
		logging.WarnWithContext(m.logger, "recovery record not restored", "recovery_commit_failed",
			logging.String(logging.FieldClientID, string(at.Key.Client)),
			logging.String(logging.FieldOpcode, at.Key.Opcode.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "a crash now force-restores this tuning's previous value"),
		)
	}
}

// forget deletes the recovery row for key.
func (m *Manager) forget(ctx context.Context, key tuning.Key) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, key); err != nil {
		logging.WarnWithContext(m.logger, "recovery record not deleted", "recovery_delete_failed",
			logging.String(logging.FieldClientID, string(key.Client)),
			logging.String(logging.FieldOpcode, key.Opcode.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "a crash now restores a value that was already restored"),
		)
	}
}

// expiryIn reports the remaining lifetime of a tuning, zero when unbounded.
func expiryIn(at ActiveTuning, now time.Time) time.Duration {
	if at.ExpiresAt.IsZero() {
		return 0
	}
	return max(at.ExpiresAt.Sub(now), 0)
}
