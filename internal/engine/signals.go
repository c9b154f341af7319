package engine

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/multierr"

	"restune/internal/logging"
	"restune/internal/recovery"
	"restune/internal/tuning"
)

func (m *Manager) submitSignal(ctx context.Context, msg tuning.Message) (Receipt, error) {
	sig := *msg.Signal
	switch sig.Opcode {
	case tuning.SignalHeartbeat:
		return Receipt{RequestID: sig.ID}, nil
	case tuning.SignalModeChange:
		return Receipt{RequestID: sig.ID}, m.changeMode(ctx, msg)
	}

	desc, err := m.reg.LookupSignal(sig.Opcode)
	if err != nil {
		return Receipt{}, err
	}
	if !desc.Allows(msg.Tier) {
		return Receipt{}, tuning.Errorf(tuning.ErrPermissionDenied, "signal %s not allowed for tier %s", sig.Opcode, msg.Tier)
	}
	resources, err := desc.Expand(sig.Args)
	if err != nil {
		return Receipt{}, err
	}
	if len(resources) == 0 {
		return Receipt{}, tuning.Errorf(tuning.ErrMalformedRequest, "signal %s carries no resources", sig.Opcode)
	}
	req := tuning.Request{
		ID:        sig.ID,
		Op:        sig.Op,
		Priority:  sig.Priority,
		Duration:  sig.Duration,
		Resources: resources,
	}
	if req.Op == 0 {
		req.Op = tuning.OpTune
	}
	if req.Priority == 0 {
		req.Priority = tuning.PriorityLow
	}
	if req.Duration == 0 {
		req.Duration = desc.Timeout
	}
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	if sig.TargetPID > 0 {
		m.logger.Debug("signal raised for target process",
			logging.String(logging.FieldClientID, string(msg.Client)),
			logging.String(logging.FieldOpcode, sig.Opcode.String()),
			logging.String("signal", desc.Name),
			logging.Int("target_pid", sig.TargetPID),
			logging.String(logging.FieldEventType, "signal_targeted"),
		)
	}
	return m.submitRequest(msg, req)
}

// changeMode switches the operational mode from a system client and
// reconciles active tunings against it.
func (m *Manager) changeMode(ctx context.Context, msg tuning.Message) error {
	if msg.Tier != tuning.TierSystem {
		return tuning.Errorf(tuning.ErrPermissionDenied, "mode change requires tier %s", tuning.TierSystem)
	}
	args := msg.Signal.Args
	if len(args) != 1 || args[0] <= 0 || args[0] > int64(tuning.ModeAll) {
		return tuning.Errorf(tuning.ErrMalformedRequest, "mode change needs one mode mask argument")
	}
	mode := tuning.Mode(args[0])
	if !m.mapper.SetMode(mode) {
		return nil
	}
	m.logger.Info("operational mode changed",
		logging.String("mode", mode.String()),
		logging.String(logging.FieldClientID, string(msg.Client)),
		logging.String(logging.FieldEventType, "mode_changed"),
	)
	return m.Reconcile(ctx)
}

// Reconcile re-resolves every active tuning after a mode or topology change.
// Tunings that no longer resolve are suspended; suspended tunings that
// resolve again are reapplied; tunings whose target moved follow it.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.RLock()
	keys := make([]tuning.Key, 0, len(m.active))
	for key := range m.active {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Client != keys[j].Client {
			return keys[i].Client < keys[j].Client
		}
		return keys[i].Opcode < keys[j].Opcode
	})

	var errs error
	for _, key := range keys {
		unlock := m.keys.Lock(key)
		err := m.reconcileLocked(ctx, key)
		unlock()
		errs = multierr.Append(errs, err)
	}
	m.publishGauges()
	return errs
}

func (m *Manager) reconcileLocked(ctx context.Context, key tuning.Key) error {
	m.mu.RLock()
	rec, ok := m.active[key]
	var cur ActiveTuning
	if ok {
		cur = rec.ActiveTuning
	}
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	desc, err := m.reg.Lookup(key.Opcode)
	if err != nil {
		return err
	}
	target, err := m.mapper.Resolve(key.Opcode, cur.Location)
	if err != nil {
		if !errors.Is(err, tuning.ErrUnresolvedResource) {
			return err
		}
		if cur.Suspended {
			return nil
		}
		return m.suspendLocked(ctx, cur)
	}
	if !cur.Suspended && target.Key() == cur.Target.Key() {
		return nil
	}

	next := cur
	next.Target = target
	next.Suspended = false
	if !cur.Suspended {
		unlock := m.handles.Lock(cur.Target.Key())
		_, err := m.arbiter.Remove(ctx, cur.Target.Key(), key)
		unlock()
		if err != nil {
			return tuning.Wrap(tuning.ErrResourceApplyFailure, "teardown "+cur.Target.Key(), err)
		}
	}
	unlock := m.handles.Lock(target.Key())
	next.Previous, err = m.currentValue(ctx, target, desc.Policy)
	if err == nil {
		_, err = m.arbiter.Insert(ctx, target, desc.Arbitration, desc.Policy, m.claim(next))
	}
	unlock()
	if err != nil {
		// Keep the record suspended so the next reconcile retries.
		cur.Suspended = true
		m.replace(key, cur, false)
		m.recommit(ctx, cur)
		m.metrics.ApplyFailure()
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "reapply "+target.Key(), err)
	}
	m.replace(key, next, false)
	m.recommit(ctx, next)
	event := "tuning_moved"
	if cur.Suspended {
		event = "tuning_resumed"
	}
	m.logger.Info("tuning reapplied",
		logging.String(logging.FieldClientID, string(key.Client)),
		logging.String(logging.FieldOpcode, key.Opcode.String()),
		logging.String(logging.FieldTarget, target.Key()),
		logging.String(logging.FieldEventType, event),
	)
	return nil
}

// suspendLocked tears down the node claim of a tuning but keeps the tuning.
func (m *Manager) suspendLocked(ctx context.Context, cur ActiveTuning) error {
	if err := m.persist(ctx, cur, tuning.OpUntune, recovery.StatusIntent); err != nil {
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "persist intent", err)
	}
	unlock := m.handles.Lock(cur.Target.Key())
	_, err := m.arbiter.Remove(ctx, cur.Target.Key(), cur.Key)
	unlock()
	if err != nil {
		m.recommit(ctx, cur)
		m.metrics.ApplyFailure()
		return tuning.Wrap(tuning.ErrResourceApplyFailure, "suspend "+cur.Target.Key(), err)
	}
	cur.Suspended = true
	m.replace(cur.Key, cur, false)
	m.recommit(ctx, cur)
	m.logger.Info("tuning suspended",
		logging.String(logging.FieldClientID, string(cur.Key.Client)),
		logging.String(logging.FieldOpcode, cur.Key.Opcode.String()),
		logging.String("mode", m.mapper.Mode().String()),
		logging.String(logging.FieldEventType, "tuning_suspended"),
	)
	return nil
}
