package engine

import (
	"context"

	"github.com/google/uuid"

	"restune/internal/dedup"
	"restune/internal/logging"
	"restune/internal/queue"
	"restune/internal/tuning"
)

// placeAttempts bounds the coalesce-or-enqueue loop when another admission
// races on the same key.
const placeAttempts = 3

// Receipt acknowledges an admitted message.
type Receipt struct {
	RequestID tuning.RequestID
	// Queued counts resources that got a new queue entry.
	Queued int
	// Coalesced counts resources merged into an entry that was already queued.
	Coalesced int
	// Cancelled counts resources whose queued tune an untune removed.
	Cancelled int
}

// Submit admits a message. Validation and admission errors are returned
// synchronously and nothing is queued; apply results are reported through
// Outcome.
func (m *Manager) Submit(ctx context.Context, msg tuning.Message) (Receipt, error) {
	receipt, err := m.submit(ctx, msg)
	if err != nil {
		m.metrics.Admission(tuning.KindOf(err))
		m.logger.Debug("message rejected",
			logging.String(logging.FieldClientID, string(msg.Client)),
			logging.String("error_kind", tuning.KindOf(err)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "admission_rejected"),
		)
		return receipt, err
	}
	m.metrics.Admission("accepted")
	m.publishGauges()
	return receipt, nil
}

func (m *Manager) submit(ctx context.Context, msg tuning.Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	info, ok := m.clients.Get(msg.Client)
	if !ok {
		info, _ = m.clients.Touch(msg.Client, msg.PID, msg.Tier)
	}
	if info.Dead {
		return Receipt{}, tuning.Errorf(tuning.ErrClientNotFound, "client %s is being torn down", msg.Client)
	}
	if msg.Kind == tuning.KindSignal {
		return m.submitSignal(ctx, msg)
	}
	return m.submitRequest(msg, *msg.Request)
}

func (m *Manager) submitRequest(msg tuning.Message, req tuning.Request) (Receipt, error) {
	if req.ID == "" {
		req.ID = tuning.RequestID(uuid.NewString())
	}
	for _, res := range req.Resources {
		desc, err := m.reg.Lookup(res.Opcode)
		if err != nil {
			return Receipt{RequestID: req.ID}, err
		}
		if req.Op != tuning.OpUntune {
			if err := desc.CheckValue(res.Value); err != nil {
				return Receipt{RequestID: req.ID}, err
			}
		}
		if !msg.Tier.Allows(desc.Permission) {
			return Receipt{RequestID: req.ID}, tuning.Errorf(tuning.ErrPermissionDenied,
				"%s requires tier %s", res.Opcode, desc.Permission)
		}
	}
	if err := m.limiter.TryAdmit(msg.Client, len(req.Resources)); err != nil {
		return Receipt{RequestID: req.ID}, err
	}

	m.admit.Lock()
	defer m.admit.Unlock()
	// Teardown may have started since the client was looked up.
	if info, ok := m.clients.Get(msg.Client); !ok || info.Dead {
		return Receipt{RequestID: req.ID}, tuning.Errorf(tuning.ErrClientNotFound,
			"client %s is being torn down", msg.Client)
	}

	var (
		receipt Receipt
		err     error
	)
	switch req.Op {
	case tuning.OpTune:
		receipt, err = m.admitTune(msg, req)
	case tuning.OpRetune:
		receipt, err = m.admitRetune(msg, req)
	default:
		receipt, err = m.admitUntune(msg, req)
	}
	receipt.RequestID = req.ID
	if err != nil {
		return receipt, err
	}
	m.clients.SetClass(msg.Client, req.Priority)
	return receipt, nil
}

func (m *Manager) entryFor(msg tuning.Message, req tuning.Request, op tuning.OpKind, res tuning.ResourceValue) queue.Entry {
	return queue.Entry{
		RequestID: req.ID,
		Key:       tuning.Key{Client: msg.Client, Opcode: res.Opcode},
		Op:        op,
		Priority:  tuning.Effective(msg.Tier, req.Priority),
		Class:     req.Priority,
		Value:     res.Value,
		Location:  res.Location,
		Duration:  req.Duration,
	}
}

// admitTune reserves every fresh key first, so a rejected request leaves no
// reservation, slot or queue entry behind.
func (m *Manager) admitTune(msg tuning.Message, req tuning.Request) (Receipt, error) {
	type pendingPlacement struct {
		entry queue.Entry
		fresh bool
	}
	placements := make([]pendingPlacement, 0, len(req.Resources))
	rollback := func() {
		for _, p := range placements {
			if p.fresh {
				m.releaseReservation(p.entry.Key)
			}
		}
	}
	for _, res := range req.Resources {
		entry := m.entryFor(msg, req, tuning.OpTune, res)
		if _, err := m.dedup.TryReserve(entry.Key); err != nil {
			if m.policy == PolicyReject {
				rollback()
				return Receipt{}, err
			}
			// A queued tune keeps its op when merged; otherwise the key is
			// active or in flight and the new value lands as a retune.
			entry.Op = tuning.OpRetune
			placements = append(placements, pendingPlacement{entry: entry})
			continue
		}
		if err := m.limiter.AcquireSlots(1); err != nil {
			m.dedup.Release(entry.Key)
			rollback()
			return Receipt{}, err
		}
		placements = append(placements, pendingPlacement{entry: entry, fresh: true})
	}

	m.outcomes.begin(req.ID, msg.Client, req.Op, len(placements))
	var receipt Receipt
	for _, p := range placements {
		if p.fresh {
			if _, err := m.queue.Enqueue(p.entry); err != nil {
				m.releaseReservation(p.entry.Key)
				m.outcomes.settle(req.ID, err)
				continue
			}
			m.clients.AddPending(msg.Client, req.ID)
			receipt.Queued++
			continue
		}
		coalesced, err := m.place(p.entry, mergeTune)
		if err != nil {
			m.outcomes.settle(req.ID, err)
			continue
		}
		m.clients.AddPending(msg.Client, req.ID)
		if coalesced {
			receipt.Coalesced++
		} else {
			receipt.Queued++
		}
	}
	return receipt, nil
}

// mergeTune folds a newer tune into a queued entry. A queued untune becomes
// a retune: the client wants the key held again.
func mergeTune(queued *queue.Entry, next queue.Entry) {
	if queued.Op == tuning.OpUntune {
		queued.Op = tuning.OpRetune
	}
	queued.RequestID = next.RequestID
	queued.Value = next.Value
	queued.Location = next.Location
	queued.Priority = next.Priority
	queued.Class = next.Class
	queued.Duration = next.Duration
	queued.Reason = ""
}

func (m *Manager) admitRetune(msg tuning.Message, req tuning.Request) (Receipt, error) {
	entries := make([]queue.Entry, 0, len(req.Resources))
	for _, res := range req.Resources {
		entry := m.entryFor(msg, req, tuning.OpRetune, res)
		// A key that is still pending merges into its queued tune, or waits
		// behind the in-flight one.
		if m.dedup.Status(entry.Key) != dedup.StatusPending {
			if err := m.dedup.AuthorizeRetune(entry.Key); err != nil {
				return Receipt{}, err
			}
		}
		entries = append(entries, entry)
	}

	m.outcomes.begin(req.ID, msg.Client, req.Op, len(entries))
	var receipt Receipt
	for _, entry := range entries {
		coalesced, err := m.place(entry, mergeTune)
		if err != nil {
			m.outcomes.settle(req.ID, err)
			continue
		}
		m.clients.AddPending(msg.Client, req.ID)
		if coalesced {
			receipt.Coalesced++
		} else {
			receipt.Queued++
		}
	}
	return receipt, nil
}

func (m *Manager) admitUntune(msg tuning.Message, req tuning.Request) (Receipt, error) {
	entries := make([]queue.Entry, 0, len(req.Resources))
	for _, res := range req.Resources {
		entry := m.entryFor(msg, req, tuning.OpUntune, res)
		entry.Value = 0
		if m.dedup.Status(entry.Key) == dedup.StatusNone {
			return Receipt{}, tuning.Errorf(tuning.ErrClientNotFound, "no tuning for %s", entry.Key)
		}
		entries = append(entries, entry)
	}

	m.outcomes.begin(req.ID, msg.Client, req.Op, len(entries))
	var receipt Receipt
	for _, entry := range entries {
		result, err := m.placeUntune(entry)
		switch {
		case err != nil:
			m.outcomes.settle(req.ID, err)
		case result == placeCancelled:
			m.outcomes.settle(req.ID, nil)
			receipt.Cancelled++
		case result == placeCoalesced:
			m.clients.AddPending(msg.Client, req.ID)
			receipt.Coalesced++
		default:
			m.clients.AddPending(msg.Client, req.ID)
			receipt.Queued++
		}
	}
	return receipt, nil
}

type placement uint8

const (
	placeQueued placement = iota
	placeCoalesced
	placeCancelled
)

// place merges entry into the entry queued for its key, or enqueues it.
func (m *Manager) place(entry queue.Entry, merge func(*queue.Entry, queue.Entry)) (bool, error) {
	for range placeAttempts {
		var replaced queue.Entry
		if m.queue.Coalesce(entry.Key, func(queued *queue.Entry) {
			replaced = *queued
			merge(queued, entry)
		}) {
			m.superseded(replaced, entry.RequestID)
			return true, nil
		}
		if _, err := m.queue.Enqueue(entry); err == nil {
			return false, nil
		}
	}
	return false, tuning.Errorf(tuning.ErrDuplicate, "%s is contended", entry.Key)
}

// placeUntune routes an untune: a queued tune is simply cancelled, a queued
// retune becomes the untune, an active key gets a new entry, and a tune that
// is already being applied is flagged so its worker reverts it.
func (m *Manager) placeUntune(entry queue.Entry) (placement, error) {
	for range placeAttempts {
		var (
			queuedTune bool
			replaced   queue.Entry
		)
		found := m.queue.Coalesce(entry.Key, func(queued *queue.Entry) {
			if queued.Op == tuning.OpTune {
				queuedTune = true
				return
			}
			replaced = *queued
			queued.Op = tuning.OpUntune
			queued.RequestID = entry.RequestID
			queued.Priority = max(queued.Priority, entry.Priority)
			queued.Reason = entry.Reason
			queued.Value = 0
		})
		if found && !queuedTune {
			m.superseded(replaced, entry.RequestID)
			return placeCoalesced, nil
		}
		if found {
			if removed, ok := m.queue.RemoveKey(entry.Key); ok {
				m.cancelEntry(removed)
				return placeCancelled, nil
			}
		}

		m.mu.Lock()
		status := m.dedup.Status(entry.Key)
		if status == dedup.StatusPending {
			if _, queued := m.queue.Lookup(entry.Key); !queued {
				m.aborts[entry.Key] = struct{}{}
				m.mu.Unlock()
				return placeCancelled, nil
			}
		}
		m.mu.Unlock()

		switch status {
		case dedup.StatusNone:
			return 0, tuning.Errorf(tuning.ErrClientNotFound, "no tuning for %s", entry.Key)
		case dedup.StatusActive:
			if _, err := m.queue.Enqueue(entry); err == nil {
				return placeQueued, nil
			}
		}
	}
	return 0, tuning.Errorf(tuning.ErrDuplicate, "%s is contended", entry.Key)
}

// enqueueInternalUntune schedules a daemon-issued untune, used by expiry.
func (m *Manager) enqueueInternalUntune(key tuning.Key, reason string) {
	entry := queue.Entry{Key: key, Op: tuning.OpUntune, Priority: tuning.PriorityInternal, Reason: reason}
	if _, err := m.placeUntune(entry); err != nil {
		logging.WarnWithContext(m.logger, "internal untune not queued", "internal_untune_failed",
			logging.String(logging.FieldClientID, string(key.Client)),
			logging.String(logging.FieldOpcode, key.Opcode.String()),
			logging.String("reason", reason),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the tuning stays applied until untuned"),
		)
	}
}

// superseded settles the request whose queued entry another request took over.
func (m *Manager) superseded(old queue.Entry, by tuning.RequestID) {
	if old.RequestID == "" || old.RequestID == by {
		return
	}
	m.clients.DonePending(old.Key.Client, old.RequestID)
	m.outcomes.cancel(old.RequestID)
}

// cancelEntry settles an entry removed from the queue before it ran.
func (m *Manager) cancelEntry(entry queue.Entry) {
	if entry.Op == tuning.OpTune {
		m.releaseReservation(entry.Key)
	}
	if entry.RequestID != "" {
		m.clients.DonePending(entry.Key.Client, entry.RequestID)
	}
	m.outcomes.cancel(entry.RequestID)
}

// releaseReservation undoes a fresh tune reservation.
func (m *Manager) releaseReservation(key tuning.Key) {
	m.mu.Lock()
	delete(m.aborts, key)
	m.dedup.Release(key)
	m.mu.Unlock()
	m.limiter.ReleaseSlot()
}
