package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/procfs"

	"restune/internal/clients"
	"restune/internal/engine"
	"restune/internal/logging"
	"restune/internal/tuning"
)

// DefaultProcRoot is where process stat files are read from.
const DefaultProcRoot = "/proc"

// Submitter accepts typed messages. The request manager implements it.
type Submitter interface {
	Submit(ctx context.Context, msg tuning.Message) (engine.Receipt, error)
}

// Options configure a Receiver.
type Options struct {
	// SystemUIDs are granted the system tier in addition to root.
	SystemUIDs []int
	ProcRoot   string
	Clock      clock.Clock
}

// Receiver turns envelopes into messages, stamps the sender's identity and
// forwards them.
type Receiver struct {
	submitter Submitter
	clients   *clients.Store
	logger    *slog.Logger
	system    map[int]struct{}
	procRoot  string
	clk       clock.Clock
}

// New builds a receiver.
func New(submitter Submitter, store *clients.Store, logger *slog.Logger, opts Options) (*Receiver, error) {
	if submitter == nil || store == nil {
		return nil, errors.New("receiver requires a submitter and a client store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	procRoot := strings.TrimSpace(opts.ProcRoot)
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	system := make(map[int]struct{}, len(opts.SystemUIDs))
	for _, uid := range opts.SystemUIDs {
		system[uid] = struct{}{}
	}
	return &Receiver{
		submitter: submitter,
		clients:   store,
		logger:    logging.NewComponentLogger(logger, "receiver"),
		system:    system,
		procRoot:  procRoot,
		clk:       clk,
	}, nil
}

// Receive parses env, refreshes the sender's liveness and submits the message.
func (r *Receiver) Receive(ctx context.Context, env Envelope, cred Credentials) (engine.Receipt, error) {
	msg, err := r.Parse(env, cred)
	if err != nil {
		r.logger.Debug("message rejected",
			logging.String(logging.FieldClientID, env.ClientID),
			logging.Int("pid", env.PID),
			logging.Int("peer_pid", cred.PID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "message_rejected"),
		)
		return engine.Receipt{}, err
	}
	r.clients.Touch(msg.Client, msg.PID, msg.Tier)

	ctx = logging.WithClientID(ctx, string(msg.Client))
	receipt, err := r.submitter.Submit(ctx, msg)
	logger := logging.WithContext(logging.WithRequestID(ctx, string(receipt.RequestID)), r.logger)
	if err != nil {
		logger.Debug("message refused",
			logging.String("kind", msg.Kind.String()),
			logging.String("error_kind", tuning.KindOf(err)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "message_refused"),
		)
		return receipt, err
	}
	logger.Debug("message accepted",
		logging.String("kind", msg.Kind.String()),
		logging.String("tier", msg.Tier.String()),
		logging.Int("queued", receipt.Queued),
		logging.String(logging.FieldEventType, "message_accepted"),
	)
	return receipt, nil
}

// Parse validates env and converts it to a message. Verified credentials
// override the claimed pid and decide the tier; unverified senders are always
// third-party. The client id is bound to the first verified peer that uses it
// and a message from any other process is rejected.
func (r *Receiver) Parse(env Envelope, cred Credentials) (tuning.Message, error) {
	client := strings.TrimSpace(env.ClientID)
	if client == "" {
		return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest, "message without client id")
	}
	pid := env.PID
	if cred.Verified {
		if pid != 0 && pid != cred.PID {
			return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest,
				"claimed pid %d does not match peer pid %d", pid, cred.PID)
		}
		pid = cred.PID
	}
	if pid < 0 {
		return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest, "negative pid %d", pid)
	}

	msg := tuning.Message{
		Client:    tuning.ClientID(client),
		PID:       pid,
		Tier:      tuning.TierThirdParty,
		Timestamp: env.Timestamp,
	}
	peer := clients.Peer{PID: pid}
	if cred.Verified {
		msg.Tier = r.classify(cred.UID)
		peer = clients.Peer{PID: cred.PID, UID: cred.UID, Start: r.startTime(cred.PID)}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.clk.Now()
	}

	switch strings.ToLower(strings.TrimSpace(env.Kind)) {
	case "request":
		if env.Request == nil || env.Signal != nil {
			return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest, "request envelope payload mismatch")
		}
		req, err := parseRequest(*env.Request)
		if err != nil {
			return tuning.Message{}, err
		}
		msg.Kind = tuning.KindRequest
		msg.Request = &req
	case "signal":
		if env.Signal == nil || env.Request != nil {
			return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest, "signal envelope payload mismatch")
		}
		sig, err := parseSignal(*env.Signal)
		if err != nil {
			return tuning.Message{}, err
		}
		msg.Kind = tuning.KindSignal
		msg.Signal = &sig
	default:
		return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest, "unknown message kind %q", env.Kind)
	}

	if err := msg.Validate(); err != nil {
		return tuning.Message{}, err
	}
	if !r.clients.Claim(msg.Client, peer, cred.Verified) {
		return tuning.Message{}, tuning.Errorf(tuning.ErrMalformedRequest,
			"client %q is bound to another process", client)
	}
	return msg, nil
}

func parseRequest(p RequestPayload) (tuning.Request, error) {
	op, err := tuning.ParseOpKind(p.Op)
	if err != nil {
		return tuning.Request{}, tuning.Wrap(tuning.ErrMalformedRequest, "request op", err)
	}
	class, err := tuning.ParsePriorityClass(p.Priority)
	if err != nil {
		return tuning.Request{}, tuning.Wrap(tuning.ErrMalformedRequest, "request priority", err)
	}
	duration, err := parseDuration(p.DurationMS)
	if err != nil {
		return tuning.Request{}, err
	}
	req := tuning.Request{
		ID:        tuning.RequestID(strings.TrimSpace(p.ID)),
		Op:        op,
		Priority:  class,
		Duration:  duration,
		Resources: make([]tuning.ResourceValue, 0, len(p.Resources)),
	}
	for i, entry := range p.Resources {
		opcode, err := tuning.ParseOpcode(entry.Opcode)
		if err != nil {
			return tuning.Request{}, tuning.Wrap(tuning.ErrMalformedRequest, fmt.Sprintf("resource %d", i), err)
		}
		req.Resources = append(req.Resources, tuning.ResourceValue{
			Opcode: opcode,
			Value:  entry.Value,
			Location: tuning.Location{
				Cluster: entry.Cluster,
				Core:    entry.Core,
				CGroup:  strings.TrimSpace(entry.CGroup),
			},
		})
	}
	return req, nil
}

func parseSignal(p SignalPayload) (tuning.Signal, error) {
	opcode, err := tuning.ParseOpcode(p.Opcode)
	if err != nil {
		return tuning.Signal{}, tuning.Wrap(tuning.ErrMalformedRequest, "signal opcode", err)
	}
	var op tuning.OpKind
	if strings.TrimSpace(p.Op) != "" {
		if op, err = tuning.ParseOpKind(p.Op); err != nil {
			return tuning.Signal{}, tuning.Wrap(tuning.ErrMalformedRequest, "signal op", err)
		}
	}
	var class tuning.PriorityClass
	if strings.TrimSpace(p.Priority) != "" {
		if class, err = tuning.ParsePriorityClass(p.Priority); err != nil {
			return tuning.Signal{}, tuning.Wrap(tuning.ErrMalformedRequest, "signal priority", err)
		}
	}
	duration, err := parseDuration(p.DurationMS)
	if err != nil {
		return tuning.Signal{}, err
	}
	if p.TargetPID < 0 {
		return tuning.Signal{}, tuning.Errorf(tuning.ErrMalformedRequest, "negative target pid %d", p.TargetPID)
	}
	return tuning.Signal{
		ID:        tuning.RequestID(strings.TrimSpace(p.ID)),
		Opcode:    opcode,
		Op:        op,
		Priority:  class,
		Duration:  duration,
		Args:      append([]int64(nil), p.Args...),
		TargetPID: p.TargetPID,
	}, nil
}

const maxDurationMS = math.MaxInt64 / int64(time.Millisecond)

func parseDuration(ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, tuning.Errorf(tuning.ErrMalformedRequest, "negative duration %dms", ms)
	}
	if ms > maxDurationMS {
		return 0, tuning.Errorf(tuning.ErrMalformedRequest, "duration %dms out of range", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *Receiver) classify(uid int) tuning.Tier {
	if uid == 0 {
		return tuning.TierSystem
	}
	if _, ok := r.system[uid]; ok {
		return tuning.TierSystem
	}
	return tuning.TierThirdParty
}

// startTime returns the start time of pid in clock ticks, or zero when its
// stat file cannot be read.
func (r *Receiver) startTime(pid int) uint64 {
	stat, err := r.procStat(pid)
	if err != nil {
		r.logger.Debug("process start time unavailable",
			logging.Int("pid", pid),
			logging.Error(err),
			logging.String(logging.FieldEventType, "process_start_unavailable"),
		)
		return 0
	}
	return stat.Starttime
}

func (r *Receiver) procStat(pid int) (procfs.ProcStat, error) {
	fs, err := procfs.NewFS(r.procRoot)
	if err != nil {
		return procfs.ProcStat{}, fmt.Errorf("open %s: %w", r.procRoot, err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return procfs.ProcStat{}, fmt.Errorf("find pid %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return procfs.ProcStat{}, fmt.Errorf("read stat of pid %d: %w", pid, err)
	}
	return stat, nil
}
