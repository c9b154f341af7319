package topology

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"restune/internal/logging"
)

// HotplugWatcher listens for CPU online/offline uevents and invokes onChange.
type HotplugWatcher struct {
	logger   *slog.Logger
	onChange func(ctx context.Context)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	done    chan struct{}
	running bool
}

// NewHotplugWatcher returns a watcher that calls onChange for every matching event.
func NewHotplugWatcher(logger *slog.Logger, onChange func(ctx context.Context)) *HotplugWatcher {
	return &HotplugWatcher{
		logger:   logging.NewComponentLogger(logger, "hotplug"),
		onChange: onChange,
	}
}

// Start connects to the kernel uevent socket. Connection failures are logged
// and leave the watcher idle; the daemon keeps the topology detected at startup.
func (w *HotplugWatcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		w.logger.Warn("failed to connect to netlink socket; cpu hotplug will not be tracked",
			logging.Error(err),
			logging.String(logging.FieldEventType, "hotplug_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "core and cluster mappings stay at their startup values"),
		)
		return nil
	}

	w.conn = conn
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, conn, w.quit, w.done)

	w.logger.Info("hotplug watcher started", logging.String(logging.FieldEventType, "hotplug_started"))
	return nil
}

// Stop closes the socket and waits for the event loop to exit.
func (w *HotplugWatcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.quit)
	done := w.done
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.running = false
	w.mu.Unlock()

	<-done
	w.logger.Info("hotplug watcher stopped", logging.String(logging.FieldEventType, "hotplug_stopped"))
}

// Running reports whether the watcher holds a socket.
func (w *HotplugWatcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *HotplugWatcher) loop(ctx context.Context, conn *netlink.UEventConn, quit, done chan struct{}) {
	defer close(done)
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, Matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case event := <-queue:
			w.HandleEvent(ctx, event)
		case err := <-errs:
			w.logger.Warn("hotplug monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "hotplug_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "cpu hotplug events may be missed"),
			)
		}
	}
}

// Matcher selects cpu subsystem online, offline, add and remove events.
func Matcher() netlink.Matcher {
	action := "online|offline|add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "cpu"},
	})
	return rules
}

// HandleEvent forwards a matched event to the change callback.
func (w *HotplugWatcher) HandleEvent(ctx context.Context, event netlink.UEvent) {
	if w == nil {
		return
	}
	w.logger.Info("cpu hotplug event",
		logging.String(logging.FieldEventType, "hotplug_event"),
		logging.String("action", string(event.Action)),
		logging.String("kobj", event.KObj),
	)
	if w.onChange != nil {
		w.onChange(ctx)
	}
}
