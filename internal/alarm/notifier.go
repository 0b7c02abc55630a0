// Package alarm turns watch snapshots into alarm side effects: log lines,
// reminders while the alarm is not acknowledged and an optional hook
// command. It never changes the watch state.
package alarm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"anchorwatch/internal/models"
	"anchorwatch/pkg/logger"
	"anchorwatch/pkg/utils"
)

const commandTimeout = 30 * time.Second

// Options tunes a Notifier
type Options struct {
	// RepeatInterval between reminders; zero disables reminders
	RepeatInterval time.Duration
	// Command is run with the alarm details in its environment each time the
	// watch enters alarm
	Command []string
	// OnAlarm is called each time the watch enters alarm
	OnAlarm func(models.Snapshot)
	// OnReminder is called for each reminder
	OnReminder func(models.Snapshot)
}

// Notifier follows the watch and raises the alarm side effects
type Notifier struct {
	opts Options

	mu       sync.Mutex
	last     models.Snapshot
	cancel   context.CancelFunc
	closed   bool
	commands sync.WaitGroup

	ctx       context.Context
	cancelAll context.CancelFunc
}

// NewNotifier creates a notifier; pass Handle to the watch service's Subscribe
func NewNotifier(opts Options) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		opts:      opts,
		last:      models.IdleSnapshot(),
		ctx:       ctx,
		cancelAll: cancel,
	}
}

// Handle processes one snapshot. It does not block.
func (n *Notifier) Handle(snap models.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	prev := n.last
	n.last = snap

	switch {
	case snap.State == models.StateAlarm && prev.State != models.StateAlarm:
		logger.Warnf("ALARM: vessel %.1fm from anchor, outside the %.1fm swing radius (bearing to anchor %.0f° %s)",
			snap.DistanceFromAnchor, snap.SwingRadius, snap.BearingToAnchor, snap.CardinalToAnchor)
		if n.opts.OnAlarm != nil {
			n.opts.OnAlarm(snap)
		}
		n.runCommand(snap)
		n.startReminder()

	case snap.State == models.StateAlarm && snap.AlarmAcknowledged && !prev.AlarmAcknowledged:
		logger.Infof("Alarm silenced at %.1fm; still outside the swing radius", snap.DistanceFromAnchor)
		n.stopReminder()

	case prev.State == models.StateAlarm && snap.State == models.StateWatching:
		logger.Infof("All clear: vessel back to %.1fm of %.1fm", snap.DistanceFromAnchor, snap.SwingRadius)
		n.stopReminder()

	case snap.State == models.StateIdle:
		n.stopReminder()
	}
}

// Active reports whether reminders are running
func (n *Notifier) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancel != nil
}

// Close stops reminders and waits for running hook commands. Each command
// is still bounded by commandTimeout.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.stopReminder()
	n.mu.Unlock()

	n.commands.Wait()
	n.cancelAll()
}

// startReminder runs with mu held
func (n *Notifier) startReminder() {
	n.stopReminder()
	if n.opts.RepeatInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.cancel = cancel
	go n.remind(ctx)
}

// stopReminder runs with mu held
func (n *Notifier) stopReminder() {
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
}

func (n *Notifier) remind(ctx context.Context) {
	ticker := time.NewTicker(n.opts.RepeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			if ctx.Err() != nil {
				n.mu.Unlock()
				return
			}
			snap := n.last
			n.mu.Unlock()

			logger.Warnf("ALARM still active: %.1fm from anchor (radius %.1fm)", snap.DistanceFromAnchor, snap.SwingRadius)
			if n.opts.OnReminder != nil {
				n.opts.OnReminder(snap)
			}
		}
	}
}

// runCommand starts the hook command in the background. It runs with mu held.
func (n *Notifier) runCommand(snap models.Snapshot) {
	if len(n.opts.Command) == 0 {
		return
	}

	n.commands.Add(1)
	go func() {
		defer n.commands.Done()

		ctx, cancel := context.WithTimeout(n.ctx, commandTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, n.opts.Command[0], n.opts.Command[1:]...)
		cmd.Env = append(os.Environ(), commandEnv(snap)...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			logger.Errorf("Alarm command %s failed: %v: %s", n.opts.Command[0], err, out)
			return
		}
		logger.Debugf("Alarm command %s done", n.opts.Command[0])
	}()
}

func commandEnv(snap models.Snapshot) []string {
	env := []string{
		fmt.Sprintf("ANCHORWATCH_STATE=%s", snap.State),
		fmt.Sprintf("ANCHORWATCH_DISTANCE=%.1f", snap.DistanceFromAnchor),
		"ANCHORWATCH_DISTANCE_FEET=" + utils.FormatFloat(utils.MetersToFeet(snap.DistanceFromAnchor), 1),
		fmt.Sprintf("ANCHORWATCH_SWING_RADIUS=%.1f", snap.SwingRadius),
		fmt.Sprintf("ANCHORWATCH_BEARING=%.0f", snap.BearingToAnchor),
		fmt.Sprintf("ANCHORWATCH_CARDINAL=%s", snap.CardinalToAnchor),
	}
	if snap.VesselPosition != nil {
		env = append(env,
			fmt.Sprintf("ANCHORWATCH_LATITUDE=%.6f", snap.VesselPosition.Latitude),
			fmt.Sprintf("ANCHORWATCH_LONGITUDE=%.6f", snap.VesselPosition.Longitude))
	}
	return env
}
