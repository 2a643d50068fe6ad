package display

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/go_func_utils"
)

const (
	speedStepKph   = 0.5
	inclineStepPct = 0.5
)

// DashboardArgs holds the arguments for creating a Dashboard
type DashboardArgs struct {
	App  *tview.Application
	Logs *LogBuffer
	// Control receives control point writes produced by key presses
	Control func(value []byte)
	// OnQuit is called when the user presses Escape or q
	OnQuit func()
	Logger *log.Logger
}

// Dashboard is the full screen terminal view: link state and live metrics on
// the left, logs on the right
type Dashboard struct {
	logger  *log.Logger
	app     *tview.Application
	logs    *LogBuffer
	control func(value []byte)
	onQuit  func()

	mainFlex      *tview.Flex
	linkPanel     *tview.TextView
	metricsPanel  *tview.TextView
	controlsPanel *tview.TextView
	logView       *tview.TextView

	mu      sync.Mutex
	last    bridge.Snapshot
	running atomic.Bool

	context    context.Context
	cancelFunc context.CancelFunc
	waitGroup  sync.WaitGroup
}

var _ Renderer = (*Dashboard)(nil)

func NewDashboard(args DashboardArgs) *Dashboard {
	if args.Logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if args.App == nil {
		panic("Dashboard: app cannot be nil")
	}
	if args.Logs == nil {
		panic("Dashboard: log buffer cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		logger:     args.Logger,
		app:        args.App,
		logs:       args.Logs,
		control:    args.Control,
		onQuit:     args.OnQuit,
		context:    ctx,
		cancelFunc: cancel,
	}
	d.initialize()
	d.setupKeyboardHandlers()
	return d
}

func (d *Dashboard) initialize() {
	// Don't use SetChangedFunc with app.Draw(), it can hang during shutdown
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.linkPanel = tview.NewTextView().SetDynamicColors(true)
	d.linkPanel.SetBorder(true).SetTitle(" Links ")

	d.metricsPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.metricsPanel.SetBorder(true).SetTitle(" Treadmill ")

	d.controlsPanel = tview.NewTextView().SetDynamicColors(true)
	d.controlsPanel.SetBorder(true).SetTitle(" Controls ")

	empty := bridge.Snapshot{}
	d.linkPanel.SetText(linkText(empty))
	d.metricsPanel.SetText(metricsText(empty))
	d.controlsPanel.SetText(controlsText(empty))

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.linkPanel, 6, 0, false).
		AddItem(d.metricsPanel, 0, 2, true).
		AddItem(d.controlsPanel, 0, 1, false)

	d.mainFlex = tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(d.logView, 0, 1, false)
}

func (d *Dashboard) setupKeyboardHandlers() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			d.quit()
			return nil
		case tcell.KeyUp:
			d.nudgeSpeed(speedStepKph)
			return nil
		case tcell.KeyDown:
			d.nudgeSpeed(-speedStepKph)
			return nil
		case tcell.KeyPgUp:
			d.nudgeIncline(inclineStepPct)
			return nil
		case tcell.KeyPgDn:
			d.nudgeIncline(-inclineStepPct)
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				d.quit()
			case '+', '=':
				d.nudgeSpeed(speedStepKph)
			case '-':
				d.nudgeSpeed(-speedStepKph)
			case ']':
				d.nudgeIncline(inclineStepPct)
			case '[':
				d.nudgeIncline(-inclineStepPct)
			default:
				return event
			}
			return nil
		}
		return event
	})
}

func (d *Dashboard) quit() {
	if d.onQuit != nil {
		d.onQuit()
	}
}

func (d *Dashboard) nudgeSpeed(delta float64) {
	if d.control == nil {
		return
	}
	d.mu.Lock()
	target := d.last.Telemetry.SpeedKph + delta
	d.mu.Unlock()
	if target < 0 {
		target = 0
	}
	d.logger.Printf("Dashboard: Requesting speed %.1f km/h", target)
	d.control(ftms.EncodeSetTargetSpeed(target))
}

func (d *Dashboard) nudgeIncline(delta float64) {
	if d.control == nil {
		return
	}
	d.mu.Lock()
	target := d.last.Telemetry.InclinePct + delta
	d.mu.Unlock()
	d.logger.Printf("Dashboard: Requesting incline %.1f%%", target)
	d.control(ftms.EncodeSetTargetInclination(target))
}

// Render updates the panels from a snapshot; safe from any goroutine
func (d *Dashboard) Render(snap bridge.Snapshot) {
	d.mu.Lock()
	d.last = snap
	d.mu.Unlock()

	if !d.running.Load() {
		return
	}
	link, metrics, controls := linkText(snap), metricsText(snap), controlsText(snap)
	d.app.QueueUpdateDraw(func() {
		d.linkPanel.SetText(link)
		d.metricsPanel.SetText(metrics)
		d.controlsPanel.SetText(controls)
	})
}

func (d *Dashboard) listenToLogs() {
	logChan := make(chan string, 1)
	unregister := d.logs.ListenToLog(logChan)
	d.waitGroup.Add(1)
	go_func_utils.SafeGo(d.logger, func() {
		defer d.waitGroup.Done()
		defer unregister()
		for {
			select {
			case <-d.context.Done():
				return
			case _, ok := <-logChan:
				if !ok {
					return
				}
				d.updateLogDisplay()
			}
		}
	})
}

func (d *Dashboard) updateLogDisplay() {
	if !d.running.Load() {
		return
	}
	d.app.QueueUpdateDraw(func() {
		_, _, _, height := d.logView.GetInnerRect()
		if height <= 0 {
			return
		}
		d.logView.SetText(tview.Escape(strings.Join(d.logs.GetLogTail(height), "\n")))
	})
}

// Run starts the UI and blocks until it exits
func (d *Dashboard) Run() error {
	d.app.SetRoot(d.mainFlex, true)
	d.app.SetFocus(d.metricsPanel)
	d.running.Store(true)
	defer d.running.Store(false)

	d.listenToLogs()
	d.waitGroup.Add(1)
	go_func_utils.SafeGo(d.logger, func() {
		defer d.waitGroup.Done()
		// first layout pass gives the log view its height
		select {
		case <-d.context.Done():
		case <-time.After(100 * time.Millisecond):
			d.updateLogDisplay()
		}
	})
	return d.app.Run()
}

// Stop stops the UI framework and waits for the log listener
func (d *Dashboard) Stop() {
	d.running.Store(false)
	d.cancelFunc()
	d.app.Stop()
	d.waitGroup.Wait()
}

func linkText(snap bridge.Snapshot) string {
	var b strings.Builder
	b.WriteString("\n")
	if snap.ConnectedToTreadmill {
		name := snap.Treadmill.Name
		if name == "" {
			name = snap.Treadmill.Address
		}
		fmt.Fprintf(&b, "  [green]●[white] Treadmill: [yellow]%s[white]\n", name)
	} else {
		fmt.Fprintf(&b, "  [gray]●[white] Treadmill: [gray]%s[white]\n", phaseOrIdle(snap.ClientPhase))
	}
	switch {
	case snap.ConnectedToApp:
		b.WriteString("  [green]●[white] App:       [yellow]connected[white]\n")
	case snap.Advertising:
		b.WriteString("  [blue]●[white] App:       [gray]advertising[white]\n")
	default:
		b.WriteString("  [red]●[white] App:       [gray]not advertising[white]\n")
	}
	return b.String()
}

func phaseOrIdle(phase string) string {
	if phase == "" {
		return "Idle"
	}
	return phase
}

func metricsText(snap bridge.Snapshot) string {
	if !snap.ConnectedToTreadmill && snap.Telemetry == (bridge.Telemetry{}) {
		return "\n\n  [gray]Waiting for the treadmill...[white]"
	}
	t := snap.Telemetry
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Speed:     [yellow]%.1f[white] km/h  ([yellow]%.1f[white] mph)\n\n", t.SpeedKph, kphToMph(t.SpeedKph))
	fmt.Fprintf(&b, "  Incline:   [yellow]%.1f[white] %%\n\n", t.InclinePct)
	if t.DistanceM >= 1000 {
		fmt.Fprintf(&b, "  Distance:  [yellow]%.2f[white] km\n\n", float64(t.DistanceM)/1000)
	} else {
		fmt.Fprintf(&b, "  Distance:  [yellow]%d[white] m\n\n", t.DistanceM)
	}
	fmt.Fprintf(&b, "  Elapsed:   [yellow]%s[white]\n\n", formatHMS(t.ElapsedTimeS))
	fmt.Fprintf(&b, "  Calories:  [yellow]%d[white] kcal\n", t.Calories)
	return b.String()
}

func controlsText(snap bridge.Snapshot) string {
	var b strings.Builder
	b.WriteString("\n")
	if snap.HasPendingControl {
		fmt.Fprintf(&b, "  Pending: [yellow]%s %d[white]\n\n", snap.PendingControl.Kind, snap.PendingControl.Value)
	}
	b.WriteString("  [yellow]+[white]/[yellow]↑[white] faster    [yellow]-[white]/[yellow]↓[white] slower\n")
	b.WriteString("  [yellow]PgUp[white] steeper       [yellow]PgDn[white] flatter\n")
	b.WriteString("  [yellow]q[white]/[yellow]Esc[white] quit\n")
	return b.String()
}
