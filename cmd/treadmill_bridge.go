package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bridge"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/bt"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/config"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/display"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/ifit"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/mock"
	"github.com/lowaak/smart-trainer/treadmill-bridge/internal/web"
)

const mockTreadmillAddress = "00:11:22:33:44:55"

// console is where log lines and the live display go
type console struct {
	out       io.Writer
	renderer  display.Renderer
	logs      *display.LogBuffer
	statusEnd func()
}

func newConsole(cfg *config.Config, clock bridge.Clock) console {
	switch cfg.Display.UI {
	case config.UIDashboard:
		logs := display.NewLogBuffer()
		return console{out: logs, renderer: display.Nop{}, logs: logs, statusEnd: func() {}}
	case config.UIStatus:
		interactive := display.IsTerminal(os.Stdout)
		status := display.NewStatusLine(os.Stdout, interactive, clock)
		end := func() {}
		if interactive {
			end = func() { fmt.Fprintln(os.Stdout) }
		}
		return console{out: status, renderer: status, statusEnd: end}
	default:
		return console{out: os.Stderr, renderer: display.Nop{}, statusEnd: func() {}}
	}
}

func newLogger(cfg config.LogConfig, out io.Writer) *log.Logger {
	if cfg.File == "" {
		return log.New(out, "", log.LstdFlags)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return log.New(io.MultiWriter(file, out), "", log.LstdFlags)
}

// radio builds the central and peripheral roles, real or simulated
type radio struct {
	manager    bt.BTManagerInterface
	peripheral bt.Peripheral
	simulated  *mock.Peripheral
	panel      *mock.Panel
}

func newRadio(cfg *config.Config, clock bridge.Clock, logger *log.Logger) radio {
	if cfg.Mock {
		treadmill := mock.NewTreadmill(mockTreadmillAddress, cfg.IFit.DeviceName, clock, logger)
		peripheral := mock.NewPeripheral(logger)
		r := radio{
			manager:    mock.NewManager(logger, treadmill),
			peripheral: peripheral,
			simulated:  peripheral,
		}
		if cfg.MockHTTPAddr != "" {
			r.panel = mock.NewPanel(treadmill, peripheral, logger)
		}
		return r
	}

	adapter := bluetooth.DefaultAdapter
	manager := bt.NewBTManager(adapter, logger)
	return radio{
		manager:    manager,
		peripheral: bt.NewBTPeripheral(adapter, manager, logger),
	}
}

func main() {
	fs := config.NewFlagSet("treadmill-bridge")
	cfg, err := config.Load(fs, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	must("load configuration", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := bridge.SystemClock{}
	state := bridge.NewState()
	con := newConsole(cfg, clock)
	logger := newLogger(cfg.Log, con.out)
	logger.Printf("Main: Starting treadmill bridge (profile %s)", cfg.Profile)

	r := newRadio(cfg, clock, logger)
	must("enable BLE stack", r.manager.Enable())

	known := ifit.NewKnownDeviceStore(cfg.KnownDeviceFile, logger)
	client := ifit.NewClient(cfg.IFit, r.manager, state, clock, known, logger)
	server := ftms.NewServer(cfg.FTMS, r.peripheral, state, clock, logger)
	must("start FTMS server", server.Start())

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go_func_utils.SafeGo(logger, func() {
			defer wg.Done()
			fn()
		})
	}

	spawn(func() { client.Run(ctx) })
	spawn(func() { server.Run(ctx) })

	if r.panel != nil {
		spawn(func() { r.panel.Run(ctx, cfg.MockHTTPAddr) })
	}
	if r.simulated != nil {
		r.simulated.ConnectApp(mock.DefaultAppAddress)
	}

	if cfg.HTTPAddr != "" {
		api := web.NewServer(cfg.HTTPAddr, state, server.Submit, logger)
		spawn(func() {
			if err := api.Run(ctx); err != nil {
				logger.Printf("Main: %v", err)
			}
		})
	}

	renderers := display.Multi{con.renderer, display.NewHeartbeat(cfg.Display.HeartbeatInterval, clock, logger)}
	var dashboard *display.Dashboard
	if con.logs != nil {
		dashboard = display.NewDashboard(display.DashboardArgs{
			App:     tview.NewApplication(),
			Logs:    con.logs,
			Control: server.Submit,
			OnQuit:  stop,
			Logger:  logger,
		})
		renderers = append(renderers, dashboard)
	}
	spawn(func() { renderLoop(ctx, cfg.Display.RenderInterval, state, renderers) })
	spawn(func() { notifySystemd(ctx, logger) })

	if dashboard != nil {
		go_func_utils.SafeGo(logger, func() {
			<-ctx.Done()
			dashboard.Stop()
		})
		go_func_utils.Run(logger, func() {
			if err := dashboard.Run(); err != nil {
				logger.Printf("Main: Dashboard: %v", err)
			}
		})
		stop()
	}

	<-ctx.Done()
	logger.Println("Main: Shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	wg.Wait()
	r.manager.Shutdown()
	if closer, ok := r.peripheral.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Printf("Main: Close peripheral: %v", err)
		}
	}
	con.statusEnd()
}

// renderLoop pushes a state snapshot to every renderer at interval
func renderLoop(ctx context.Context, interval time.Duration, state *bridge.State, renderer display.Renderer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renderer.Render(state.Snapshot())
		}
	}
}

// notifySystemd reports readiness and feeds the watchdog when run as a
// systemd service; both calls are no-ops otherwise
func notifySystemd(ctx context.Context, logger *log.Logger) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Printf("Main: systemd notify: %v", err)
	} else if sent {
		logger.Println("Main: Notified systemd")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
