package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/cjeanneret/trackhead/internal/audit"
	"github.com/cjeanneret/trackhead/internal/config"
	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/feed"
	"github.com/cjeanneret/trackhead/internal/hw/gpio"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/logic/turret"
	"github.com/cjeanneret/trackhead/internal/web"
)

// eventQueueSize bounds authority events waiting for the audit log and SSE.
const eventQueueSize = 256

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	mode := flag.String("mode", "", "override initial mode (manual, assisted, auto_track)")
	transportType := flag.String("transport", "", "override transport type (simulated, serial, wifi_udp, audio_pwm)")
	serialPort := flag.String("serial", "", "override serial port path")
	udpURL := flag.String("udp_url", "", "override WifiUdp target (udp://host:port)")
	feedAddr := flag.String("feed", "", "override target feed UDP listen address")
	auditPath := flag.String("audit", "", "override SQLite audit log path")
	cycleHz := flag.Float64("cycle_hz", 0, "override nominal cycle rate in Hz (0-1000]")
	maxYaw := flag.Float64("max_yaw_rate", 0, "override max yaw rate (0-1]")
	maxPitch := flag.Float64("max_pitch_rate", 0, "override max pitch rate (0-1]")
	debugLevel := flag.Int("debug", -1, "override debug level 0-4")
	mockGPIO := &optionalBool{}
	flag.Var(mockGPIO, "mock_gpio", "override mock GPIO (true/false)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	base, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := config.Overrides{
		Mode:          *mode,
		TransportType: *transportType,
		SerialPort:    *serialPort,
		UDPURL:        *udpURL,
		FeedAddr:      *feedAddr,
		AuditPath:     *auditPath,
		CycleHz:       *cycleHz,
		MaxYawRate:    *maxYaw,
		MaxPitchRate:  *maxPitch,
		DebugLevel:    *debugLevel,
		MockGPIO:      mockGPIO.value(),
	}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	cfg, err := config.Resolve(base, overrides)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Building turret controller")
	ctrl, err := turret.Build(cfg, turret.Deps{GPIO: gpioDriver})
	if err != nil {
		log.Fatalf("build turret failed: %v", err)
	}
	debug.Value("Session", ctrl.Session())

	// Sinks doing I/O run behind a queue so they never delay a cycle or
	// the watchdog neutral.
	sinks := []func(authority.Event){logEvent}
	var queues []*authority.Queue
	queued := func(fn func(authority.Event)) func(authority.Event) {
		q := authority.NewQueue(eventQueueSize, fn)
		queues = append(queues, q)
		return q.Handle
	}
	var events web.EventLister

	if cfg.Audit.Path != "" {
		debug.Step(3, "Opening audit log")
		store, err := audit.Open(cfg.Audit.Path, ctrl.Session())
		if err != nil {
			log.Fatalf("open audit log failed: %v", err)
		}
		defer store.Close()
		sinks = append(sinks, queued(store.Handler()))
		events = store
	}

	var srv *web.Server
	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		sinks = append(sinks, queued(func(ev authority.Event) {
			broadcaster.BroadcastJSON("event", ev)
		}))
		limits := web.LimitsFrom(ctrl.Supervisor().Config(), cfg.Transport.Type)
		srv = web.NewServer(webAddr, broadcaster, ctrl, events, limits)
	}
	ctrl.Supervisor().SetEventHandler(fanOut(sinks...))

	debug.Step(4, "Connecting transport")
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("start turret failed: %v", err)
	}

	var feedWG, wg sync.WaitGroup
	if cfg.Feed.UDPAddr != "" {
		listener := feed.NewListener(cfg.Feed.UDPAddr, cfg.Feed.ReadBuffer, func(lock *motion.TargetLock, w, h int) {
			ctrl.UpdateFromLock(lock, w, h)
		})
		if err := listener.Listen(); err != nil {
			ctrl.Stop()
			log.Fatalf("target feed: %v", err)
		}
		feedWG.Add(1)
		go func() {
			defer feedWG.Done()
			if err := listener.Serve(ctx); err != nil {
				log.Printf("target feed stopped: %v", err)
			}
		}()
	}
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.Printf("web server: %v", err)
				cancel()
			}
		}()
	}

	debug.Section("Running")
	<-ctx.Done()

	debug.Section("Shutdown")
	// No target cycle may start once the final neutral is on its way.
	feedWG.Wait()
	stopErr := ctrl.Stop()
	wg.Wait()
	for _, q := range queues {
		q.Close()
	}
	if stopErr != nil {
		log.Printf("shutdown: %v", stopErr)
		os.Exit(1)
	}
}

// fanOut delivers each event to every sink in order.
func fanOut(sinks ...func(authority.Event)) func(authority.Event) {
	return func(ev authority.Event) {
		for _, sink := range sinks {
			sink(ev)
		}
	}
}

func logEvent(ev authority.Event) {
	if ev.Detail != "" {
		debug.Info("authority: %s (%s): %s", ev.Kind, ev.Mode, ev.Detail)
		return
	}
	debug.Info("authority: %s (%s)", ev.Kind, ev.Mode)
}

// validateCLIOverrides checks that CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config value").
func validateCLIOverrides(o config.Overrides) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Mode != "" {
		if _, err := authority.ParseMode(o.Mode); err != nil {
			return fmt.Errorf("mode: %w", err)
		}
	}
	if o.TransportType != "" {
		if _, err := transport.ParseKind(o.TransportType); err != nil {
			return fmt.Errorf("transport: %w", err)
		}
	}
	if o.UDPURL != "" {
		if _, err := transport.ParseUDPURL(o.UDPURL); err != nil {
			return fmt.Errorf("udp_url: %w", err)
		}
	}
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// optionalBool is a boolean flag that remembers whether it was set.
type optionalBool struct {
	set bool
	val bool
}

func (b *optionalBool) String() string {
	if !b.set {
		return ""
	}
	return strconv.FormatBool(b.val)
}

func (b *optionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.set, b.val = true, v
	return nil
}

func (b *optionalBool) IsBoolFlag() bool { return true }

func (b *optionalBool) value() *bool {
	if !b.set {
		return nil
	}
	v := b.val
	return &v
}
