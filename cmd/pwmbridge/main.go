// Command pwmbridge receives WifiUdp control datagrams and replays them on
// a local transport, normally the audio servo-PWM output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cjeanneret/trackhead/internal/bridge"
	"github.com/cjeanneret/trackhead/internal/config"
	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/turret"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

func main() {
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	output := flag.String("output", string(transport.KindAudioPWM), "output transport (simulated, serial, audio_pwm)")
	listen := flag.String("listen", "", "override UDP listen address")
	timeoutMs := flag.Int("timeout_ms", 0, "override silence before forcing neutral, in ms")
	debugLevel := flag.Int("debug", -1, "override debug level 0-4")
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
	cfg, err := resolve(base, *output, *listen, *timeoutMs, *debugLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("pwmbridge")
	debug.Value("Output", cfg.Transport.Type)
	debug.Value("Listen", cfg.Bridge.ListenAddr)
	debug.Value("Timeout", fmt.Sprintf("%d ms", cfg.Bridge.TimeoutMs))

	clock := timeutil.RealClock{}
	out, err := turret.NewTransport(cfg, clock, turret.Deps{})
	if err != nil {
		log.Fatalf("build output transport: %v", err)
	}
	b, err := bridge.New(out, cfg.BridgeTimeout(), clock)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := b.Start(ctx); err != nil {
		log.Fatalf("start bridge: %v", err)
	}
	if err := b.Listen(cfg.Bridge.ListenAddr); err != nil {
		b.Stop()
		log.Fatalf("%v", err)
	}

	if err := b.Serve(ctx); err != nil {
		log.Printf("bridge stopped: %v", err)
	}

	debug.Section("Shutdown")
	snap := b.Snapshot()
	debug.Info("relayed %d datagrams, rejected %d, out of order %d, send errors %d",
		snap.Received, snap.Rejected, snap.OutOfOrder, snap.SendErrors)
	if err := b.Stop(); err != nil {
		log.Printf("shutdown: %v", err)
		os.Exit(1)
	}
}

// resolve applies the command-line values to a copy of base. The bridge
// cannot relay onto another WifiUdp link.
func resolve(base *config.Config, output, listen string, timeoutMs, debugLevel int) (*config.Config, error) {
	kind, err := transport.ParseKind(output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	if kind == transport.KindWifiUDP {
		return nil, fmt.Errorf("output: %s cannot be relayed onto itself", kind)
	}
	if timeoutMs < 0 {
		return nil, fmt.Errorf("timeout_ms must be >= 0, got %d", timeoutMs)
	}

	o := config.NoOverrides()
	o.TransportType = output
	o.DebugLevel = debugLevel
	cfg, err := config.Resolve(base, o)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Bridge.ListenAddr = listen
	}
	if timeoutMs > 0 {
		cfg.Bridge.TimeoutMs = timeoutMs
	}
	if cfg.Bridge.ListenAddr == "" {
		return nil, fmt.Errorf("bridge.listen_addr is required")
	}
	return cfg, nil
}
