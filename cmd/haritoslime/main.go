package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/slime.bridge/internal/api"
	"github.com/banshee-data/slime.bridge/internal/config"
	"github.com/banshee-data/slime.bridge/internal/discovery"
	"github.com/banshee-data/slime.bridge/internal/network"
	"github.com/banshee-data/slime.bridge/internal/oscbridge"
	"github.com/banshee-data/slime.bridge/internal/recorder"
	"github.com/banshee-data/slime.bridge/internal/replay"
	"github.com/banshee-data/slime.bridge/internal/scheduler"
	"github.com/banshee-data/slime.bridge/internal/trackers"
	"github.com/banshee-data/slime.bridge/internal/version"
)

var (
	configPath     = flag.String("config", config.DefaultPath, "Path to the JSON config file")
	recordPath     = flag.String("record", "", "Record the session to this SQLite file (overrides record_path)")
	debugListen    = flag.String("debug-listen", "", "Serve /debug/ on this address (overrides debug_listen)")
	replayPath     = flag.String("replay", "", "Read OSC from a pcap capture instead of listening")
	replayRealtime = flag.Bool("replay-realtime", false, "Pace -replay by capture timestamps")
	statsInterval  = flag.Duration("stats-interval", 10*time.Second, "Interval between packet statistics log lines (0 disables)")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

// errReferenceWritten means the operator has to edit a freshly written
// config before the bridge can run.
var errReferenceWritten = errors.New("reference config written")

// resolveConfig loads path. A missing file, or one lacking a required option,
// is replaced by the reference config and errReferenceWritten is returned.
func resolveConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, config.ErrNotFound), errors.Is(err, config.ErrMissingOption):
		if werr := config.WriteReference(path); werr != nil {
			return nil, fmt.Errorf("%v; %w", err, werr)
		}
		return nil, fmt.Errorf("%w to %s, edit it and restart: %w", errReferenceWritten, path, err)
	default:
		return nil, err
	}
}

// applyOverrides lets command line flags take precedence over the file.
func applyOverrides(cfg *config.Config, record, debug string) {
	if record != "" {
		cfg.RecordPath = &record
	}
	if debug != "" {
		cfg.DebugListen = &debug
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyOverrides(cfg, *recordPath, *debugListen)
	log.Printf("starting %s", version.String())
	for _, w := range cfg.Warnings() {
		log.Printf("warning: %s", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	var rec *recorder.Recorder
	if path := cfg.GetRecordPath(); path != "" {
		rec, err = recorder.Open(path, recorder.Options{TrackerCount: cfg.GetTrackerCount(), TPS: cfg.GetTPS()})
		if err != nil {
			log.Fatalf("failed to open recorder: %v", err)
		}
		defer rec.Close()
		rec.Start(ctx)
	}

	sock, err := network.NewRealUDPSocketFactory().ListenUDP("udp4", cfg.DiscoveryListenAddr())
	if err != nil {
		log.Fatalf("failed to bind %s: %v", cfg.DiscoveryListenAddr(), err)
	}
	linkCfg := network.LinkConfig{Socket: sock, Endpoint: cfg.ServerAddr()}
	if rec != nil {
		linkCfg.Recorder = rec
	}
	link := network.NewLink(linkCfg)
	defer link.Close()

	store, err := trackers.NewStore(cfg.GetTrackerCount())
	if err != nil {
		log.Fatalf("failed to create tracker store: %v", err)
	}
	sched, err := scheduler.New(link, store, cfg.GetTPS(), nil)
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}

	discCfg := discovery.Config{
		Autodiscovery: cfg.GetAutodiscovery(),
		Server:        cfg.ServerAddr(),
		TrackerCount:  cfg.GetTrackerCount(),
	}
	if rec != nil {
		discCfg.Recorder = rec
	}
	disc := discovery.New(link, discCfg)

	if addr := cfg.GetDebugListen(); addr != "" {
		debugServer := api.NewServer(api.Config{
			Link:      link,
			Discovery: disc,
			Sweeps:    sched,
			Trackers:  store,
			Recorder:  rec,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := debugServer.ListenAndServe(ctx, addr); err != nil {
				log.Printf("debug server error: %v", err)
			}
		}()
	}

	server, err := disc.Run(ctx)
	if err != nil {
		stop()
		wg.Wait()
		if errors.Is(err, context.Canceled) {
			log.Printf("interrupted before the server was found")
			return
		}
		log.Fatalf("discovery failed: %v", err)
	}
	log.Printf("streaming %d trackers to %s at up to %d sweeps/s", cfg.GetTrackerCount(), server, cfg.GetTPS())

	if *statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			link.Stats().StartStatsLogging(ctx, *statsInterval)
		}()
	}

	bridge := oscbridge.New(store, sched, link.Stats())

	if *replayPath != "" {
		res, err := replay.ReadPCAPFile(ctx, *replayPath, replay.Options{
			Port:     cfg.GetOSCPort(),
			Realtime: *replayRealtime,
		}, bridge)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("replay error: %v", err)
		}
		log.Printf("replayed %d of %d packets", res.Dispatched, res.Packets)
		stop()
	} else {
		listener := oscbridge.NewListener(cfg.OSCListenAddr(), bridge)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("OSC listener error: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down")
	wg.Wait()
	link.Stats().LogStats()
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("failed to close recorder: %v", err)
		}
	}
}
