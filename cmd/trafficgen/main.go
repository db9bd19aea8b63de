//go:build linux && !baremetal

// Command trafficgen drives one or more pipelines against a configured pool
// of servers, reading its engine topology from a YAML document and its
// deployment knobs from the environment.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/connlayer/nftraffic/config"
	"github.com/connlayer/nftraffic/control"
	"github.com/connlayer/nftraffic/nic"
	"github.com/connlayer/nftraffic/pipeline"
)

var (
	flagTap     string
	flagKNI     string
	flagCorePin int
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildPipeline(env config.Env, eng config.Engine, log *slog.Logger) (*pipeline.Pipeline, *nic.TapQueue, error) {
	engineMAC, engineIP, err := eng.EngineID.Parsed()
	if err != nil {
		return nil, nil, err
	}
	servers := make([]pipeline.L234Data, 0, len(eng.Servers))
	for _, s := range eng.Servers {
		mac, ip, err := s.Parsed()
		if err != nil {
			return nil, nil, err
		}
		servers = append(servers, pipeline.L234Data{MAC: mac, IP: ip, Port: s.Port})
	}

	var rx nic.Queue
	var tap *nic.TapQueue
	if flagTap != "" {
		prefix, err := netip.ParsePrefix(engineIP4Prefix(engineIP))
		if err != nil {
			return nil, nil, fmt.Errorf("trafficgen: deriving tap prefix: %w", err)
		}
		tap, err = nic.NewTapQueue(flagTap, prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("trafficgen: opening tap %s: %w", flagTap, err)
		}
		rx = tap
	} else {
		rx = nic.NewLoopback(256, false)
	}

	var kni nic.Queue
	if flagKNI != "" {
		br, err := nic.NewBridgeQueue(flagKNI)
		if err != nil {
			return nil, nil, fmt.Errorf("trafficgen: opening kni bridge %s: %w", flagKNI, err)
		}
		kni = br
	}

	cfg := pipeline.Config{
		ID:              control.PipelineId{Core: flagCorePin, PortID: 0, RXQ: 0},
		Engine:          pipeline.L234Data{MAC: engineMAC, IP: engineIP, Port: eng.EngineID.Port},
		Servers:         servers,
		ClientPortLo:    20000,
		ClientPortHi:    uint16(20000 + eng.NrConnections),
		ServerPortLo:    8080,
		ServerPortHi:    8081,
		CPSLimit:        eng.CPSLimit,
		NrConnections:   eng.NrConnections,
		EstablishedTO:   eng.Timeouts.EstablishedTimeout(),
		TickInterval:    eng.Tick.TickInterval(),
		ChecksumOffload: false,
		Logger:          log,
	}
	p, err := pipeline.New(cfg, rx, kni)
	if err != nil {
		return nil, nil, err
	}
	return p, tap, nil
}

// engineIP4Prefix formats ip as a /24 prefix string, the conventional
// default for a point-to-point tap device used in development.
func engineIP4Prefix(ip [4]byte) string {
	return strconv.Itoa(int(ip[0])) + "." + strconv.Itoa(int(ip[1])) + "." +
		strconv.Itoa(int(ip[2])) + "." + strconv.Itoa(int(ip[3])) + "/24"
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := config.LoadEnv(ctx)
	if err != nil {
		return err
	}
	log := newLogger(env.LogLevel)

	eng, err := config.Load(env.ConfigPath)
	if err != nil {
		return err
	}

	p, tap, err := buildPipeline(env, eng, log)
	if err != nil {
		return err
	}
	if tap != nil {
		defer tap.Close()
	}

	log.Info("trafficgen: pipeline starting", slog.Int("nr_connections", eng.NrConnections),
		slog.Uint64("cps_limit", eng.CPSLimit))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("trafficgen: shutdown signal received")
		cancel()
	}()

	if err := p.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	log.Info("trafficgen: pipeline stopped")
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	env, err := config.LoadEnv(context.Background())
	if err != nil {
		return err
	}
	eng, err := config.Load(env.ConfigPath)
	if err != nil {
		return err
	}
	fmt.Printf("trafficgen: %s is valid: %d server(s), %d connections, cps_limit=%d\n",
		env.ConfigPath, len(eng.Servers), eng.NrConnections, eng.CPSLimit)
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "trafficgen",
	Short: "Synthetic TCP traffic generator and analyzer",
	Long: `trafficgen drives synthetic client and server TCP connections against a
configured pool of servers, reporting per-connection state history and
release causes over a control-plane channel.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipeline and drive traffic until interrupted",
	RunE:  runEngine,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the engine configuration document",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configured YAML document",
	RunE:  runValidate,
}

func init() {
	runCmd.Flags().StringVar(&flagTap, "tap", "", "TAP device name to bind the fast path to (loopback if empty)")
	runCmd.Flags().StringVar(&flagKNI, "kni", "", "bridge interface name for the passthrough side channel")
	runCmd.Flags().IntVar(&flagCorePin, "core", 0, "core identifier recorded in this pipeline's control-plane id")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(runCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
