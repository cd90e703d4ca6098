// grilld is the LAN controller daemon for Pit Boss WiFi pellet grills,
// plus a few one-shot commands for poking a grill from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xeudoxus/pitboss-grill-driver/internal/config"
	"github.com/xeudoxus/pitboss-grill-driver/internal/controller"
	"github.com/xeudoxus/pitboss-grill-driver/internal/discovery"
	"github.com/xeudoxus/pitboss-grill-driver/internal/fields"
	"github.com/xeudoxus/pitboss-grill-driver/internal/grill"
	"github.com/xeudoxus/pitboss-grill-driver/internal/mockgrill"
	"github.com/xeudoxus/pitboss-grill-driver/internal/status"
	"github.com/xeudoxus/pitboss-grill-driver/internal/ws"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.2.0"

var (
	flagConfig string
	flagIP     string
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	root := &cobra.Command{
		Use:          "grilld",
		Short:        "LAN controller for Pit Boss WiFi pellet grills",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (defaults to ~/.config/pitboss-grill-driver/config.yaml)")
	root.PersistentFlags().StringVar(&flagIP, "ip", "", "grill address override (host or host:port)")

	root.AddCommand(serveCmd(), statusCmd(), discoverCmd(), sendCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagIP != "" {
		cfg.Device.IPAddress = flagIP
	}
	return cfg, nil
}

func grillAddr(cfg *config.Config) (string, error) {
	if cfg.Device.IPAddress != "" && cfg.Device.IPAddress != config.DefaultIPSentinel {
		return cfg.Device.IPAddress, nil
	}
	return "", fmt.Errorf("no grill address configured; pass --ip or set device.ip_address")
}

func serveCmd() *cobra.Command {
	var (
		mock bool
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("Shutting down...")
				cancel()
			}()

			if mock {
				addr, stop, err := startMockGrill()
				if err != nil {
					return err
				}
				defer stop()
				log.Infof("Mock grill listening on %s", addr)
				cfg.Device.IPAddress = addr
			}

			log.Infof("Starting grilld v%s", Version)
			log.Infof("  Device: %s (ip=%s, refresh=%s)", cfg.Device.ID, cfg.Device.IPAddress, cfg.Device.RefreshInterval)
			log.Infof("  Host API: %s:%d", cfg.Server.Host, cfg.Server.Port)

			stateDir := cfg.Device.StateDir
			if stateDir == "" {
				stateDir = fields.DefaultDir()
			}
			store := fields.NewStore(cfg.Device.ID, stateDir)
			api := grill.NewAPI(nil)
			scanner := discovery.NewScanner(cfg.Discovery, nil, nil)

			ctrl := controller.New(cfg, store, api, scanner)
			defer ctrl.Remove()

			broadcaster := ws.NewBroadcaster(func() []controller.StateUpdate {
				return []controller.StateUpdate{{DeviceID: cfg.Device.ID, State: ctrl.Derived(), At: time.Now()}}
			}, 100*time.Millisecond, 32)
			defer broadcaster.Stop()
			ctrl.OnUpdate(broadcaster.QueueUpdate)

			if err := ctrl.Init(ctx); err != nil {
				return fmt.Errorf("initialising device: %w", err)
			}

			srv := ws.NewServer(cfg, ctrl, broadcaster)
			return ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, srv.Router())
		},
	}
	cmd.Flags().BoolVar(&mock, "mock", false, "run against an in-process fake grill")
	cmd.Flags().IntVar(&port, "port", 0, "override host API port")
	return cmd
}

// startMockGrill serves a fake grill on a loopback port.
func startMockGrill() (addr string, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	mock := mockgrill.New("mock-password", "PB-MOCK01")
	mock.SetState(mockgrill.State{
		GrillTemp: 228, SetTemp: 250, SmokerTemp: 205,
		P1: 143, P1Target: 165, P2: -1, P3: -1, P4: -1,
		ModuleOn: true, Motor: true, Fan: true,
	})
	srv := &http.Server{Handler: mock.Handler()}
	go srv.Serve(ln)
	return ln.Addr().String(), func() { srv.Close() }, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Poll the grill once and print the decoded status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ip, err := grillAddr(cfg)
			if err != nil {
				return err
			}

			api := grill.NewAPI(nil)
			sc11, sc12, err := api.GetState(cmd.Context(), ip)
			if err != nil {
				return err
			}
			st := status.Decode(sc11, sc12)
			return printJSON(cmd, st)
		},
	}
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the local /24 for Pit Boss devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hub, err := discovery.LocalHubIP()
			if err != nil {
				return err
			}

			scanner := discovery.NewScanner(cfg.Discovery, nil, nil)
			res, err := scanner.Rediscover(cmd.Context(), discovery.Params{
				DeviceID:        cfg.Device.ID,
				HubIP:           hub,
				Fields:          fields.NewStore(cfg.Device.ID, ""),
				RefreshInterval: cfg.Device.RefreshInterval,
				Bypass:          true,
			})
			if err != nil {
				return err
			}
			if !res.Found {
				return fmt.Errorf("no Pit Boss device found on %s/24", hub)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "found %s (%s) at %s\n", res.Info.ID, res.Info.FW, res.IP)
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <temperature N | light on|off | prime on|off | power on|off | unit F|C>",
		Short: "Encode and send one control command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ip, err := grillAddr(cfg)
			if err != nil {
				return err
			}

			hex, err := encodeSendArgs(args)
			if err != nil {
				return err
			}
			api := grill.NewAPI(nil)
			if err := api.SendCommand(cmd.Context(), ip, hex); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", hex)
			return nil
		},
	}
	return cmd
}

func encodeSendArgs(args []string) (string, error) {
	onOff := func(s string) (bool, error) {
		switch s {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
		return false, fmt.Errorf("expected on/off, got %q", s)
	}

	switch args[0] {
	case "temperature":
		t, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("bad temperature %q", args[1])
		}
		hex, snapped, err := grill.EncodeSetTemperature(t, status.Fahrenheit)
		if err != nil {
			return "", err
		}
		if snapped != t {
			log.Infof("snapping %d to approved setpoint %d", t, snapped)
		}
		return hex, nil
	case "light":
		on, err := onOff(args[1])
		if err != nil {
			return "", err
		}
		return grill.EncodeSetLight(on), nil
	case "prime":
		on, err := onOff(args[1])
		if err != nil {
			return "", err
		}
		return grill.EncodeSetPrime(on), nil
	case "power":
		on, err := onOff(args[1])
		if err != nil {
			return "", err
		}
		return grill.EncodeSetPower(on), nil
	case "unit":
		switch args[1] {
		case "C", "c":
			return grill.EncodeSetUnit(true), nil
		case "F", "f":
			return grill.EncodeSetUnit(false), nil
		}
		return "", fmt.Errorf("expected F or C, got %q", args[1])
	}
	return "", fmt.Errorf("unknown command %q", args[0])
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the grilld version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "grilld v%s\n", Version)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
