// Upnpctl is a control-point CLI: discover devices over SSDP, describe
// them, invoke actions and watch evented state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/strefethen/go-upnp/internal/bridge"
	"github.com/strefethen/go-upnp/internal/config"
	"github.com/strefethen/go-upnp/internal/controlpoint"
	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
	"github.com/strefethen/go-upnp/internal/registry"
	"github.com/strefethen/go-upnp/internal/soap"
	"github.com/strefethen/go-upnp/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "upnpctl",
	Short:   "UPnP control point",
	Version: version.Version,
}

var (
	waitFor  time.Duration
	logLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error); silent when empty")
	discoverCmd.Flags().DurationVar(&waitFor, "wait", 5*time.Second, "how long to collect responses")
	rootCmd.AddCommand(discoverCmd, describeCmd, invokeCmd, watchCmd)
}

func loadConfig() (config.Config, error) {
	if err := logging.Initialize(logLevel); err != nil {
		return config.Config{}, err
	}
	return config.Load()
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Search for devices and list what answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.AutoSubscribe = false

		var reg *registry.Registry
		if cfg.RegistryDBPath != "" {
			if reg, err = registry.Open(cfg.RegistryDBPath); err != nil {
				return err
			}
			defer reg.Close()
		}

		cp := controlpoint.New(cfg, controlpoint.Options{Registry: reg})
		if err := cp.Start(); err != nil {
			return err
		}
		defer cp.Stop(context.Background())

		time.Sleep(waitFor)

		devices := cp.Devices()
		if len(devices) == 0 {
			fmt.Println("no devices found")
			return nil
		}
		for _, d := range devices {
			name := "(not described)"
			devType := ""
			if d.Root != nil {
				name = d.Root.FriendlyName
				devType = d.Root.Type.String()
			}
			fmt.Printf("%-42s  %-24s  %s\n", d.UDN, name, devType)
			for _, loc := range d.Locations {
				fmt.Printf("    %s\n", loc)
			}
		}
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <location>",
	Short: "Fetch and print a device description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.AutoSubscribe = false

		cp := controlpoint.New(cfg, controlpoint.Options{DisableSSDP: true})
		if err := cp.Start(); err != nil {
			return err
		}
		defer cp.Stop(context.Background())

		udn, err := cp.AddDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		entry, _ := cp.Device(udn)
		printDevice(entry.Root)
		return nil
	},
}

func printDevice(root *model.RootDevice) {
	if root == nil {
		return
	}
	root.Walk(func(d *model.Device) {
		fmt.Printf("%s  %s  (%s)\n", d.UDN, d.FriendlyName, d.Type)
		for _, svc := range d.Services {
			fmt.Printf("  service %s  (%s)\n", svc.ID, svc.Type)
			for _, a := range svc.Actions {
				var parts []string
				for _, arg := range a.In {
					parts = append(parts, "in:"+arg.Name)
				}
				for _, arg := range a.Out {
					parts = append(parts, "out:"+arg.Name)
				}
				fmt.Printf("    action %s(%s)\n", a.Name, strings.Join(parts, ", "))
			}
			for _, v := range svc.StateVariables {
				evented := ""
				if v.SendEvents {
					evented = " [evented]"
				}
				fmt.Printf("    var %s %s%s\n", v.Name, v.Type, evented)
			}
		}
	})
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <location> <serviceId> <action> [name=value ...]",
	Short: "Invoke an action and print the outputs",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.AutoSubscribe = false

		cp := controlpoint.New(cfg, controlpoint.Options{DisableSSDP: true})
		if err := cp.Start(); err != nil {
			return err
		}
		defer cp.Stop(context.Background())

		udn, err := cp.AddDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var in []soap.Arg
		for _, kv := range args[3:] {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("argument %q: want name=value", kv)
			}
			in = append(in, soap.Arg{Name: name, Value: value})
		}

		out, err := cp.Invoke(cmd.Context(), udn, model.ServiceID(args[1]), args[2], in)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			fmt.Println("ok (no output arguments)")
			return nil
		}
		for _, arg := range out {
			fmt.Printf("%s = %s\n", arg.Name, arg.Value)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <location>",
	Short: "Subscribe to a device's evented services and print updates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.AutoSubscribe = true

		var hub *bridge.Hub
		if cfg.BridgeEnabled {
			hub = bridge.NewHub()
			defer hub.Close()
		}

		cp := controlpoint.New(cfg, controlpoint.Options{
			DisableSSDP: true,
			Bridge:      hub,
			OnStateChange: func(udn model.UDN, id model.ServiceID, name, value string) {
				fmt.Printf("%s  %s  %s = %s\n", time.Now().Format(time.TimeOnly), id.ShortName(), name, value)
			},
		})
		if err := cp.Start(); err != nil {
			return err
		}
		defer cp.Stop(context.Background())

		if _, err := cp.AddDevice(cmd.Context(), args[0]); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}
