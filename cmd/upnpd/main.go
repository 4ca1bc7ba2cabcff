// Upnpd hosts UPnP devices defined in YAML files and serves their
// description, control and event surfaces while advertising over SSDP.
//
// Usage:
//
//	upnpd serve --device device.yaml
//	upnpd serve --demo
//
// See 'upnpd serve --help' for available options.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/strefethen/go-upnp/internal/config"
	"github.com/strefethen/go-upnp/internal/host"
	"github.com/strefethen/go-upnp/internal/logging"
	"github.com/strefethen/go-upnp/internal/model"
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
	Use:     "upnpd",
	Short:   "UPnP device host",
	Long:    "A standalone UPnP device host: define a device in YAML, get SSDP presence,\ndescription documents, SOAP control and GENA eventing for it.",
	Version: version.Version,
}

var (
	devicePath string
	demoMode   bool
	logLevel   string
)

func init() {
	serveCmd.Flags().StringVar(&devicePath, "device", "", "path to a YAML device definition")
	serveCmd.Flags().BoolVar(&demoMode, "demo", false, "host the built-in SwitchPower demo device")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host a device until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(logLevel); err != nil {
			return err
		}
		defer logging.Sync()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		var df *config.DeviceFile
		switch {
		case demoMode:
			df = demoDevice()
		case devicePath != "":
			df, err = config.LoadDeviceFile(devicePath)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("either --device or --demo is required")
		}

		root, err := df.ToRootDevice()
		if err != nil {
			return err
		}

		h, err := host.New(cfg, root, host.Capabilities{}, host.Options{})
		if err != nil {
			return err
		}
		registerHandlers(h, root, demoMode)

		if err := h.Start(); err != nil {
			return err
		}
		fmt.Printf("hosting %s (%s) at %s\n", root.FriendlyName, root.UDN, h.BaseURL())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Shutdown(ctx)
	},
}

// registerHandlers installs a reflector implementation for every declared
// action: input arguments are written to their related state variables and
// output arguments are read back from theirs. The demo device additionally
// mirrors Target onto the evented Status variable.
func registerHandlers(h *host.Host, root *model.RootDevice, demo bool) {
	for _, svc := range root.AllServices() {
		svc := svc
		for _, action := range svc.Actions {
			action := action
			h.RegisterAction(svc.ID, action.Name, func(ctx context.Context, req *soap.Request) (map[string]string, error) {
				for _, decl := range action.In {
					if decl.RelatedStateVariable == "" {
						continue
					}
					if err := h.SetStateVariable(svc.ID, decl.RelatedStateVariable, req.Args[decl.Name]); err != nil {
						return nil, &soap.ActionError{Code: soap.ErrCodeArgumentValueInvalid, Description: err.Error()}
					}
				}
				if demo && action.Name == "SetTarget" {
					if err := h.SetStateVariable(svc.ID, "Status", req.Args["NewTargetValue"]); err != nil {
						return nil, err
					}
				}
				out := make(map[string]string, len(action.Out))
				for _, decl := range action.Out {
					if decl.RelatedStateVariable == "" {
						continue
					}
					v, err := h.StateVariable(svc.ID, decl.RelatedStateVariable)
					if err != nil {
						return nil, err
					}
					out[decl.Name] = v
				}
				return out, nil
			})
		}
	}
}

func demoDevice() *config.DeviceFile {
	return &config.DeviceFile{
		Device: config.DeviceDef{
			Type:         "urn:schemas-upnp-org:device:BinaryLight:1",
			FriendlyName: "Demo Light",
			Manufacturer: "go-upnp",
			ModelName:    "DemoLight",
			Services: []config.ServiceDef{{
				ID:   "urn:upnp-org:serviceId:SwitchPower",
				Type: "urn:schemas-upnp-org:service:SwitchPower:1",
				StateVariables: []config.StateVarDef{
					{Name: "Status", DataType: "boolean", SendEvents: true, Default: "0"},
					{Name: "Target", DataType: "boolean", Default: "0"},
				},
				Actions: []config.ActionDef{
					{Name: "SetTarget", Arguments: []config.ArgumentDef{
						{Name: "NewTargetValue", Direction: "in", RelatedStateVariable: "Target"},
					}},
					{Name: "GetTarget", Arguments: []config.ArgumentDef{
						{Name: "RetTargetValue", Direction: "out", RelatedStateVariable: "Target"},
					}},
					{Name: "GetStatus", Arguments: []config.ArgumentDef{
						{Name: "ResultStatus", Direction: "out", RelatedStateVariable: "Status"},
					}},
				},
			}},
		},
	}
}
