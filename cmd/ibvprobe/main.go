// ibvprobe inspects the local RDMA adapters: it lists the devices with a
// usable active port and resolves the addressing facts an endpoint would
// exchange with a peer. Build with the ibverbs tag to link against
// libibverbs.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/ibverbs-go/ib"
)

var (
	// Version is set at build time.
	Version = "dev"
)

func main() {
	var (
		portNum  uint8
		gidIndex uint8
		verbose  bool
	)

	rootCmd := &cobra.Command{
		Use:     "ibvprobe",
		Short:   "Probe local RDMA adapters",
		Version: Version,
	}
	rootCmd.PersistentFlags().Uint8Var(&portNum, "port", ib.DefaultPortNum, "adapter port to probe")
	rootCmd.PersistentFlags().Uint8Var(&gidIndex, "gid-index", 0, "GID table index to resolve")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log skipped devices")

	rootCmd.AddCommand(newDevicesCmd(&portNum, &verbose))
	rootCmd.AddCommand(newAddressCmd(&portNum, &gidIndex, &verbose))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadLib() (ib.Lib, error) {
	lib, err := ib.Load()
	if err != nil {
		return nil, fmt.Errorf("load verbs library: %w", err)
	}
	return lib, nil
}

func discoverOptions(verbose bool) ([]ib.DiscoverOption, error) {
	if !verbose {
		return nil, nil
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return []ib.DiscoverOption{ib.WithLogger(logger)}, nil
}

func newDevicesCmd(portNum *uint8, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List adapters with a usable active port",
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := loadLib()
			if err != nil {
				return err
			}
			opts, err := discoverOptions(*verbose)
			if err != nil {
				return err
			}

			devices, err := ib.DiscoverDevices(lib, *portNum, opts...)
			if err != nil {
				return fmt.Errorf("discover devices: %w", err)
			}
			defer devices.Close()

			if devices.Size() == 0 {
				fmt.Println("no usable devices")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tDEVICE")
			for i := 0; i < devices.Size(); i++ {
				fmt.Fprintf(w, "%d\t%s\n", i, devices.At(i).Name)
			}
			return w.Flush()
		},
	}
}

func newAddressCmd(portNum, gidIndex *uint8, verbose *bool) *cobra.Command {
	var maxMsgSize uint32

	cmd := &cobra.Command{
		Use:   "address [device]",
		Short: "Resolve the addressing facts for an adapter port",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := loadLib()
			if err != nil {
				return err
			}
			opts, err := discoverOptions(*verbose)
			if err != nil {
				return err
			}

			devices, err := ib.DiscoverDevices(lib, *portNum, opts...)
			if err != nil {
				return fmt.Errorf("discover devices: %w", err)
			}
			defer devices.Close()

			if devices.Size() == 0 {
				return fmt.Errorf("no usable devices on port %d", *portNum)
			}
			device := devices.At(0)
			if len(args) == 1 {
				found := false
				for i := 0; i < devices.Size(); i++ {
					if devices.At(i).Name == args[0] {
						device = devices.At(i)
						found = true
					}
				}
				if !found {
					return fmt.Errorf("device %s not found or not usable", args[0])
				}
			}

			devCtx, err := ib.OpenContext(lib, device)
			if err != nil {
				return fmt.Errorf("open %s: %w", device.Name, err)
			}
			defer devCtx.Close()

			addr, err := ib.MakeAddress(devCtx, *portNum, *gidIndex, maxMsgSize)
			if err != nil {
				return fmt.Errorf("resolve address: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "device\t%s\n", device.Name)
			fmt.Fprintf(w, "port\t%d\n", addr.PortNum)
			fmt.Fprintf(w, "gid index\t%d\n", addr.GIDIndex)
			fmt.Fprintf(w, "lid\t%d\n", addr.LocalIdentifier)
			fmt.Fprintf(w, "gid\t%s\n", addr.GlobalIdentifier)
			fmt.Fprintf(w, "mtu\t%s\n", addr.MTU)
			return w.Flush()
		},
	}
	cmd.Flags().Uint32Var(&maxMsgSize, "max-msg-size", 1<<20, "advertised maximum message size")
	return cmd
}
