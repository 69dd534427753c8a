// vkcapture-broker runs the capture broker outside a host media
// application: it accepts producer connections, elects one and keeps its
// buffer state current, without importing to a GPU. Useful for soaking
// the layer half against a real rendezvous socket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Postnozet/obs-vkcapture/broker"
	"github.com/Postnozet/obs-vkcapture/wire"
)

// headlessTexture and headlessImporter stand in for the GPU import so
// the selection and kick paths still run.
type headlessTexture struct{}

func (headlessTexture) Release() {}

type headlessImporter struct{}

func (headlessImporter) Import(info wire.TextureInfo, fds []int) (broker.Texture, error) {
	fmt.Printf("imported %dx%d fourcc %#x (%d fds)\n", info.Width, info.Height, info.Format, len(fds))
	return headlessTexture{}, nil
}

func main() {
	var socketPath string
	var showCursor bool
	var tick time.Duration

	root := &cobra.Command{
		Use:          "vkcapture-broker",
		Short:        "Standalone broker for obs-vkcapture producers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := broker.NewServer(broker.Config{
				SocketPath: socketPath,
				ShowCursor: showCursor,
			})
			if err := srv.Start(); err != nil {
				return err
			}
			src := broker.NewSource(srv, headlessImporter{})

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					src.Tick()
				case <-sig:
					src.Detach()
					srv.Stop()
					return nil
				}
			}
		},
	}
	root.Flags().StringVar(&socketPath, "socket", wire.SocketPath, "rendezvous socket path")
	root.Flags().BoolVar(&showCursor, "show-cursor", true, "overlay the cursor when running under X11/EGL")
	root.Flags().DurationVar(&tick, "tick", 16*time.Millisecond, "video tick interval")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
