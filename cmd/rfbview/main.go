// Command rfbview is a runnable example front end exercising pkg/rfb's
// client library end to end: it dials a server, completes the
// handshake, decodes FramebufferUpdates into a local pkg/pixel
// framebuffer mirror, and periodically requests incremental updates.
// It has no GUI of its own (an SDL/X11 front end is out of scope); it
// logs what it received, the same role cmd/rfbserver's demoHandler
// plays on the server side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LibVNC/libvncserver-sub002/internal/rfblog"
	"github.com/LibVNC/libvncserver-sub002/pkg/pixel"
	"github.com/LibVNC/libvncserver-sub002/pkg/region"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfb"
)

const version = "0.1.0"

type viewOptions struct {
	addr        string
	password    string
	pollEvery   time.Duration
	logLevel    string
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd returns the base root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rfbview",
		Short: "Example RFB/VNC client",
		Long:  `rfbview connects to an RFB server and mirrors its framebuffer locally, logging every update.`,
	}
	cmd.AddCommand(VersionCommand(), ConnectCommand())
	return cmd
}

func VersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("rfbview %s\n", version)
			return nil
		},
	}
}

func ConnectCommand() *cobra.Command {
	opts := viewOptions{}
	cmd := &cobra.Command{
		Use:   "connect ADDR",
		Short: "Connect to an RFB server.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.addr = args[0]
			return runConnect(&opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.password, "password", "", "VNC-Auth password, if the server requires one")
	flags.DurationVar(&opts.pollEvery, "poll", time.Second, "interval between incremental FramebufferUpdateRequests")
	flags.StringVar(&opts.logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	return cmd
}

func runConnect(opts *viewOptions) error {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(opts.logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := rfblog.NewLogrus(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := rfb.ClientConfig{
		Password: opts.password,
		Log:      log,
		OnBell: func() {
			log.Info("bell", nil)
		},
		OnCutText: func(text string) {
			log.Info("clipboard from server", rfblog.Fields{"len": len(text)})
		},
	}

	// A 1x1 placeholder sink; re-pointed at the real framebuffer once
	// ServerInit reports the negotiated dimensions and format.
	fb := pixel.NewFramebuffer(1, 1, pixel.Format{}, 0)
	sink := &rfb.FramebufferSink{FB: fb}

	cc, err := rfb.DialAddr(ctx, "tcp", opts.addr, cfg, sink)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer cc.Close()

	width, height := cc.Width(), cc.Height()
	sink.FB = pixel.NewFramebuffer(width, height, cc.Format(), 0)

	log.Info("connected", rfblog.Fields{
		"addr":   opts.addr,
		"width":  width,
		"height": height,
		"name":   cc.DesktopName(),
	})

	full := region.Rect{X1: 0, Y1: 0, X2: width, Y2: height}
	if err := cc.RequestUpdate(ctx, false, full); err != nil {
		return fmt.Errorf("initial update request: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- cc.Serve(ctx) }()

	ticker := time.NewTicker(opts.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			w, h := cc.Width(), cc.Height()
			rect := region.Rect{X1: 0, Y1: 0, X2: w, Y2: h}
			if err := cc.RequestUpdate(ctx, true, rect); err != nil {
				log.Warn("update request failed", rfblog.Fields{"err": err.Error()})
			}
		}
	}
}
