// Command rfbserver is a runnable example front end exercising
// pkg/rfb end to end: an animated test-pattern framebuffer (the
// teacher demo.go's drawImage, rewritten against pkg/pixel.Framebuffer
// instead of image.RGBA) served over plain TCP or, with --websocket,
// the same port shared with noVNC-style WebSocket clients via
// pkg/transport.Sniff.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LibVNC/libvncserver-sub002/internal/rfblog"
	"github.com/LibVNC/libvncserver-sub002/pkg/passwd"
	"github.com/LibVNC/libvncserver-sub002/pkg/rfb"
	"github.com/LibVNC/libvncserver-sub002/pkg/transport"
)

const version = "0.1.0"

type serverOptions struct {
	listen      string
	width       int
	height      int
	name        string
	passwdFile  string
	allowNone   bool
	websocket   bool
	tlsCertFile string
	tlsKeyFile  string
	threaded    bool
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
		Use:   "rfbserver",
		Short: "Example RFB/VNC server",
		Long:  `rfbserver serves an animated test-pattern framebuffer over the RFB protocol.`,
	}
	cmd.AddCommand(
		VersionCommand(),
		ServeCommand(),
		GenPasswdCommand(),
	)
	return cmd
}

func VersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("rfbserver %s\n", version)
			return nil
		},
	}
}

func ServeCommand() *cobra.Command {
	opts := serverOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(&opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.listen, "listen", "l", ":5900", "listen address")
	flags.IntVar(&opts.width, "width", 1280, "framebuffer width")
	flags.IntVar(&opts.height, "height", 720, "framebuffer height")
	flags.StringVar(&opts.name, "name", "rfb-go", "desktop name advertised in ServerInit")
	flags.StringVar(&opts.passwdFile, "passwd-file", "", "VNC-Auth password file (plain text, one password per line, see genpasswd)")
	flags.BoolVar(&opts.allowNone, "allow-none", true, "offer the None security type when no password file is given")
	flags.BoolVar(&opts.websocket, "websocket", false, "accept noVNC-style WebSocket clients on the same port")
	flags.StringVar(&opts.tlsCertFile, "tls-cert", "", "TLS certificate file (wraps the listener in transport.ListenTLS)")
	flags.StringVar(&opts.tlsKeyFile, "tls-key", "", "TLS key file")
	flags.BoolVar(&opts.threaded, "threaded", true, "spawn one goroutine per client (false uses the single cooperative-dispatch loop)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "logrus level (debug, info, warn, error)")
	return cmd
}

// GenPasswdCommand writes a password file in the pkg/passwd format:
// one full-access password per line, followed by an optional
// "__BEGIN_VIEWONLY__" boundary and any view-only passwords.
func GenPasswdCommand() *cobra.Command {
	var viewOnly []string
	cmd := &cobra.Command{
		Use:   "genpasswd [OUTFILE] [PASSWORD...]",
		Short: "Write a VNC-Auth password file.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outFile, passwords := args[0], args[1:]
			var buf []byte
			for _, p := range passwords {
				buf = append(buf, encodePasswdLine(p)...)
			}
			if len(viewOnly) > 0 {
				buf = append(buf, "__BEGIN_VIEWONLY__\n"...)
				for _, p := range viewOnly {
					buf = append(buf, encodePasswdLine(p)...)
				}
			}
			return os.WriteFile(outFile, buf, 0o600)
		},
	}
	cmd.Flags().StringSliceVar(&viewOnly, "view-only", nil, "additional view-only passwords")
	return cmd
}

func encodePasswdLine(p string) []byte {
	if p == "" {
		return []byte("__EMPTY__\n")
	}
	return []byte(p + "\n")
}

func runServe(opts *serverOptions) error {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(opts.logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := rfblog.NewLogrus(logger)

	serverOpts := []rfb.Option{
		rfb.WithName(opts.name),
		rfb.WithDesktopSize(opts.width, opts.height),
		rfb.WithLogSink(log),
		rfb.WithAllowNoneAuth(opts.allowNone),
	}

	if opts.passwdFile != "" {
		f, err := os.Open(opts.passwdFile)
		if err != nil {
			return fmt.Errorf("open password file: %w", err)
		}
		defer f.Close()
		pw, err := passwd.Parse(f)
		if err != nil {
			return fmt.Errorf("parse password file: %w", err)
		}
		serverOpts = append(serverOpts, rfb.WithPasswords(pw))
	}

	s := rfb.NewServer(&demoHandler{log: log}, serverOpts...)

	ln, err := transport.ListenTCP(context.Background(), opts.listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if opts.tlsCertFile != "" {
		ln, err = transport.ListenTLS(ln, opts.tlsCertFile, opts.tlsKeyFile)
		if err != nil {
			return fmt.Errorf("listen tls: %w", err)
		}
	}

	if opts.websocket {
		ln = transport.Sniff(ln)
	}

	go animate(s, opts.width, opts.height)

	log.Info("serving", rfblog.Fields{"listen": opts.listen, "threaded": opts.threaded})
	if opts.threaded {
		return s.ServeThreaded(ln)
	}
	return s.Serve(ln)
}

// demoHandler logs every client input event, the same role the
// teacher's `for e := range c.Event` loop played in demo.go.
type demoHandler struct {
	log rfblog.Sink
}

func (h *demoHandler) OnKeyEvent(c *rfb.Client, down bool, key uint32) {
	h.log.Debug("key event", rfblog.Fields{"client": c.ID().String(), "down": down, "key": key})
}

func (h *demoHandler) OnPointerEvent(c *rfb.Client, buttonMask uint8, x, y int) {
	h.log.Debug("pointer event", rfblog.Fields{"client": c.ID().String(), "buttons": buttonMask, "x": x, "y": y})
}

func (h *demoHandler) OnClipboard(c *rfb.Client, text string) {
	h.log.Debug("clipboard", rfblog.Fields{"client": c.ID().String(), "len": len(text)})
}
