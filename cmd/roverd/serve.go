package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rover/auth"
	"rover/camera"
	"rover/control"
	"rover/discovery"
	"rover/dispatcher"
	"rover/i2c"
	"rover/media"
	"rover/server"
	"rover/telemetry"
	"rover/ups"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser client, WebRTC, MJPEG and every control transport",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve only the raw TCP relay",
	Long: `Runs the hardware behind the newline framed TCP relay without the HTTP
surface, for headless setups where another process owns the camera.`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

// core is the part every front end shares: hardware, dispatcher, listener
// and the optional telemetry mirror.
type core struct {
	hw       *rig
	d        *dispatcher.Dispatcher
	listener *control.Listener
	mirror   *telemetry.RedisMirror
}

func buildCore(ctx context.Context) (*core, error) {
	hw, err := buildHardware(ctx, cfg.Hardware, logger.Named("hardware"))
	if err != nil {
		return nil, err
	}
	c := &core{hw: hw}
	opts := []dispatcher.Option{
		dispatcher.WithLogger(logger.Named("dispatcher")),
		dispatcher.WithBehaviors(dispatcher.DefaultBehaviors()),
	}
	if cfg.Redis.Enabled {
		mirror, err := telemetry.Dial(ctx, telemetry.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		}, logger)
		if err != nil {
			logger.Warn("Telemetry disabled", zap.Error(err))
		} else {
			c.mirror = mirror
			opts = append(opts, dispatcher.WithObserver(mirror))
		}
	}
	c.d = dispatcher.New(hw.caps, cfg.Limits, opts...)
	c.listener = control.NewListener(c.d, cfg.Control, logger)
	return c, nil
}

// shutdown ends the sessions within the configured grace, then stops the
// drive and releases the hardware.
func (c *core) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := c.listener.Shutdown(ctx); err != nil {
		logger.Warn("Sessions abandoned at shutdown", zap.Error(err))
	}
	if err := c.d.Close(ctx); err != nil {
		logger.Warn("Dispatcher close", zap.Error(err))
	}
	if c.mirror != nil {
		c.mirror.Close()
	}
	if err := c.hw.Close(); err != nil {
		logger.Warn("Hardware reset failed", zap.Error(err))
	}
}

func (c *core) observe(g *errgroup.Group, ctx context.Context) {
	if c.mirror != nil {
		g.Go(func() error { return c.mirror.Run(ctx) })
	}
}

func listenRelay(g *errgroup.Group, ctx context.Context, c *core) error {
	soc, err := net.Listen("tcp", cfg.Relay.Addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	logger.Info("Relay listening", zap.String("addr", soc.Addr().String()))
	g.Go(func() error { return control.ServeTCP(ctx, soc, c.listener) })
	return nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	c.observe(g, gctx)
	if err := listenRelay(g, gctx, c); err != nil {
		stop()
		g.Wait()
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
		defer cancel()
		c.listener.Shutdown(sctx)
		return nil
	})
	return g.Wait()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.shutdown()

	negotiator, err := media.NewNegotiator(cfg.WebRTC, c.listener, logger)
	if err != nil {
		return err
	}
	defer negotiator.Close()

	routes := server.Options{
		Listener:       c.listener,
		WebSocket:      control.WebSocketOptions{AllowedOrigins: cfg.HTTP.AllowedOrigins},
		Offer:          media.OfferHandler(negotiator),
		Peers:          negotiator,
		StaticDir:      cfg.HTTP.StaticDir,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.Auth.Secret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		routes.WebSocket.Verifier = verifier
	}

	var capture *camera.Capture
	if cfg.Camera.Enabled {
		capture = camera.New(cfg.Camera.Options(), negotiator.Track(), logger)
		routes.MJPEG = camera.MJPEGHandler(capture.Streamer(), capture.Boundary(), camera.CONNECTION_TIMEOUT, logger.Named("mjpeg"))
	}

	var battery *ups.UpsModule3S
	if cfg.Hardware.UPS.Enabled {
		battery, err = ups.Open(i2c.BusNumber(cfg.Hardware.UPS.Bus), logger.Named("ups"))
		if err != nil {
			logger.Warn("Battery monitor disabled", zap.Error(err))
		} else {
			defer battery.Close()
			routes.Battery = battery
		}
	}

	soc, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{Handler: server.NewRouter(routes)}

	g, gctx := errgroup.WithContext(ctx)
	c.observe(g, gctx)
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("addr", soc.Addr().String()))
		if err := srv.Serve(soc); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Relay.Enabled {
		if err := listenRelay(g, gctx, c); err != nil {
			srv.Close()
			stop()
			g.Wait()
			return err
		}
	}
	if cfg.MQTT.Enabled {
		g.Go(func() error { return control.ServeMQTT(gctx, c.listener, cfg.MQTT.Options()) })
	}
	if capture != nil {
		g.Go(func() error {
			if err := capture.Run(gctx); err != nil {
				logger.Error("Camera stopped", zap.Error(err))
			}
			return nil
		})
	}
	if battery != nil {
		g.Go(func() error { return battery.Run(gctx, cfg.Hardware.UPS.Period) })
		if c.mirror != nil {
			g.Go(func() error { return c.mirror.WatchBattery(gctx, battery, cfg.Hardware.UPS.Period) })
		}
	}
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			err := discovery.Advertise(gctx, discovery.Options{
				Instance: cfg.Discovery.Instance,
				Service:  cfg.Discovery.Service,
				Domain:   cfg.Discovery.Domain,
				Port:     soc.Addr().(*net.TCPAddr).Port,
				Text:     advertisedText(),
			}, logger.Named("discovery"))
			if err != nil {
				logger.Warn("Discovery disabled", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
		defer cancel()
		// websocket sessions are hijacked connections that http.Server
		// does not track, so the listener ends them first
		c.listener.Shutdown(sctx)
		negotiator.Close()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func advertisedText() []string {
	text := []string{"ws=/ws", "offer=/offer", "status=/status"}
	if cfg.Camera.Enabled {
		text = append(text, "mjpeg=/mjpeg_stream")
	}
	if cfg.Relay.Enabled {
		if _, port, err := net.SplitHostPort(cfg.Relay.Addr); err == nil {
			text = append(text, "relay="+port)
		}
	}
	if cfg.MQTT.Enabled {
		text = append(text, "mqtt="+cfg.MQTT.Options().CommandTopic())
	}
	if cfg.Auth.Secret != "" {
		text = append(text, "auth=bearer")
	}
	return text
}
