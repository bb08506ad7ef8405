package discovery

import (
	"context"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

type Options struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	// Text is published as TXT records, e.g. "ws=/ws".
	Text []string
}

// server is the registration handle returned by zeroconf.
type server interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (server, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (server, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Advertise publishes the rover over mDNS until ctx is done.
func Advertise(ctx context.Context, opts Options, logger *zap.Logger) error {
	return advertise(ctx, opts, zeroconfRegister, logger)
}

func advertise(ctx context.Context, opts Options, register registerFunc, logger *zap.Logger) error {
	srv, err := register(opts.Instance, opts.Service, opts.Domain, opts.Port, opts.Text, nil)
	if err != nil {
		return fmt.Errorf("register %s.%s: %w", opts.Instance, opts.Service, err)
	}
	logger.Info("Advertising over mDNS",
		zap.String("instance", opts.Instance),
		zap.String("service", opts.Service),
		zap.Int("port", opts.Port),
		zap.Strings("txt", opts.Text))
	<-ctx.Done()
	srv.Shutdown()
	return nil
}
