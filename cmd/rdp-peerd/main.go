/*
RDP Peer Go - Server-side RDP protocol core
Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as
published by the Free Software Foundation, either version 3 of the
License, or (at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/x-stp/rdp-peer-go/pkg/rdp"
)

var (
	flagListen          string
	flagOpsListen       string
	flagCertFile        string
	flagKeyFile         string
	flagLogLevel        string
	flagLicenseRequired bool
	flagAutodetect      bool
	flagMultitransport  bool
	flagDesktopWidth    uint16
	flagDesktopHeight   uint16
	flagReadTimeout     time.Duration
	flagStrict          bool
)

func main() {
	root := &cobra.Command{
		Use:   "rdp-peerd",
		Short: "Server-side RDP protocol endpoint",
		Long: `rdp-peerd accepts RDP connections and drives them through
negotiation, MCS, security, licensing and capability exchange to the
active state. Session content is delegated to the embedding hooks;
this daemon answers input with nothing but a live protocol core.`,
		RunE: run,
	}

	flags := root.Flags()
	flags.StringVar(&flagListen, "listen", ":3389", "RDP listen address")
	flags.StringVar(&flagOpsListen, "ops-listen", ":9090", "ops HTTP listen address (metrics, health)")
	flags.StringVar(&flagCertFile, "cert", "", "TLS certificate PEM for PROTOCOL_SSL clients")
	flags.StringVar(&flagKeyFile, "key", "", "TLS key PEM for PROTOCOL_SSL clients")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&flagLicenseRequired, "license-required", false, "open licensing with a server license request")
	flags.BoolVar(&flagAutodetect, "autodetect", true, "probe connect-time network characteristics")
	flags.BoolVar(&flagMultitransport, "multitransport", true, "offer UDP sideband transports")
	flags.Uint16Var(&flagDesktopWidth, "width", 1024, "advertised desktop width")
	flags.Uint16Var(&flagDesktopHeight, "height", 768, "advertised desktop height")
	flags.DurationVar(&flagReadTimeout, "read-timeout", 30*time.Second, "per-frame read timeout")
	flags.BoolVar(&flagStrict, "strict", false, "treat trailing bytes after a share PDU as fatal")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "rdp-peerd",
		Level: hclog.LevelFromString(flagLogLevel),
	})

	// The proprietary certificate is generated per process; clients
	// validate it against the well-known terminal services key, not a
	// CA chain.
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate RSA key: %w", err)
	}

	opts := rdp.DefaultServerOptions()
	opts.Logger = logger
	opts.RSAKey = rsaKey
	opts.TLSCertFile = flagCertFile
	opts.TLSKeyFile = flagKeyFile
	opts.LicenseRequired = flagLicenseRequired
	opts.NetworkAutoDetect = flagAutodetect
	opts.OfferMultitransport = flagMultitransport
	opts.DesktopWidth = flagDesktopWidth
	opts.DesktopHeight = flagDesktopHeight
	opts.ReadTimeout = flagReadTimeout
	opts.StrictPadding = flagStrict

	go serveOps(logger)

	ln, err := net.Listen("tcp", flagListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", flagListen, err)
	}
	logger.Info("listening", "addr", flagListen)

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		conn := rdp.NewConn(nc, opts)
		go func() {
			if err := conn.Serve(); err != nil {
				logger.Warn("connection ended with error",
					"peer", nc.RemoteAddr(), "error", err)
			}
		}()
	}
}

func serveOps(logger hclog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	logger.Info("ops endpoint", "addr", flagOpsListen)
	if err := http.ListenAndServe(flagOpsListen, r); err != nil {
		logger.Error("ops endpoint failed", "error", err)
	}
}
