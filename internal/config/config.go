// Package config parses the process configuration for pubsubd, in the
// shape of pkg/flags.ConfigureAndParse and controller/cmd/destination.Main
// in the teacher repo: a flag.FlagSet built per-invocation (so tests can
// call Parse repeatedly without colliding on the global flag.CommandLine),
// plus log-level wiring.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linkerd/pubsubd/internal/log"
)

// Config holds everything needed to wire a registry, delivery engine,
// propagation protocol, REST server, and admin server together.
type Config struct {
	// Addr is the address the REST surface (§6.3) listens on.
	Addr string
	// AdminAddr is the address the admin server (ping/ready/metrics)
	// listens on.
	AdminAddr string
	// ServiceURI is this registry's own canonical URI. It is appended to
	// every outbound event's via list and is the owner URI used for this
	// service's self-subscriptions to downstream peers.
	ServiceURI string
	// SendTimeout bounds each outbound delivery attempt.
	SendTimeout time.Duration
	// RetryBudget is the number of additional attempts made for a single
	// outbound send before it counts as one failure toward a location's
	// max-failures budget.
	RetryBudget int
	// DownstreamPeers lists the base URIs of peer services this service
	// self-subscribes to at startup (§4.5); "/subscribers" is appended to
	// each when the self-subscription is posted.
	DownstreamPeers []string
	// PeersFile, if set, is a newline-delimited file of downstream peer
	// URIs watched for changes via PeerFileWatcher; peers added here
	// trigger a fresh self-subscription without a restart.
	PeersFile string
	// PublishToken gates POST /publish (§6.3: "internal use only, other
	// principals receive 403"): callers must present it as
	// "Authorization: Bearer <token>". Required — publish is refused
	// entirely if no token is configured, since there is no other signal
	// (network topology, mTLS identity) this process can check.
	PublishToken string
	// LogLevel is one of logrus's parseable level strings.
	LogLevel string
	// LogJSON selects JSON-formatted log output.
	LogJSON bool
}

// Parse builds a Config from args (typically os.Args[1:]), the way
// controller/cmd/destination.Main builds a flag.FlagSet per subcommand.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("pubsubd", flag.ContinueOnError)

	addr := fs.String("addr", ":8080", "address the REST surface listens on")
	adminAddr := fs.String("admin-addr", ":9990", "address the admin server (ping/ready/metrics) listens on")
	serviceURI := fs.String("service-uri", "", "this registry's own canonical URI (required)")
	sendTimeout := fs.Duration("send-timeout", 5*time.Second, "per-delivery timeout for outbound sends")
	retryBudget := fs.Int("retry-budget", 1, "additional attempts per outbound send before counting as a failure")
	downstreamPeers := fs.String("downstream-peers", "", "comma-separated list of downstream peer base URIs (\"/subscribers\" is appended)")
	peersFile := fs.String("peers-file", "", "optional newline-delimited file of downstream peer URIs, watched for changes")
	publishToken := fs.String("publish-token", "", "shared bearer token required on POST /publish (required)")
	logLevel := fs.String("log-level", "info", "log level: panic, fatal, error, warn, info, debug, trace")
	logJSON := fs.Bool("log-json", true, "emit JSON-formatted logs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *serviceURI == "" {
		return nil, fmt.Errorf("config: -service-uri is required")
	}
	if *publishToken == "" {
		return nil, fmt.Errorf("config: -publish-token is required")
	}

	if err := log.Configure(*logLevel, *logJSON); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &Config{
		Addr:            *addr,
		AdminAddr:       *adminAddr,
		ServiceURI:      *serviceURI,
		SendTimeout:     *sendTimeout,
		RetryBudget:     *retryBudget,
		DownstreamPeers: splitPeers(*downstreamPeers),
		PeersFile:       *peersFile,
		PublishToken:    *publishToken,
		LogLevel:        *logLevel,
		LogJSON:         *logJSON,
	}, nil
}

func splitPeers(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
