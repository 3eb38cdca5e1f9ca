// dyntrackd is the dynamic connection-state daemon.
//
// It reads packets from capture interfaces or a pcap file, keeps the
// dynamic state table and serves it over HTTP and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/psaab/dyntrack/pkg/daemon"
	"github.com/psaab/dyntrack/pkg/logging"
)

var version = "dev"

func main() {
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file path")
	apiAddr := flag.String("api-addr", "", "HTTP API listen address (overrides config)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC API listen address (overrides config)")
	pcapFile := flag.String("pcap", "", "replay packets from a pcap file instead of capturing")
	ifaces := flag.String("interfaces", "", "comma-separated capture interfaces (overrides config)")
	noTransmit := flag.Bool("no-transmit", false, "log keepalives and resets instead of sending them")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dyntrackd", version)
		return
	}

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	handler := logging.NewLogTee(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(handler))

	var interfaces []string
	if *ifaces != "" {
		for _, name := range strings.Split(*ifaces, ",") {
			if name = strings.TrimSpace(name); name != "" {
				interfaces = append(interfaces, name)
			}
		}
	}

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
		PcapFile:   *pcapFile,
		Interfaces: interfaces,
		NoTransmit: *noTransmit,
		Version:    version,
		LogTee:     handler,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dyntrackd: %v\n", err)
		os.Exit(1)
	}
}
