// Command htsd is the server half of the htun HTTP tunnel. It listens for
// incoming tunnel connections and bridges each client, one at a time, to a
// local device or to a TCP connection dialed to a forward target.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/sammck-go/logger"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/sammck-go/htun/pkg/htun"
	"github.com/sammck-go/htun/pkg/htws"
)

func usage(w *os.File) {
	fmt.Fprintf(w,
		`Usage: htsd [OPTION]... [PORT]
Listen for incoming tunnel connections at PORT (default port is %d).
When a connection is made, I/O is redirected to the destination specified
by the --device or --forward-port switch.

`, htun.DefaultPort)
	fmt.Fprint(w, pflag.CommandLine.FlagUsages())
}

func fail(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "htsd: "+f+"\n", args...)
	fmt.Fprintln(os.Stderr, "htsd: try 'htsd --help' for help.")
	os.Exit(1)
}

// parseSize parses a byte count with an optional k, M, or G postfix.
func parseSize(s string) (int, error) {
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// parseForward splits a HOST:PORT forward target.
func parseForward(s string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port number %q", portStr)
	}
	return host, port, nil
}

func writePidFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func main() {
	var (
		device        = pflag.StringP("device", "d", "", "use `DEVICE` for input and output")
		forward       = pflag.StringP("forward-port", "F", "", "connect to PORT at HOST (`HOST:PORT`) and use it for input and output")
		contentLength = pflag.StringP("content-length", "c", "100k", "use tunnel blocks of `BYTES` size (k, M, and G postfixes recognized)")
		keepAlive     = pflag.IntP("keep-alive", "k", int(htun.DefaultKeepAlive/time.Second), "send keepalive bytes every `SECONDS` seconds")
		maxAge        = pflag.IntP("max-connection-age", "M", int(htun.DefaultMaxConnectionAge/time.Second), "maximum time a connection will stay open is `SEC` seconds")
		strict        = pflag.BoolP("strict-content-length", "S", false, "always pad tunnel blocks to the full content length")
		pidFile       = pflag.StringP("pid-file", "p", "", "write a PID file to `LOCATION`")
		debugLevel    = pflag.IntP("debug", "D", 0, "enable debug output (`LEVEL` 1 = debug, 2 = trace)")
		logFile       = pflag.StringP("logfile", "l", "", "specify logfile for debug output")
		showVersion   = pflag.BoolP("version", "V", false, "output version information and exit")
		showHelp      = pflag.BoolP("help", "h", false, "display this help and exit")
	)
	pflag.Usage = func() { usage(os.Stderr) }
	pflag.Parse()

	if *showHelp {
		usage(os.Stdout)
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("htsd (htun) %s\n", htun.Version)
		os.Exit(0)
	}

	port := htun.DefaultPort
	switch pflag.NArg() {
	case 0:
	case 1:
		p, err := strconv.Atoi(pflag.Arg(0))
		if err != nil || p <= 0 || p > 65535 {
			fail("bad port number %q", pflag.Arg(0))
		}
		port = p
	default:
		usage(os.Stderr)
		os.Exit(1)
	}

	if (*device == "") == (*forward == "") {
		fail("exactly one of --device or --forward-port must be used")
	}
	if *logFile != "" && *debugLevel == 0 {
		fail("--logfile can't be used without --debug")
	}

	clen, err := parseSize(*contentLength)
	if err != nil {
		fail("bad content length %q", *contentLength)
	}

	cfg := &htun.Config{
		Transport: htun.TransportConfig{
			ContentLength:       clen,
			StrictContentLength: *strict,
			KeepAlive:           time.Duration(*keepAlive) * time.Second,
			MaxConnectionAge:    time.Duration(*maxAge) * time.Second,
		},
	}
	if *device != "" {
		cfg.Endpoint.DevicePath = *device
	} else {
		host, fport, err := parseForward(*forward)
		if err != nil {
			fail("bad forward target %q: %s", *forward, err)
		}
		cfg.Endpoint.ForwardHost = host
		cfg.Endpoint.ForwardPort = fport
	}
	if err := cfg.Validate(); err != nil {
		fail("%s", err)
	}

	logWriter := os.Stderr
	if *logFile != "" {
		f, err := os.Create(*logFile)
		if err != nil {
			fail("couldn't open file %s for writing: %s", *logFile, err)
		}
		defer f.Close()
		logWriter = f
	}
	logLevel := logger.LogLevelInfo
	if *debugLevel >= 2 {
		logLevel = logger.LogLevelTrace
	} else if *debugLevel == 1 {
		logLevel = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(logWriter),
		logger.WithLogLevel(logLevel),
		logger.WithPrefix("htsd"),
	)
	if err != nil {
		fail("couldn't create logger: %s", err)
	}

	// Broken-pipe signals from half-closed local endpoints must not kill
	// the daemon; they surface as write errors instead.
	signal.Ignore(unix.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	lg.ILogf("htsd (htun) %s started", htun.Version)
	lg.ILogf("  port = %d", port)
	lg.ILogf("  endpoint = %v", &cfg.Endpoint)
	lg.ILogf("  content_length = %d", cfg.Transport.ContentLength)
	lg.ILogf("  strict_content_length = %v", cfg.Transport.StrictContentLength)
	lg.ILogf("  keep_alive = %v", cfg.Transport.KeepAlive)
	lg.ILogf("  max_connection_age = %v", cfg.Transport.MaxConnectionAge)

	listener, err := htws.NewListener(lg, fmt.Sprintf(":%d", port), cfg.Transport)
	if err != nil {
		lg.ELogf("couldn't create tunnel listener: %s", err)
		os.Exit(1)
	}

	if *pidFile != "" {
		if err := writePidFile(*pidFile); err != nil {
			// A missing pid file is not worth dying over.
			lg.WLogf("couldn't write pid file %s: %s", *pidFile, err)
		}
	}

	srv, err := htun.NewServer(lg, cfg, listener)
	if err != nil {
		lg.ELogf("couldn't create server: %s", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		lg.ELogf("terminating: %s", err)
		os.Exit(1)
	}
	lg.ILogf("shut down cleanly")
}
