package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/swimgo/warp/recon"
	"github.com/swimgo/warp/warp"
)

const WarpCtlVersion = "0.0.1"

const CommandTimeout = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Warp control.

Host uris use the warp, warps, swim, or swims schemes.

Usage:
    warpctl link <host_uri> <node_uri> <lane_uri>
        [--sync]
        [--prio=<prio>]
        [--rate=<rate>]
        [--count=<count>]
        [--jwt=<jwt> | --jwt_prompt]
        [--worker]
        [--config=<config>]
        [--metrics_addr=<metrics_addr>]
    warpctl command <host_uri> <node_uri> <lane_uri> [<body>]
        [--jwt=<jwt> | --jwt_prompt]
        [--config=<config>]
    warpctl parse [<envelope>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --sync                         Sync the lane state before events.
    --prio=<prio>                  Link priority.
    --rate=<rate>                  Link rate.
    --count=<count>                Print this many events then exit.
    --jwt=<jwt>                    Authenticate with this JWT.
    --jwt_prompt                   Read the JWT from the terminal.
    --worker                       Run the host connection behind a worker channel.
    --config=<config>              TOML host settings.
    --metrics_addr=<metrics_addr>  Serve metrics on this address, e.g. :9090.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WarpCtlVersion)
	if err != nil {
		panic(err)
	}

	if link_, _ := opts.Bool("link"); link_ {
		link(opts)
	} else if command_, _ := opts.Bool("command"); command_ {
		command(opts)
	} else if parse_, _ := opts.Bool("parse"); parse_ {
		parse(opts)
	}
}

func clientSettings(opts docopt.Opts) *warp.ClientSettings {
	if configPath, err := opts.String("--config"); err == nil {
		settings, err := loadClientSettings(configPath)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		return settings
	}
	return warp.DefaultClientSettings()
}

func authenticate(client *warp.Client, hostUri string, opts docopt.Opts) {
	var jwt string
	if jwt_, err := opts.String("--jwt"); err == nil {
		jwt = jwt_
	} else if jwtPrompt, _ := opts.Bool("--jwt_prompt"); jwtPrompt {
		fmt.Fprint(os.Stderr, "Enter JWT: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			Err.Fatalf("%s", err)
		}
		fmt.Fprintf(os.Stderr, "\n")
		jwt = strings.TrimSpace(string(jwtBytes))
	} else {
		return
	}

	credentials, err := warp.ParseJwtCredentialsUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid JWT (%s).", err)
	}
	if err := client.Authenticate(hostUri, credentials.Value()); err != nil {
		Err.Fatalf("%s", err)
	}
}

func serveMetrics(ctx context.Context, metricsAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", warp.MetricsHandler())
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: mux,
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			Err.Printf("metrics error: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		metricsServer.Close()
	}()
}

// print events from a lane
func link(opts docopt.Opts) {
	hostUri, _ := opts.String("<host_uri>")
	nodeUri, _ := opts.String("<node_uri>")
	laneUri, _ := opts.String("<lane_uri>")

	settings := clientSettings(opts)
	if worker, _ := opts.Bool("--worker"); worker {
		settings.Worker = true
	}

	downlinkSettings := warp.DefaultDownlinkSettings()
	if sync_, _ := opts.Bool("--sync"); sync_ {
		downlinkSettings.Mode = warp.DownlinkModeSync
	}
	if prio, err := opts.Float64("--prio"); err == nil {
		downlinkSettings.Prio = prio
	}
	if rate, err := opts.Float64("--rate"); err == nil {
		downlinkSettings.Rate = rate
	}

	var count int
	if count_, err := opts.Int("--count"); err == nil {
		count = count_
	} else {
		count = -1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if metricsAddr, err := opts.String("--metrics_addr"); err == nil {
		serveMetrics(ctx, metricsAddr)
	}

	client := warp.NewClient(ctx, settings)
	defer client.Shutdown()

	authenticate(client, hostUri, opts)

	connection, err := client.Connection(hostUri)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	connection.AddObserver(&warp.HostObserverFuncs{
		OnFail: func(err error, host warp.Connection) {
			Err.Printf("%s failed (%s)", host.HostUri(), err)
		},
		OnAuthenticate: func(body recon.Value, host warp.Connection) {
			Err.Printf("authenticated %s", recon.Write(body))
		},
	})

	closed := make(chan struct{})
	// events are delivered in order from the host reader
	eventCount := 0
	callbacks := &warp.DownlinkCallbacks{
		OnEvent: func(downlink *warp.Downlink, body recon.Value) {
			Out.Printf("%s", recon.Write(body))
			eventCount += 1
			if 0 <= count && count <= eventCount {
				downlink.Close()
			}
		},
		OnLinked: func(downlink *warp.Downlink) {
			Err.Printf("linked %s", downlink.Key())
		},
		OnSynced: func(downlink *warp.Downlink) {
			Err.Printf("synced %s", downlink.Key())
		},
		OnUnlinked: func(downlink *warp.Downlink) {
			Err.Printf("unlinked %s", downlink.Key())
		},
		OnClose: func(downlink *warp.Downlink) {
			close(closed)
		},
	}

	_, err = client.Downlink(hostUri, nodeUri, laneUri, downlinkSettings, callbacks)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	select {
	case <-ctx.Done():
	case <-closed:
	}
}

// send one command and wait for it to be written
func command(opts docopt.Opts) {
	hostUri, _ := opts.String("<host_uri>")
	nodeUri, _ := opts.String("<node_uri>")
	laneUri, _ := opts.String("<lane_uri>")

	body := recon.Absent
	if bodyText, err := opts.String("<body>"); err == nil {
		body, err = recon.Parse(bodyText)
		if err != nil {
			Err.Fatalf("Invalid body (%s).", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := warp.NewClient(ctx, clientSettings(opts))
	defer client.Shutdown()

	connection, err := client.Connection(hostUri)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	result := make(chan error, 1)
	connection.AddObserver(&warp.HostObserverFuncs{
		OnConnect: func(warp.Connection) {
			// buffered envelopes are written before the connect is reported
			select {
			case result <- nil:
			default:
			}
		},
		OnFail: func(err error, _ warp.Connection) {
			select {
			case result <- err:
			default:
			}
		},
	})

	authenticate(client, hostUri, opts)

	if err := client.Command(hostUri, nodeUri, laneUri, body); err != nil {
		Err.Fatalf("%s", err)
	}
	if connection.IsConnected() {
		Out.Printf("Command sent.")
		return
	}

	select {
	case err := <-result:
		if err == nil {
			Out.Printf("Command sent.")
		} else {
			Err.Fatalf("Command not sent (%s).", err)
		}
	case <-ctx.Done():
	case <-time.After(CommandTimeout):
		Err.Fatalf("Command not sent (timeout).")
	}
}

// print the canonical form of envelopes, from the argument or one per line of stdin
func parse(opts docopt.Opts) {
	if envelopeText, err := opts.String("<envelope>"); err == nil {
		if !printEnvelope(envelopeText) {
			os.Exit(1)
		}
		return
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		Err.Printf("Enter one envelope per line.")
	}
	ok := true
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !printEnvelope(line) {
			ok = false
		}
	}
	if err := scanner.Err(); err != nil {
		Err.Fatalf("%s", err)
	}
	if !ok {
		os.Exit(1)
	}
}

func printEnvelope(text string) bool {
	envelope, err := warp.ParseEnvelope(text)
	if err != nil {
		Err.Printf("%s", err)
		return false
	}
	Out.Printf("%s", warp.WriteEnvelope(envelope))
	return true
}
