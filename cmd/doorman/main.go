package main

import (
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lkettner/go-doorman/pkg/doorman"
	"github.com/lkettner/go-doorman/pkg/doorman/definition"
)

var (
	app        = kingpin.New("doorman", "LAN coordinator for an admission controlled shared counter.")
	runServer  = app.Flag("server", "Run a coordinator replica.").Bool()
	runClient  = app.Flag("client", "Run an admission client.").Bool()
	runMonitor = app.Flag("monitor", "Run the group monitor.").Bool()
	maxEntries = app.Flag("max-entries", "Venue capacity the group enforces.").Default("20").Int()
	debug      = app.Flag("debug", "Verbose protocol logging.").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	conf := definition.DefaultConfiguration("doorman")
	conf.MaxEntries = *maxEntries
	conf.Logger.ToggleDebug(*debug)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	switch {
	case *runServer:
		server, err := doorman.NewServer(conf)
		if err != nil {
			kingpin.Fatalf("starting server: %v", err)
		}
		go func() {
			<-interrupted
			server.Stop()
		}()
		if err := server.Run(); err != nil {
			kingpin.Fatalf("server: %v", err)
		}
	case *runClient:
		client, err := doorman.NewClient(conf)
		if err != nil {
			kingpin.Fatalf("starting client: %v", err)
		}
		go func() {
			<-interrupted
			client.Stop()
		}()
		if err := client.Run(); err != nil {
			kingpin.Fatalf("client: %v", err)
		}
	case *runMonitor:
		monitor, err := doorman.NewMonitor(conf, os.Stdout)
		if err != nil {
			kingpin.Fatalf("starting monitor: %v", err)
		}
		go func() {
			<-interrupted
			monitor.Stop()
		}()
		if err := monitor.Run(); err != nil {
			kingpin.Fatalf("monitor: %v", err)
		}
	default:
		app.Usage(os.Args[1:])
	}
}
