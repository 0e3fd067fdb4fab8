// Command pgconncli is a small demonstration of the connection core: it
// loads its settings from an INI file, opens one connection, runs a
// query, listens on a channel, and optionally exposes the D5
// introspection endpoint until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mevdschee/tqpgconn/config"
	"github.com/mevdschee/tqpgconn/conn"
	"github.com/mevdschee/tqpgconn/debugapi"
	"github.com/mevdschee/tqpgconn/metrics"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	query := flag.String("query", "SELECT 1", "Query to run after connecting")
	channel := flag.String("listen", "", "Channel to LISTEN on (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	collector := metrics.New()

	opts := conn.Options{
		Hostname:  cfg.Connection.Hostname,
		Port:      cfg.Connection.Port,
		Database:  cfg.Connection.Database,
		Username:  cfg.Connection.Username,
		Password:  cfg.Connection.Password,
		SSL:       cfg.Connection.SSL,
		CertFile:  cfg.Connection.CertFile,
		KeyFile:   cfg.Connection.KeyFile,
		Timeout:   cfg.Connection.Timeout(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := conn.Open(ctx, opts, collector)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer c.Close()
	log.Printf("connected to %s:%d/%s", opts.Hostname, opts.Port, opts.Database)

	var debugServer *debugapi.Server
	if cfg.Debug.Listen != "" {
		debugServer = debugapi.New(c, collector.Registry)
		if err := debugServer.Start(cfg.Debug.Listen); err != nil {
			log.Fatalf("failed to start introspection server: %v", err)
		}
		log.Printf("introspection endpoint at http://%s/healthz", cfg.Debug.Listen)
		defer debugServer.Stop()
	}

	if *channel != "" {
		notifyCh := make(chan conn.Notification, 16)
		if _, err := c.Listen(ctx, *channel, notifyCh); err != nil {
			log.Fatalf("failed to listen on %q: %v", *channel, err)
		}
		go func() {
			for n := range notifyCh {
				log.Printf("notification on %q: %s", n.Channel, n.Payload)
			}
		}()
		log.Printf("listening on channel %q", *channel)
	}

	if *query != "" {
		res, err := c.Query(ctx, *query, nil, conn.QueryOptions{})
		if err != nil {
			log.Fatalf("query failed: %v", err)
		}
		log.Printf("columns=%v rows=%d tag=%q", res.Columns, res.NumRows, res.CommandTag)
		for _, row := range res.Rows {
			log.Printf("row: %v", row)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")
}
