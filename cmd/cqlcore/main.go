package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cqlcore/session"
	"cqlcore/session/config"
	"cqlcore/session/wire"
)

var (
	initialServerList = flag.String("initial-servers", "127.0.0.1:9042", "A comma-separated list of cluster nodes to connect to initially")
	keyspace          = flag.String("keyspace", "", "Stored in ClusterConfig.Keyspace; the session does not read it and -query requests carry no keyspace")
	nodeAutodiscovery = flag.Bool("node-autodiscovery", true, "Stored in ClusterConfig.NodeAutodiscovery; hosts from system.peers are always added")
	protocolVersion   = flag.Int("protocol-version", 4, "CQL native protocol version to negotiate (2, 3, or 4)")
	localDC           = flag.String("local-dc", "", "Local datacenter name for DCAwareRoundRobinPolicy; empty disables DC awareness")
	poolCoreConns     = flag.Int("pool-core-connections", 2, "Core number of connections to keep open per host")
	poolMaxConns      = flag.Int("pool-max-connections", 8, "Maximum number of connections to grow to per host")
	query             = flag.String("query", "", "If set, run this CQL query once and log the result frame's opcode, flags and body length instead of idling")
)

func parseInitialServerList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	flag.Parse()

	hosts := parseInitialServerList(*initialServerList)
	if len(hosts) == 0 {
		log.Fatal("at least one host is required via -initial-servers")
	}

	cfg := config.NewClusterConfig(hosts...)
	cfg.Keyspace = *keyspace
	cfg.NodeAutodiscovery = *nodeAutodiscovery
	cfg.ProtocolVersion = *protocolVersion
	cfg.LocalDC = *localDC
	cfg.PoolCoreConnsPerHost = *poolCoreConns
	cfg.PoolMaxConnsPerHost = *poolMaxConns

	sess, err := session.Open(cfg)
	if err != nil {
		log.Fatal("could not open session: ", err)
	}
	defer sess.Close()

	// global shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	if *query != "" {
		runQuery(sess, *query)
		return
	}

	log.Printf("cqlcore connected to %v, waiting for host events (ctrl-c to quit)", hosts)
	events := sess.Events()
	for {
		select {
		case ev := <-events:
			log.Printf("host event: %v %s", ev.Kind, ev.Host.Endpoint)
		case <-shutdown:
			log.Print("shutting down")
			return
		}
	}
}

func runQuery(sess *session.Session, cql string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := session.NewQuery(cql, wire.One)
	req.Keyspace = "" // ad-hoc CLI queries are not routed token-aware without a routing key

	resp, err := sess.Execute(ctx, req)
	if err != nil {
		log.Fatal("query failed: ", err)
	}
	log.Printf("opcode=%s flags=0x%02x body_len=%d", resp.Header.Opcode, resp.Header.Flags, len(resp.Body))
}
