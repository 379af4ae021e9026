package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	fabric "github.com/ironfang-ltd/go-fabric"
)

type nodeEntry struct {
	node  *fabric.Node
	name  string
	peers []string
}

func main() {
	nodeCount := flag.Int("nodes", 3, "number of nodes in the mesh")
	workers := flag.Int("workers", 10, "worker goroutines per node")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	publishPct := flag.Int("publishpct", 30, "percentage of Publish vs Call (0-100)")
	callTimeout := flag.Duration("timeout", 3*time.Second, "per-call timeout")
	adminBase := flag.Int("adminbase", 0, "base admin port (0 = admin disabled)")
	flag.Parse()

	if *nodeCount < 2 {
		fmt.Fprintf(os.Stderr, "need at least 2 nodes\n")
		os.Exit(1)
	}
	if *publishPct < 0 || *publishPct > 100 {
		fmt.Fprintf(os.Stderr, "publishpct must be 0-100\n")
		os.Exit(1)
	}

	fabric.InitLogger(slog.LevelWarn)

	fmt.Printf("go-fabric load test\n")
	fmt.Printf("  nodes:    %d (full mesh)\n", *nodeCount)
	fmt.Printf("  workers:  %d per node (x%d = %d total)\n", *workers, *nodeCount, *workers**nodeCount)
	fmt.Printf("  mix:      %d%% publish / %d%% call\n", *publishPct, 100-*publishPct)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Println()

	var publishesSeen atomic.Int64

	// Create nodes: each serves echo and subscribes to the load topic.
	nodes := make([]*nodeEntry, *nodeCount)
	for i := range nodes {
		name := fmt.Sprintf("node-%d", i+1)

		opts := []fabric.Option{
			fabric.WithNodeID(name),
			fabric.WithCallTimeout(*callTimeout),
		}
		if *adminBase > 0 {
			opts = append(opts, fabric.WithAdminAddr("127.0.0.1:"+strconv.Itoa(*adminBase+i)))
		}

		n, err := fabric.NewNode("127.0.0.1:0", opts...)
		if err != nil {
			log.Fatalf("NewNode %s: %v", name, err)
		}
		n.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
			return body, nil
		})
		n.Subscribe("load", func(topic string, body interface{}) {
			publishesSeen.Add(1)
		})
		n.Start()
		nodes[i] = &nodeEntry{node: n, name: name}
	}

	// Full mesh: every node dials every later node.
	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			peerID, err := nodes[i].node.Connect(nodes[j].node.Addr())
			if err != nil {
				log.Fatalf("%s connect %s: %v", nodes[i].name, nodes[j].name, err)
			}
			nodes[i].peers = append(nodes[i].peers, peerID)
			nodes[j].peers = append(nodes[j].peers, nodes[i].name)
		}
	}

	for _, ne := range nodes {
		if !ne.node.WaitConnected(5 * time.Second) {
			log.Fatalf("%s: mesh did not converge", ne.name)
		}
	}
	fmt.Printf("mesh established\n\n")

	stop := make(chan struct{})
	start := time.Now()

	var wg sync.WaitGroup
	var totalCalls, totalPublishes, totalErrors atomic.Int64

	publishThreshold := float64(*publishPct) / 100.0

	for _, ne := range nodes {
		for range *workers {
			wg.Add(1)
			go func(ne *nodeEntry) {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}

					peer := ne.peers[rand.IntN(len(ne.peers))]

					if rand.Float64() < publishThreshold {
						if err := ne.node.Publish("load", "tick"); err != nil {
							totalErrors.Add(1)
							continue
						}
						totalPublishes.Add(1)
					} else {
						if _, err := ne.node.Call(peer, "echo", "ping"); err != nil {
							totalErrors.Add(1)
							continue
						}
						totalCalls.Add(1)
					}
				}
			}(ne)
		}
	}

	// Progress reporting.
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			elapsed := time.Since(start).Truncate(time.Second)
			printProgress(nodes, elapsed)
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	fmt.Printf("\n--- stopping nodes ---\n")
	var stopWg sync.WaitGroup
	for _, ne := range nodes {
		stopWg.Add(1)
		go func(n *fabric.Node) {
			defer stopWg.Done()
			n.Stop()
		}(ne.node)
	}
	stopWg.Wait()

	elapsed := time.Since(start)
	totalOps := totalCalls.Load() + totalPublishes.Load()
	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:         %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Total calls:      %d\n", totalCalls.Load())
	fmt.Printf("  Total publishes:  %d\n", totalPublishes.Load())
	fmt.Printf("  Publishes seen:   %d\n", publishesSeen.Load())
	fmt.Printf("  Errors:           %d\n", totalErrors.Load())
	fmt.Printf("  Aggregate RPS:    %.0f\n\n", float64(totalOps)/elapsed.Seconds())

	printProgress(nodes, elapsed.Truncate(time.Second))
}

func printProgress(nodes []*nodeEntry, elapsed time.Duration) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s]\n", elapsed)
	fmt.Printf("  %-8s %10s %10s %10s %10s %10s %10s %8s %10s\n",
		"NODE", "SENT", "DONE", "FAILED", "TIMEOUT", "SERVED", "PUB_OUT", "PEERS", "RPS")
	for _, ne := range nodes {
		s := ne.node.Metrics().Snapshot()
		ops := s["calls_sent"] + s["publishes_sent"]
		rps := float64(0)
		if secs > 0 {
			rps = float64(ops) / secs
		}
		fmt.Printf("  %-8s %10d %10d %10d %10d %10d %10d %8d %10.0f\n",
			ne.name,
			s["calls_sent"],
			s["calls_completed"],
			s["calls_failed"],
			s["calls_timed_out"],
			s["requests_served"],
			s["publishes_sent"],
			s["peers_connected"],
			rps,
		)
	}
	fmt.Println()
}
