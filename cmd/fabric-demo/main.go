// fabric-demo starts two nodes on localhost and walks through the two
// messaging styles: a correlated request/response call and a pub/sub
// fan-out.
//
// Run:  go run ./cmd/fabric-demo
package main

import (
	"fmt"
	"log"
	"log/slog"
	"time"

	fabric "github.com/ironfang-ltd/go-fabric"
)

func main() {
	fabric.InitLogger(slog.LevelWarn)

	// --- Start two nodes ---
	nodeA, err := fabric.NewNode("127.0.0.1:0", fabric.WithNodeID("node-a"))
	if err != nil {
		log.Fatalf("NewNode A: %v", err)
	}
	nodeA.Start()
	defer nodeA.Stop()

	nodeB, err := fabric.NewNode("127.0.0.1:0", fabric.WithNodeID("node-b"))
	if err != nil {
		log.Fatalf("NewNode B: %v", err)
	}
	nodeB.Start()
	defer nodeB.Stop()

	fmt.Printf("node-a listening on %s\n", nodeA.Addr())
	fmt.Printf("node-b listening on %s\n", nodeB.Addr())

	// --- node-b serves an echo method ---
	nodeB.RegisterHandlerFunc("echo", func(body interface{}) (interface{}, error) {
		fmt.Printf("[node-b] echo request  Body=%v\n", body)
		return fmt.Sprintf("hello back, you said %q", body), nil
	})

	// --- node-b subscribes to a topic ---
	eventCh := make(chan string, 1)
	nodeB.Subscribe("announcements", func(topic string, body interface{}) {
		fmt.Printf("[node-b] publish on %q  Body=%v\n", topic, body)
		eventCh <- fmt.Sprint(body)
	})

	// --- Connect A → B ---
	peerID, err := nodeA.Connect(nodeB.Addr())
	if err != nil {
		log.Fatalf("Connect: %v", err)
	}
	fmt.Printf("\nnode-a connected to %s\n", peerID)

	// --- Request/response ---
	fmt.Println("\n--- Calling echo on node-b ---")
	result, err := nodeA.Call(peerID, "echo", "hello from node-a")
	if err != nil {
		log.Fatalf("Call: %v", err)
	}
	fmt.Printf("[node-a] echo reply  Body=%v\n", result)

	// Calling an unregistered method reports cleanly.
	if _, err := nodeA.Call(peerID, "no-such-method", nil); err != nil {
		fmt.Printf("[node-a] expected failure: %v\n", err)
	}

	// --- Pub/sub fan-out ---
	fmt.Println("\n--- Publishing to announcements ---")
	fmt.Printf("[node-a] receivers for announcements: %d\n",
		nodeA.PublishReceiverCount("announcements"))

	if err := nodeA.Publish("announcements", "deploy complete"); err != nil {
		log.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-eventCh:
		fmt.Printf("[node-a] fan-out confirmed, node-b saw %q\n", msg)
	case <-time.After(3 * time.Second):
		log.Fatal("timeout waiting for publish delivery")
	}

	fmt.Println("\nDemo complete.")
}
