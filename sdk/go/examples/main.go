package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"IRIS-Chain/sdk/go/iris"
)

func main() {
	gateway := flag.String("gateway", "http://localhost:8080", "irisd gateway url")
	wallet := flag.String("wallet", "", "requester wallet address")
	agent := flag.String("agent", "", "entry agent id (defaults to the gateway's entry agent)")
	timeout := flag.Duration("timeout", 10*time.Minute, "maximum time to wait for an answer")
	flag.Parse()

	question := strings.Join(flag.Args(), " ")
	if *wallet == "" || question == "" {
		fmt.Fprintln(os.Stderr, "usage: examples -wallet 0x... [-agent id] <question>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := iris.NewClient(*gateway, nil)
	if err != nil {
		panic(err)
	}

	answer, err := client.Ask(ctx, iris.Question{Wallet: *wallet, Input: question, Agent: *agent}, func(ev iris.ProgressEvent) {
		p := ev.Progress
		if ev.Started() {
			fmt.Printf("-> %s is working on %q (hop %d)\n", p.CurrentAgent, p.Input, len(p.Hops)+1)
			return
		}
		if p.NextAgent != "" {
			fmt.Printf("   %s handed over to %s (tx %s)\n", p.CurrentAgent, p.NextAgent, p.TxHash)
			return
		}
		fmt.Printf("   %s answered\n", p.CurrentAgent)
	})
	var sessionErr *iris.SessionError
	switch {
	case errors.As(err, &sessionErr):
		fmt.Fprintf(os.Stderr, "session failed: %s\n", sessionErr.Reason)
		os.Exit(1)
	case err != nil:
		panic(err)
	}
	fmt.Println(answer)
}
