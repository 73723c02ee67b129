package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/query"
)

func handleWatch(ctx context.Context) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := configFlag(fs)
	operation := fs.String("operation", "", "Operation to run when the document has several")
	variables := fs.String("variables", "", "Variables as a JSON object")
	fs.Usage = func() {
		fmt.Println(`Subscribe and print one line per push until interrupted

Usage:
  livequery-admin watch [options] '<subscription>'

The first line is the pending acknowledgement, the second the initial
window. Changes made by other processes appear as they are committed.

Options:`)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	st := openStore(ctx, &cfg)
	defer st.Close()
	b, eng := newBridge(st, &cfg)
	defer eng.Close()

	if err := runWatch(ctx, b, fs.Arg(0), *operation, *variables, os.Stdout); err != nil {
		eng.Close()
		st.Close()
		logger.Fatal("Watch failed", "error", err)
	}
}

// runWatch subscribes and copies every push to out, one document per line,
// until ctx is done.
func runWatch(ctx context.Context, b *bridge.Bridge, source, operation, variables string, out io.Writer) error {
	plan, err := b.Compile(source, operation, variables)
	if err != nil {
		return err
	}
	if plan.Operation != query.OpSubscription {
		return fmt.Errorf("%w, use the query command", engine.ErrNotSubscription)
	}

	var mu sync.Mutex
	var writeErr error
	write := func(doc string) {
		mu.Lock()
		defer mu.Unlock()
		if writeErr == nil {
			_, writeErr = io.WriteString(out, doc+"\n")
		}
	}

	// Pushes wait until the acknowledgement is written.
	acked := make(chan struct{})
	ack, err := b.Run(ctx, plan, "", func(doc string) {
		<-acked
		write(doc)
	})
	if err != nil {
		return err
	}
	defer func() {
		select {
		case <-acked:
		default:
			close(acked)
		}
	}()
	p, err := bridge.Decode([]byte(ack))
	if err != nil {
		return err
	}
	pending, ok := p.(*bridge.PendingAck)
	if !ok {
		return fmt.Errorf("unexpected acknowledgement %s", ack)
	}
	write(ack)
	close(acked)
	logger.Info("Watching", "subscription", pending.Pending)

	<-ctx.Done()
	b.Unsubscribe(pending.Pending)

	mu.Lock()
	defer mu.Unlock()
	return writeErr
}
