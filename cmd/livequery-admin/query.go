package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/query"
)

func handleQuery(ctx context.Context) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := configFlag(fs)
	operation := fs.String("operation", "", "Operation to run when the document has several")
	variables := fs.String("variables", "", "Variables as a JSON object")
	compact := fs.Bool("compact", false, "Print the result on one line")
	fs.Usage = func() {
		fmt.Println(`Run a one-shot query and print the result document

Usage:
  livequery-admin query [options] '<query>'

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

	if err := runQuery(ctx, b, fs.Arg(0), *operation, *variables, !*compact, os.Stdout); err != nil {
		eng.Close()
		st.Close()
		logger.Fatal("Query failed", "error", err)
	}
}

// runQuery executes a one-shot operation and writes its result document.
func runQuery(ctx context.Context, b *bridge.Bridge, source, operation, variables string, indent bool, out io.Writer) error {
	plan, err := b.Compile(source, operation, variables)
	if err != nil {
		return err
	}
	if plan.Operation == query.OpSubscription {
		return fmt.Errorf("%w, use the watch command", engine.ErrNotQuery)
	}
	result, err := b.Run(ctx, plan, "", nil)
	if err != nil {
		return err
	}
	return writeDocument(out, result, indent)
}

func writeDocument(out io.Writer, doc string, indent bool) error {
	var buf bytes.Buffer
	if indent {
		if err := json.Indent(&buf, []byte(doc), "", "  "); err != nil {
			return err
		}
	} else {
		buf.WriteString(doc)
	}
	buf.WriteByte('\n')
	_, err := out.Write(buf.Bytes())
	return err
}
