package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/unilink/chatd/internal/api"
	"github.com/unilink/chatd/internal/config"
	"github.com/unilink/chatd/internal/lock"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	configFlag := flag.String("config", config.DefaultPath(), "path to config.toml")
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	limitFlag := flag.Int("limit", 0, "maximum rows for list commands")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if lock.Holder(cfg.DataDir) == 0 {
		fmt.Fprintf(os.Stderr, "error: no daemon is running for %s\n", cfg.DataDir)
		os.Exit(1)
	}

	c, err := api.Dial(cfg.SocketPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "dispatch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatctl dispatch <run|dead>")
			os.Exit(1)
		}
		cmdDispatch(ctx, c, args[1], *limitFlag, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--config <path>] [--data-dir <dir>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon status")
	fmt.Fprintln(os.Stderr, "  dispatch run     Run one notification dispatch pass")
	fmt.Fprintln(os.Stderr, "  dispatch dead    List dead-lettered notifications")
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp.AsMap())
		return
	}
	printFields(resp.AsMap(), "")
}

func cmdDispatch(ctx context.Context, c *api.Client, subcmd string, limit int, jsonOut bool) {
	var (
		resp *structpb.Struct
		err  error
	)
	switch subcmd {
	case "run":
		resp, err = c.RunDispatch(ctx)
	case "dead":
		resp, err = c.ListDeadLetters(ctx, limit)
	default:
		fmt.Fprintf(os.Stderr, "unknown dispatch subcommand: %s\n", subcmd)
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp.AsMap())
		return
	}

	if subcmd == "run" {
		m := resp.AsMap()
		fmt.Printf("Processed: %v\n", m["processed"])
		fmt.Printf("Success:   %v\n", m["success"])
		fmt.Printf("Failed:    %v\n", m["failed"])
		return
	}

	rows, _ := resp.AsMap()["notifications"].([]any)
	if len(rows) == 0 {
		fmt.Println("No dead-lettered notifications.")
		return
	}
	for _, r := range rows {
		n, _ := r.(map[string]any)
		fmt.Printf("%-26v %-20v %v\n", n["id"], n["receiver_id"], n["error"])
	}
}

// printFields prints a status struct as sorted "key: value" lines, nesting
// sub-structs under their key.
func printFields(m map[string]any, indent string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			fmt.Printf("%s%s:\n", indent, k)
			printFields(sub, indent+"  ")
			continue
		}
		fmt.Printf("%s%-22s %v\n", indent, k+":", m[k])
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
