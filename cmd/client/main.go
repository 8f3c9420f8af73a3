// Package main implements the CLI client for the replicated student store.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/studentkv/internal/student"
	studentgrpc "github.com/i-melnichenko/studentkv/internal/transport/grpc/student"
)

const usage = `Usage:
  client [--addr id=host:port[,id=host:port,...]] create <id> <name> <age> <gender> <score>
  client [--addr ...] update <id> <name> <age> <gender> <score>
  client [--addr ...] delete <id>
  client [--addr ...] get <id>
  client [--addr ...] list
  client [--addr ...] create-batch [--in <file|->]
  client [--addr ...] status
  client [--addr ...] add-voter <node-id> [raft-addr]
  client [--addr ...] remove-voter <node-id>
  client [--addr ...] watch

Routing:
  - create, update, delete and voter changes find the leader automatically
  - get and list read from a random node and may lag behind the leader
  - create-batch writes many records with one long-lived client
    (TSV: id<TAB>name<TAB>age<TAB>gender<TAB>score)
  - status prints one row per node; watch renders it as a live table

Flags:
  --addr     Comma-separated id=host:port API addresses
  --timeout  Request timeout (default 5s)
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "1=localhost:8080", "comma-separated id=host:port API addresses")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("subcommand required")
	}

	book, err := parseAddrBook(*addr)
	if err != nil {
		return err
	}
	client, err := studentgrpc.DialCluster(book)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "create", "update":
		if len(args) != 6 {
			return fmt.Errorf("usage: %s <id> <name> <age> <gender> <score>", args[0])
		}
		rec, err := parseRecord(args[1:])
		if err != nil {
			return err
		}
		write := client.Create
		if args[0] == "update" {
			write = client.Update
		}
		resp, err := write(ctx, rec)
		return printWrite(resp, err)

	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: delete <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		resp, err := client.Delete(ctx, id)
		return printWrite(resp, err)

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		rec, err := client.Get(ctx, id)
		if errors.Is(err, studentgrpc.ErrNotFound) {
			fmt.Printf("(not found) %d\n", id)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(formatRecord(rec))
		return nil

	case "list":
		if len(args) != 1 {
			return fmt.Errorf("usage: list")
		}
		records, err := client.List(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Println(formatRecord(rec))
		}
		return nil

	case "create-batch":
		fs := flag.NewFlagSet("create-batch", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		inPath := fs.String("in", "-", "TSV input path, use - for stdin")
		if err := fs.Parse(args[1:]); err != nil || fs.NArg() != 0 {
			return fmt.Errorf("usage: create-batch [--in <file|->]")
		}
		return cmdCreateBatch(client, *timeout, *inPath)

	case "status":
		if len(args) != 1 {
			return fmt.Errorf("usage: status")
		}
		rows := pollRows(ctx, client, book, *timeout)
		fmt.Print(renderTable(rows, -1, 110))
		return nil

	case "add-voter", "remove-voter":
		maxArgs := 2
		if args[0] == "add-voter" {
			maxArgs = 3
		}
		if len(args) < 2 || len(args) > maxArgs {
			return fmt.Errorf("usage: add-voter <node-id> [raft-addr] | remove-voter <node-id>")
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid node id %q", args[1])
		}
		var index uint64
		if args[0] == "add-voter" {
			var raftAddr string
			if len(args) == 3 {
				raftAddr = args[2]
			}
			index, err = client.AddVoter(ctx, id, raftAddr)
		} else {
			index, err = client.RemoveVoter(ctx, id)
		}
		if errors.Is(err, studentgrpc.ErrNoLeader) {
			return fmt.Errorf("no leader available, cluster may be degraded")
		}
		if err != nil {
			return err
		}
		fmt.Printf("ok (index %d)\n", index)
		return nil

	case "watch":
		if len(args) != 1 {
			return fmt.Errorf("usage: watch")
		}
		return cmdWatch(client, book, *timeout)

	default:
		flag.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func printWrite(resp *studentgrpc.WriteResponse, err error) error {
	if errors.Is(err, studentgrpc.ErrNoLeader) {
		return fmt.Errorf("no leader available, cluster may be degraded")
	}
	if err != nil {
		return err
	}
	if !resp.Success {
		fmt.Printf("rejected (index %d): %s\n", resp.Index, resp.Message)
		return nil
	}
	fmt.Printf("ok (index %d)\n", resp.Index)
	if resp.Data != nil {
		fmt.Println(formatRecord(*resp.Data))
	}
	return nil
}

func cmdCreateBatch(c *studentgrpc.ClusterClient, timeout time.Duration, inPath string) error {
	var r io.Reader = os.Stdin
	if inPath != "-" {
		// #nosec G304 -- CLI intentionally reads a user-provided local input file.
		f, err := os.Open(inPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	scanner := bufio.NewScanner(r)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq++
		rec, err := parseRecord(strings.Split(line, "\t"))
		if err != nil {
			fmt.Printf("err\t%d\t0\t0\t\t%s\n", seq, oneLineErr(err))
			continue
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		resp, err := c.Create(ctx, rec)
		cancel()
		ms := time.Since(start).Milliseconds()

		switch {
		case err == nil && resp.Success:
			fmt.Printf("ok\t%d\t%d\t%d\t%d\n", seq, ms, resp.Index, rec.ID)
		case err == nil:
			fmt.Printf("rejected\t%d\t%d\t%d\t%d\t%s\n", seq, ms, resp.Index, rec.ID, resp.Message)
		case errors.Is(err, context.DeadlineExceeded), status.Code(err) == codes.DeadlineExceeded:
			fmt.Printf("timeout\t%d\t%d\t0\t%d\t%s\n", seq, ms, rec.ID, oneLineErr(err))
		default:
			fmt.Printf("err\t%d\t%d\t0\t%d\t%s\n", seq, ms, rec.ID, oneLineErr(err))
		}
	}
	return scanner.Err()
}

// parseRecord reads id, name, age, gender and score in that order.
func parseRecord(fields []string) (student.Record, error) {
	if len(fields) != 5 {
		return student.Record{}, fmt.Errorf("want 5 fields (id name age gender score), got %d", len(fields))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return student.Record{}, fmt.Errorf("invalid id %q", fields[0])
	}
	age, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil {
		return student.Record{}, fmt.Errorf("invalid age %q", fields[2])
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return student.Record{}, fmt.Errorf("invalid score %q", fields[4])
	}
	return student.Record{
		ID:     id,
		Name:   strings.TrimSpace(fields[1]),
		Age:    int32(age),
		Gender: strings.TrimSpace(fields[3]),
		Score:  score,
	}, nil
}

func formatRecord(rec student.Record) string {
	return fmt.Sprintf("%d\t%s\t%d\t%s\t%g", rec.ID, rec.Name, rec.Age, rec.Gender, rec.Score)
}

// parseAddrBook parses "id=host:port" entries. A bare "host:port" list is
// accepted too and numbered from 1 in the given order.
func parseAddrBook(raw string) (map[uint64]string, error) {
	book := make(map[uint64]string)
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		left, right, ok := strings.Cut(part, "=")
		if !ok {
			book[uint64(i+1)] = part
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(left), 10, 64)
		if err != nil || id == 0 || strings.TrimSpace(right) == "" {
			return nil, fmt.Errorf("invalid address entry %q, want id=host:port", part)
		}
		if _, dup := book[id]; dup {
			return nil, fmt.Errorf("duplicate node id %d in address book", id)
		}
		book[id] = strings.TrimSpace(right)
	}
	if len(book) == 0 {
		return nil, fmt.Errorf("no addresses provided")
	}
	return book, nil
}

func oneLineErr(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}
