// Command actionctl submits actions and management commands to actiond.
//
//	actionctl [flags] perform ACTION [key=value ...]
//	actionctl [flags] manage list|update|history [key=value ...]
//	actionctl [flags] kill HANDLE
//	actionctl [flags] actions
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/WangQiHao-Charlie/actiond/internal/job"
	"github.com/WangQiHao-Charlie/actiond/internal/service"
)

func main() {
	var (
		addr    = flag.String("addr", "localhost:8085", "actiond gRPC address")
		sock    = flag.String("socket", "", "actiond unix socket (overrides -addr)")
		timeout = flag.Duration("timeout", 0, "give up after this long (0 = wait for the job)")
		stdout  = flag.Bool("stdout", true, "return the job's stdout")
		force   = flag.Bool("force", false, "ignore a cached result")
	)
	flag.Parse()

	target := *addr
	if *sock != "" {
		target = "unix:" + *sock
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := service.NewActionServiceClient(conn)

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	args := flag.Args()
	if len(args) == 1 && args[0] == "actions" {
		out, err := client.Actions(ctx)
		if err != nil {
			log.Fatalf("actions: %v", err)
		}
		printStruct(out)
		return
	}

	payload, err := buildRequest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if payload[job.FieldAction] != nil {
		if *stdout {
			payload[job.FieldStdout] = true
		}
		if *force {
			payload[job.FieldForceUpdate] = true
		}
	}
	in, err := structpb.NewStruct(payload)
	if err != nil {
		log.Fatalf("encode request: %v", err)
	}
	out, err := client.Perform(ctx, in)
	if err != nil {
		log.Fatalf("perform: %v", err)
	}
	printStruct(out)
	if s, ok := out.AsMap()["status"].(string); ok && (s == job.StatusError || s == job.StatusKilled) {
		os.Exit(1)
	}
}

// buildRequest turns a sub-command and its key=value pairs into a request
// payload.
func buildRequest(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing command")
	}
	payload := map[string]any{}
	rest := args[1:]
	switch args[0] {
	case "perform":
		if len(rest) == 0 {
			return nil, fmt.Errorf("perform: missing action name")
		}
		payload[job.FieldAction] = rest[0]
		rest = rest[1:]
	case "manage":
		if len(rest) == 0 {
			return nil, fmt.Errorf("manage: missing command")
		}
		payload[job.FieldManage] = rest[0]
		rest = rest[1:]
	case "kill":
		if len(rest) != 1 {
			return nil, fmt.Errorf("kill: expected one handle")
		}
		payload[job.FieldManage] = job.ManageKill
		payload[job.FieldActionHandle] = rest[0]
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
	for _, kv := range rest {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", kv)
		}
		payload[k] = v
	}
	return payload, nil
}

func printStruct(s *structpb.Struct) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		log.Fatalf("decode response: %v", err)
	}
	fmt.Println(string(data))
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] perform ACTION [key=value ...] | manage CMD [key=value ...] | kill HANDLE | actions\n", os.Args[0])
		flag.PrintDefaults()
	}
}
