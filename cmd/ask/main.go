package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/concierge/internal/natsbus"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

const defaultTimeout = 60 * time.Second

// answer is what the router sent back. Failed is set when the reply was a
// task_error; Text is then the honest failure message.
type answer struct {
	Text   string
	Failed bool
	Err    *protocol.Error
}

func ask(ctx context.Context, natsURL, address, text string, timeout time.Duration) (*answer, error) {
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	codec, err := protocol.NewCodec(0)
	if err != nil {
		return nil, err
	}
	defer codec.Close()

	transport := protocol.NewNATSTransport(client, codec, protocol.RoleClient, timeout)

	env, err := protocol.NewEnvelope(protocol.KindTaskRequest, protocol.RoleClient, uuid.NewString(),
		protocol.TaskRequest{Instruction: protocol.InstructionResolve, Text: text})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := transport.Send(ctx, env, address)
	if err != nil {
		return nil, fmt.Errorf("ask router: %w", err)
	}

	var result protocol.TaskResult
	if len(reply.Payload) > 0 {
		if err := reply.Decode(&result); err != nil {
			return nil, err
		}
	}

	switch reply.Kind {
	case protocol.KindTaskResult:
		return &answer{Text: result.Text}, nil
	case protocol.KindTaskError:
		return &answer{Text: result.Text, Failed: true, Err: reply.Error}, nil
	default:
		return nil, fmt.Errorf("unexpected reply kind %q", reply.Kind)
	}
}

func parseArgs(args []string) (map[string]string, []string) {
	flags := make(map[string]string)
	var rest []string
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			flags[args[i][2:]] = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return flags, rest
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  ask [--timeout 60s] [--address agent.router] "What is the status of ticket 42?"`)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment: NATS_URL (default nats://localhost:4222)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	flags, rest := parseArgs(os.Args[1:])
	text := strings.TrimSpace(strings.Join(rest, " "))
	if text == "" {
		usage()
	}

	address := flags["address"]
	if address == "" {
		address = natsbus.TopicAgent(string(protocol.RoleRouter))
	}
	timeout := defaultTimeout
	if v := flags["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fatal("invalid --timeout: %v", err)
		}
		timeout = d
	}

	resp, err := ask(context.Background(), natsURL, address, text, timeout)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Text != "" {
		fmt.Println(resp.Text)
	}
	if resp.Failed {
		if resp.Err != nil {
			fatal("%s", resp.Err)
		}
		os.Exit(1)
	}
}
