// Package ui is the interactive terminal front end of a node.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"silentnet/discovery"
	"silentnet/history"
	"silentnet/network"
	"silentnet/node"
	"silentnet/peers"
	"silentnet/storage"
)

// ErrQuit is returned by Execute when the operator asks to leave.
var ErrQuit = errors.New("ui: quit")

const defaultEventLimit = 20

// Backend is the node surface the console drives.
type Backend interface {
	Connect(ctx context.Context, address string) (peers.Record, error)
	Scan(ctx context.Context) ([]discovery.Found, error)
	Send(ctx context.Context, peerID, text string, options network.SendOptions) (history.Entry, error)
	History(peerID string) []history.Entry
	Conversations() []string
	Peers() []peers.Record
	Nearby() []discovery.NearbyNode
	ExportPublicKey() (string, error)
	ClearHistory() error
	Stats() node.Stats
	SecurityEvents(limit int) ([]storage.SecurityEvent, error)
}

type command struct {
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":    {"help", "show this list", (*Console).cmdHelp},
		"connect": {"connect <address[:port]>", "fetch a peer's identity and add it", (*Console).cmdConnect},
		"scan":    {"scan", "probe the local /24 for nodes", (*Console).cmdScan},
		"peers":   {"peers", "list known peers and their status", (*Console).cmdPeers},
		"nearby":  {"nearby", "list nodes announcing on the LAN", (*Console).cmdNearby},
		"send":    {"send [-p] [-a] <peer> <text>", "send a message (-p priority, -a auto-delete)", (*Console).cmdSend},
		"history": {"history [peer]", "show a conversation, or list conversations", (*Console).cmdHistory},
		"export":  {"export", "write your public key file", (*Console).cmdExport},
		"clear":   {"clear", "delete all message history", (*Console).cmdClear},
		"stats":   {"stats", "show node statistics", (*Console).cmdStats},
		"events":  {"events [n]", "show recent security events", (*Console).cmdEvents},
		"quit":    {"quit", "shut down and exit", (*Console).cmdQuit},
	}
}

var commandOrder = []string{
	"help", "connect", "scan", "peers", "nearby", "send",
	"history", "export", "clear", "stats", "events", "quit",
}

// Console parses operator commands and prints node activity.
type Console struct {
	backend Backend

	mu  sync.Mutex
	out io.Writer
}

// NewConsole writes to out until Run attaches a readline instance.
func NewConsole(backend Backend, out io.Writer) *Console {
	return &Console{backend: backend, out: out}
}

// Run reads commands until quit, EOF, interrupt, or ctx cancellation.
func (c *Console) Run(ctx context.Context, prompt string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	c.mu.Lock()
	c.out = rl.Stdout()
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	c.printf("Type 'help' for commands.\n")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.Execute(ctx, line); err != nil {
			if errors.Is(err, ErrQuit) {
				return nil
			}
			c.printf("error: %v\n", err)
		}
	}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	name := strings.ToLower(fields[0])
	if name == "exit" {
		name = "quit"
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	return cmd.run(c, ctx, fields[1:])
}

func (c *Console) cmdHelp(_ context.Context, _ []string) error {
	for _, name := range commandOrder {
		cmd := commands[name]
		c.printf("  %-30s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

func (c *Console) cmdConnect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("connect")
	}
	record, err := c.backend.Connect(ctx, args[0])
	if err != nil {
		return err
	}
	c.printf("Connected to %s at %s (fingerprint %s)\n", record.PeerID, record.Address, shortFingerprint(record.Fingerprint))
	return nil
}

func (c *Console) cmdScan(ctx context.Context, _ []string) error {
	c.printf("Scanning local network...\n")
	found, err := c.backend.Scan(ctx)
	if err != nil {
		return err
	}
	c.printFound(found)
	return nil
}

func (c *Console) cmdPeers(_ context.Context, _ []string) error {
	c.PrintPeers(c.backend.Peers())
	return nil
}

func (c *Console) cmdNearby(_ context.Context, _ []string) error {
	c.printNearby(c.backend.Nearby())
	return nil
}

func (c *Console) cmdSend(ctx context.Context, args []string) error {
	var options network.SendOptions
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-p":
			options.Priority = true
		case "-a":
			options.AutoDelete = true
		case "-pa", "-ap":
			options.Priority = true
			options.AutoDelete = true
		default:
			return fmt.Errorf("unknown send flag %q", args[0])
		}
		args = args[1:]
	}
	if len(args) < 2 {
		return usageError("send")
	}

	peerID := strings.ToUpper(args[0])
	entry, err := c.backend.Send(ctx, peerID, strings.Join(args[1:], " "), options)
	if err != nil {
		return err
	}
	c.printf("%s\n", formatEntry(c.localLabel(), peerID, entry))
	return nil
}

func (c *Console) cmdHistory(_ context.Context, args []string) error {
	if len(args) == 0 {
		conversations := c.backend.Conversations()
		if len(conversations) == 0 {
			c.printf("No conversations.\n")
			return nil
		}
		for _, peerID := range conversations {
			c.printf("  %s (%d)\n", peerID, len(c.backend.History(peerID)))
		}
		return nil
	}

	peerID := strings.ToUpper(args[0])
	entries := c.backend.History(peerID)
	if len(entries) == 0 {
		c.printf("No messages with %s.\n", peerID)
		return nil
	}
	local := c.localLabel()
	for _, entry := range entries {
		c.printf("%s\n", formatEntry(local, peerID, entry))
	}
	return nil
}

func (c *Console) cmdExport(_ context.Context, _ []string) error {
	path, err := c.backend.ExportPublicKey()
	if err != nil {
		return err
	}
	c.printf("Public key exported to %s\n", path)
	return nil
}

func (c *Console) cmdClear(_ context.Context, _ []string) error {
	if err := c.backend.ClearHistory(); err != nil {
		return err
	}
	c.printf("History cleared.\n")
	return nil
}

func (c *Console) cmdStats(_ context.Context, _ []string) error {
	c.printStats(c.backend.Stats())
	return nil
}

func (c *Console) cmdEvents(_ context.Context, args []string) error {
	limit := defaultEventLimit
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return usageError("events")
		}
		limit = n
	}

	events, err := c.backend.SecurityEvents(limit)
	if err != nil {
		return err
	}
	c.printEvents(events)
	return nil
}

func (c *Console) cmdQuit(_ context.Context, _ []string) error {
	return ErrQuit
}

// PrintMessage shows an inbound message. Priority messages are highlighted.
func (c *Console) PrintMessage(peerID string, entry history.Entry) {
	c.printf("%s\n", formatEntry(c.localLabel(), peerID, entry))
}

// PrintDecryptFailure reports an inbound message that could not be opened.
func (c *Console) PrintDecryptFailure(senderID string, err error) {
	c.printf("!! message from %s could not be decrypted: %v\n", senderID, err)
}

// PrintAutoDeleted reports entries removed by the auto-delete sweep.
func (c *Console) PrintAutoDeleted(removed []history.Removed) {
	c.printf("-- %d auto-delete message(s) removed\n", len(removed))
}

func (c *Console) localLabel() string {
	return c.backend.Stats().UserID
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func usageError(name string) error {
	return fmt.Errorf("usage: %s", commands[name].usage)
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commandOrder))
	for _, name := range commandOrder {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}
