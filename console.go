package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshnet/connectivity"
	"meshnet/models"
	"meshnet/storage"
)

const consoleHelp = `Commands:
  /adv                 toggle advertising
  /scan                toggle discovery
  /peers               list endpoints (connected first)
  /connect <n|id>      connect to an endpoint
  /disconnect <n|id>   disconnect from an endpoint
  /status              show advertising and discovery status
  /history [n]         show the last n messages (default 20)
  /events              show recent connectivity errors
  /quit                exit
Anything else is sent as a message to every connected endpoint.`

const defaultHistoryLines = 20

// console is the line-based chat front end over a connectivity core.
type console struct {
	core  *connectivity.Core
	store *storage.Store
	in    io.Reader

	mu   sync.Mutex
	out  io.Writer
	sent map[string]struct{}
}

func newConsole(core *connectivity.Core, store *storage.Store, in io.Reader, out io.Writer) *console {
	return &console{
		core:  core,
		store: store,
		in:    in,
		out:   out,
		sent:  make(map[string]struct{}),
	}
}

// Run reads commands until /quit, end of input, or ctx ends.
func (c *console) Run(ctx context.Context) error {
	events, unsubscribe := c.core.Subscribe(0)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(ctx, events)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) handle(line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line)
		return false
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(consoleHelp)
	case "/adv":
		c.report(c.core.ToggleAdvertising())
		c.printStatus()
	case "/scan":
		c.report(c.core.ToggleDiscovery())
		c.printStatus()
	case "/status":
		c.printStatus()
	case "/peers":
		c.printPeers()
	case "/connect":
		if endpoint, ok := c.resolve("/connect", arg); ok {
			c.report(c.core.RequestConnection(endpoint.ID))
		}
	case "/disconnect":
		if endpoint, ok := c.resolve("/disconnect", arg); ok {
			c.core.DisconnectFromEndpoint(endpoint.ID)
		}
	case "/history":
		c.printHistory(arg)
	case "/events":
		c.printEvents()
	default:
		c.printf("unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func (c *console) send(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	message, err := c.core.SendMessage(text)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	c.sent[message.ID] = struct{}{}
}

// resolve accepts a 1-based index into the /peers listing or an endpoint id.
func (c *console) resolve(command, arg string) (models.Endpoint, bool) {
	if arg == "" {
		c.printf("usage: %s <n|id>\n", command)
		return models.Endpoint{}, false
	}
	endpoints := connectivity.SortForDisplay(c.core.Endpoints())
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(endpoints) {
		return endpoints[n-1], true
	}
	if endpoint, ok := c.core.Endpoint(arg); ok {
		return endpoint, true
	}
	c.printf("no endpoint %q\n", arg)
	return models.Endpoint{}, false
}

func (c *console) watch(ctx context.Context, events <-chan connectivity.Event) {
	states := make(map[string]models.EndpointState)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case connectivity.EventMessages:
				c.printIncoming(event.Message)
			case connectivity.EventEndpoints:
				c.printEndpointChanges(states, event.Endpoints)
			case connectivity.EventAdvertisingStatus:
				c.printf("* advertising %s\n", strings.ToLower(event.Status.String()))
			case connectivity.EventDiscoveryStatus:
				c.printf("* discovery %s\n", strings.ToLower(event.Status.String()))
			}
		}
	}
}

func (c *console) printIncoming(message models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, mine := c.sent[message.ID]; mine {
		delete(c.sent, message.ID)
		return
	}
	printMessage(c.out, message)
}

func (c *console) printEndpointChanges(states map[string]models.EndpointState, endpoints []models.Endpoint) {
	current := make(map[string]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		current[endpoint.ID] = struct{}{}
		previous, known := states[endpoint.ID]
		states[endpoint.ID] = endpoint.State
		if known && previous == endpoint.State {
			continue
		}
		switch endpoint.State {
		case models.EndpointDiscovered:
			if known {
				c.printf("* %s disconnected\n", endpoint.DisplayName())
			} else {
				c.printf("* found %s (%s)\n", endpoint.DisplayName(), endpoint.ID)
			}
		case models.EndpointConnecting:
			c.printf("* connecting to %s\n", endpoint.DisplayName())
		case models.EndpointConnected:
			c.printf("* connected to %s\n", endpoint.DisplayName())
		}
	}
	for id := range states {
		if _, ok := current[id]; !ok {
			delete(states, id)
			c.printf("* lost %s\n", id)
		}
	}
}

func (c *console) printStatus() {
	c.printf("advertising: %s, discovery: %s\n",
		strings.ToLower(c.core.AdvertisingStatus().String()),
		strings.ToLower(c.core.DiscoveryStatus().String()))
}

func (c *console) printPeers() {
	endpoints := connectivity.SortForDisplay(c.core.Endpoints())
	if len(endpoints) == 0 {
		c.println("no endpoints")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, endpoint := range endpoints {
		fmt.Fprintf(c.out, "%2d. %-20s %-24s %s\n", i+1, endpoint.DisplayName(), endpoint.ID,
			strings.ToLower(endpoint.State.String()))
	}
}

func (c *console) printHistory(arg string) {
	n := defaultHistoryLines
	if arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil || parsed <= 0 {
			c.println("usage: /history [n]")
			return
		}
		n = parsed
	}
	messages := c.core.Messages()
	if len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, message := range messages {
		printMessage(c.out, message)
	}
}

func (c *console) printEvents() {
	if c.store == nil {
		c.println("message persistence is disabled; no events recorded")
		return
	}
	events, err := c.store.GetConnectivityEvents(storage.EventFilter{Limit: 10})
	if err != nil {
		c.printf("error: %v\n", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, event := range events {
		fmt.Fprintf(c.out, "%s %s %s %s\n",
			time.UnixMilli(event.Timestamp).Format(time.TimeOnly), event.Severity, event.Op, event.Details)
	}
}

func (c *console) report(err error) {
	if err != nil {
		c.printf("error: %v\n", err)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) println(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}

func printMessage(out io.Writer, message models.Message) {
	fmt.Fprintf(out, "[%s] %s: %s\n", message.Timestamp.Local().Format(time.TimeOnly), message.Sender, message.Text)
}
