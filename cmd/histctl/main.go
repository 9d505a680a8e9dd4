package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/matheus3301/histcache/internal/api"
	"github.com/matheus3301/histcache/internal/session"
)

// exitTempFail is returned when the remote source asked us to back off
// (EX_TEMPFAIL).
const exitTempFail = 75

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "history":
		err = cmdHistory(ctx, c, args[1:], *jsonFlag)
	case "coverage":
		err = cmdCoverage(ctx, c, args[1:], *jsonFlag)
	case "conversations":
		err = cmdConversations(ctx, c, *jsonFlag)
	case "status":
		err = cmdStatus(ctx, c, *jsonFlag)
	case "watch":
		err = cmdWatch(ctx, c, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		exit(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: histctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  history <conversation> [-start] [-end] [-chunk] [-force] [-repair]")
	fmt.Fprintln(os.Stderr, "                      Stream a conversation's history, syncing gaps")
	fmt.Fprintln(os.Stderr, "  coverage <conversation>")
	fmt.Fprintln(os.Stderr, "                      Show what the cache holds")
	fmt.Fprintln(os.Stderr, "  conversations       List cached conversations")
	fmt.Fprintln(os.Stderr, "  status              Show daemon status and active syncs")
	fmt.Fprintln(os.Stderr, "  watch               Follow sync events")
}

func exit(err error) {
	if wait, ok := api.RetryAfter(err); ok {
		fmt.Fprintf(os.Stderr, "rate limited: retry after %s\n", wait)
		os.Exit(exitTempFail)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func conversationArg(args []string) (int64, []string, error) {
	if len(args) == 0 {
		return 0, nil, fmt.Errorf("conversation id is required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid conversation id %q", args[0])
	}
	return id, args[1:], nil
}

func cmdHistory(ctx context.Context, c *api.Client, args []string, jsonOut bool) error {
	id, rest, err := conversationArg(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	start := fs.String("start", "", "start date (YYYY-MM-DD, YYYY-MM-DD HH:MM:SS or RFC3339; default 2013-01-01)")
	end := fs.String("end", "", "end date (default now)")
	chunk := fs.Int("chunk", api.DefaultChunkSize, "items per chunk, 0 = all at once")
	force := fs.Bool("force", false, "ignore the cache and re-download attachments")
	repair := fs.Bool("repair", false, "re-walk the range remotely, back-filling skipped attachments")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	req := api.HistoryRequest{
		ConversationID: id,
		Start:          *start,
		End:            *end,
		ChunkSize:      chunk,
		ForceRefresh:   *force,
		Repair:         *repair,
	}
	enc := json.NewEncoder(os.Stdout)
	total, chunks := 0, 0
	for ch, err := range c.StreamHistory(ctx, req) {
		if err != nil {
			return err
		}
		chunks++
		total += len(ch.Messages)
		for _, it := range ch.Messages {
			if jsonOut {
				if err := enc.Encode(it); err != nil {
					return err
				}
				continue
			}
			name := ""
			if it.FirstName != nil {
				name = *it.FirstName
			}
			fmt.Printf("%s  %-6s #%d %s: %s\n", it.Date, it.Source, it.MessageID, name, it.Text)
		}
	}
	if !jsonOut {
		fmt.Fprintf(os.Stderr, "%d messages in %d chunks\n", total, chunks)
	}
	return nil
}

func cmdCoverage(ctx context.Context, c *api.Client, args []string, jsonOut bool) error {
	id, _, err := conversationArg(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cov, err := c.GetCoverage(ctx, id)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(cov)
		return nil
	}
	fmt.Printf("Conversation: %d %s\n", cov.ConversationID, cov.Title)
	fmt.Printf("Messages:     %d\n", cov.Messages)
	fmt.Printf("Mode:         %s\n", cov.Mode)
	if cov.Span != nil {
		fmt.Printf("Span:         %s .. %s\n", cov.Span.Start, cov.Span.End)
	} else {
		fmt.Println("Span:         (empty)")
	}
	for _, iv := range cov.Intervals {
		fmt.Printf("  synced      %s .. %s\n", iv.Start, iv.End)
	}
	return nil
}

func cmdConversations(ctx context.Context, c *api.Client, jsonOut bool) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	convs, err := c.ListConversations(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(convs)
		return nil
	}
	if len(convs) == 0 {
		fmt.Println("no cached conversations")
		return nil
	}
	for _, cs := range convs {
		fmt.Printf("%-12d %-24s %6d  %s .. %s\n", cs.ConversationID, cs.Title, cs.Messages, cs.First, cs.Last)
	}
	return nil
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := c.GetStatus(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		outputJSON(st)
		return nil
	}
	fmt.Printf("Session:       %s\n", st.Session)
	fmt.Printf("Uptime:        %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Conversations: %d\n", st.Conversations)
	fmt.Printf("Messages:      %d\n", st.Messages)
	fmt.Printf("Attachments:   %d (%d downloaded)\n", st.Payloads, st.Downloaded)
	for _, a := range st.Active {
		fmt.Printf("  sync %s conversation=%d phase=%s items=%d since %s\n", a.SyncID, a.ConversationID, a.Phase, a.Items, a.Started)
	}
	return nil
}

func cmdWatch(ctx context.Context, c *api.Client, jsonOut bool) error {
	for evt, err := range c.WatchEvents(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		ts := time.UnixMilli(evt.OccurredAtMs).Format(time.TimeOnly)
		switch {
		case evt.RetryAfterMs > 0:
			fmt.Printf("%s %s conversation=%d retry_after=%s\n", ts, evt.Kind, evt.ConversationID, time.Duration(evt.RetryAfterMs)*time.Millisecond)
		case evt.To != "":
			fmt.Printf("%s %s conversation=%d %s -> %s\n", ts, evt.Kind, evt.ConversationID, evt.From, evt.To)
		default:
			fmt.Printf("%s %s conversation=%d count=%d last=%s\n", ts, evt.Kind, evt.ConversationID, evt.Count, evt.Last)
		}
	}
	return nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
