package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"voice-jobs-go/internal/notify"
)

func newWatchCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream pipeline events published on the Redis channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			if a.Remote == nil {
				return errors.New("watch needs redis.addr configured")
			}
			ctx := commandCtx(cmd)
			out := cmd.OutOrStdout()
			if err := a.Remote.Forward(ctx, func(ev notify.Event) {
				fmt.Fprintln(out, eventLine(ev))
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s; interrupt to stop\n", a.Config.Redis.Channel)
			<-ctx.Done()
			return nil
		},
	}
}

// drain collects whatever is buffered without blocking.
func drain(ch <-chan notify.Event) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func printEvents(w io.Writer, events []notify.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events emitted")
		return
	}
	for _, ev := range events {
		fmt.Fprintln(w, eventLine(ev))
	}
}

func eventLine(ev notify.Event) string {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-32s call=%s", ev.At.UTC().Format("15:04:05.000"), ev.Type, orDash(ev.CallID))
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Payload[k])
	}
	return b.String()
}
