package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type pushOptions struct {
	addr  string
	title string
	body  string
	url   string
}

func newPushCommand() *cobra.Command {
	var opts pushOptions
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send a test alert through a running proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "http://localhost:8080", "proxy base URL")
	f.StringVar(&opts.title, "title", "", "notification title")
	f.StringVar(&opts.body, "body", "", "notification body")
	f.StringVar(&opts.url, "url", "", "page opened when the notification is clicked")
	return cmd
}

func runPush(out io.Writer, opts pushOptions) error {
	payload := map[string]any{}
	if opts.title != "" {
		payload["title"] = opts.title
	}
	if opts.body != "" {
		payload["body"] = opts.body
	}
	if opts.url != "" {
		payload["data"] = map[string]any{"url": opts.url}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(opts.addr, "/")+"/_sw/push", "application/json", bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "send push")
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return errors.Errorf("send push: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	fmt.Fprintln(out, strings.TrimSpace(string(msg)))
	return nil
}
