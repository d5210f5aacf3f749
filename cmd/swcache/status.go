package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type statusGeneration struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"createdAt"`
}

type statusReply struct {
	Configured  string             `json:"configured"`
	Active      string             `json:"active"`
	State       string             `json:"state"`
	Generations []statusGeneration `json:"generations"`
	RAMBytes    int64              `json:"ramBytes"`
	DiskBytes   int64              `json:"diskBytes"`
}

func newStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the controlling version and its cache generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "proxy base URL")
	return cmd
}

func runStatus(out io.Writer, addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/_sw/status")
	if err != nil {
		return errors.Wrap(err, "fetch status")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetch status: status %d", resp.StatusCode)
	}
	var st statusReply
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errors.Wrap(err, "decode status")
	}

	active := st.Active
	if active == "" {
		active = "-"
	}
	fmt.Fprintf(out, "configured: %s  active: %s  state: %s\n", st.Configured, active, st.State)
	fmt.Fprintf(out, "ram: %d bytes  disk: %d bytes\n\n", st.RAMBytes, st.DiskBytes)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Generation", "Entries", "Bytes", "Created"})
	for _, g := range st.Generations {
		table.Append([]string{
			g.Name,
			strconv.Itoa(g.Entries),
			strconv.FormatInt(g.Bytes, 10),
			time.Unix(g.CreatedAt, 0).UTC().Format(time.RFC3339),
		})
	}
	table.Render()
	return nil
}
