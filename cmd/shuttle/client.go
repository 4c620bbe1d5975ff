package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/shuttle/internal/tasks"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(strings.TrimSpace(addr), "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Msg)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		apiErr := &apiError{Status: res.StatusCode}
		_ = json.NewDecoder(res.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

type routeView struct {
	Mode            string         `json:"mode"`
	Route           []string       `json:"route"`
	Position        tasks.Position `json:"position"`
	NextDestination string         `json:"next_destination"`
	Idle            bool           `json:"idle"`
}

func newScanCommand(client func() *apiClient) *cobra.Command {
	var item, supply string
	var row, col int
	cmd := &cobra.Command{
		Use:   "scan <stop> <task-id> <barcode>",
		Short: "Simulate a workstation scan",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			evt := tasks.ScanEvent{
				StopID:       args[0],
				TaskID:       args[1],
				Barcode:      args[2],
				ItemLabel:    item,
				ShelfRow:     row,
				ShelfCol:     col,
				SupplyStopID: supply,
			}
			var res struct {
				Outcome string      `json:"outcome"`
				Task    *tasks.Task `json:"task"`
			}
			if err := client().do(cmd.Context(), http.MethodPost, "/v1/scans", evt, &res); err != nil {
				return err
			}
			if res.Task != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: task %s %s -> %s (%s)\n",
					res.Outcome, res.Task.ID, res.Task.SourceStopID, res.Task.DestinationStopID, res.Task.Status)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "Item label (defaults to the barcode)")
	cmd.Flags().StringVar(&supply, "supply", "", "Supply stop (defaults to the configured fallback)")
	cmd.Flags().IntVar(&row, "row", 1, "Shelf row")
	cmd.Flags().IntVar(&col, "col", 1, "Shelf column")
	return cmd
}

func newStatusCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the route, shuttle position and active tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			var rv routeView
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/route", nil, &rv); err != nil {
				return err
			}
			var list struct {
				Tasks []tasks.Task `json:"tasks"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/tasks", nil, &list); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderRoute(rv))
			fmt.Fprintln(out, renderTasks(list.Tasks))
			return nil
		},
	}
}

func newNextCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Print the stop the shuttle should serve next",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rv routeView
			if err := client().do(cmd.Context(), http.MethodGet, "/v1/route", nil, &rv); err != nil {
				return err
			}
			if rv.Idle {
				fmt.Fprintln(cmd.OutOrStdout(), "idle")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), rv.NextDestination)
			return nil
		},
	}
}

func renderRoute(rv routeView) string {
	rows := make([][]string, 0, len(rv.Route))
	for i, stop := range rv.Route {
		var marks []string
		if stop == rv.Position.StopID {
			marks = append(marks, "shuttle")
		}
		if !rv.Idle && stop == rv.NextDestination {
			marks = append(marks, "next")
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), stop, strings.Join(marks, ", ")})
	}
	return renderTable("Route ("+rv.Mode+")", []string{"#", "Stop", ""}, rows)
}

func renderTasks(list []tasks.Task) string {
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		rows = append(rows, []string{t.ID, t.ItemLabel, t.Barcode, t.SourceStopID, t.DestinationStopID, string(t.Status)})
	}
	return renderTable("Active tasks", []string{"ID", "Item", "Barcode", "From", "To", "Status"}, rows)
}
