package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/andromeda/internal/httpapi"
)

type probeOptions struct {
	baseURL   string
	sessionID string
	target    string
	method    string
	requests  int
	timeout   time.Duration
	jsonOut   bool
}

type probeReport struct {
	URL      string         `json:"url"`
	Requests int            `json:"requests"`
	Failures int            `json:"failures"`
	Statuses map[string]int `json:"statuses"`
	P50MS    float64        `json:"p50_ms"`
	P95MS    float64        `json:"p95_ms"`
	MaxMS    float64        `json:"max_ms"`
}

func newProbeCmd() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send requests through a running proxy and report latency",
		Example: `  andromeda probe --session 5f0c... --target http/127.0.0.1:9001/hello?x=1 --requests 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: opts.timeout}
			report, err := runProbe(cmd.Context(), client, opts)
			if err != nil {
				return err
			}
			return writeProbeReport(cmd.OutOrStdout(), report, opts.jsonOut)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "proxy base URL")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id sent in "+httpapi.SessionHeader)
	cmd.Flags().StringVar(&opts.target, "target", "", "protocol/hostname/path[?query] to request through the proxy")
	cmd.Flags().StringVar(&opts.method, "method", http.MethodGet, "HTTP method")
	cmd.Flags().IntVar(&opts.requests, "requests", 10, "number of sequential requests")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the report as JSON")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runProbe(ctx context.Context, client *http.Client, opts probeOptions) (probeReport, error) {
	target := strings.TrimPrefix(strings.TrimSpace(opts.target), "/")
	if target == "" {
		return probeReport{}, errors.New("target must not be empty")
	}
	if opts.requests <= 0 {
		return probeReport{}, errors.New("requests must be positive")
	}

	report := probeReport{
		URL:      strings.TrimRight(opts.baseURL, "/") + "/proxy/" + target,
		Statuses: make(map[string]int),
	}
	latencies := make([]float64, 0, opts.requests)
	for i := 0; i < opts.requests; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		req, err := http.NewRequestWithContext(ctx, opts.method, report.URL, nil)
		if err != nil {
			return report, fmt.Errorf("build request: %w", err)
		}
		if opts.sessionID != "" {
			req.Header.Set(httpapi.SessionHeader, opts.sessionID)
		}

		start := time.Now()
		res, err := client.Do(req)
		report.Requests++
		if err != nil {
			report.Failures++
			report.Statuses["error"]++
			continue
		}
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
		latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)
		report.Statuses[fmt.Sprintf("%d", res.StatusCode)]++
		if res.StatusCode >= http.StatusBadRequest {
			report.Failures++
		}
	}

	sort.Float64s(latencies)
	if n := len(latencies); n > 0 {
		report.P50MS = percentile(latencies, 0.50)
		report.P95MS = percentile(latencies, 0.95)
		report.MaxMS = latencies[n-1]
	}
	return report, nil
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func writeProbeReport(w io.Writer, report probeReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	codes := make([]string, 0, len(report.Statuses))
	for code := range report.Statuses {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%s=%d", code, report.Statuses[code]))
	}

	_, err := fmt.Fprintf(w,
		"url: %s\nrequests: %d failures: %d\nstatuses: %s\nlatency_ms: p50=%.2f p95=%.2f max=%.2f\n",
		report.URL, report.Requests, report.Failures, strings.Join(parts, " "),
		report.P50MS, report.P95MS, report.MaxMS,
	)
	return err
}
