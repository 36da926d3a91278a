package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/torosent/probefire/internal/metrics"
)

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, stats metrics.RunStats) {
	fmt.Fprintln(w, "\n--- Probe Run Results ---")
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Probes Sent:       %d\n", stats.TotalRequests)
	fmt.Fprintf(w, "Answered:          %d (%.2f%%)\n", stats.TotalResponses, stats.ResponseRate*100)
	fmt.Fprintf(w, "Timed Out:         %d (%.2f%%)\n", stats.Timeouts, stats.TimeoutRate*100)
	fmt.Fprintf(w, "Pending:           %d\n", stats.Pending)
	fmt.Fprintf(w, "Send Failures:     %d\n", stats.SendFailures)
	fmt.Fprintf(w, "Probes/sec:        %.2f\n", stats.RequestsPerSec)
	fmt.Fprintf(w, "Replies/sec:       %.2f\n", stats.ResponsesPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.AvgLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P95:             %s\n", stats.P95Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	c := stats.Connections
	fmt.Fprintln(w, "\nSessions:")
	fmt.Fprintf(w, "  Requested:       %d\n", c.Total)
	fmt.Fprintf(w, "  Connected:       %d (%.1f%%)\n", c.Successful, c.SuccessRate)
	fmt.Fprintf(w, "  Failed:          %d\n", c.Failed)
	fmt.Fprintf(w, "  Active:          %d\n", c.Active)
	if rows := metrics.FlattenFailureReasons(c.FailureReasons); len(rows) > 0 {
		fmt.Fprintln(w, "\nConnection Failures:")
		for _, row := range rows {
			fmt.Fprintf(w, "  %s: %d\n", row.Reason, row.Count)
		}
	}

	if len(stats.Sessions) > 0 {
		fmt.Fprintln(w, "\nSession Breakdown:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tSTATE\tSENT\tRECEIVED\tSEND FAILURES\tRESPONSE\tAVG\tP99")
		for _, s := range stats.Sessions {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\t%.1f%%\t%s\t%s\n",
				s.ID, s.State, s.Sent, s.Received, s.SendFailures, s.ResponseRate*100, s.AvgLatency, s.P99Latency)
		}
		_ = tw.Flush()
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.RunStats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// PrintYAMLReport outputs the report as YAML, keyed like the JSON report.
func PrintYAMLReport(w io.Writer, stats metrics.RunStats) error {
	// Round-trip through JSON so YAML keys follow the json tags.
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("convert report: %w", err)
	}
	blockStyle(&doc)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles the JSON source carries.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
