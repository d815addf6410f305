package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/PatchLens/il-weave/weave"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "weavereport.json", "Rewrite report to read")
	reportChartsFile := flag.String("charts", "weavereport.png",
		"Chart image to render (.png, .jpg or .svg), '-' writes a png to stdout, empty skips rendering")
	summary := flag.Bool("summary", true, "Print per module and per stage counts")
	diffs := flag.Bool("diff", false, "Print the recorded method diffs")
	flag.Parse()

	data, err := os.ReadFile(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read weavereport: %v", weave.ErrorLogPrefix, err)
	}
	var metrics weave.ReportMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		log.Fatalf("%sFailed to unmarshal weavereport: %v", weave.ErrorLogPrefix, err)
	}

	if *summary {
		printSummary(os.Stderr, metrics)
	}
	if *diffs {
		printDiffs(os.Stderr, metrics)
	}

	switch *reportChartsFile {
	case "":
	case "-":
		chart, err := weave.RenderReportChartsFromJson(metrics)
		if err != nil {
			log.Fatalf("%sFailed to render charts: %v", weave.ErrorLogPrefix, err)
		} else if _, err := os.Stdout.Write(chart); err != nil {
			log.Fatalf("%sFailed to write chart: %v", weave.ErrorLogPrefix, err)
		}
	default:
		if err := weave.WriteReportCharts(*reportChartsFile, metrics); err != nil {
			log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
		}
		log.Println("Report file wrote: " + *reportChartsFile)
	}
}

func printSummary(w io.Writer, metrics weave.ReportMetrics) {
	_, _ = fmt.Fprintf(w, "Report generated %s, run took %dms\n",
		metrics.GeneratedAt.Format("2006-01-02 15:04:05"), metrics.RunDuration)
	for _, m := range metrics.Modules {
		_, _ = fmt.Fprintf(w, "  %s (%s): %d/%d methods changed, %d skipped -> %s\n",
			m.Name, m.FormatVersion, m.ChangedMethodCount, m.MethodCount, m.SkippedCount, m.Output)
	}
	for _, s := range metrics.Stages {
		_, _ = fmt.Fprintf(w, "  stage %-10s edited=%d replaced=%d deleted=%d skipped=%d\n",
			s.Name, s.Edited, s.Replaced, s.Deleted, s.Skipped)
	}
	for _, d := range metrics.Diagnostics {
		_, _ = fmt.Fprintf(w, "  WARN: %s\n", d)
	}
}

func printDiffs(w io.Writer, metrics weave.ReportMetrics) {
	for _, m := range metrics.Modules {
		for _, c := range m.Changes {
			status := "changed"
			if c.Added {
				status = "added"
			} else if c.Removed {
				status = "removed"
			}
			_, _ = fmt.Fprintf(w, "%s %s: %s\n%s\n", m.Name, status, c.Method, c.Diff)
		}
	}
}
