package weave

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/go-analyze/charts"
	"github.com/pmezard/go-difflib/difflib"
)

const tableMaxRecords = 12

var greenTextColor = charts.ColorGreenAlt3
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)

// ReportMetrics contains the outcome of a rewrite run.
type ReportMetrics struct {
	GeneratedAt time.Time       `json:"generated_at"`
	RunDuration int64           `json:"run_ms"`
	Modules     []ModuleMetrics `json:"modules"`
	Stages      []StageStats    `json:"stages"`
	Diagnostics []string        `json:"diagnostics"`
}

// ModuleMetrics summarizes the rewrite of a single module.
type ModuleMetrics struct {
	Name               string       `json:"name"`
	Input              string       `json:"input"`
	Output             string       `json:"output"`
	FormatVersion      string       `json:"format_version"`
	MethodCount        int          `json:"method_count"`
	ChangedMethodCount int          `json:"changed_method_count"`
	SkippedCount       int          `json:"skipped_count"`
	RewriteDuration    int64        `json:"rewrite_ms"`
	Changes            []MethodDiff `json:"changes,omitempty"`
}

// ReportMap represents a report as an extensible map structure.
// Custom implementations can add additional fields before writing to JSON.
type ReportMap map[string]interface{}

// BuildReportMap converts the metrics into a ReportMap.
func BuildReportMap(report ReportMetrics) (ReportMap, error) {
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report to bytes failed: %w", err)
	}
	var reportMap ReportMap
	if err := json.Unmarshal(reportBytes, &reportMap); err != nil {
		return nil, fmt.Errorf("unmarshal report to map failed: %w", err)
	}
	return reportMap, nil
}

// WriteToFile writes the report map to a JSON file, an empty path is ignored.
func (rm ReportMap) WriteToFile(path string) error {
	if path == "" {
		return nil
	}
	encodedReport, err := json.MarshalIndent(rm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report map failed: %w", err)
	}
	if err := os.WriteFile(path, encodedReport, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// mergeStageStats sums the per module counters by stage name, keeping the first seen stage order.
func mergeStageStats(perModule [][]StageStats) []StageStats {
	var all []StageStats
	for _, stats := range perModule {
		all = append(all, stats...)
	}
	byName := bulk.SliceToGroupsBy(func(s StageStats) string { return s.Name }, all)
	merged := make([]StageStats, 0, len(byName))
	for _, s := range all {
		group, ok := byName[s.Name]
		if !ok {
			continue
		}
		delete(byName, s.Name)
		total := StageStats{Name: s.Name}
		for _, g := range group {
			total.Replaced += g.Replaced
			total.Deleted += g.Deleted
			total.Edited += g.Edited
			total.Skipped += g.Skipped
		}
		merged = append(merged, total)
	}
	return merged
}

// unifiedDiff renders a unified diff between two disassembly listings, empty when they are equal.
func unifiedDiff(before, after string) string {
	if before == after {
		return ""
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil && text != "" {
		return text
	}
	return fmt.Sprintf("\t'%v'\n!=\n\t'%v'", before, after) // fallback on unexpected diff error
}

// RenderReportChartsFromJson renders a previously written report to a png.
func RenderReportChartsFromJson(report ReportMetrics) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       768,
	}
	return renderReportCharts(painterOpt, report)
}

// WriteReportCharts renders the report overview to path, the image format is chosen by the file extension.
func WriteReportCharts(path string, report ReportMetrics) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       768,
	}
	if buf, err := renderReportCharts(painterOpt, report); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderReportCharts(painterOpt charts.PainterOptions, report ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if chartBox, err := renderChartsToPainter(p, report); err != nil {
		return nil, err
	} else if chartBox.Height() < p.Height()-128 || chartBox.Height() > p.Height() {
		// re-render with a painter sized to the content
		painterOpt.Height = chartBox.Height()
		p = charts.NewPainter(painterOpt)
		if _, err := renderChartsToPainter(p, report); err != nil {
			return nil, err
		}
	}
	return p.Bytes()
}

func renderChartsToPainter(p *charts.Painter, report ReportMetrics) (charts.Box, error) {
	var methodCount, changedCount, skippedCount int
	names := make([]string, 0, len(report.Modules))
	for _, m := range report.Modules {
		methodCount += m.MethodCount
		changedCount += m.ChangedMethodCount
		skippedCount += m.SkippedCount
		names = append(names, m.Name)
	}

	const chartPadding = 10
	resultBox := charts.NewBoxEqual(0)
	resultBox.Right = p.Width()
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	title := strings.Join(names, ", ")
	if len(title) > 96 {
		title = title[:94] + ".."
	}
	var titleBox charts.Box
	var titleBottom int
	if title != "" {
		titleBox = p.MeasureText(title, 0, titleFont)
		titleBottom = titleBox.Height()
		resultBox.Bottom += titleBottom
	}

	layoutBuilder := p.LayoutByRows()
	if titleBottom > 0 {
		layoutBuilder = layoutBuilder.RowGap(strconv.Itoa(titleBottom))
	}
	painters, err := layoutBuilder.
		Row().Height("128").Columns("topLeft", "topRight").
		Row().Columns("bottom").
		Build()
	if err != nil {
		return resultBox, fmt.Errorf("error building chart layout: %w", err)
	}
	topLeft := painters["topLeft"]
	topRight := painters["topRight"]
	bottom := painters["bottom"]

	barGaugeTheme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{ /* Golden yellow */ R: 220, G: 210, B: 100, A: 255},
		})

	topLeftOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(changedCount)}, {float64(methodCount - changedCount)},
	})
	topLeftOpt.StackSeries = charts.Ptr(true)
	topLeftOpt.Theme = barGaugeTheme
	topLeftOpt.Title.Text = "Rewritten Methods"
	topLeftOpt.XAxis.Unit = axisUnitForMax(methodCount)
	topLeftOpt.YAxis.Show = charts.Ptr(false)
	topLeftOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topLeftOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		if methodCount == 0 {
			return "No methods"
		}
		total := float64(methodCount)
		return charts.FormatValueHumanize(100.0*(total-f)/total, 1, false) + "%"
	}
	if err := topLeft.HorizontalBarChart(topLeftOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}

	topRightOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(methodCount - skippedCount)}, {float64(skippedCount)},
	})
	topRightOpt.StackSeries = charts.Ptr(true)
	topRightOpt.Theme = barGaugeTheme
	topRightOpt.Title.Text = "Methods Fully Analyzed"
	topRightOpt.XAxis.Unit = axisUnitForMax(methodCount)
	topRightOpt.YAxis.Show = charts.Ptr(false)
	topRightOpt.SeriesList[1].Label.Show = charts.Ptr(true)
	topRightOpt.SeriesList[1].Label.FontStyle.FontColor = skippedColor(skippedCount, methodCount)
	topRightOpt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
		if methodCount == 0 {
			return "No methods"
		}
		total := float64(methodCount)
		percent := 100.0 * (total - f) / total
		if f > 0 && percent > 99.9 {
			percent = 99.9 // avoid showing 100% when methods were skipped
		}
		return charts.FormatValueHumanize(percent, 1, false) + "%"
	}
	if err := topRight.HorizontalBarChart(topRightOpt); err != nil {
		return resultBox, fmt.Errorf("error rendering chart: %w", err)
	}
	resultBox.Bottom += max(topLeft.Height(), topRight.Height())

	if len(report.Stages) == 0 {
		text := "No Stages Enabled"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		resultBox.Bottom += textBox.Height() * 2
	} else {
		rows := make([][]string, 0, min(len(report.Stages), tableMaxRecords))
		for _, s := range report.Stages {
			if len(rows) == tableMaxRecords {
				break
			}
			rows = append(rows, []string{
				s.Name, strconv.Itoa(s.Edited), strconv.Itoa(s.Replaced), strconv.Itoa(s.Deleted), strconv.Itoa(s.Skipped),
			})
		}
		tableTitle := "Stages"
		tableTitleFont := charts.FontStyle{
			FontSize:  12,
			FontColor: barGaugeTheme.GetTitleTextColor(),
			Font:      charts.GetDefaultFont(),
		}
		tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
		bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
		rowColors := []charts.Color{
			{R: 240, G: 240, B: 240, A: 255},
			charts.ColorTransparent,
		}
		if len(rows)%2 == 0 {
			rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
		}
		defaultCellFontStyle := charts.FontStyle{
			FontSize:  12,
			FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
			Font:      charts.GetDefaultFont(),
		}
		tableOpt := charts.TableChartOption{
			Header:                []string{"Stage", "Edited", "Replaced", "Deleted", "Skipped"},
			Data:                  rows,
			HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
			RowBackgroundColors:   rowColors,
			Padding:               charts.NewBoxEqual(10),
			Spans:                 []int{24, 8, 8, 8, 8},
			TextAligns: []string{charts.AlignLeft, charts.AlignCenter, charts.AlignCenter, charts.AlignCenter,
				charts.AlignCenter},
			CellModifier: func(cell charts.TableCell) charts.TableCell {
				if cell.Row == 0 {
					return cell
				}
				cell.FontStyle = defaultCellFontStyle
				if cell.Column == 4 {
					if cell.Text == "0" {
						cell.FontStyle.FontColor = greenTextColor
					} else if len(cell.Text) < 2 {
						cell.FontStyle.FontColor = orangeTextColor
					} else {
						cell.FontStyle.FontColor = redTextColor
					}
				}
				return cell
			},
		}
		tablePainter := bottom.Child(charts.PainterPaddingOption(charts.NewBox(10, tableTitleBox.Height()+8, 0, 0)))
		if err := tablePainter.TableChart(tableOpt); err != nil {
			return resultBox, fmt.Errorf("error rendering table: %w", err)
		}
		// charts does not report table sizes, render again directly to measure
		tableOpt.Width = bottom.Width()
		if tp, _ := charts.TableOptionRenderDirect(tableOpt); tp != nil {
			resultBox.Bottom += tableTitleBox.Height() + tp.Height()
		} else {
			resultBox.Bottom += bottom.Height()
		}
	}

	if title != "" {
		p.Text(title, (p.Width()/2)-(titleBox.Width()/2), titleBox.Height(), 0, titleFont)
	}
	return resultBox, nil
}

func skippedColor(skipped, total int) charts.Color {
	if skipped == 0 {
		return greenTextColor
	} else if skipped*5 < total {
		return orangeTextColor
	}
	return redTextColor
}

func axisUnitForMax(val int) float64 {
	if val >= 8000 {
		return 2000
	} else if val > 2000 {
		return 1000
	} else if val >= 800 {
		return 200
	} else if val > 200 {
		return 100
	} else if val >= 80 {
		return 20
	} else if val > 20 {
		return 10
	} else if val >= 10 {
		return 2
	}
	return 1
}
