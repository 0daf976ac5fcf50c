// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"slices"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/pkg/errors"
)

// PlotlyCDN is the Plotly.js script loaded by the HTML pages created by WriteHTML.
const PlotlyCDN = "https://cdn.plot.ly/plotly-2.34.0.min.js"

var htmlTemplate = template.Must(template.New("plotly").Funcs(template.FuncMap{
	"last": func(i int, a []string) bool { return i == len(a)-1 },
}).Parse(`<!DOCTYPE html>
<head>
	<meta charset="utf-8">
	<script src="{{ .CDN }}"></script>
</head>
<body>
{{- range $i, $f := .Figures }}
	<div id="plot{{ $i }}"></div>
	{{- if not (last $i $.Figures) }}<hr>{{ end }}
{{- end }}
<script>
{{- range $i, $f := .Figures }}
	Plotly.newPlot('plot{{ $i }}', JSON.parse(atob('{{ $f }}')));
{{- end }}
</script>
</body>
</html>`))

// metricTypes returns the sorted metric types present in all models.
func metricTypes(models []Points) []string {
	var types []string
	for _, points := range models {
		for _, stepPoints := range points {
			for _, p := range stepPoints {
				if !slices.Contains(types, p.MetricType) {
					types = append(types, p.MetricType)
				}
			}
		}
	}
	slices.Sort(types)
	return types
}

// figure creates the Plotly figure of one metric type, with one line per model and metric.
func figure(metricType string, names []string, models []Points) *grob.Fig {
	yAxisType := grob.LayoutYaxisTypeLinear
	if metricType == "loss" {
		yAxisType = grob.LayoutYaxisTypeLog
	}
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{Text: ptypes.S(metricType)},
			Xaxis: &grob.LayoutXaxis{Showgrid: ptypes.B(true), Type: grob.LayoutXaxisTypeLog},
			Yaxis: &grob.LayoutYaxis{Showgrid: ptypes.B(true), Type: yAxisType},
		},
	}
	for modelIdx, points := range models {
		for _, metricName := range points.MetricsNames() {
			steps, values := points.Series(metricName)
			if len(steps) == 0 || points.metricType(metricName) != metricType {
				continue
			}
			name := metricName
			if len(models) > 1 {
				name = fmt.Sprintf("%s: %s", names[modelIdx], metricName)
			}
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(name),
				Line: &grob.ScatterLine{Shape: grob.ScatterLineShapeLinear},
				Mode: "lines+markers",
				X:    ptypes.DataArray(steps),
				Y:    ptypes.DataArray(values),
			})
		}
	}
	return fig
}

// metricType returns the type of the first point with the given metric name.
func (points Points) metricType(metricName string) string {
	for _, step := range points.Steps() {
		for _, p := range points[step] {
			if p.MetricName == metricName {
				return p.MetricType
			}
		}
	}
	return ""
}

// WriteHTML writes a self-contained HTML page with interactive charts (Plotly) of the metrics of one or more
// models: one chart per metric type. names are used to label the lines of each model.
func WriteHTML(w io.Writer, names []string, models []Points) error {
	if len(names) != len(models) {
		return errors.Errorf("got %d names for %d models", len(names), len(models))
	}
	types := metricTypes(models)
	if len(types) == 0 {
		return errors.New("no metrics to plot")
	}
	figures := make([]string, 0, len(types))
	for _, metricType := range types {
		figJSON, err := json.Marshal(figure(metricType, names, models))
		if err != nil {
			return errors.Wrapf(err, "failed to serialize chart of %q", metricType)
		}
		figures = append(figures, base64.StdEncoding.EncodeToString(figJSON))
	}
	data := struct {
		CDN     string
		Figures []string
	}{PlotlyCDN, figures}
	if err := htmlTemplate.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render charts")
	}
	return nil
}

// WriteHTMLFile is like WriteHTML, but writes to the file in path, creating its directory if needed.
func WriteHTMLFile(path string, names []string, models []Points) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err = WriteHTML(f, names, models); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to write %q", path)
}
