// Package msads extracts Microsoft Advertising data through the
// Reporting API. Every table is one report request: submit the report,
// poll until the service has built it, download the CSV, and strip the
// metadata preamble and copyright footer before typing the rows.
package msads

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/fetch"
	"github.com/adlift/adferry/internal/frame"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/warehouse"
)

const (
	// Name is the platform identifier used in configs and reports.
	Name = "msads"

	// BaseURL is the Reporting API endpoint, versioned.
	BaseURL = "https://reporting.api.bingads.microsoft.com/Reporting/v13"
)

// Warehouse table names.
const (
	TableAccount            = "microsoft_ads_account"
	TableCampaign           = "microsoft_ads_campaign"
	TableAdGroup            = "microsoft_ads_ad_group"
	TableKeywordPerformance = "microsoft_ads_keyword_performance"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 60

	// maxHeaderScan bounds the search for the CSV header row; reports
	// open with a short block of metadata lines.
	maxHeaderScan = 30
)

// reportSpec maps a warehouse table to its Reporting API request. The
// header column anchors CSV parsing: the first row containing it is the
// real header. Summary reports carry no TimePeriod, so the account
// report anchors on a metric column instead.
type reportSpec struct {
	request     string
	aggregation string
	headerCol   string
}

var reports = map[string]reportSpec{
	TableAccount:            {request: "AccountPerformanceReportRequest", aggregation: "Summary", headerCol: "Conversions"},
	TableCampaign:           {request: "CampaignPerformanceReportRequest", aggregation: "Monthly", headerCol: "TimePeriod"},
	TableAdGroup:            {request: "AdGroupPerformanceReportRequest", aggregation: "Monthly", headerCol: "TimePeriod"},
	TableKeywordPerformance: {request: "KeywordPerformanceReportRequest", aggregation: "Daily", headerCol: "TimePeriod"},
}

// metricColumns are the measures the service pads with blanks on rows
// without delivery; rows where every present measure is blank are
// dropped before typing.
var metricColumns = []string{"Clicks", "Conversions", "Impressions", "Spend"}

// Spec returns the declared Microsoft Advertising table set. Report
// columns keep the API's CamelCase names; the chains rename them to
// warehouse columns.
func Spec() pipeline.PlatformSpec {
	return pipeline.PlatformSpec{
		Name: Name,
		Tables: []pipeline.TableSpec{
			{
				Name: TableAccount,
				Fields: []string{
					"AccountId", "AccountName", "AccountNumber",
					"Clicks", "Conversions", "Impressions", "Spend",
					"AverageCpc", "AverageCpm", "Ctr",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"AccountId":     "account_id",
						"AccountName":   "account_name",
						"AccountNumber": "account_number",
						"Clicks":        "clicks",
						"Conversions":   "conversions",
						"Impressions":   "impressions",
						"Spend":         "spend",
						"AverageCpc":    "average_cpc",
						"AverageCpm":    "average_cpm",
						"Ctr":           "ctr",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"clicks", "conversions", "impressions", "spend",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeReplace},
			},
			{
				Name: TableCampaign,
				Fields: []string{
					"AccountId", "AccountName", "CampaignId", "CampaignName",
					"CampaignStatus", "TimePeriod",
					"Clicks", "Conversions", "Impressions", "Spend",
					"AverageCpc", "AverageCpm", "Ctr",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"AccountId":      "account_id",
						"AccountName":    "account_name",
						"CampaignId":     "campaign_id",
						"CampaignName":   "campaign_name",
						"CampaignStatus": "campaign_status",
						"TimePeriod":     "time_period",
						"Clicks":         "clicks",
						"Conversions":    "conversions",
						"Impressions":    "impressions",
						"Spend":          "spend",
						"AverageCpc":     "average_cpc",
						"AverageCpm":     "average_cpm",
						"Ctr":            "ctr",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"clicks", "conversions", "impressions", "spend",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{
					Mode:      warehouse.ModeUpsert,
					PKColumns: []string{"campaign_id", "time_period"},
				},
			},
			{
				Name: TableAdGroup,
				Fields: []string{
					"AccountId", "CampaignId", "CampaignName",
					"AdGroupId", "AdGroupName", "TimePeriod",
					"Clicks", "Conversions", "Impressions", "Spend",
					"AverageCpc", "AverageCpm", "Ctr",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"AccountId":    "account_id",
						"CampaignId":   "campaign_id",
						"CampaignName": "campaign_name",
						"AdGroupId":    "adgroup_id",
						"AdGroupName":  "adgroup_name",
						"TimePeriod":   "time_period",
						"Clicks":       "clicks",
						"Conversions":  "conversions",
						"Impressions":  "impressions",
						"Spend":        "spend",
						"AverageCpc":   "average_cpc",
						"AverageCpm":   "average_cpm",
						"Ctr":          "ctr",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"clicks", "conversions", "impressions", "spend",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{
					Mode:      warehouse.ModeUpsert,
					PKColumns: []string{"adgroup_id", "time_period"},
				},
			},
			{
				// Keyword rows arrive split by device; the chain sums
				// the split back out and drops the device column.
				Name: TableKeywordPerformance,
				Fields: []string{
					"AccountId", "CampaignId", "AdGroupId",
					"KeywordId", "Keyword", "TimePeriod", "DeviceType",
					"Clicks", "Conversions", "Impressions", "Spend",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"AccountId":   "account_id",
						"CampaignId":  "campaign_id",
						"AdGroupId":   "adgroup_id",
						"KeywordId":   "keyword_id",
						"Keyword":     "keyword",
						"TimePeriod":  "time_period",
						"DeviceType":  "device_type",
						"Clicks":      "clicks",
						"Conversions": "conversions",
						"Impressions": "impressions",
						"Spend":       "spend",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"clicks", "conversions", "impressions", "spend",
					}}},
					{Name: "aggregate_by_entity", Params: processing.Params{
						"entity_columns": []any{"keyword_id", "time_period"},
						"metric_columns": []any{"clicks", "conversions", "impressions", "spend"},
					}},
					{Name: "drop_columns", Params: processing.Params{"columns": []any{"device_type"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{
					Mode:      warehouse.ModeAppend,
					PKColumns: []string{"keyword_id", "time_period"},
				},
			},
		},
	}
}

// Option tunes the extractor.
type Option func(*Extractor)

// WithPollInterval sets the wait between report status polls.
func WithPollInterval(d time.Duration) Option {
	return func(x *Extractor) { x.pollInterval = d }
}

// WithMaxPolls caps how many status polls a report gets before the
// extraction gives up.
func WithMaxPolls(n int) Option {
	return func(x *Extractor) { x.maxPolls = n }
}

// Extractor fetches Microsoft Advertising report tables. One instance
// serves all tables of the platform; routing is by table name.
type Extractor struct {
	client       *fetch.Client
	accounts     []string
	pollInterval time.Duration
	maxPolls     int
	log          *zap.Logger
}

// NewExtractor builds the extractor. Accounts scope every report
// request and must not be empty at extraction time.
func NewExtractor(client *fetch.Client, accounts []string, log *zap.Logger, opts ...Option) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	x := &Extractor{
		client:       client,
		accounts:     accounts,
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
		log:          log,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract runs the submit/poll/download cycle for one table.
func (x *Extractor) Extract(ctx context.Context, req pipeline.Request) (*frame.Frame, error) {
	rs, ok := reports[req.Table]
	if !ok {
		return nil, etlerr.Configf("msads.extract", "unknown table %q", req.Table).ForPlatform(Name)
	}
	if len(x.accounts) == 0 {
		return nil, etlerr.Configf("msads.extract", "%s: no account ids configured", req.Table).ForPlatform(Name)
	}

	id, err := x.submit(ctx, rs, req)
	if err != nil {
		return nil, err
	}
	x.log.Debug("report submitted",
		zap.String("platform", Name),
		zap.String("table", req.Table),
		zap.String("request_id", id))

	downloadURL, err := x.await(ctx, req.Table, id)
	if err != nil {
		return nil, err
	}
	if downloadURL == "" {
		// Success with no download URL: the range had no data.
		return frame.FromRows(nil, req.Fields), nil
	}

	raw, err := x.client.Do(ctx, http.MethodGet, downloadURL, nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := parseReport(raw, rs.headerCol)
	if err != nil {
		return nil, err
	}
	rows = dropMetricGapRows(rows)
	x.log.Debug("report downloaded",
		zap.String("platform", Name),
		zap.String("table", req.Table),
		zap.Int("rows", len(rows)))
	return frame.FromRows(rows, req.Fields), nil
}

func (x *Extractor) submit(ctx context.Context, rs reportSpec, req pipeline.Request) (string, error) {
	body := map[string]any{
		"ReportRequest": map[string]any{
			"Type":        rs.request,
			"Format":      "Csv",
			"Aggregation": rs.aggregation,
			"Columns":     req.Fields,
			"Scope":       map[string]any{"AccountIds": x.accountIDs()},
			"Time": map[string]any{
				"CustomDateRangeStart": dateParts(req.DateRange.Start),
				"CustomDateRangeEnd":   dateParts(req.DateRange.End),
			},
		},
	}
	var res struct {
		ReportRequestID string `json:"ReportRequestId"`
	}
	if err := x.client.PostJSON(ctx, "GenerateReport/Submit", nil, body, &res); err != nil {
		return "", err
	}
	if res.ReportRequestID == "" {
		return "", etlerr.Dataf("msads.submit", "%s: submit returned no request id", req.Table).ForPlatform(Name)
	}
	return res.ReportRequestID, nil
}

// await polls the report status until the service finishes building it.
// An Error status is a data problem upstream; running out of polls is a
// transport problem worth retrying.
func (x *Extractor) await(ctx context.Context, table, id string) (string, error) {
	body := map[string]any{"ReportRequestId": id}
	for attempt := 0; attempt < x.maxPolls; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(x.pollInterval):
			case <-ctx.Done():
				return "", etlerr.Transport("msads.poll", ctx.Err()).ForPlatform(Name)
			}
		}
		var res struct {
			ReportRequestStatus struct {
				Status            string `json:"Status"`
				ReportDownloadURL string `json:"ReportDownloadUrl"`
			} `json:"ReportRequestStatus"`
		}
		if err := x.client.PostJSON(ctx, "GenerateReport/Poll", nil, body, &res); err != nil {
			return "", err
		}
		switch res.ReportRequestStatus.Status {
		case "Success":
			return res.ReportRequestStatus.ReportDownloadURL, nil
		case "Error":
			return "", etlerr.Dataf("msads.poll", "%s: report %s failed upstream", table, id).ForPlatform(Name)
		}
	}
	return "", etlerr.Transportf("msads.poll", "%s: report %s not ready after %d polls", table, id, x.maxPolls).ForPlatform(Name)
}

func (x *Extractor) accountIDs() []any {
	out := make([]any, 0, len(x.accounts))
	for _, a := range x.accounts {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, a)
	}
	return out
}

func dateParts(t time.Time) map[string]int {
	return map[string]int{"Year": t.Year(), "Month": int(t.Month()), "Day": t.Day()}
}

// parseReport reads a downloaded CSV: locates the header row by the
// anchor column, drops the copyright footer, and types the cells the
// way the warehouse expects them.
func parseReport(raw []byte, headerCol string) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, etlerr.Data("msads.report", fmt.Errorf("parse report csv: %w", err)).ForPlatform(Name)
	}

	headerAt := -1
scan:
	for i, rec := range records {
		if i >= maxHeaderScan {
			break
		}
		for _, cell := range rec {
			if cell == headerCol {
				headerAt = i
				break scan
			}
		}
	}
	if headerAt < 0 {
		return nil, etlerr.Dataf("msads.report", "no header row with %q in report", headerCol).ForPlatform(Name)
	}

	header := records[headerAt]
	var rows []map[string]any
	for _, rec := range records[headerAt+1:] {
		if footerRow(rec) {
			continue
		}
		row := make(map[string]any, len(header))
		blank := true
		for j, cell := range rec {
			if j >= len(header) {
				break
			}
			v := normalizeCell(header[j], cell)
			if v != nil {
				blank = false
			}
			row[header[j]] = v
		}
		if blank {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalizeCell types one CSV cell. Ctr arrives as a percentage and is
// stored as a fraction.
func normalizeCell(col, cell string) any {
	s := strings.TrimSpace(cell)
	if s == "" {
		return nil
	}
	if col == "Ctr" {
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return nil
		}
		return f / 100
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func footerRow(rec []string) bool {
	for _, cell := range rec {
		if strings.Contains(cell, "©") || strings.Contains(cell, "Microsoft Corporation") {
			return true
		}
	}
	return false
}

func dropMetricGapRows(rows []map[string]any) []map[string]any {
	out := rows[:0]
	for _, row := range rows {
		present, empty := 0, 0
		for _, col := range metricColumns {
			v, ok := row[col]
			if !ok {
				continue
			}
			present++
			if v == nil {
				empty++
			}
		}
		if present > 0 && present == empty {
			continue
		}
		out = append(out, row)
	}
	return out
}
