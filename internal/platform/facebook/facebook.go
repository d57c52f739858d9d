// Package facebook declares the Facebook Ads table set and the Graph
// API extractor behind it. Catalog tables (account, campaign, ad set,
// custom conversion) are keyed snapshots kept current by upsert;
// insight tables carry per-ad lifetime metrics accumulated by
// increment loads, with the nested actions payload exploded into long
// form first.
package facebook

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/fetch"
	"github.com/adlift/adferry/internal/frame"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/warehouse"
)

// Name is the platform identifier used in configs and reports.
const Name = "facebook"

// BaseURL pins the Graph API version every request goes through.
const BaseURL = "https://graph.facebook.com/v19.0"

// Table names as they exist in the warehouse.
const (
	TableAccountInfo      = "fb_ads_account_info"
	TableCampaign         = "fb_ads_campaign"
	TableAdSet            = "fb_ads_ad_set"
	TableInsight          = "fb_ads_insight"
	TableInsightActions   = "fb_ads_insight_actions"
	TableCustomConversion = "fb_ads_custom_conversion"
)

// insightLookbackDays is the metric window per run; each load adds the
// window's counts onto the per-ad totals.
const insightLookbackDays = 7

const pageLimit = 1000

var insightFields = []string{
	"account_id", "campaign_id", "adset_id", "ad_id", "ad_name",
	"spend", "impressions", "reach", "inline_link_clicks",
	"inline_link_click_ctr", "clicks", "ctr", "cpc", "cpm",
}

var insightMetrics = []any{"spend", "impressions", "reach", "inline_link_clicks", "clicks"}

// Spec returns the declared Facebook table set.
func Spec() pipeline.PlatformSpec {
	return pipeline.PlatformSpec{
		Name: Name,
		Tables: []pipeline.TableSpec{
			{
				Name:   TableAccountInfo,
				Path:   "account",
				Fields: []string{"account_id", "name", "account_status", "age", "currency", "timezone_name", "created_time"},
				Processing: []processing.StepConfig{
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"account_id"}},
			},
			{
				Name:   TableCampaign,
				Path:   "campaigns",
				Fields: []string{"id", "name", "status", "configured_status", "effective_status", "created_time", "objective"},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{"id": "campaign_id"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"campaign_id"}},
			},
			{
				Name:   TableAdSet,
				Path:   "adsets",
				Fields: []string{"id", "name", "campaign_id", "start_time", "end_time", "destination_type", "optimization_goal"},
				Processing: []processing.StepConfig{
					{Name: "convert_nat_to_null", Params: processing.Params{"columns": []any{"start_time", "end_time"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"id"}},
			},
			{
				Name:         TableInsight,
				Path:         "insights",
				Fields:       insightFields,
				LookbackDays: insightLookbackDays,
				Processing: []processing.StepConfig{
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": insightMetrics}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{
					Mode:             warehouse.ModeIncrement,
					PKColumns:        []string{"ad_id"},
					IncrementColumns: []string{"spend", "impressions", "reach", "inline_link_clicks", "clicks"},
				},
			},
			{
				Name:         TableInsightActions,
				Path:         "insights",
				Fields:       []string{"ad_id", "actions"},
				LookbackDays: insightLookbackDays,
				Processing: []processing.StepConfig{
					{Name: "extract_nested_actions", Params: processing.Params{"column": "actions"}},
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{"action_value": "value"}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{"value"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{
					Mode:             warehouse.ModeIncrement,
					PKColumns:        []string{"ad_id", "action_type"},
					IncrementColumns: []string{"value"},
				},
			},
			{
				Name:   TableCustomConversion,
				Path:   "customconversions",
				Fields: []string{"id", "name", "custom_event_type", "rule", "default_conversion_value"},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{"id": "conversion_id"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"conversion_id"}},
			},
		},
	}
}

// Extractor fetches Facebook table payloads across the configured ad
// accounts, following Graph API cursor pagination.
type Extractor struct {
	client   *fetch.Client
	accounts []string
	log      *zap.Logger
}

// NewExtractor builds the extractor. Account ids may be bare or
// act_-prefixed.
func NewExtractor(client *fetch.Client, accounts []string, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	normalized := make([]string, 0, len(accounts))
	for _, id := range accounts {
		if !strings.HasPrefix(id, "act_") {
			id = "act_" + id
		}
		normalized = append(normalized, id)
	}
	return &Extractor{client: client, accounts: normalized, log: log.With(zap.String("platform", Name))}
}

// Extract routes the request to the table's Graph API edge.
func (x *Extractor) Extract(ctx context.Context, req pipeline.Request) (*frame.Frame, error) {
	if len(x.accounts) == 0 {
		return nil, etlerr.Configf("facebook.extract", "no ad accounts configured").ForPlatform(Name)
	}
	var (
		rows []map[string]any
		err  error
	)
	switch req.Table {
	case TableAccountInfo:
		rows, err = x.accountRows(ctx, req.Fields)
	case TableCampaign, TableAdSet, TableCustomConversion:
		rows, err = x.edgeRows(ctx, req.Path, req.Fields, nil)
	case TableInsight, TableInsightActions:
		rows, err = x.insightRows(ctx, req)
	default:
		return nil, etlerr.Configf("facebook.extract", "unknown table %q", req.Table).ForPlatform(Name)
	}
	if err != nil {
		return nil, err
	}
	return frame.FromRows(rows, req.Fields), nil
}

// accountRows reads each account node directly; the node endpoint
// returns a single object, not a data page.
func (x *Extractor) accountRows(ctx context.Context, fields []string) ([]map[string]any, error) {
	query := url.Values{"fields": {strings.Join(fields, ",")}}
	out := make([]map[string]any, 0, len(x.accounts))
	for _, account := range x.accounts {
		var obj map[string]any
		if err := x.client.GetJSON(ctx, account, query, &obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// page is the Graph API list envelope.
type page struct {
	Data   []map[string]any `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// edgeRows lists an account edge for every account, walking the
// pagination cursor to the end.
func (x *Extractor) edgeRows(ctx context.Context, edge string, fields []string, extra url.Values) ([]map[string]any, error) {
	var out []map[string]any
	for _, account := range x.accounts {
		query := url.Values{
			"fields": {strings.Join(fields, ",")},
			"limit":  {strconv.Itoa(pageLimit)},
		}
		for k, vs := range extra {
			query[k] = vs
		}
		path := account + "/" + edge
		for path != "" {
			var p page
			if err := x.client.GetJSON(ctx, path, query, &p); err != nil {
				return nil, err
			}
			out = append(out, p.Data...)
			// The next cursor is a full URL carrying all parameters.
			path, query = p.Paging.Next, nil
		}
	}
	return out, nil
}

// insightRows pulls ad-level metrics for the requested window. The
// actions variant shares the endpoint; only the field list differs.
func (x *Extractor) insightRows(ctx context.Context, req pipeline.Request) ([]map[string]any, error) {
	dr := req.DateRange
	timeRange := fmt.Sprintf(`{"since":"%s","until":"%s"}`,
		dr.Start.Format("2006-01-02"), dr.End.Format("2006-01-02"))
	extra := url.Values{
		"level":      {"ad"},
		"time_range": {timeRange},
	}
	return x.edgeRows(ctx, "insights", req.Fields, extra)
}
