// Package linkedin declares the LinkedIn Ads table set and the
// extractor that feeds it from the Marketing API. Campaigns, audiences,
// and accounts are descriptive catalogs fetched per advertiser account;
// insights are daily creative-level metrics fanned out over the
// campaign ids already loaded in the warehouse, and creatives resolve
// the creative ids referenced by those insights.
package linkedin

import (
	"context"
	"fmt"
	"sort"
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
const Name = "linkedin"

// BaseURL is the versioned Marketing API root.
const BaseURL = "https://api.linkedin.com/rest"

// Table names as they exist in the warehouse.
const (
	TableAccount          = "linkedin_ads_account"
	TableCampaign         = "linkedin_ads_campaign"
	TableAudience         = "linkedin_ads_audience"
	TableCampaignAudience = "linkedin_ads_campaign_audience"
	TableInsights         = "linkedin_ads_insights"
	TableCreative         = "linkedin_ads_creative"
)

// companyAccounts maps advertiser account ids to internal company ids.
// Unmapped accounts fall back to company 1.
var companyAccounts = map[string]any{
	"503427986": 1,
	"510686676": 1,
	"512866551": 30,
	"512065861": 23,
	"506509802": 32,
	"506522380": 19,
	"511420282": 2,
	"511422249": 20,
}

// AccountIDs returns the configured advertiser accounts in stable order.
func AccountIDs() []string {
	ids := make([]string, 0, len(companyAccounts))
	for id := range companyAccounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// insightFields is the adAnalytics field set requested per campaign.
var insightFields = []string{
	"actionClicks",
	"adUnitClicks",
	"clicks",
	"comments",
	"costInLocalCurrency",
	"landingPageClicks",
	"likes",
	"reactions",
	"shares",
	"totalEngagements",
	"dateRange",
	"pivotValues",
	"impressions",
	"externalWebsiteConversions",
	"conversionValueInLocalCurrency",
}

// Spec returns the declared LinkedIn table set: extraction routes,
// processing chains, and load modes. Insights and creatives are driven
// by keys loaded earlier in the same run, so they sort after their
// driver tables.
func Spec() pipeline.PlatformSpec {
	return pipeline.PlatformSpec{
		Name: Name,
		Tables: []pipeline.TableSpec{
			{
				Name:   TableAccount,
				Path:   "adAccounts",
				Fields: []string{"id", "name", "currency", "status", "type", "test"},
				Processing: []processing.StepConfig{
					{Name: "add_company", Params: processing.Params{
						"mapping": companyAccounts, "account_column": "id",
						"column": "companyid", "default": 1,
					}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeAppend, PKColumns: []string{"id"}},
			},
			{
				Name: TableCampaign,
				Path: "adCampaigns",
				Fields: []string{
					"id", "name", "account", "campaignGroup", "status", "type",
					"objectiveType", "costType", "runSchedule_start", "runSchedule_end",
				},
				Processing: []processing.StepConfig{
					{Name: "modify_urn_account", Params: processing.Params{"column": "account"}},
					{Name: "extract_id_from_urn", Params: processing.Params{"columns": []any{"campaignGroup"}}},
					{Name: "convert_unix_timestamp", Params: processing.Params{"columns": []any{"runSchedule_start", "runSchedule_end"}}},
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"account":           "account_id",
						"campaignGroup":     "campaign_group_id",
						"runSchedule_start": "schedule_start",
						"runSchedule_end":   "schedule_end",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeAppend, PKColumns: []string{"id"}},
			},
			{
				Name:   TableAudience,
				Path:   "adSegments",
				Fields: []string{"id", "name", "type", "status"},
				Processing: []processing.StepConfig{
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeAppend, PKColumns: []string{"id"}},
			},
			{
				Name:   TableCampaignAudience,
				Path:   "adCampaigns",
				Fields: []string{"campaign_id", "audience"},
				Processing: []processing.StepConfig{
					{Name: "extract_id_from_urn", Params: processing.Params{"columns": []any{"audience"}}},
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{"audience": "audience_id"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeAppend, PKColumns: []string{"campaign_id", "audience_id"}},
			},
			{
				Name: TableInsights,
				Path: "adAnalytics",
				Fields: []string{
					"campaign_id", "pivotValue",
					"dateRange_start_year", "dateRange_start_month", "dateRange_start_day",
					"impressions", "clicks", "actionClicks", "adUnitClicks", "comments",
					"costInLocalCurrency", "landingPageClicks", "likes", "reactions",
					"shares", "totalEngagements", "externalWebsiteConversions",
					"conversionValueInLocalCurrency",
				},
				Processing: []processing.StepConfig{
					{Name: "build_date_field", Params: processing.Params{
						"year_column":  "dateRange_start_year",
						"month_column": "dateRange_start_month",
						"day_column":   "dateRange_start_day",
						"target":       "date",
					}},
					{Name: "extract_id_from_urn", Params: processing.Params{"columns": []any{"pivotValue"}}},
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"pivotValue":          "creative_id",
						"costInLocalCurrency": "cost",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"impressions", "clicks", "cost", "actionClicks", "adUnitClicks",
						"comments", "landingPageClicks", "likes", "reactions", "shares",
						"totalEngagements", "externalWebsiteConversions",
						"conversionValueInLocalCurrency",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Driver: &pipeline.DriverQuery{Table: TableCampaign},
				Load: warehouse.Options{
					Mode:      warehouse.ModeAppend,
					PKColumns: []string{"campaign_id", "creative_id", "date"},
				},
			},
			{
				Name:   TableCreative,
				Path:   "creatives",
				Fields: []string{"id", "campaign", "intendedStatus", "isServing", "createdAt", "lastModifiedAt"},
				Processing: []processing.StepConfig{
					{Name: "extract_id_from_urn", Params: processing.Params{"columns": []any{"id", "campaign"}}},
					{Name: "convert_unix_timestamp", Params: processing.Params{"columns": []any{"createdAt", "lastModifiedAt"}}},
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"campaign":       "campaign_id",
						"createdAt":      "created_at",
						"lastModifiedAt": "last_modified_at",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Driver: &pipeline.DriverQuery{Table: TableInsights, KeyColumn: "creative_id"},
				Load:   warehouse.Options{Mode: warehouse.ModeAppend, PKColumns: []string{"id"}},
			},
		},
	}
}

// Extractor fetches LinkedIn table payloads. One instance serves all
// tables of the platform; routing is by table name, the same names the
// spec declares.
type Extractor struct {
	client   *fetch.Client
	accounts []string
	log      *zap.Logger
}

// NewExtractor builds the extractor. Empty accounts falls back to the
// built-in account set.
func NewExtractor(client *fetch.Client, accounts []string, log *zap.Logger) *Extractor {
	if len(accounts) == 0 {
		accounts = AccountIDs()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{client: client, accounts: accounts, log: log.With(zap.String("platform", Name))}
}

// Extract routes the request to the table's endpoint.
func (x *Extractor) Extract(ctx context.Context, req pipeline.Request) (*frame.Frame, error) {
	var (
		rows []map[string]any
		err  error
	)
	switch req.Table {
	case TableAccount:
		rows, err = x.accountRows(ctx)
	case TableCampaign:
		rows, err = x.campaignRows(ctx)
	case TableAudience:
		rows, err = x.audienceRows(ctx)
	case TableCampaignAudience:
		rows, err = x.campaignAudienceRows(ctx)
	case TableInsights:
		rows, err = x.insightRows(ctx, req)
	case TableCreative:
		rows, err = x.creativeRows(ctx, req.DriverKeys)
	default:
		return nil, etlerr.Configf("linkedin.extract", "unknown table %q", req.Table).ForPlatform(Name)
	}
	if err != nil {
		return nil, err
	}
	return frame.FromRows(rows, req.Fields), nil
}

// accountRows lists the advertiser accounts visible to the token and
// keeps the configured ones.
func (x *Extractor) accountRows(ctx context.Context) ([]map[string]any, error) {
	raw, err := x.client.Rows(ctx, "adAccounts?q=search", nil, "elements")
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range x.accounts {
		want[id] = true
	}
	var out []map[string]any
	for _, obj := range raw {
		id := frame.Stringify(obj["id"])
		if i := strings.LastIndexByte(id, ':'); i >= 0 {
			id = id[i+1:]
		}
		if !want[id] {
			continue
		}
		row := flatten(obj)
		row["id"] = id
		out = append(out, row)
	}
	return out, nil
}

// campaignSearch is the exact status filter the API expects; its
// parentheses must not be percent-encoded.
const campaignSearch = "search=(status:(values:List(ACTIVE,PAUSED,COMPLETED,ARCHIVED)))"

func (x *Extractor) accountCampaigns(ctx context.Context, account string) ([]map[string]any, error) {
	path := fmt.Sprintf("adAccounts/%s/adCampaigns?q=search&%s", account, campaignSearch)
	return x.client.Rows(ctx, path, nil, "elements")
}

func (x *Extractor) campaignRows(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	for _, account := range x.accounts {
		raw, err := x.accountCampaigns(ctx, account)
		if err != nil {
			return nil, err
		}
		for _, obj := range raw {
			out = append(out, flatten(obj))
		}
	}
	return out, nil
}

func (x *Extractor) audienceRows(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	for _, account := range x.accounts {
		// The accounts list param keeps the URN colons pre-encoded; the
		// rest of the expression stays literal.
		path := fmt.Sprintf("adSegments?q=accounts&count=400&accounts=List(urn%%3Ali%%3AsponsoredAccount%%3A%s)", account)
		raw, err := x.client.Rows(ctx, path, nil, "elements")
		if err != nil {
			return nil, err
		}
		for _, obj := range raw {
			out = append(out, flatten(obj))
		}
	}
	return out, nil
}

// campaignAudienceRows re-reads campaigns with their targeting criteria
// and emits one row per matched audience segment.
func (x *Extractor) campaignAudienceRows(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	for _, account := range x.accounts {
		raw, err := x.accountCampaigns(ctx, account)
		if err != nil {
			return nil, err
		}
		for _, obj := range raw {
			id := frame.Stringify(obj["id"])
			for _, urn := range targetingSegments(obj["targetingCriteria"]) {
				out = append(out, map[string]any{"campaign_id": id, "audience": urn})
			}
		}
	}
	return out, nil
}

// insightRows fetches daily creative analytics for every driver
// campaign. A campaign whose fetch fails is logged and skipped; the
// error propagates only when no campaign produced rows.
func (x *Extractor) insightRows(ctx context.Context, req pipeline.Request) ([]map[string]any, error) {
	dr := req.DateRange
	dateParam := fmt.Sprintf("(start:(year:%d,month:%d,day:%d),end:(year:%d,month:%d,day:%d))",
		dr.Start.Year(), int(dr.Start.Month()), dr.Start.Day(),
		dr.End.Year(), int(dr.End.Month()), dr.End.Day())

	var out []map[string]any
	var firstErr error
	for _, campaignID := range req.DriverKeys {
		if err := ctx.Err(); err != nil {
			return nil, etlerr.Transport("linkedin.insights", err).ForPlatform(Name)
		}
		path := fmt.Sprintf(
			"adAnalytics?q=analytics&pivot=CREATIVE&timeGranularity=DAILY&campaigns=List(urn%%3Ali%%3AsponsoredCampaign%%3A%s)&dateRange=%s&fields=%s",
			campaignID, dateParam, strings.Join(insightFields, ","))
		raw, err := x.client.Rows(ctx, path, nil, "elements")
		if err != nil {
			x.log.Warn("insights fetch failed for campaign",
				zap.String("campaign_id", campaignID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, obj := range raw {
			row := flatten(obj)
			row["campaign_id"] = campaignID
			if pv, ok := obj["pivotValues"].([]any); ok && len(pv) > 0 {
				row["pivotValue"] = pv[0]
			}
			out = append(out, row)
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// creativeRows resolves each driver creative id, trying every account
// until one owns it. Ids not found anywhere are skipped.
func (x *Extractor) creativeRows(ctx context.Context, ids []string) ([]map[string]any, error) {
	var out []map[string]any
	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, etlerr.Transport("linkedin.creatives", err).ForPlatform(Name)
		}
		found := false
		for _, account := range x.accounts {
			path := fmt.Sprintf("adAccounts/%s/creatives/urn%%3Ali%%3AsponsoredCreative%%3A%s", account, id)
			var obj map[string]any
			if err := x.client.GetJSON(ctx, path, nil, &obj); err != nil {
				if k, _ := etlerr.KindOf(err); k != etlerr.KindData && firstErr == nil {
					firstErr = err
				}
				continue
			}
			out = append(out, flatten(obj))
			found = true
			break
		}
		if !found {
			x.log.Debug("creative not found in any account", zap.String("creative_id", id))
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// flatten expands nested objects into parent_child keys, the column
// names the processing chains address. Arrays pass through untouched.
func flatten(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]any, prefix string, obj map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if m, ok := v.(map[string]any); ok {
			flattenInto(out, key, m)
			continue
		}
		out[key] = v
	}
}

// targetingSegments walks a campaign's targeting criteria and returns
// the matched-audience segment URNs.
func targetingSegments(criteria any) []string {
	root, ok := criteria.(map[string]any)
	if !ok {
		return nil
	}
	include, ok := root["include"].(map[string]any)
	if !ok {
		return nil
	}
	and, ok := include["and"].([]any)
	if !ok {
		return nil
	}
	var urns []string
	for _, clause := range and {
		m, ok := clause.(map[string]any)
		if !ok {
			continue
		}
		or, ok := m["or"].(map[string]any)
		if !ok {
			continue
		}
		for facet, vals := range or {
			if !strings.Contains(facet, "audienceMatchingSegments") {
				continue
			}
			arr, ok := vals.([]any)
			if !ok {
				continue
			}
			for _, v := range arr {
				if s, ok := v.(string); ok {
					urns = append(urns, s)
				}
			}
		}
	}
	sort.Strings(urns)
	return urns
}
