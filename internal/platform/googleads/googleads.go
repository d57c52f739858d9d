// Package googleads extracts Google Ads data through the REST search
// endpoint. Every table is one GAQL query posted per customer account
// under the manager hierarchy; results come back as nested camelCase
// objects that flatten to dotted column names ("metrics.costMicros"),
// which the processing chains rename to warehouse columns.
package googleads

import (
	"context"
	"fmt"
	"sort"
	"sync"

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
	Name = "googleads"

	// BaseURL is the Google Ads REST endpoint, versioned.
	BaseURL = "https://googleads.googleapis.com/v18"
)

// Warehouse table names.
const (
	TableAccount      = "google_ads_account"
	TableCampaign     = "google_ads_campaign"
	TableReport       = "google_ads_report"
	TableAdCreatives  = "google_ads_ad_creatives"
	TablePlacement    = "google_ads_placement"
	TableCostByDevice = "google_ads_cost_by_device"
)

// ManagerCustomerID is the MCC account whose hierarchy seeds the
// customer list when none is configured.
const ManagerCustomerID = "9474097201"

const searchPageSize = 10000

// placementLimit keeps the top placements per ad group by impressions;
// the long tail is noise for reporting.
const placementLimit = 25

// companyAccounts maps manager account ids to company ids.
var companyAccounts = map[string]any{
	"9474097201": 1,
	"4619434319": 1,
}

// GAQL query per table. Date-windowed queries carry two placeholders
// filled from the request range.
const (
	queryHierarchy = `SELECT customer_client.client_customer, customer_client.level,` +
		` customer_client.manager, customer_client.descriptive_name,` +
		` customer_client.currency_code, customer_client.time_zone,` +
		` customer_client.id, customer_client.status FROM customer_client`

	queryCampaign = `SELECT campaign.start_date, campaign.end_date, campaign.name,` +
		` campaign.id, campaign.serving_status, customer.id, campaign.status` +
		` FROM campaign WHERE segments.date BETWEEN '%s' AND '%s'`

	queryAdReport = `SELECT metrics.clicks, metrics.conversions, metrics.average_cpc,` +
		` metrics.average_cost, metrics.average_cpm, metrics.impressions,` +
		` metrics.cost_micros, ad_group_ad.ad.id, ad_group.id, campaign.id,` +
		` metrics.ctr, segments.date, customer.id FROM ad_group_ad` +
		` WHERE segments.date BETWEEN '%s' AND '%s'`

	queryAdCreatives = `SELECT ad_group_ad.ad.type, ad_group_ad.ad.name,` +
		` ad_group_ad.ad.id, ad_group.id, customer.id FROM ad_group_ad`

	queryPlacementServing = `SELECT group_placement_view.placement,` +
		` group_placement_view.placement_type, group_placement_view.display_name,` +
		` group_placement_view.target_url, ad_group.id, metrics.impressions,` +
		` metrics.active_view_ctr, customer.id FROM group_placement_view` +
		` WHERE campaign.serving_status IN ('ENDED','SERVING')` +
		` AND segments.date BETWEEN '%s' AND '%s' ORDER BY metrics.impressions DESC`

	queryPlacementPaused = `SELECT group_placement_view.placement,` +
		` group_placement_view.placement_type, group_placement_view.display_name,` +
		` group_placement_view.target_url, ad_group.id, metrics.impressions,` +
		` metrics.active_view_ctr, customer.id FROM group_placement_view` +
		` WHERE campaign.status IN ('PAUSED')` +
		` AND segments.date BETWEEN '%s' AND '%s' ORDER BY metrics.impressions DESC`

	queryCostByDeviceServing = `SELECT ad_group_ad.ad.id, metrics.cost_micros,` +
		` metrics.clicks, segments.device, customer.id FROM ad_group_ad` +
		` WHERE campaign.serving_status IN ('ENDED','SERVING')`

	queryCostByDevicePaused = `SELECT ad_group_ad.ad.id, metrics.cost_micros,` +
		` metrics.clicks, segments.device, customer.id FROM ad_group_ad` +
		` WHERE campaign.status IN ('PAUSED')`
)

// Spec returns the declared Google Ads table set.
func Spec() pipeline.PlatformSpec {
	return pipeline.PlatformSpec{
		Name: Name,
		Tables: []pipeline.TableSpec{
			{
				Name: TableAccount,
				Fields: []string{
					"id", "descriptiveName", "manager", "status",
					"currencyCode", "timeZone", "level", "clientCustomer", "manager_id",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"descriptiveName": "descriptive_name",
						"currencyCode":    "currency_code",
						"timeZone":        "time_zone",
						"clientCustomer":  "client_customer",
					}}},
					{Name: "add_company", Params: processing.Params{
						"mapping":        companyAccounts,
						"account_column": "manager_id",
						"column":         "companyid",
						"default":        1,
					}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"id"}},
			},
			{
				Name: TableCampaign,
				Fields: []string{
					"campaign.id", "campaign.name", "campaign.status",
					"campaign.servingStatus", "campaign.startDate", "campaign.endDate",
					"customer.id",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"campaign.id":            "campaign_id",
						"campaign.name":          "campaign_name",
						"campaign.status":        "status",
						"campaign.servingStatus": "serving_status",
						"campaign.startDate":     "start_date",
						"campaign.endDate":       "end_date",
						"customer.id":            "customer_id_google",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"campaign_id"}},
			},
			{
				Name: TableReport,
				Fields: []string{
					"adGroupAd.ad.id", "adGroup.id", "campaign.id",
					"metrics.clicks", "metrics.conversions", "metrics.averageCpc",
					"metrics.averageCost", "metrics.averageCpm", "metrics.impressions",
					"metrics.costMicros", "metrics.ctr", "segments.date", "customer.id",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"adGroupAd.ad.id":     "ad_id",
						"adGroup.id":          "adgroup_id",
						"campaign.id":         "campaign_id",
						"metrics.clicks":      "clicks",
						"metrics.conversions": "conversions",
						"metrics.averageCpc":  "average_cpc",
						"metrics.averageCost": "average_cost",
						"metrics.averageCpm":  "average_cpm",
						"metrics.impressions": "impressions",
						"metrics.costMicros":  "cost_micros",
						"metrics.ctr":         "ctr",
						"segments.date":       "date",
						"customer.id":         "customer_id_google",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"clicks", "conversions", "impressions", "ctr",
						"cost_micros", "average_cpc", "average_cost", "average_cpm",
					}}},
					{Name: "convert_costs", Params: processing.Params{"columns": []any{
						"cost_micros", "average_cpc", "average_cost", "average_cpm",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeAppend, PKColumns: []string{"ad_id", "date"}},
			},
			{
				Name: TableAdCreatives,
				Fields: []string{
					"adGroupAd.ad.id", "adGroupAd.ad.name", "adGroupAd.ad.type",
					"adGroup.id", "customer.id",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"adGroupAd.ad.id":   "ad_id",
						"adGroupAd.ad.name": "ad_name",
						"adGroupAd.ad.type": "ad_type",
						"adGroup.id":        "adgroup_id",
						"customer.id":       "customer_id_google",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeUpsert, PKColumns: []string{"ad_id"}},
			},
			{
				Name: TablePlacement,
				Fields: []string{
					"groupPlacementView.placement", "groupPlacementView.placementType",
					"groupPlacementView.displayName", "groupPlacementView.targetUrl",
					"adGroup.id", "metrics.impressions", "metrics.activeViewCtr",
					"customer.id",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"groupPlacementView.placement":     "placement",
						"groupPlacementView.placementType": "placement_type",
						"groupPlacementView.displayName":   "display_name",
						"groupPlacementView.targetUrl":     "target_url",
						"adGroup.id":                       "id",
						"metrics.impressions":              "impressions",
						"metrics.activeViewCtr":            "active_view_ctr",
						"customer.id":                      "customer_id_google",
					}}},
					{Name: "replace_nan_with_zero", Params: processing.Params{"columns": []any{
						"impressions", "active_view_ctr",
					}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeReplace},
			},
			{
				Name: TableCostByDevice,
				Fields: []string{
					"adGroupAd.ad.id", "metrics.costMicros", "metrics.clicks",
					"segments.device", "customer.id",
				},
				Processing: []processing.StepConfig{
					{Name: "rename_column", Params: processing.Params{"mapping": map[string]any{
						"adGroupAd.ad.id":    "ad_id",
						"metrics.costMicros": "cost_micros",
						"metrics.clicks":     "clicks",
						"segments.device":    "device",
						"customer.id":        "customer_id_google",
					}}},
					{Name: "aggregate_by_entity", Params: processing.Params{
						"entity_columns": []any{"ad_id", "device"},
						"metric_columns": []any{"cost_micros", "clicks"},
					}},
					{Name: "convert_costs", Params: processing.Params{"columns": []any{"cost_micros"}}},
					{Name: "add_row_loaded_date"},
				},
				Load: warehouse.Options{Mode: warehouse.ModeReplace},
			},
		},
	}
}

// Extractor runs GAQL searches across every customer account under the
// manager hierarchy. The customer list is resolved once per run.
type Extractor struct {
	client  *fetch.Client
	manager string
	log     *zap.Logger

	mu        sync.Mutex
	customers []string
}

// NewExtractor builds the extractor. An empty manager id falls back to
// the default MCC.
func NewExtractor(client *fetch.Client, managerID string, log *zap.Logger) *Extractor {
	if managerID == "" {
		managerID = ManagerCustomerID
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{
		client:  client,
		manager: managerID,
		log:     log.With(zap.String("platform", Name)),
	}
}

// Extract routes the request to the table's GAQL query.
func (x *Extractor) Extract(ctx context.Context, req pipeline.Request) (*frame.Frame, error) {
	var (
		rows []map[string]any
		err  error
	)
	switch req.Table {
	case TableAccount:
		rows, err = x.accountRows(ctx)
	case TableCampaign:
		rows, err = x.queryAll(ctx, dateQuery(queryCampaign, req.DateRange))
	case TableReport:
		rows, err = x.queryAll(ctx, dateQuery(queryAdReport, req.DateRange))
	case TableAdCreatives:
		rows, err = x.queryAll(ctx, queryAdCreatives)
	case TablePlacement:
		rows, err = x.placementRows(ctx, req.DateRange)
	case TableCostByDevice:
		rows, err = x.costByDeviceRows(ctx)
	default:
		return nil, etlerr.Configf("googleads.extract", "unknown table %q", req.Table).ForPlatform(Name)
	}
	if err != nil {
		return nil, err
	}
	return frame.FromRows(rows, req.Fields), nil
}

// searchResponse is the googleAds:search envelope.
type searchResponse struct {
	Results       []map[string]any `json:"results"`
	NextPageToken string           `json:"nextPageToken"`
}

// search posts one GAQL query for one customer, walking nextPageToken
// to the end.
func (x *Extractor) search(ctx context.Context, customerID, gaql string) ([]map[string]any, error) {
	body := map[string]any{"query": gaql, "pageSize": searchPageSize}
	var out []map[string]any
	for {
		var res searchResponse
		if err := x.client.PostJSON(ctx, "customers/"+customerID+"/googleAds:search", nil, body, &res); err != nil {
			return nil, err
		}
		out = append(out, res.Results...)
		if res.NextPageToken == "" {
			return out, nil
		}
		body["pageToken"] = res.NextPageToken
	}
}

// accountRows walks the customer hierarchy: the manager's direct
// clients first, then the clients of any nested manager accounts. Each
// row carries the manager id it was found under.
func (x *Extractor) accountRows(ctx context.Context) ([]map[string]any, error) {
	results, err := x.search(ctx, x.manager, queryHierarchy)
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	var nested []string
	for _, res := range results {
		cc, ok := res["customerClient"].(map[string]any)
		if !ok {
			continue
		}
		row := flatten(cc)
		row["manager_id"] = x.manager
		out = append(out, row)
		if isManager(cc) {
			id := frame.Stringify(cc["id"])
			if id != "" && id != x.manager {
				nested = append(nested, id)
			}
		}
	}

	for _, managerID := range nested {
		children, err := x.search(ctx, managerID, queryHierarchy)
		if err != nil {
			x.log.Warn("nested manager query failed",
				zap.String("manager", managerID), zap.Error(err))
			continue
		}
		for _, res := range children {
			cc, ok := res["customerClient"].(map[string]any)
			if !ok || isManager(cc) {
				continue
			}
			row := flatten(cc)
			row["manager_id"] = managerID
			out = append(out, row)
		}
	}
	return out, nil
}

// customerIDs resolves the non-manager accounts the data queries run
// against, cached for the life of the extractor.
func (x *Extractor) customerIDs(ctx context.Context) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.customers != nil {
		return x.customers, nil
	}

	rows, err := x.accountRows(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, row := range rows {
		if b, _ := row["manager"].(bool); b {
			continue
		}
		id := frame.Stringify(row["id"])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	x.customers = ids
	return ids, nil
}

// queryAll runs one GAQL query for every customer account and
// concatenates the flattened rows. A customer that fails is logged and
// skipped; the error only propagates when no customer produced rows.
func (x *Extractor) queryAll(ctx context.Context, gaql string) ([]map[string]any, error) {
	ids, err := x.customerIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	var firstErr error
	for _, id := range ids {
		results, err := x.search(ctx, id, gaql)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			x.log.Warn("customer query failed", zap.String("customer", id), zap.Error(err))
			continue
		}
		for _, res := range results {
			out = append(out, flatten(res))
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// placementRows merges the serving and paused placement queries and
// keeps the top placements per ad group.
func (x *Extractor) placementRows(ctx context.Context, dr pipeline.DateRange) ([]map[string]any, error) {
	serving, err := x.queryAll(ctx, dateQuery(queryPlacementServing, dr))
	if err != nil {
		return nil, err
	}
	paused, err := x.queryAll(ctx, dateQuery(queryPlacementPaused, dr))
	if err != nil {
		return nil, err
	}
	return topPlacements(append(serving, paused...), placementLimit), nil
}

// costByDeviceRows merges the serving and paused device queries; the
// aggregate_by_entity step collapses the overlap.
func (x *Extractor) costByDeviceRows(ctx context.Context) ([]map[string]any, error) {
	serving, err := x.queryAll(ctx, queryCostByDeviceServing)
	if err != nil {
		return nil, err
	}
	paused, err := x.queryAll(ctx, queryCostByDevicePaused)
	if err != nil {
		return nil, err
	}
	return append(serving, paused...), nil
}

// topPlacements keeps the highest-impression placements per ad group,
// preserving first-seen group order.
func topPlacements(rows []map[string]any, limit int) []map[string]any {
	byGroup := map[string][]map[string]any{}
	var order []string
	for _, row := range rows {
		key := frame.Stringify(row["adGroup.id"])
		if _, ok := byGroup[key]; !ok {
			order = append(order, key)
		}
		byGroup[key] = append(byGroup[key], row)
	}

	var out []map[string]any
	for _, key := range order {
		group := byGroup[key]
		sort.SliceStable(group, func(i, j int) bool {
			a, _ := frame.ToFloat(group[i]["metrics.impressions"])
			b, _ := frame.ToFloat(group[j]["metrics.impressions"])
			return a > b
		})
		if len(group) > limit {
			group = group[:limit]
		}
		out = append(out, group...)
	}
	return out
}

// dateQuery fills a query's BETWEEN placeholders from the request
// window.
func dateQuery(q string, dr pipeline.DateRange) string {
	return fmt.Sprintf(q, dr.Start.Format("2006-01-02"), dr.End.Format("2006-01-02"))
}

func isManager(cc map[string]any) bool {
	b, _ := cc["manager"].(bool)
	return b
}

// flatten joins nested object keys with ".", matching the search
// response shape ("metrics.costMicros", "adGroupAd.ad.id").
func flatten(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	flattenInto(out, "", obj)
	return out
}

func flattenInto(out map[string]any, prefix string, obj map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok {
			flattenInto(out, key, m)
			continue
		}
		out[key] = v
	}
}
