// Package azure implements the Azure connector for tagwarden on top of the
// generic Resource Manager APIs.
package azure

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Resource types listed by the connector.
const (
	TypeVM             = "vm"
	TypeStorageAccount = "storage-account"
)

// ARMTypes maps canonical types to ARM resource types.
var ARMTypes = map[string]string{
	TypeVM:             "Microsoft.Compute/virtualMachines",
	TypeStorageAccount: "Microsoft.Storage/storageAccounts",
}

// ResourcesAPI lists generic ARM resources.
type ResourcesAPI interface {
	NewListPager(options *armresources.ClientListOptions) *runtime.Pager[armresources.ClientListResponse]
}

// TagsAPI reads and patches tags at a resource scope.
type TagsAPI interface {
	GetAtScope(ctx context.Context, scope string, options *armresources.TagsClientGetAtScopeOptions) (armresources.TagsClientGetAtScopeResponse, error)
	UpdateAtScope(ctx context.Context, scope string, parameters armresources.TagsPatchResource, options *armresources.TagsClientUpdateAtScopeOptions) (armresources.TagsClientUpdateAtScopeResponse, error)
}

// Config holds Azure connector configuration.
type Config struct {
	SubscriptionID string
	Locations      []string
	ResourceTypes  []string
	Page           connector.PageOptions
}

// Connector lists and tags resources of one subscription.
type Connector struct {
	locations []string
	types     []string
	resources ResourcesAPI
	tags      TagsAPI
	page      connector.PageOptions
}

// New creates a connector authenticated with the default Azure credential
// chain (environment, workload identity, managed identity, Azure CLI).
func New(cfg Config) (*Connector, error) {
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("azure: subscription id required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	resources, err := armresources.NewClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create resources client: %w", err)
	}
	tags, err := armresources.NewTagsClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create tags client: %w", err)
	}
	return NewWithClients(cfg, resources, tags)
}

// NewWithClients creates a connector from prebuilt clients.
func NewWithClients(cfg Config, resources ResourcesAPI, tags TagsAPI) (*Connector, error) {
	types := cfg.ResourceTypes
	if len(types) == 0 {
		types = []string{TypeVM, TypeStorageAccount}
	}
	for _, t := range types {
		if _, ok := ARMTypes[t]; !ok {
			return nil, fmt.Errorf("azure: unsupported resource type %q", t)
		}
	}

	locations := make([]string, 0, len(cfg.Locations))
	for _, l := range cfg.Locations {
		locations = append(locations, normalizeLocation(l))
	}

	page := cfg.Page
	if page.Name == "" {
		page.Name = "azure"
	}
	return &Connector{
		locations: locations,
		types:     slices.Clone(types),
		resources: resources,
		tags:      tags,
		page:      page,
	}, nil
}

// Provider returns the provider identifier.
func (c *Connector) Provider() string { return "azure" }

// KeyMode returns the tag key semantics: Azure keys are case-insensitive.
func (c *Connector) KeyMode() resource.KeyMode { return resource.KeyFold }

// ResourceTypes returns the configured resource types.
func (c *Connector) ResourceTypes() []string { return slices.Clone(c.types) }

// Regions returns a single global listing; the subscription-wide list is
// filtered to the configured locations client side.
func (c *Connector) Regions(string) []string { return []string{""} }

// List lazily yields ARM resources of one type.
func (c *Connector) List(ctx context.Context, resourceType, _ string) iter.Seq2[native.Record, error] {
	armType, ok := ARMTypes[resourceType]
	if !ok {
		return func(yield func(native.Record, error) bool) {
			yield(nil, retry.Permanent(fmt.Errorf("azure: unsupported resource type %q", resourceType)))
		}
	}

	pager := c.resources.NewListPager(&armresources.ClientListOptions{
		Filter: to.Ptr(fmt.Sprintf("resourceType eq '%s'", armType)),
	})

	// Pager.NextPage keeps its position when a fetch fails, so a retried
	// call fetches the same page again.
	fetch := func(ctx context.Context) (connector.Page, error) {
		if !pager.More() {
			return connector.Page{Done: true}, nil
		}
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list %s: %w", armType, err))
		}

		recs := make([]native.Record, 0, len(resp.Value))
		for _, res := range resp.Value {
			if res == nil || !c.inLocation(normalizeLocation(deref(res.Location))) {
				continue
			}
			recs = append(recs, convertResource(res))
		}
		return connector.Page{Records: recs, Done: !pager.More()}, nil
	}

	opts := c.page
	opts.Name = fmt.Sprintf("%s %s", c.page.Name, resourceType)
	log.Debug().Str("type", resourceType).Msg("listing azure resources")
	return connector.Paginate(ctx, fetch, opts)
}

func (c *Connector) inLocation(location string) bool {
	return len(c.locations) == 0 || slices.Contains(c.locations, location)
}

func convertResource(res *armresources.GenericResourceExpanded) *native.AzureRecord {
	r := &native.AzureRecord{
		ResourceID: deref(res.ID),
		Name:       deref(res.Name),
		ARMType:    deref(res.Type),
		Location:   normalizeLocation(deref(res.Location)),
		Tags:       res.Tags,
		Attrs:      map[string]string{},
	}
	if res.Kind != nil {
		r.Attrs["kind"] = *res.Kind
	}
	if res.SKU != nil && res.SKU.Name != nil {
		r.Attrs["sku"] = *res.SKU.Name
	}
	if res.ProvisioningState != nil {
		r.Attrs["provisioning_state"] = *res.ProvisioningState
	}
	if group := resourceGroup(r.ResourceID); group != "" {
		r.Attrs["resource_group"] = group
	}
	return r
}

// ApplyTags merges changes into the resource's tags with a single Merge
// patch. Keys not in changes are left untouched.
func (c *Connector) ApplyTags(ctx context.Context, ref connector.Ref, changes map[string]string) (connector.ApplyResult, error) {
	if len(changes) == 0 {
		return connector.ApplyResult{}, nil
	}

	tags := make(map[string]*string, len(changes))
	for k, v := range changes {
		tags[k] = to.Ptr(v)
	}
	_, err := c.tags.UpdateAtScope(ctx, ref.NativeID, armresources.TagsPatchResource{
		Operation:  to.Ptr(armresources.TagsPatchOperationMerge),
		Properties: &armresources.Tags{Tags: tags},
	}, nil)
	if err != nil {
		return connector.FailAll(changes, classify(fmt.Errorf("update tags %s: %w", ref.NativeID, err))), nil
	}
	return connector.AllApplied(changes), nil
}

// FetchTags re-reads the live tags of one resource with keys folded to
// lower case.
func (c *Connector) FetchTags(ctx context.Context, ref connector.Ref) (map[string]string, error) {
	resp, err := c.tags.GetAtScope(ctx, ref.NativeID, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("get tags %s: %w", ref.NativeID, err))
	}
	out := map[string]string{}
	if resp.Properties == nil {
		return out, nil
	}
	for k, v := range resp.Properties.Tags {
		out[strings.ToLower(k)] = deref(v)
	}
	return out, nil
}

// resourceGroup extracts the resource group segment of an ARM id.
func resourceGroup(id string) string {
	parts := strings.Split(id, "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "resourceGroups") {
			return parts[i+1]
		}
	}
	return ""
}

// normalizeLocation turns display names ("West Europe") into location
// names ("westeurope").
func normalizeLocation(l string) string {
	return strings.ToLower(strings.ReplaceAll(l, " ", ""))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ connector.Connector = (*Connector)(nil)
