// Package gcp implements the GCP connector for tagwarden. GCP calls tags
// "labels"; they are treated as case-folded tags.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/internal/normalize"
	"github.com/yairfalse/tagwarden/internal/retry"
	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// Resource types listed by the connector.
const (
	TypeComputeInstance = "compute-instance"
	TypeStorageBucket   = "storage-bucket"
)

var (
	labelKey   = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)
	labelValue = regexp.MustCompile(`^[a-z0-9_-]{0,63}$`)
)

// Config holds GCP connector configuration.
type Config struct {
	Project         string
	Regions         []string
	ResourceTypes   []string
	CredentialsFile string
	Page            connector.PageOptions
}

// Connector lists and labels resources of one project.
type Connector struct {
	project   string
	regions   []string
	types     []string
	instances InstancesAPI
	buckets   BucketsAPI
	page      connector.PageOptions
}

// New creates a connector using Application Default Credentials, or the
// given credentials file.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("gcp: project required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	instances, buckets, err := newClients(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcp clients: %w", err)
	}
	return NewWithClients(cfg, instances, buckets)
}

// NewWithClients creates a connector from prebuilt clients.
func NewWithClients(cfg Config, instances InstancesAPI, buckets BucketsAPI) (*Connector, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("gcp: project required")
	}
	types := cfg.ResourceTypes
	if len(types) == 0 {
		types = []string{TypeComputeInstance, TypeStorageBucket}
	}
	for _, t := range types {
		if t != TypeComputeInstance && t != TypeStorageBucket {
			return nil, fmt.Errorf("gcp: unsupported resource type %q", t)
		}
	}

	page := cfg.Page
	if page.Name == "" {
		page.Name = "gcp"
	}
	return &Connector{
		project:   cfg.Project,
		regions:   slices.Clone(cfg.Regions),
		types:     slices.Clone(types),
		instances: instances,
		buckets:   buckets,
		page:      page,
	}, nil
}

// Provider returns the provider identifier.
func (c *Connector) Provider() string { return "gcp" }

// KeyMode returns the tag key semantics: label keys are lower case.
func (c *Connector) KeyMode() resource.KeyMode { return resource.KeyFold }

// ResourceTypes returns the configured resource types.
func (c *Connector) ResourceTypes() []string { return slices.Clone(c.types) }

// Regions returns a single global listing. Instances come from the
// aggregated list and are filtered to the configured regions.
func (c *Connector) Regions(string) []string { return []string{""} }

// List lazily yields instances or buckets of the project.
func (c *Connector) List(ctx context.Context, resourceType, _ string) iter.Seq2[native.Record, error] {
	var fetch connector.PageFunc
	switch resourceType {
	case TypeComputeInstance:
		fetch = c.instancePages()
	case TypeStorageBucket:
		fetch = c.bucketPages()
	default:
		return func(yield func(native.Record, error) bool) {
			yield(nil, retry.Permanent(fmt.Errorf("gcp: unsupported resource type %q", resourceType)))
		}
	}

	opts := c.page
	opts.Name = fmt.Sprintf("%s %s", c.page.Name, resourceType)
	log.Debug().Str("type", resourceType).Str("project", c.project).Msg("listing gcp resources")
	return connector.Paginate(ctx, fetch, opts)
}

func (c *Connector) instancePages() connector.PageFunc {
	var token string
	return func(ctx context.Context) (connector.Page, error) {
		out, err := c.instances.AggregatedList(ctx, c.project, token)
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("aggregated list instances: %w", err))
		}

		scopes := slices.Sorted(maps.Keys(out.Items))
		var recs []native.Record
		for _, scope := range scopes {
			for _, inst := range out.Items[scope].Instances {
				r := c.convertInstance(inst)
				if len(c.regions) > 0 && !slices.Contains(c.regions, normalize.ZoneRegion(r.Zone)) {
					continue
				}
				recs = append(recs, r)
			}
		}

		token = out.NextPageToken
		return connector.Page{Records: recs, Done: token == ""}, nil
	}
}

func (c *Connector) convertInstance(inst *compute.Instance) *native.GCPRecord {
	zone := lastSegment(inst.Zone)
	return &native.GCPRecord{
		ResourceID: instanceID(c.project, zone, inst.Name),
		Kind:       TypeComputeInstance,
		Name:       inst.Name,
		Zone:       zone,
		Labels:     inst.Labels,
		Attrs: map[string]string{
			"id":           strconv.FormatUint(inst.Id, 10),
			"machine_type": lastSegment(inst.MachineType),
			"status":       inst.Status,
		},
	}
}

func (c *Connector) bucketPages() connector.PageFunc {
	var token string
	return func(ctx context.Context) (connector.Page, error) {
		out, err := c.buckets.List(ctx, c.project, token)
		if err != nil {
			return connector.Page{}, classify(fmt.Errorf("list buckets: %w", err))
		}

		recs := make([]native.Record, 0, len(out.Items))
		for _, b := range out.Items {
			recs = append(recs, &native.GCPRecord{
				ResourceID: b.Name,
				Kind:       TypeStorageBucket,
				Name:       b.Name,
				Location:   strings.ToLower(b.Location),
				Labels:     b.Labels,
				Attrs:      map[string]string{"storage_class": b.StorageClass},
			})
		}

		token = out.NextPageToken
		return connector.Page{Records: recs, Done: token == ""}, nil
	}
}

// ApplyTags writes labels. Keys or values the label charset rejects fail
// permanently on their own; the rest are written in one call.
func (c *Connector) ApplyTags(ctx context.Context, ref connector.Ref, changes map[string]string) (connector.ApplyResult, error) {
	var res connector.ApplyResult
	valid := make(map[string]string, len(changes))
	for _, k := range sortedKeys(changes) {
		if err := validateLabel(k, changes[k]); err != nil {
			res.Failed = append(res.Failed, connector.TagFailure{Key: k, Err: retry.Permanent(err)})
			continue
		}
		valid[k] = changes[k]
	}
	if len(valid) == 0 {
		return res, nil
	}

	var err error
	switch ref.ResourceType {
	case TypeComputeInstance:
		err = c.setInstanceLabels(ctx, ref.NativeID, valid)
	case TypeStorageBucket:
		err = c.buckets.Patch(ctx, ref.NativeID, valid)
	default:
		return connector.ApplyResult{}, retry.Permanent(fmt.Errorf("gcp: unsupported resource type %q", ref.ResourceType))
	}

	if err != nil {
		failed := connector.FailAll(valid, classify(fmt.Errorf("set labels %s: %w", ref.NativeID, err)))
		res.Failed = append(res.Failed, failed.Failed...)
	} else {
		res.Applied = sortedKeys(valid)
	}
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Key < res.Failed[j].Key })
	return res, nil
}

// setInstanceLabels replaces the instance's label set with the current
// labels merged with changes. The fingerprint guards against concurrent
// writers; a stale fingerprint surfaces as a retryable 412.
func (c *Connector) setInstanceLabels(ctx context.Context, id string, changes map[string]string) error {
	project, zone, name, err := parseInstanceID(id)
	if err != nil {
		return retry.Permanent(err)
	}
	inst, err := c.instances.Get(ctx, project, zone, name)
	if err != nil {
		return err
	}
	labels := maps.Clone(inst.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	maps.Copy(labels, changes)
	return c.instances.SetLabels(ctx, project, zone, name, &compute.InstancesSetLabelsRequest{
		Labels:           labels,
		LabelFingerprint: inst.LabelFingerprint,
	})
}

// FetchTags re-reads the live labels of one resource.
func (c *Connector) FetchTags(ctx context.Context, ref connector.Ref) (map[string]string, error) {
	var labels map[string]string
	switch ref.ResourceType {
	case TypeComputeInstance:
		project, zone, name, err := parseInstanceID(ref.NativeID)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		inst, err := c.instances.Get(ctx, project, zone, name)
		if err != nil {
			return nil, classify(fmt.Errorf("get instance %s: %w", ref.NativeID, err))
		}
		labels = inst.Labels
	case TypeStorageBucket:
		b, err := c.buckets.Get(ctx, ref.NativeID)
		if err != nil {
			return nil, classify(fmt.Errorf("get bucket %s: %w", ref.NativeID, err))
		}
		labels = b.Labels
	default:
		return nil, retry.Permanent(fmt.Errorf("gcp: unsupported resource type %q", ref.ResourceType))
	}

	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

func validateLabel(key, value string) error {
	if !labelKey.MatchString(key) {
		return fmt.Errorf("invalid label key %q", key)
	}
	if !labelValue.MatchString(value) {
		return fmt.Errorf("invalid value %q for label %q", value, key)
	}
	return nil
}

func instanceID(project, zone, name string) string {
	return fmt.Sprintf("projects/%s/zones/%s/instances/%s", project, zone, name)
}

func parseInstanceID(id string) (project, zone, name string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "zones" || parts[4] != "instances" {
		return "", "", "", errors.New("malformed instance id " + strconv.Quote(id))
	}
	return parts[1], parts[3], parts[5], nil
}

func lastSegment(s string) string {
	return s[strings.LastIndex(s, "/")+1:]
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

var (
	_ connector.Connector = (*Connector)(nil)
	_ BucketsAPI          = storageBuckets{}
	_ InstancesAPI        = computeInstances{}
)
