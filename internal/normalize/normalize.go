// Package normalize maps provider-native records into canonical resources.
package normalize

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

// ErrMissingID is returned for records without a native id.
var ErrMissingID = errors.New("record has no native id")

// armTypes maps lower-cased ARM resource types to canonical types.
var armTypes = map[string]string{
	"microsoft.compute/virtualmachines":          "vm",
	"microsoft.storage/storageaccounts":          "storage-account",
	"microsoft.web/sites":                        "web-app",
	"microsoft.sql/servers/databases":            "sql-database",
	"microsoft.network/virtualnetworks":          "virtual-network",
	"microsoft.containerservice/managedclusters": "aks-cluster",
}

// Normalize converts one native record into a Resource observed at the
// given time. Unknown or missing fields are left empty; only a missing
// identity or an ambiguous tag set is an error.
func Normalize(rec native.Record, at time.Time) (resource.Resource, error) {
	if rec == nil {
		return resource.Resource{}, errors.New("nil record")
	}
	if rec.ID() == "" {
		return resource.Resource{}, fmt.Errorf("normalize %s record: %w", rec.Provider(), ErrMissingID)
	}

	var (
		r   resource.Resource
		err error
	)
	switch v := rec.(type) {
	case *native.AWSRecord:
		r, err = fromAWS(v)
	case *native.AzureRecord:
		r, err = fromAzure(v)
	case *native.GCPRecord:
		r, err = fromGCP(v)
	default:
		return resource.Resource{}, fmt.Errorf("normalize: unknown record type %T", rec)
	}
	if err != nil {
		return resource.Resource{}, fmt.Errorf("normalize %s: %w", resource.Key(rec.Provider(), rec.ID()), err)
	}
	r.LastScannedAt = at
	return r, nil
}

// Unreadable builds the resource for a record whose tags could not be
// normalized. Identity and attributes are kept, the tag set is empty and
// cause becomes its fetch error, so it evaluates as unknown. Records
// without an id yield false.
func Unreadable(rec native.Record, at time.Time, cause error) (resource.Resource, bool) {
	if rec == nil || rec.ID() == "" || cause == nil {
		return resource.Resource{}, false
	}

	var r resource.Resource
	switch v := rec.(type) {
	case *native.AWSRecord:
		c := *v
		c.Tags = nil
		r, _ = fromAWS(&c)
	case *native.AzureRecord:
		c := *v
		c.Tags = nil
		r, _ = fromAzure(&c)
	case *native.GCPRecord:
		c := *v
		c.Labels = nil
		r, _ = fromGCP(&c)
	default:
		return resource.Resource{}, false
	}
	r.FetchError = cause.Error()
	r.LastScannedAt = at
	return r, true
}

func fromAWS(v *native.AWSRecord) (resource.Resource, error) {
	tags := make(map[string]string, len(v.Tags))
	for _, t := range v.Tags {
		if _, dup := tags[t.Key]; dup {
			return resource.Resource{}, fmt.Errorf("duplicate tag key %q", t.Key)
		}
		tags[t.Key] = t.Value
	}
	return resource.Resource{
		Provider:   "aws",
		NativeID:   v.ResourceID,
		Type:       v.ResourceType,
		Region:     v.Region,
		Name:       v.Name,
		Tags:       tags,
		KeyMode:    resource.KeyExact,
		Metadata:   maps.Clone(v.Attrs),
		FetchError: errString(v.TagErr),
	}, nil
}

func fromAzure(v *native.AzureRecord) (resource.Resource, error) {
	tags := make(map[string]string, len(v.Tags))
	for k, val := range v.Tags {
		folded := strings.ToLower(k)
		if _, dup := tags[folded]; dup {
			return resource.Resource{}, fmt.Errorf("tag keys collide after case folding: %q", folded)
		}
		if val == nil {
			tags[folded] = ""
			continue
		}
		tags[folded] = *val
	}
	return resource.Resource{
		Provider:   "azure",
		NativeID:   v.ResourceID,
		Type:       ARMType(v.ARMType),
		Region:     strings.ToLower(v.Location),
		Name:       v.Name,
		Tags:       tags,
		KeyMode:    resource.KeyFold,
		Metadata:   maps.Clone(v.Attrs),
		FetchError: errString(v.TagErr),
	}, nil
}

func fromGCP(v *native.GCPRecord) (resource.Resource, error) {
	tags, err := foldKeys(v.Labels)
	if err != nil {
		return resource.Resource{}, err
	}
	region := v.Location
	if region == "" {
		region = ZoneRegion(v.Zone)
	}
	md := maps.Clone(v.Attrs)
	if v.Zone != "" {
		if md == nil {
			md = map[string]string{}
		}
		md["zone"] = v.Zone
	}
	return resource.Resource{
		Provider:   "gcp",
		NativeID:   v.ResourceID,
		Type:       v.Kind,
		Region:     region,
		Name:       v.Name,
		Tags:       tags,
		KeyMode:    resource.KeyFold,
		Metadata:   md,
		FetchError: errString(v.TagErr),
	}, nil
}

// ARMType maps an ARM resource type to its canonical type. Unknown types
// keep the lower-cased ARM type.
func ARMType(t string) string {
	lower := strings.ToLower(t)
	if canonical, ok := armTypes[lower]; ok {
		return canonical
	}
	return lower
}

// ZoneRegion strips the zone suffix: "us-central1-a" → "us-central1".
// Values that are not zones are returned as is.
func ZoneRegion(zone string) string {
	if strings.Count(zone, "-") < 2 {
		return zone
	}
	return zone[:strings.LastIndex(zone, "-")]
}

func foldKeys(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		folded := strings.ToLower(k)
		if _, dup := out[folded]; dup {
			return nil, fmt.Errorf("tag keys collide after case folding: %q", folded)
		}
		out[folded] = v
	}
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
