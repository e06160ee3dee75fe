// Package connectortest provides an in-memory Connector for tests.
package connectortest

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sort"
	"sync"

	"github.com/yairfalse/tagwarden/internal/connector"
	"github.com/yairfalse/tagwarden/pkg/native"
	"github.com/yairfalse/tagwarden/pkg/resource"
)

type keyFailure struct {
	remaining int
	err       error
}

// Fake is an in-memory provider. Live tags are the source of truth for
// both List and FetchTags, so applied changes are visible to later scans.
type Fake struct {
	mu       sync.Mutex
	provider string
	mode     resource.KeyMode
	types    []string
	regions  map[string][]string
	records  map[string][]string // type → native ids
	regionOf map[string]string
	tags     map[string]map[string]string
	listErr  map[string]error
	failKeys map[string]*keyFailure
	fetchErr error
	applyErr error

	// ApplyCalls records every ApplyTags change set.
	ApplyCalls []map[string]string
	// OnApply runs before each ApplyTags call.
	OnApply func(ref connector.Ref, changes map[string]string)
}

// New creates an empty fake. aws compares keys exactly; other providers fold.
func New(provider string) *Fake {
	mode := resource.KeyFold
	if provider == "aws" {
		mode = resource.KeyExact
	}
	return &Fake{
		provider: provider,
		mode:     mode,
		regions:  make(map[string][]string),
		records:  make(map[string][]string),
		regionOf: make(map[string]string),
		tags:     make(map[string]map[string]string),
		listErr:  make(map[string]error),
		failKeys: make(map[string]*keyFailure),
	}
}

// Add registers a resource with its live tags.
func (f *Fake) Add(resourceType, id, region string, tags map[string]string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[resourceType]; !ok {
		f.types = append(f.types, resourceType)
		sort.Strings(f.types)
	}
	f.records[resourceType] = append(f.records[resourceType], id)
	f.regionOf[id] = region
	live := make(map[string]string, len(tags))
	for k, v := range tags {
		live[resource.NormalizeKey(f.mode, k)] = v
	}
	f.tags[id] = live
	return f
}

// Remove deletes a resource from the provider.
func (f *Fake) Remove(resourceType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.records[resourceType]
	for i, v := range ids {
		if v == id {
			f.records[resourceType] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	delete(f.tags, id)
}

// SetTag changes a live tag out of band.
func (f *Fake) SetTag(id, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[id][resource.NormalizeKey(f.mode, key)] = value
}

// Tags returns a copy of the live tags of id.
func (f *Fake) Tags(id string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.tags[id])
}

// FailList makes List of resourceType fail with err.
func (f *Fake) FailList(resourceType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[resourceType]; !ok {
		f.records[resourceType] = nil
		f.types = append(f.types, resourceType)
		sort.Strings(f.types)
	}
	f.listErr[resourceType] = err
}

// FailKey rejects key in the next n ApplyTags calls. n < 0 fails forever.
func (f *Fake) FailKey(key string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKeys[key] = &keyFailure{remaining: n, err: err}
}

// FailApply makes ApplyTags return err without attempting any key.
func (f *Fake) FailApply(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErr = err
}

// FailFetch makes FetchTags return err.
func (f *Fake) FailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// SetRegions overrides the regions listed for a type.
func (f *Fake) SetRegions(resourceType string, regions ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[resourceType] = regions
}

func (f *Fake) Provider() string          { return f.provider }
func (f *Fake) KeyMode() resource.KeyMode { return f.mode }

func (f *Fake) ResourceTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.types...)
}

func (f *Fake) Regions(resourceType string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.regions[resourceType]; ok {
		return r
	}
	return []string{""}
}

func (f *Fake) List(ctx context.Context, resourceType, region string) iter.Seq2[native.Record, error] {
	return func(yield func(native.Record, error) bool) {
		f.mu.Lock()
		err := f.listErr[resourceType]
		var recs []native.Record
		for _, id := range f.records[resourceType] {
			if region != "" && f.regionOf[id] != region {
				continue
			}
			recs = append(recs, f.record(resourceType, id))
		}
		f.mu.Unlock()

		if err != nil {
			yield(nil, err)
			return
		}
		for _, r := range recs {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (f *Fake) record(resourceType, id string) native.Record {
	tags := maps.Clone(f.tags[id])
	region := f.regionOf[id]
	switch f.provider {
	case "aws":
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		list := make([]native.Tag, 0, len(keys))
		for _, k := range keys {
			list = append(list, native.Tag{Key: k, Value: tags[k]})
		}
		return &native.AWSRecord{ResourceID: id, ResourceType: resourceType, Region: region, Name: id, Tags: list}
	case "azure":
		az := make(map[string]*string, len(tags))
		for k, v := range tags {
			az[k] = &v
		}
		return &native.AzureRecord{ResourceID: id, Name: id, ARMType: resourceType, Location: region, Tags: az}
	default:
		return &native.GCPRecord{ResourceID: id, Kind: resourceType, Name: id, Location: region, Labels: tags}
	}
}

func (f *Fake) ApplyTags(_ context.Context, ref connector.Ref, changes map[string]string) (connector.ApplyResult, error) {
	if f.OnApply != nil {
		f.OnApply(ref, changes)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.ApplyCalls = append(f.ApplyCalls, maps.Clone(changes))
	if f.applyErr != nil {
		return connector.ApplyResult{}, f.applyErr
	}
	live, ok := f.tags[ref.NativeID]
	if !ok {
		return connector.ApplyResult{}, fmt.Errorf("resource %s not found", ref.NativeID)
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var res connector.ApplyResult
	for _, k := range keys {
		if kf, ok := f.failKeys[k]; ok && kf.remaining != 0 {
			kf.remaining--
			res.Failed = append(res.Failed, connector.TagFailure{Key: k, Err: kf.err})
			continue
		}
		live[resource.NormalizeKey(f.mode, k)] = changes[k]
		res.Applied = append(res.Applied, k)
	}
	return res, nil
}

func (f *Fake) FetchTags(_ context.Context, ref connector.Ref) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	live, ok := f.tags[ref.NativeID]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", ref.NativeID)
	}
	return maps.Clone(live), nil
}

var _ connector.Connector = (*Fake)(nil)
