// Package native holds provider-native resource records as returned by
// connectors, before normalization. Each provider has its own variant;
// nothing outside the normalizer should inspect vendor fields.
package native

// Record is a provider-native resource record.
// The set of implementations is closed: AWSRecord, AzureRecord, GCPRecord.
type Record interface {
	// Provider returns the cloud provider that produced the record.
	Provider() string
	// ID returns the provider's identifier for the resource.
	ID() string
	sealed()
}

// Tag is a single AWS key/value pair.
type Tag struct {
	Key   string
	Value string
}

// AWSRecord is a resource as listed through the AWS SDK.
// Tags keep the list shape AWS returns.
type AWSRecord struct {
	ResourceID   string
	ResourceType string
	Region       string
	Name         string
	Tags         []Tag
	Attrs        map[string]string
	TagErr       error
}

func (r *AWSRecord) Provider() string { return "aws" }
func (r *AWSRecord) ID() string       { return r.ResourceID }
func (*AWSRecord) sealed()            {}

// AzureRecord is a generic ARM resource.
type AzureRecord struct {
	ResourceID string
	Name       string
	ARMType    string
	Location   string
	Tags       map[string]*string
	Attrs      map[string]string
	TagErr     error
}

func (r *AzureRecord) Provider() string { return "azure" }
func (r *AzureRecord) ID() string       { return r.ResourceID }
func (*AzureRecord) sealed()            {}

// GCPRecord is a GCP resource carrying labels.
type GCPRecord struct {
	ResourceID string
	Kind       string
	Name       string
	Zone       string
	Location   string
	Labels     map[string]string
	Attrs      map[string]string
	TagErr     error
}

func (r *GCPRecord) Provider() string { return "gcp" }
func (r *GCPRecord) ID() string       { return r.ResourceID }
func (*GCPRecord) sealed()            {}
