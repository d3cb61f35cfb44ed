package engine

// DefaultWorkerTypeTag is the tag carrying the worker type when none is
// configured.
const DefaultWorkerTypeTag = "WorkerType"

// DefaultTagger tags every resource with its name, owner and worker type.
type DefaultTagger struct {
	// Owner is written to the Owner tag.
	Owner string

	// Prefix is prepended to the worker type in the worker type tag value
	// (e.g. "ec2-manager-prod/").
	Prefix string

	// WorkerTypeTag is the tag key used for the worker type.
	WorkerTypeTag string
}

// Generate implements Tagger.
func (t DefaultTagger) Generate(workerType string) []Tag {
	key := t.WorkerTypeTag
	if key == "" {
		key = DefaultWorkerTypeTag
	}

	tags := []Tag{
		{Key: "Name", Value: workerType},
		{Key: "ManagedBy", Value: "ec2-manager"},
		{Key: key, Value: t.Prefix + workerType},
	}
	if t.Owner != "" {
		tags = append(tags, Tag{Key: "Owner", Value: t.Owner})
	}
	return tags
}

// WorkerTypeFromTags recovers the worker type from a tag map written by
// DefaultTagger. It returns "" when the tag is absent.
func (t DefaultTagger) WorkerTypeFromTags(tags map[string]string) string {
	key := t.WorkerTypeTag
	if key == "" {
		key = DefaultWorkerTypeTag
	}

	v, ok := tags[key]
	if !ok || len(v) < len(t.Prefix) || v[:len(t.Prefix)] != t.Prefix {
		return ""
	}
	return v[len(t.Prefix):]
}

var _ Tagger = DefaultTagger{}
