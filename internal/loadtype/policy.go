package loadtype

// CachePolicy controls whether a cache tier is consulted and populated.
type CachePolicy struct {
	Read  bool
	Write bool
}

// Cache policy presets.
var (
	CacheEnabled   = CachePolicy{Read: true, Write: true}
	CacheReadOnly  = CachePolicy{Read: true}
	CacheWriteOnly = CachePolicy{Write: true}
	CacheDisabled  = CachePolicy{}
)

// String returns the string representation of the policy.
func (p CachePolicy) String() string {
	switch {
	case p.Read && p.Write:
		return "enabled"
	case p.Read:
		return "read_only"
	case p.Write:
		return "write_only"
	default:
		return "disabled"
	}
}

// ParseCachePolicy parses the output of CachePolicy.String.
func ParseCachePolicy(s string) (CachePolicy, bool) {
	switch s {
	case "enabled", "":
		return CacheEnabled, true
	case "read_only":
		return CacheReadOnly, true
	case "write_only":
		return CacheWriteOnly, true
	case "disabled":
		return CacheDisabled, true
	default:
		return CachePolicy{}, false
	}
}
