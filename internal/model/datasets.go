package model

// Target is one entry of a user's target dataset. FlowTarget is the number
// of visit flows the runner should execute against the URL.
type Target struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	FlowTarget  int    `json:"flowTarget"`
	ClickTarget int    `json:"clickTarget"`
}

type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"` // nil means enabled
}

// Platform is a browser fingerprint used both for capability matching and
// for context shaping on the runner side.
type Platform struct {
	OS          string   `json:"os"`
	Browser     string   `json:"browser"`
	UserAgent   string   `json:"userAgent,omitempty"`
	Resolutions []string `json:"resolutions,omitempty"` // "1920x1080" form
}

// Range is an inclusive millisecond interval, picked from uniformly.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type HumanSurfing struct {
	AutoPageScrolling  *bool   `json:"autoPageScrolling,omitempty"` // nil means on
	AutoClick          bool    `json:"autoClick,omitempty"`
	ClickRatio         float64 `json:"clickRatio,omitempty"`
	AllowExternalClick bool    `json:"allowExternalClick,omitempty"`
}

// Settings is a user's settings profile. Overrides supplied on job
// creation are merged on top of the stored profile.
type Settings struct {
	InstanceCount     int          `json:"instanceCount,omitempty"`
	HumanSurfing      HumanSurfing `json:"humanSurfing,omitempty"`
	SessionDuration   *Range       `json:"sessionDuration,omitempty"`
	DelayBetweenFlows *Range       `json:"delayBetweenFlows,omitempty"`
}

// Merge layers caller-supplied overrides on top of a stored settings
// profile. Only fields the override actually sets replace the profile's.
func (s Settings) Merge(o *Settings) Settings {
	if o == nil {
		return s
	}
	out := s
	if o.InstanceCount > 0 {
		out.InstanceCount = o.InstanceCount
	}
	if o.HumanSurfing != (HumanSurfing{}) {
		out.HumanSurfing = o.HumanSurfing
	}
	if o.SessionDuration != nil {
		out.SessionDuration = o.SessionDuration
	}
	if o.DelayBetweenFlows != nil {
		out.DelayBetweenFlows = o.DelayBetweenFlows
	}
	return out
}

// DatasetRefs names the datasets a job should be built from. TargetSet and
// SettingsProfile are mandatory, ProxySet and PlatformSet are optional and
// entitlement gated.
type DatasetRefs struct {
	TargetSet       string    `json:"targetSet"`
	ProxySet        string    `json:"proxySet,omitempty"`
	PlatformSet     string    `json:"platformSet,omitempty"`
	SettingsProfile string    `json:"settingsProfile"`
	ScheduleID      string    `json:"scheduleId,omitempty"`
	Overrides       *Settings `json:"overrides,omitempty"`
}

// Entitlements is the license matrix of a user, resolved by an external
// collaborator and treated as read-only here.
type Entitlements struct {
	AllowProxies        bool `json:"allowProxies"`
	AllowPlatformCustom bool `json:"allowPlatformCustom"`
	MaxInstances        int  `json:"maxInstances"`
}

// PlatformRequest narrows runner matching. Browser may be empty, meaning
// any browser on the requested OS.
type PlatformRequest struct {
	OS      string `json:"os"`
	Browser string `json:"browser,omitempty"`
}
