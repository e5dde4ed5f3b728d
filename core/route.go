package core

// DestinationBinding is a route's per-destination configuration, see
// spec §3 "Destination binding". Invariant: Anonymize=true with an
// empty Script resolves to "hipaa_standard"; Anonymize=false resolves
// to "passthrough".
type DestinationBinding struct {
	Destination      string
	Anonymize        bool
	Script           string
	ProjectID        string
	SubjectPrefix    string
	SessionPrefix    string
	UseHonestBroker  bool
	HonestBroker     string
	AutoArchive      bool
	Priority         int
	RetryCount       int
	RetryDelay       int // seconds
	Enabled          bool
}

const (
	// ScriptHIPAAStandard is the built-in script used when a binding
	// requests anonymization without naming an override script.
	ScriptHIPAAStandard = "hipaa_standard"
	// ScriptPassthrough is the built-in no-op script for bindings with
	// Anonymize=false.
	ScriptPassthrough = "passthrough"
)

// ResolvedScript implements the spec §3 invariant for binding->script
// resolution.
func (b *DestinationBinding) ResolvedScript() string {
	if !b.Anonymize {
		return ScriptPassthrough
	}
	if b.Script == "" {
		return ScriptHIPAAStandard
	}
	return b.Script
}

// Route is loaded once at startup: AE title, listening port, worker
// concurrency, destination bindings, and the quiescence timeout. A route
// carries no anonymization script of its own; scripts are chosen per
// destination binding (DestinationBinding.Script).
type Route struct {
	AETitle               string
	Port                  int
	WorkerThreads         int
	MaxConcurrentTransfers int
	StudyTimeoutSeconds   int
	Enabled               bool
	Destinations          []DestinationBinding
}

// StudyTimeoutSecondsOrDefault returns the quiescence window in seconds,
// or 30 when StudyTimeoutSeconds is unset or not positive.
func (r *Route) StudyTimeoutSecondsOrDefault() int {
	if r.StudyTimeoutSeconds <= 0 {
		return 30
	}
	return r.StudyTimeoutSeconds
}
