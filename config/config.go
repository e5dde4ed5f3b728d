// Package config loads the typed route/destination/resilience/broker
// configuration described in spec §6 from a single YAML document. It
// is intentionally dumb: no hot-reload, no validation framework beyond
// the invariants the rest of the tree already enforces on read — spec
// §1 places online reconfiguration and the YAML-loading UI surface
// out of scope, but a runnable appliance still needs the typed result.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/broker"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

// Config is the top-level document, spec §6.
type Config struct {
	Receiver   ReceiverConfig          `yaml:"receiver"`
	Routes     []RouteConfig           `yaml:"routes"`
	Destinations map[string]DestinationConfig `yaml:"destinations"`
	Resilience ResilienceConfig        `yaml:"resilience"`
	Brokers    map[string]BrokerConfig `yaml:"honest_brokers"`
}

// ReceiverConfig is the process-wide receiver knob set.
type ReceiverConfig struct {
	BaseDir             string `yaml:"base_dir"`
	StudyTimeoutSeconds int    `yaml:"study_timeout_seconds"`
}

// RouteConfig mirrors core.Route plus its destination bindings.
type RouteConfig struct {
	AETitle                string                     `yaml:"ae_title"`
	Port                   int                        `yaml:"port"`
	WorkerThreads          int                        `yaml:"worker_threads"`
	MaxConcurrentTransfers int                        `yaml:"max_concurrent_transfers"`
	StudyTimeoutSeconds    int                        `yaml:"study_timeout_seconds"`
	Enabled                bool                       `yaml:"enabled"`
	Destinations           []DestinationBindingConfig `yaml:"destinations"`
}

// DestinationBindingConfig mirrors core.DestinationBinding.
type DestinationBindingConfig struct {
	Destination     string `yaml:"destination"`
	Anonymize       bool   `yaml:"anonymize"`
	AnonScript      string `yaml:"anon_script"`
	ProjectID       string `yaml:"project_id"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	SessionPrefix   string `yaml:"session_prefix"`
	UseHonestBroker bool   `yaml:"use_honest_broker"`
	HonestBroker    string `yaml:"honest_broker"`
	AutoArchive     bool   `yaml:"auto_archive"`
	Priority        int    `yaml:"priority"`
	RetryCount      int    `yaml:"retry_count"`
	RetryDelay      int    `yaml:"retry_delay_seconds"`
	Enabled         bool   `yaml:"enabled"`
}

// DestinationConfig is the union of the three destination kinds; only
// the fields for Type are meaningful, mirroring core.Destination's
// tagged-variant shape (spec §3/§9).
type DestinationConfig struct {
	Type    string `yaml:"type"` // "xnat" | "dicom" | "file"
	Enabled bool   `yaml:"enabled"`

	// xnat
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PoolSize    int    `yaml:"pool_size"`
	TimeoutSecs int    `yaml:"timeout_seconds"`

	// dicom
	CallingAE  string `yaml:"calling_ae"`
	PeerAE     string `yaml:"peer_ae"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	TLS        bool   `yaml:"tls"`
	PKCS12Path string `yaml:"pkcs12_path"`
	PKCS12Pass string `yaml:"pkcs12_password"`

	// file
	BasePath         string `yaml:"base_path"`
	DirectoryPattern string `yaml:"directory_pattern"`
}

// ResilienceConfig mirrors spec §6's resilience knob set.
type ResilienceConfig struct {
	HealthCheckIntervalSeconds int `yaml:"health_check_interval"`
	MaxRetries                 int `yaml:"max_retries"`
	RetryDelaySeconds          int `yaml:"retry_delay"`
	RetentionDays              int `yaml:"retention_days"`
}

// BrokerConfig mirrors spec §6's honest-broker knob set.
type BrokerConfig struct {
	Type              string `yaml:"broker_type"`
	NamingScheme      string `yaml:"naming_scheme"`
	PatientIDPrefix   string `yaml:"patient_id_prefix"`
	CacheEnabled      bool   `yaml:"cache_enabled"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
	CacheMaxSize      int    `yaml:"cache_max_size"`
	DateShiftEnabled  bool   `yaml:"date_shift_enabled"`
	DateShiftMinDays  int    `yaml:"date_shift_min_days"`
	DateShiftMaxDays  int    `yaml:"date_shift_max_days"`
	HashUIDsEnabled   bool   `yaml:"hash_uids_enabled"`
	RemoteBaseURL     string `yaml:"remote_base_url"`
	RemoteUsername    string `yaml:"remote_username"`
	RemotePassword    string `yaml:"remote_password"`
}

// Load reads and parses a YAML config document from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrapf(err, "config: read %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, core.Wrapf(err, "config: parse %s", path)
	}
	return &cfg, nil
}

// ToRoute converts the YAML-shaped RouteConfig into the core.Route
// value the rest of the tree operates on.
func (r RouteConfig) ToRoute() core.Route {
	bindings := make([]core.DestinationBinding, 0, len(r.Destinations))
	for _, d := range r.Destinations {
		bindings = append(bindings, core.DestinationBinding{
			Destination:     d.Destination,
			Anonymize:       d.Anonymize,
			Script:          d.AnonScript,
			ProjectID:       d.ProjectID,
			SubjectPrefix:   d.SubjectPrefix,
			SessionPrefix:   d.SessionPrefix,
			UseHonestBroker: d.UseHonestBroker,
			HonestBroker:    d.HonestBroker,
			AutoArchive:     d.AutoArchive,
			Priority:        d.Priority,
			RetryCount:      d.RetryCount,
			RetryDelay:      d.RetryDelay,
			Enabled:         d.Enabled,
		})
	}
	return core.Route{
		AETitle:                r.AETitle,
		Port:                   r.Port,
		WorkerThreads:          r.WorkerThreads,
		MaxConcurrentTransfers: r.MaxConcurrentTransfers,
		StudyTimeoutSeconds:    r.StudyTimeoutSeconds,
		Enabled:                r.Enabled,
		Destinations:           bindings,
	}
}

// ToDestination converts a YAML-shaped DestinationConfig into the
// core.Destination tagged variant, spec §3/§9.
func (d DestinationConfig) ToDestination(name string) core.Destination {
	dest := core.Destination{Name: name, Enabled: d.Enabled}
	switch d.Type {
	case "xnat":
		dest.Kind = core.KindXNAT
		dest.XNAT = &core.XNATSpec{URL: d.URL, Username: d.Username, Password: d.Password, PoolSize: d.PoolSize, TimeoutSecs: d.TimeoutSecs}
	case "dicom":
		dest.Kind = core.KindDICOMPeer
		dest.DICOM = &core.DICOMPeerSpec{
			CallingAE: d.CallingAE, PeerAE: d.PeerAE, Host: d.Host, Port: d.Port,
			TLS: d.TLS, PKCS12Path: d.PKCS12Path, PKCS12Pass: d.PKCS12Pass,
		}
	case "file":
		dest.Kind = core.KindFileSink
		dest.File = &core.FileSinkSpec{BasePath: d.BasePath, DirectoryPattern: d.DirectoryPattern}
	}
	return dest
}

// ToBrokerConfig converts a YAML-shaped BrokerConfig into broker.Config
// for the named broker.
func (b BrokerConfig) ToBrokerConfig(name string) broker.Config {
	return broker.Config{
		Name:             name,
		Type:             b.Type,
		NamingScheme:     broker.NamingScheme(b.NamingScheme),
		PatientIDPrefix:  b.PatientIDPrefix,
		CacheEnabled:     b.CacheEnabled,
		CacheTTLSeconds:  b.CacheTTLSeconds,
		CacheMaxSize:     b.CacheMaxSize,
		DateShiftEnabled: b.DateShiftEnabled,
		DateShiftMinDays: b.DateShiftMinDays,
		DateShiftMaxDays: b.DateShiftMaxDays,
		HashUIDsEnabled:  b.HashUIDsEnabled,
		RemoteBaseURL:    b.RemoteBaseURL,
		RemoteUsername:   b.RemoteUsername,
		RemotePassword:   b.RemotePassword,
	}
}
