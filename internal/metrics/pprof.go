package metrics

import (
	"fmt"
	"time"

	"tokenpulse/internal/config"

	"github.com/grafana/pyroscope-go"
	"gitlab.com/nevasik7/alerting/logger"
)

var defaultProfileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,

	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,

	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
}

var profileTypesByName = map[string]pyroscope.ProfileType{
	"cpu":            pyroscope.ProfileCPU,
	"alloc_objects":  pyroscope.ProfileAllocObjects,
	"alloc_space":    pyroscope.ProfileAllocSpace,
	"inuse_objects":  pyroscope.ProfileInuseObjects,
	"inuse_space":    pyroscope.ProfileInuseSpace,
	"goroutines":     pyroscope.ProfileGoroutines,
	"mutex_count":    pyroscope.ProfileMutexCount,
	"mutex_duration": pyroscope.ProfileMutexDuration,
	"block_count":    pyroscope.ProfileBlockCount,
	"block_duration": pyroscope.ProfileBlockDuration,
}

// Continuous profiling, nil profiler when disabled
func InitPProf(log logger.Logger, instanceID string, cfg *config.PyroscopeConfig) (*pyroscope.Profiler, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("pyroscope server_addr is required")
	}

	types, err := profileTypes(cfg.ProfileTypes)
	if err != nil {
		return nil, err
	}

	appName := cfg.AppName
	if appName == "" {
		appName = "tokenpulse"
	}

	return pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   cfg.ServerAddr,
		AuthToken:       cfg.AuthToken,
		Logger:          log, // Infof/Debugf/Errorf
		Tags:            profileTags(instanceID, cfg.Tags),
		UploadRate:      orDefault(cfg.UploadRate, 15*time.Second),
		ProfileTypes:    types,
	})
}

// Configured tags win over the defaults
func profileTags(instanceID string, extra map[string]string) map[string]string {
	tags := map[string]string{
		"env":      "dev",
		"instance": instanceID,
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

func profileTypes(names []string) ([]pyroscope.ProfileType, error) {
	if len(names) == 0 {
		return defaultProfileTypes, nil
	}

	out := make([]pyroscope.ProfileType, 0, len(names))
	for _, n := range names {
		t, ok := profileTypesByName[n]
		if !ok {
			return nil, fmt.Errorf("unknown pyroscope profile type %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
