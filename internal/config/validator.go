package config

import (
	"fmt"
	"regexp"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills derived defaults (topics, QoS).
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(c.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if c.Upload.BatchSize < 0 {
		return fmt.Errorf("upload.batch_size must be >= 0")
	}
	if c.Upload.RetentionDays != nil && *c.Upload.RetentionDays < 0 {
		return fmt.Errorf("upload.retention_days must be >= 0")
	}
	if c.Upload.Bucket == "" && c.Upload.Endpoint != "" {
		return fmt.Errorf("upload.bucket is required when upload.endpoint is set")
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate source id '%s'", i, src.ID)
		}
		seen[src.ID] = true
		if src.ModelID == "" {
			return fmt.Errorf("source '%s': model_id is required", src.ID)
		}
		switch types.SourceKind(src.Kind) {
		case types.SourceCamera:
			// camera adapter is supplied by the surrounding application
		case types.SourceFolder:
			if src.FolderPath == "" {
				return fmt.Errorf("source '%s': folder_path is required for file-folder sources", src.ID)
			}
		case types.SourceStream:
			if src.RTSPURL == "" {
				return fmt.Errorf("source '%s': rtsp_url is required for stream sources", src.ID)
			}
		default:
			return fmt.Errorf("source '%s': unknown kind '%s' (must be camera, file-folder or stream)", src.ID, src.Kind)
		}
		if src.ScheduleIntervalS < 0 {
			return fmt.Errorf("source '%s': schedule_interval_s must be >= 0", src.ID)
		}
	}

	// MQTT is optional; fill topic defaults only when a broker is configured
	if c.MQTT.Broker != "" {
		if c.MQTT.Topics.Control == "" {
			c.MQTT.Topics.Control = fmt.Sprintf("dda/control/%s", c.InstanceID)
		}
		if c.MQTT.Topics.Events == "" {
			c.MQTT.Topics.Events = fmt.Sprintf("dda/events/%s", c.InstanceID)
		}
		if c.MQTT.Topics.Health == "" {
			c.MQTT.Topics.Health = fmt.Sprintf("dda/health/%s", c.InstanceID)
		}
		if c.MQTT.QoS == nil {
			c.MQTT.QoS = map[string]byte{
				"control": 1,
				"events":  1,
				"health":  0,
			}
		}
	}

	return nil
}
