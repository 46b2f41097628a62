package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded without restarting workers are tracked;
// connection endpoints and provider credentials always require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectorChanged is true when any speech-predicate tunable changed.
	// New detectors pick the values up; running ones finish on the old ones.
	DetectorChanged bool
	NewDetector     DetectorConfig

	// ConversationChanged is true when any monitor tunable changed.
	ConversationChanged bool
	NewConversation     ConversationConfig
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DetectorChanged && !d.ConversationChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Detector != new.Detector {
		d.DetectorChanged = true
		d.NewDetector = new.Detector
	}
	if old.Conversation != new.Conversation {
		d.ConversationChanged = true
		d.NewConversation = new.Conversation
	}
	return d
}
