package config

import (
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/securewatch/agent/internal/agenterrors"
)

// PersistAgentID rewrites the agent_id field of the document at path in
// place, leaving every other field untouched. Used once at startup when the
// supervisor synthesizes an identity because none was configured (spec.md
// §4.2: "persist the resulting identity alongside config").
func PersistAgentID(path, agentID string) error {
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		return agenterrors.NewConfigurationError("failed to read config for agent_id persistence", err)
	}
	v.Set("agent_id", agentID)
	if err := v.WriteConfig(); err != nil {
		return agenterrors.NewConfigurationError("failed to persist agent_id", err)
	}
	return nil
}
