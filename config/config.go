package config

import (
	"time"

	"github.com/hatcher/agentloop/llm/fantasyllm"
	"github.com/hatcher/agentloop/pkg/cfg"
	"github.com/hatcher/agentloop/pkg/hertzx"
	"github.com/hatcher/agentloop/pkg/logs"
	"github.com/hatcher/agentloop/pkg/ormx"
	"github.com/hatcher/agentloop/session"
)

// Config is the daemon's full configuration tree.
type Config struct {
	Log logs.LogConfig    `json:"log" yaml:"log" mapstructure:"log"`
	Web hertzx.WebConfig  `json:"web" yaml:"web" mapstructure:"web"`
	DB  *ormx.DBConfig    `json:"db" yaml:"db" mapstructure:"db"`
	LLM fantasyllm.Config `json:"llm" yaml:"llm" mapstructure:"llm"`
	// Judge falls back to the main model when unset.
	Judge    *fantasyllm.Config `json:"judge" yaml:"judge" mapstructure:"judge"`
	Sessions session.Config     `json:"sessions" yaml:"sessions" mapstructure:"sessions"`
	// SweepRetention is how long absorbed sessions stay queryable before
	// eviction.
	SweepRetention time.Duration `json:"sweep_retention" yaml:"sweep-retention" mapstructure:"sweep-retention"`
}

func (c *Config) Prepare() {
	c.Log.Prepare()
	c.Web.Prepare()
	c.Sessions.Prepare()
	if c.SweepRetention <= 0 {
		c.SweepRetention = 10 * time.Minute
	}
}

// Load reads <dir>/<name>.yaml into a prepared Config.
func Load(dir, name string) (*Config, error) {
	var c Config
	if err := cfg.LoadConfig(dir, name, "yaml", &c); err != nil {
		return nil, err
	}
	c.Prepare()
	return &c, nil
}
