package fantasyllm

import (
	"strings"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/charmbracelet/catwalk/pkg/embedded"

	"github.com/hatcher/agentloop/pkg/logs"
)

// knownProvider 从内置目录查询 provider 元数据
func knownProvider(id string) (*catwalk.Provider, bool) {
	for _, p := range embedded.GetAll() {
		if strings.EqualFold(string(p.ID), id) {
			return &p, true
		}
	}
	return nil, false
}

// Resolve fills an empty Model from the provider's catalog default and
// warns when the requested model is not listed there. Unknown providers
// pass through untouched so openai-compatible endpoints keep working.
func (cfg *Config) Resolve() {
	p, ok := knownProvider(cfg.Provider)
	if !ok {
		return
	}
	if cfg.Model == "" {
		cfg.Model = p.DefaultLargeModelID
		logs.Infof("model not set for provider %s, using catalog default %s", cfg.Provider, cfg.Model)
		return
	}
	for _, m := range p.Models {
		if m.ID == cfg.Model {
			return
		}
	}
	logs.Warnf("model %s not in %s catalog, passing through as-is", cfg.Model, cfg.Provider)
}
