package main

import (
	"context"
	"flag"
	"time"

	appconfig "github.com/hatcher/agentloop/config"
	"github.com/hatcher/agentloop/coordinator"
	"github.com/hatcher/agentloop/evaluator"
	"github.com/hatcher/agentloop/llm"
	"github.com/hatcher/agentloop/llm/fantasyllm"
	"github.com/hatcher/agentloop/pkg/hertzx"
	"github.com/hatcher/agentloop/pkg/logs"
	"github.com/hatcher/agentloop/server"
	"github.com/hatcher/agentloop/session"
	"github.com/hatcher/agentloop/store"
	"github.com/hatcher/agentloop/tools"
)

var (
	confDir  = flag.String("conf", "./conf", "config directory")
	confName = flag.String("name", "agentloop", "config file name without suffix")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	cfg, err := appconfig.Load(*confDir, *confName)
	if err != nil {
		logs.Fatalf("load config failed: %v", err)
	}
	if err := logs.InitLogger(cfg.Log, "agentloop.log"); err != nil {
		logs.Fatalf("init logger failed: %v", err)
	}

	backend, err := fantasyllm.New(ctx, cfg.LLM)
	if err != nil {
		logs.Fatalf("build llm backend failed: %v", err)
	}
	var judgeBackend llm.Backend = backend
	if cfg.Judge != nil {
		judgeBackend, err = fantasyllm.New(ctx, *cfg.Judge)
		if err != nil {
			logs.Fatalf("build judge backend failed: %v", err)
		}
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		logs.Fatalf("register builtin tools failed: %v", err)
	}

	registry := session.NewRegistry()
	defer registry.Shutdown()

	eval := evaluator.New(backend, toolReg, evaluator.WithJudgeBackend(judgeBackend))
	coord := coordinator.New(registry, eval, toolReg)
	coord.SetDefaultConfig(cfg.Sessions)

	var st *store.Store
	if cfg.DB != nil {
		st, err = store.New(*cfg.DB)
		if err != nil {
			logs.Fatalf("open snapshot store failed: %v", err)
		}
		sweeper := store.NewSweeper(registry, st, cfg.SweepRetention)
		if err := sweeper.Start(); err != nil {
			logs.Fatalf("start sweeper failed: %v", err)
		}
		defer func() {
			sweeper.Stop()
			pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sweeper.PersistAll(pctx); err != nil {
				logs.Errorf("persist sessions on shutdown failed: %v", err)
			}
		}()
	}

	h := hertzx.WebEngine(cfg.Web)
	server.New(coord, st).RegisterRoutes(h)

	logs.Infof("agentloop listening on %s:%d, model %s", cfg.Web.Host, cfg.Web.Port, backend.Name())
	h.Spin()
}
