// Package config implements the layered configuration merge: defaults <
// optional config file < AGENTENGINE_* environment variables < CLI flags,
// producing a frozen RunnerConfig before the loop starts. The agent
// definition file is not one of these layers: it is loaded separately,
// and cmd/agentrun applies only --iterate-max on top of it. Layering is done with
// github.com/spf13/viper the way Nuulab-GoFlow and RedClaus-cortex do it.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// RunnerConfig is the frozen, immutable configuration the Runner
// constructs its components from.
type RunnerConfig struct {
	AgentDefPath string
	Issue        int
	Project      int
	IterateMax   int
	Branch       string
	BaseBranch   string
	Resume       bool
	PermissionMode string
	Label          string

	// ResumeReloadsSummaries resolves the decided open question about
	// --resume semantics: false (the default) means --resume only
	// restores the SDK session id; prior IterationSummaries are never
	// replayed into the new run.
	ResumeReloadsSummaries bool

	RedisAddr   string
	MongoURI    string
	WorktreeRoot string

	ShutdownGrace time.Duration
}

// Load builds a RunnerConfig from defaults, an optional config file,
// AGENTENGINE_* environment variables, and bound CLI flags, in that
// precedence order (later layers win). Flag names
// are kebab-case (the CLI surface); viper keys mirror them verbatim since
// BindPFlags registers a flag under its exact name.
func Load(flags *pflag.FlagSet, configFile string) (RunnerConfig, error) {
	v := viper.New()

	v.SetDefault("iterate-max", 0)
	v.SetDefault("permission-mode", "default")
	v.SetDefault("resume-reloads-summaries", false)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("worktree-root", ".worktrees")
	v.SetDefault("shutdown-grace", 10*time.Second)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return RunnerConfig{}, err
		}
	}

	v.SetEnvPrefix("AGENTENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return RunnerConfig{}, err
		}
	}

	return RunnerConfig{
		AgentDefPath:           v.GetString("agent-def"),
		Issue:                  v.GetInt("issue"),
		Project:                v.GetInt("project"),
		IterateMax:             v.GetInt("iterate-max"),
		Branch:                 v.GetString("branch"),
		BaseBranch:             v.GetString("base-branch"),
		Resume:                 v.GetBool("resume"),
		PermissionMode:         v.GetString("permission-mode"),
		Label:                  v.GetString("label"),
		ResumeReloadsSummaries: v.GetBool("resume-reloads-summaries"),
		RedisAddr:              v.GetString("redis-addr"),
		MongoURI:               v.GetString("mongo-uri"),
		WorktreeRoot:           v.GetString("worktree-root"),
		ShutdownGrace:          v.GetDuration("shutdown-grace"),
	}, nil
}
