package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"forgeloop/internal/llmclient"
	"forgeloop/internal/utils"
)

// OrchestratorConfig is the typed view over the §6 configuration table that
// cmd/forgeloop wires into the Git Mutex, LLM Client, Planner, Worker Pool,
// and Reconciler. Load populates viper with these keys (under the
// FORGELOOP_ env prefix); LoadOrchestratorConfig reads them back typed.
type OrchestratorConfig struct {
	LLMEndpoints   []llmclient.Endpoint
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64

	GitRepoURL string
	GitToken   string

	MaxWorkers     int
	WorkerTimeout  time.Duration
	MergeStrategy  string
	TargetRepoPath string

	LoopSleep            time.Duration
	MinHandoffsForReplan int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxConsecutiveErrors int

	ReconcileInterval time.Duration
}

// rawEndpoint is the JSON shape of one LLM_ENDPOINTS array entry.
type rawEndpoint struct {
	Name     string  `json:"name"`
	Endpoint string  `json:"endpoint"`
	APIKey   string  `json:"apiKey"`
	Weight   float64 `json:"weight"`
}

// LoadOrchestratorConfig reads the §6 configuration table from viper, which
// must already have been populated by Load. LLM_ENDPOINTS is parsed as a
// JSON array; an empty or missing value is returned as a nil slice rather
// than an error, since some orchestrator modes (e.g. validation-only runs)
// never construct an LLM client.
func LoadOrchestratorConfig() (OrchestratorConfig, error) {
	cfg := OrchestratorConfig{
		LLMModel:             viper.GetString("llm_model"),
		LLMMaxTokens:         viper.GetInt("llm_max_tokens"),
		LLMTemperature:       viper.GetFloat64("llm_temperature"),
		GitRepoURL:           viper.GetString("git_repo_url"),
		GitToken:             viper.GetString("git_token"),
		MaxWorkers:           viper.GetInt("max_workers"),
		WorkerTimeout:        time.Duration(viper.GetInt("worker_timeout")) * time.Second,
		MergeStrategy:        viper.GetString("merge_strategy"),
		TargetRepoPath:       viper.GetString("target_repo_path"),
		LoopSleep:            time.Duration(viper.GetInt("loop_sleep_ms")) * time.Millisecond,
		MinHandoffsForReplan: viper.GetInt("min_handoffs_for_replan"),
		BackoffBase:          time.Duration(viper.GetInt("backoff_base_ms")) * time.Millisecond,
		BackoffMax:           time.Duration(viper.GetInt("backoff_max_ms")) * time.Millisecond,
		MaxConsecutiveErrors: viper.GetInt("max_consecutive_errors"),
	}

	cfg.ReconcileInterval = 5 * time.Minute
	if raw := viper.GetString("reconcile_interval"); raw != "" {
		d, err := utils.ParseStaleDuration(raw)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		cfg.ReconcileInterval = d
	}

	if raw := viper.GetString("llm_endpoints"); raw != "" {
		var entries []rawEndpoint
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return cfg, fmt.Errorf("config: LLM_ENDPOINTS is not a valid JSON array: %w", err)
		}
		for _, e := range entries {
			cfg.LLMEndpoints = append(cfg.LLMEndpoints, llmclient.Endpoint{
				Name:   e.Name,
				URL:    e.Endpoint,
				APIKey: e.APIKey,
				Weight: e.Weight,
			})
		}
	}

	return cfg, nil
}
