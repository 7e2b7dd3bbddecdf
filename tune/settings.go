package tune

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full autotune configuration, loadable from a YAML file.
type Settings struct {
	Output        string                `yaml:"output"`
	Fields        Fields                `yaml:"fields"`
	SLO           SLOSettings           `yaml:"slo"`
	PSO           PSOSettings           `yaml:"pso"`
	Schedule      ScheduleSettings      `yaml:"schedule"`
	Communication CommunicationSettings `yaml:"communication"`
	Server        ServerSettings        `yaml:"server"`
	Benchmark     BenchmarkSettings     `yaml:"benchmark"`
	Simulator     SimulatorSettings     `yaml:"simulator"`
	Kubernetes    KubernetesSettings    `yaml:"kubernetes"`
	Storage       StorageSettings       `yaml:"storage"`
	Backup        BackupSettings        `yaml:"backup"`
}

// SLOSettings holds the fitness and fine-tuning knobs.
type SLOSettings struct {
	TTFTSLO          float64 `yaml:"ttft_slo"`
	TPOTSLO          float64 `yaml:"tpot_slo"`
	TTFTPenalty      float64 `yaml:"ttft_penalty"`
	TPOTPenalty      float64 `yaml:"tpot_penalty"`
	SLOCoefficient   float64 `yaml:"slo_coefficient"`
	StepSize         float64 `yaml:"step_size"`
	LatencyWeight    float64 `yaml:"latency_weight"`
	MaxFineTuneSteps int     `yaml:"max_fine_tune_steps"`
	RefineTopK       int     `yaml:"refine_top_k"`
}

// PSOSettings configures the swarm.
type PSOSettings struct {
	Particles  int     `yaml:"particles"`
	Iterations int     `yaml:"iterations"`
	C1         float64 `yaml:"c1"`
	C2         float64 `yaml:"c2"`
	W          float64 `yaml:"w"`
	FTol       float64 `yaml:"ftol"`
	FTolIter   int     `yaml:"ftol_iter"`
	Seed       uint64  `yaml:"seed"`
}

// ScheduleSettings bounds the waits of one run.
type ScheduleSettings struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CommunicationSettings locates the shared mailbox files for multi-machine runs.
type CommunicationSettings struct {
	CmdFile      string        `yaml:"cmd_file"`
	ResFile      string        `yaml:"res_file"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerSettings describes the real target server.
type ServerSettings struct {
	Model          string            `yaml:"model"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Command        string            `yaml:"command"`
	ExtraArgs      []string          `yaml:"extra_args"`
	ConfigTemplate string            `yaml:"config_template"`
	ConfigPath     string            `yaml:"config_path"`
	WorkDir        string            `yaml:"work_dir"`
	Env            map[string]string `yaml:"env"`
	HealthPath     string            `yaml:"health_path"`
	StopGrace      time.Duration     `yaml:"stop_grace"`
}

// BenchmarkSettings describes the load.
type BenchmarkSettings struct {
	NumPrompts   int           `yaml:"num_prompts"`
	PromptTokens int           `yaml:"prompt_tokens"`
	OutputTokens int           `yaml:"output_tokens"`
	Streaming    bool          `yaml:"streaming"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	RateSweep    []float64     `yaml:"rate_sweep"`
	Command      []string      `yaml:"command"`
	ResultFile   string        `yaml:"result_file"`
}

// SimulatorSettings parameterizes the in-process latency predictor.
type SimulatorSettings struct {
	AlphaCoeffs   []float64 `yaml:"alpha_coeffs"`
	BetaCoeffs    []float64 `yaml:"beta_coeffs"`
	TotalKVBlocks int64     `yaml:"total_kv_blocks"`
	BlockSize     int64     `yaml:"block_size"`
	CacheFile     string    `yaml:"cache_file"`
}

// KubernetesSettings describes the cluster deployment backend.
type KubernetesSettings struct {
	Namespace   string `yaml:"namespace"`
	Image       string `yaml:"image"`
	Kubeconfig  string `yaml:"kubeconfig"`
	GPUResource string `yaml:"gpu_resource"`
	GPUCount    int64  `yaml:"gpu_count"`
}

// StorageSettings configures optional ledger mirrors.
type StorageSettings struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BackupSettings configures run snapshots.
type BackupSettings struct {
	Enabled          bool   `yaml:"enabled"`
	FolderLimitBytes int64  `yaml:"folder_limit_bytes"`
	S3Bucket         string `yaml:"s3_bucket"`
	S3Prefix         string `yaml:"s3_prefix"`
	S3Region         string `yaml:"s3_region"`
}

// DefaultSettings returns a configuration that tunes a local vLLM server.
func DefaultSettings() Settings {
	return Settings{
		Output: "result",
		Fields: DefaultVllmFields(),
		SLO: SLOSettings{
			TTFTSLO:          0.5,
			TPOTSLO:          0.05,
			TTFTPenalty:      0,
			TPOTPenalty:      3.0,
			SLOCoefficient:   0.1,
			StepSize:         0.5,
			LatencyWeight:    0.1,
			MaxFineTuneSteps: 8,
			RefineTopK:       3,
		},
		PSO: PSOSettings{
			Particles:  10,
			Iterations: 20,
			C1:         0.5,
			C2:         0.3,
			W:          0.9,
			FTol:       1e-3,
			FTolIter:   3,
			Seed:       42,
		},
		Schedule: ScheduleSettings{
			ReadyTimeout: 10 * time.Minute,
			RunTimeout:   time.Hour,
			PollInterval: time.Second,
		},
		Communication: CommunicationSettings{
			CmdFile:      "comm/cmd.txt",
			ResFile:      "comm/res.txt",
			Timeout:      2 * time.Minute,
			PollInterval: 200 * time.Millisecond,
		},
		Server: ServerSettings{
			Host:       "127.0.0.1",
			Port:       8000,
			HealthPath: "/health",
			StopGrace:  10 * time.Second,
		},
		Benchmark: BenchmarkSettings{
			NumPrompts:   200,
			PromptTokens: 512,
			OutputTokens: 256,
			Streaming:    true,
			Timeout:      30 * time.Minute,
			RateSweep:    []float64{1.0},
		},
		Simulator: SimulatorSettings{
			AlphaCoeffs:   []float64{1601.35, 3.51, 1805.54},
			BetaCoeffs:    []float64{6910.42, 17.67, 2.84},
			TotalKVBlocks: 132139,
			BlockSize:     16,
		},
		Kubernetes: KubernetesSettings{
			Namespace:   "autotune",
			Image:       "vllm/vllm-openai:latest",
			GPUResource: "nvidia.com/gpu",
			GPUCount:    1,
		},
		Backup: BackupSettings{
			FolderLimitBytes: 10 << 30,
		},
	}
}

// DefaultVllmFields is the search space used when no fields are configured.
func DefaultVllmFields() Fields {
	return Fields{
		{Name: "max_num_seqs", ConfigPosition: "--max-num-seqs", Min: 16, Max: 512, DType: DTypeInt, Value: 256},
		{Name: "max_num_batched_tokens", ConfigPosition: "--max-num-batched-tokens", Min: 1024, Max: 16384, DType: DTypeInt, Value: 2048},
		{Name: "long_prefill_token_threshold", ConfigPosition: "--long-prefill-token-threshold", Min: 0.05, Max: 1, DType: DTypeRatio, Base: "max_num_batched_tokens", Value: 1},
		{Name: "enable_chunked_prefill", ConfigPosition: "--enable-chunked-prefill", Min: 0, Max: 1, DType: DTypeBool, Value: 1},
		{Name: "scheduling_policy", ConfigPosition: "--scheduling-policy", Min: 0, Max: 1, DType: DTypeEnum, Choices: []float64{0, 1}, Labels: []string{"fcfs", "priority"}, Value: 0},
		{Name: "gpu_memory_utilization", ConfigPosition: "--gpu-memory-utilization", Min: 0.7, Max: 0.95, DType: DTypeFloat, Value: 0.9},
		{Name: FieldConcurrency, ConfigPosition: PositionEnv, Min: 10, Max: 1000, DType: DTypeInt, Value: 100},
		{Name: FieldRequestRate, ConfigPosition: PositionEnv, Min: 1, Max: 100, DType: DTypeFloat, Value: 10},
	}
}

// LoadSettings reads a YAML file over DefaultSettings. Unknown keys are errors.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading settings: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return s, fmt.Errorf("parsing settings: %w", err)
	}
	return s, nil
}

// Validate checks value ranges and the field set.
func (s Settings) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("no fields configured")
	}
	if err := s.Fields.Validate(); err != nil {
		return err
	}
	if s.SLO.TTFTSLO <= 0 || s.SLO.TPOTSLO <= 0 {
		return fmt.Errorf("slo: ttft_slo and tpot_slo must be > 0, got %v and %v", s.SLO.TTFTSLO, s.SLO.TPOTSLO)
	}
	if s.SLO.TTFTPenalty < 0 || s.SLO.TPOTPenalty < 0 {
		return fmt.Errorf("slo: penalties must be >= 0")
	}
	if s.SLO.StepSize <= 0 || s.SLO.StepSize > 1 {
		return fmt.Errorf("slo: step_size must be in (0, 1], got %v", s.SLO.StepSize)
	}
	if s.SLO.SLOCoefficient < 0 {
		return fmt.Errorf("slo: slo_coefficient must be >= 0, got %v", s.SLO.SLOCoefficient)
	}
	if s.PSO.Particles < 1 || s.PSO.Iterations < 1 {
		return fmt.Errorf("pso: particles and iterations must be >= 1")
	}
	if s.PSO.FTolIter < 1 {
		return fmt.Errorf("pso: ftol_iter must be >= 1, got %d", s.PSO.FTolIter)
	}
	if s.Schedule.PollInterval <= 0 || s.Schedule.ReadyTimeout <= 0 || s.Schedule.RunTimeout <= 0 {
		return fmt.Errorf("schedule: timeouts and poll_interval must be > 0")
	}
	if len(s.Benchmark.RateSweep) == 0 {
		return fmt.Errorf("benchmark: rate_sweep must not be empty")
	}
	for _, m := range s.Benchmark.RateSweep {
		if m <= 0 {
			return fmt.Errorf("benchmark: rate_sweep multipliers must be > 0, got %v", m)
		}
	}
	return nil
}

// ValidEngines is the set of recognized target-server engines.
var ValidEngines = map[string]bool{"vllm": true, "simulate": true, "kubernetes": true}

// ValidDeployPolicies is the set of recognized deploy policies.
var ValidDeployPolicies = map[string]bool{"single": true, "multiple": true}

// ValidPDPolicies is the set of recognized prefill/decode policies.
var ValidPDPolicies = map[string]bool{"competition": true, "disaggregation": true}

// ValidBenchmarkPolicies is the set of recognized benchmark drivers.
var ValidBenchmarkPolicies = map[string]bool{"http": true, "vllm_benchmark": true}
