package cmd

import (
	"errors"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app       = "cv-matcher"
	envPrefix = "CV_MATCHER"
)

type Config struct {
	Render    RenderConfig    `mapstructure:"render"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Scratch   ScratchConfig   `mapstructure:"scratch"`
	AI        AIConfig        `mapstructure:"ai"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type RenderConfig struct {
	Scale float64 `mapstructure:"scale"`
}

type OCRConfig struct {
	Language    string        `mapstructure:"language"`
	PageTimeout time.Duration `mapstructure:"page-timeout"`
	PagePolicy  string        `mapstructure:"page-policy"`
}

type ScratchConfig struct {
	Backend string   `mapstructure:"backend"`
	Dir     string   `mapstructure:"dir"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	Prefix        string `mapstructure:"prefix"`
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access-key"`
	AccessKeyFile string `mapstructure:"access-key-file"`
	SecretKey     string `mapstructure:"secret-key"`
	SecretKeyFile string `mapstructure:"secret-key-file"`
}

type AIConfig struct {
	Provider string       `mapstructure:"provider"`
	Gemini   GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey         string        `mapstructure:"api-key"`
	APIKeyFile     string        `mapstructure:"api-key-file"`
	Backend        string        `mapstructure:"backend"`
	Project        string        `mapstructure:"project"`
	Location       string        `mapstructure:"location"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding-model"`
	MaxRetries     int           `mapstructure:"max-retries"`
	MaxLogLength   int           `mapstructure:"max-log-length"`
	CallTimeout    time.Duration `mapstructure:"call-timeout"`
}

type PipelineConfig struct {
	ExtractionAttempts int `mapstructure:"extraction-attempts"`
}

type ReconcileConfig struct {
	Oracle    string  `mapstructure:"oracle"`
	Threshold float64 `mapstructure:"threshold"`
}

type WorkerConfig struct {
	AMQPURL     string   `mapstructure:"amqp-url"`
	Queue       string   `mapstructure:"queue"`
	Exchange    string   `mapstructure:"exchange"`
	Concurrency int      `mapstructure:"concurrency"`
	Documents   S3Config `mapstructure:"documents"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "cv-matcher extracts skills, experience and education from a resume and reconciles them with a job description",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is cv-matcher.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	configureViper(viper.GetViper())
}

// configureViper registers defaults and environment overrides. Every key has
// a default so that CV_MATCHER_* variables are picked up on unmarshal.
func configureViper(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("render.scale", 3.0)

	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.page-timeout", "60s")
	v.SetDefault("ocr.page-policy", "skip")

	v.SetDefault("scratch.backend", "dir")
	v.SetDefault("scratch.dir", "temp-pages")
	setS3Defaults(v, "scratch.s3")

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.gemini.api-key", "")
	v.SetDefault("ai.gemini.api-key-file", "")
	v.SetDefault("ai.gemini.backend", "gemini-api")
	v.SetDefault("ai.gemini.project", "")
	v.SetDefault("ai.gemini.location", "")
	v.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	v.SetDefault("ai.gemini.embedding-model", "gemini-embedding-001")
	v.SetDefault("ai.gemini.max-retries", 3)
	v.SetDefault("ai.gemini.max-log-length", 200)
	v.SetDefault("ai.gemini.call-timeout", "2m")

	v.SetDefault("pipeline.extraction-attempts", 2)

	v.SetDefault("reconcile.oracle", "judge")
	// Zero picks the oracle's own default.
	v.SetDefault("reconcile.threshold", 0.0)

	v.SetDefault("worker.amqp-url", "")
	v.SetDefault("worker.queue", "cv-matcher.requests")
	v.SetDefault("worker.exchange", "cv-matcher.updates")
	v.SetDefault("worker.concurrency", 2)
	setS3Defaults(v, "worker.documents")
}

func setS3Defaults(v *viper.Viper, prefix string) {
	for _, key := range []string{"bucket", "prefix", "endpoint", "region", "access-key", "access-key-file", "secret-key", "secret-key-file"} {
		v.SetDefault(prefix+"."+key, "")
	}
}

func initConfig() {
	if versionCmd.CalledAs() != "" {
		return
	}

	// A missing .env file is fine; a broken one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env file: %v", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	return decodeConfig(viper.GetViper())
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
